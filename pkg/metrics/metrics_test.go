package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordIsNilSafe(t *testing.T) {
	Record(nil, EventBargeIn, nil, nil)
	mem := NewMemoryObserver()
	Record(mem, EventBargeIn, map[string]string{"stream_id": "s1"}, nil)
	assert.Equal(t, 1, mem.Count(EventBargeIn))
}

func TestAsyncObserverDelivers(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 4)
	async.RecordEvent(MetricsEvent{Name: EventMarkAck, Time: time.Now()})
	require.Eventually(t, func() bool { return mem.Count(EventMarkAck) == 1 }, time.Second, 5*time.Millisecond)
	async.Close()
	async.RecordEvent(MetricsEvent{Name: EventMarkAck})
	assert.Equal(t, int64(0), async.Dropped())
}

func TestJSONLObserverWritesLine(t *testing.T) {
	var buf bytes.Buffer
	obs := NewJSONLObserver(&buf)
	obs.RecordEvent(MetricsEvent{
		Name:   EventToolInvoked,
		Time:   time.Now(),
		Value:  1,
		Tags:   map[string]string{"tool": "checkPrice"},
		Fields: map[string]any{"ok": true},
	})
	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, `"name":"tool_invoked"`)
	assert.Contains(t, line, `"tool":"checkPrice"`)
	assert.NoError(t, obs.Close())
}

func TestAsyncObserverCloseFlushesBuffered(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 64)
	for i := 0; i < 50; i++ {
		async.RecordEvent(MetricsEvent{Name: EventSegmentEmitted})
	}
	async.Close()
	async.Close()
	assert.Equal(t, 50, mem.Count(EventSegmentEmitted))
}
