// Package playback tracks audio the caller has not heard yet.
package playback

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultInterruptLength is the interim transcript length above which the
// caller is considered to be talking over the agent.
const DefaultInterruptLength = 5

// Mark is a label sent after an audio chunk; the telephony side echoes it
// back once the chunk has played.
type Mark struct {
	Label        string
	Sequence     int64
	SegmentIndex *int
}

type Stats struct {
	Sent        int64
	Acked       int64
	Cleared     int64
	Outstanding int
}

// Tracker holds outstanding marks in send order.
type Tracker struct {
	mu              sync.Mutex
	marks           []Mark
	seq             int64
	sent            int64
	acked           int64
	cleared         int64
	interruptLength int
}

func NewTracker(interruptLength int) *Tracker {
	if interruptLength <= 0 {
		interruptLength = DefaultInterruptLength
	}
	return &Tracker{interruptLength: interruptLength}
}

// Next allocates a mark with a fresh label and records it as outstanding.
func (t *Tracker) Next(segmentIndex *int) Mark {
	m := t.Reserve(segmentIndex)
	t.Add(m)
	return m
}

// Reserve allocates a label and sequence without recording the mark. Pass
// it to Add once the carrier has accepted it.
func (t *Tracker) Reserve(segmentIndex *int) Mark {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	return Mark{Label: uuid.NewString(), Sequence: t.seq, SegmentIndex: segmentIndex}
}

// Add records a mark as outstanding.
func (t *Tracker) Add(m Mark) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(m)
}

func (t *Tracker) add(m Mark) {
	t.marks = append(t.marks, m)
	t.sent++
}

// Ack removes the first outstanding mark with label. Unknown labels are
// ignored.
func (t *Tracker) Ack(label string) (Mark, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.marks {
		if m.Label == label {
			t.marks = append(t.marks[:i], t.marks[i+1:]...)
			t.acked++
			return m, true
		}
	}
	return Mark{}, false
}

// Clear drops every outstanding mark and returns how many there were.
func (t *Tracker) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.marks)
	t.marks = nil
	t.cleared += int64(n)
	return n
}

func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.marks)
}

// Pending returns the outstanding marks in send order.
func (t *Tracker) Pending() []Mark {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Mark(nil), t.marks...)
}

// ShouldInterrupt reports whether interim speech of this length should cut
// off playback.
func (t *Tracker) ShouldInterrupt(interim string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.marks) > 0 && len(interim) > t.interruptLength
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Sent: t.sent, Acked: t.acked, Cleared: t.cleared, Outstanding: len(t.marks)}
}
