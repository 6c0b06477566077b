package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanm/call-gpt/pkg/llm"
	"github.com/ryanm/call-gpt/pkg/metrics"
	"github.com/ryanm/call-gpt/pkg/pipeline"
	"github.com/ryanm/call-gpt/pkg/providers/mock"
	"github.com/ryanm/call-gpt/pkg/tools"
)

type harness struct {
	loop *pipeline.Loop
	orc  *Orchestrator
	obs  *metrics.MemoryObserver

	mu       sync.Mutex
	segments []Segment
	invoked  []ToolInvocation
	done     chan int
}

func newHarness(t *testing.T, client llm.Client, catalog *tools.Catalog) *harness {
	t.Helper()
	loop := pipeline.NewLoop(nil)
	loop.Start()
	t.Cleanup(loop.Stop)

	h := &harness{loop: loop, obs: metrics.NewMemoryObserver(), done: make(chan int, 8)}
	h.orc = New(context.Background(), NewConversation(DefaultSystemPrompt, DefaultGreeting), Config{
		Client:   client,
		Tools:    catalog,
		Poster:   loop,
		Observer: h.obs,
		StreamID: "MZ-test",
	})
	h.orc.OnReply(func(s Segment) {
		h.mu.Lock()
		h.segments = append(h.segments, s)
		h.mu.Unlock()
	})
	h.orc.OnToolInvoked(func(inv ToolInvocation) {
		h.mu.Lock()
		h.invoked = append(h.invoked, inv)
		h.mu.Unlock()
	})
	h.orc.OnCycleDone(func(interaction int) { h.done <- interaction })
	t.Cleanup(func() { loop.Post(h.orc.Close) })
	return h
}

func (h *harness) run(t *testing.T, text string, interaction int) {
	t.Helper()
	h.loop.Post(func() { h.orc.Completion(text, interaction, llm.RoleUser, llm.RoleUser) })
	select {
	case got := <-h.done:
		assert.Equal(t, interaction, got)
	case <-time.After(2 * time.Second):
		t.Fatal("completion cycle did not finish")
	}
}

func (h *harness) texts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.segments))
	for _, s := range h.segments {
		out = append(out, s.Text)
	}
	return out
}

func (h *harness) snapshot() []Segment {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Segment(nil), h.segments...)
}

func content(parts ...string) []llm.Delta {
	out := make([]llm.Delta, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, llm.Delta{Content: p})
	}
	return append(out, llm.Delta{FinishReason: llm.FinishStop})
}

func TestSegmentsFlushOnPunctuation(t *testing.T) {
	client := mock.NewLLMClient(mock.LLMConfig{Script: [][]llm.Delta{
		content("Sure", ",", " I can", " help", ".", " What", " model"),
	}})
	h := newHarness(t, client, tools.NewCatalog(tools.Options{}))
	h.run(t, "hi there", 1)

	assert.Equal(t, []string{"Sure,", "I can help.", "What model"}, h.texts())
	for i, s := range h.snapshot() {
		require.NotNil(t, s.Index)
		assert.Equal(t, i, *s.Index)
		assert.Equal(t, 1, s.InteractionCount)
	}
	assert.Equal(t, 3, h.obs.Count(metrics.EventSegmentEmitted))
}

func TestSegmentsFlushAtLength(t *testing.T) {
	client := mock.NewLLMClient(mock.LLMConfig{Script: [][]llm.Delta{
		content("abcdefghij", "abcdefghij", "abcdefghij", "tail"),
	}})
	h := newHarness(t, client, tools.NewCatalog(tools.Options{}))
	h.run(t, "go", 0)

	assert.Equal(t, []string{"abcdefghijabcdefghijabcdefghij", "tail"}, h.texts())
}

func TestWhitespaceBufferDoesNotConsumeIndex(t *testing.T) {
	client := mock.NewLLMClient(mock.LLMConfig{Script: [][]llm.Delta{
		content("One.", "Two.", "   "),
	}})
	h := newHarness(t, client, tools.NewCatalog(tools.Options{}))
	h.run(t, "count", 0)

	segs := h.snapshot()
	require.Len(t, segs, 2)
	assert.Equal(t, 0, *segs[0].Index)
	assert.Equal(t, 1, *segs[1].Index)
}

func TestIndicesIncreaseAcrossTurns(t *testing.T) {
	client := mock.NewLLMClient(mock.LLMConfig{Script: [][]llm.Delta{
		content("First."),
		content("Second."),
	}})
	h := newHarness(t, client, tools.NewCatalog(tools.Options{}))
	h.run(t, "one", 1)
	h.run(t, "two", 2)

	segs := h.snapshot()
	require.Len(t, segs, 2)
	assert.Equal(t, 0, *segs[0].Index)
	assert.Equal(t, 1, *segs[1].Index)
	assert.Equal(t, 2, segs[1].InteractionCount)
}

func TestAssistantTextAppendedOnce(t *testing.T) {
	client := mock.NewLLMClient(mock.LLMConfig{Script: [][]llm.Delta{
		content("Hello", " there."),
	}})
	h := newHarness(t, client, tools.NewCatalog(tools.Options{}))
	h.run(t, "hi", 1)

	msgs := h.orc.Conversation().Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleAssistant, last.Role)
	assert.Equal(t, "Hello there.", last.Content)
	assert.Equal(t, llm.RoleUser, msgs[len(msgs)-2].Role)
	assert.Empty(t, msgs[len(msgs)-2].Name)
}

func TestEmptyReplyNotAppended(t *testing.T) {
	client := mock.NewLLMClient(mock.LLMConfig{Script: [][]llm.Delta{
		{{FinishReason: llm.FinishStop}},
	}})
	h := newHarness(t, client, tools.NewCatalog(tools.Options{}))
	before := h.orc.Conversation().Len()
	h.run(t, "hello", 1)

	assert.Equal(t, before+1, h.orc.Conversation().Len())
	assert.Empty(t, h.texts())
}

func priceCatalog(t *testing.T, calls *int, mu *sync.Mutex) *tools.Catalog {
	t.Helper()
	c := tools.NewCatalog(tools.Options{Timeout: time.Second})
	require.NoError(t, c.Register(tools.Tool{
		Name:        "checkPrice",
		Description: "Check the price of a given model of airpods.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"model": map[string]any{"type": "string"},
			},
			"required": []any{"model"},
		},
		Filler: "Let me check the price, one moment.",
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			mu.Lock()
			*calls++
			mu.Unlock()
			return `{"price":249}`, nil
		},
	}))
	return c
}

func TestToolCallRunsAndReentersStreaming(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	client := mock.NewLLMClient(mock.LLMConfig{Script: [][]llm.Delta{
		{
			{Content: "Okay."},
			{ToolName: "checkPrice"},
			{ToolArgs: `{"model":`},
			{ToolArgs: `"airpods pro"}`},
			{FinishReason: llm.FinishToolCalls},
		},
		content("They cost 249 dollars."),
	}})
	h := newHarness(t, client, priceCatalog(t, &calls, &mu))
	h.run(t, "how much are airpods pro", 3)

	segs := h.snapshot()
	require.Len(t, segs, 3)
	assert.Equal(t, "Okay.", segs[0].Text)
	assert.Equal(t, 0, *segs[0].Index)
	assert.Nil(t, segs[1].Index)
	assert.Equal(t, "Let me check the price, one moment.", segs[1].Text)
	assert.Equal(t, 1, *segs[2].Index)
	for _, s := range segs {
		assert.Equal(t, 3, s.InteractionCount)
	}

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	var functionMsgs []llm.Message
	for _, m := range h.orc.Conversation().Messages() {
		if m.Role == llm.RoleFunction {
			functionMsgs = append(functionMsgs, m)
		}
	}
	require.Len(t, functionMsgs, 1)
	assert.Equal(t, "checkPrice", functionMsgs[0].Name)
	assert.Equal(t, `{"price":249}`, functionMsgs[0].Content)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, llm.RoleFunction, reqs[1].Messages[len(reqs[1].Messages)-1].Role)
	assert.Equal(t, 1, h.obs.Count(metrics.EventToolInvoked))
}

func TestDuplicatedArgsAreSalvaged(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	client := mock.NewLLMClient(mock.LLMConfig{Script: [][]llm.Delta{
		{
			{ToolName: "checkPrice", ToolArgs: `{"model":"airpods"}{"model":"airpods"}`},
			{FinishReason: llm.FinishToolCalls},
		},
		content("Done."),
	}})
	h := newHarness(t, client, priceCatalog(t, &calls, &mu))
	h.run(t, "price", 1)

	h.mu.Lock()
	require.Len(t, h.invoked, 1)
	assert.Equal(t, map[string]any{"model": "airpods"}, h.invoked[0].Args)
	assert.NoError(t, h.invoked[0].Err)
	h.mu.Unlock()
}

func TestUnparseableArgsSkipHandler(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	client := mock.NewLLMClient(mock.LLMConfig{Script: [][]llm.Delta{
		{
			{ToolName: "checkPrice", ToolArgs: `{"model": airpods`},
			{FinishReason: llm.FinishToolCalls},
		},
	}})
	h := newHarness(t, client, priceCatalog(t, &calls, &mu))
	h.run(t, "price", 1)

	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()

	h.mu.Lock()
	require.Len(t, h.invoked, 1)
	assert.True(t, errors.Is(h.invoked[0].Err, ErrArgParse))
	h.mu.Unlock()

	// The filler still went out before parsing.
	assert.Equal(t, []string{"Let me check the price, one moment."}, h.texts())
	assert.Len(t, client.Requests(), 1)
}

func TestSchemaErrorFedBackToModel(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	client := mock.NewLLMClient(mock.LLMConfig{Script: [][]llm.Delta{
		{
			{ToolName: "checkPrice", ToolArgs: `{}`},
			{FinishReason: llm.FinishToolCalls},
		},
		content("Which model?"),
	}})
	h := newHarness(t, client, priceCatalog(t, &calls, &mu))
	h.run(t, "price", 1)

	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, llm.RoleFunction, last.Role)
	assert.Contains(t, last.Content, "Error:")
}

func TestStreamErrorFlushesAndEndsCycle(t *testing.T) {
	client := mock.NewLLMClient(mock.LLMConfig{Script: [][]llm.Delta{
		{
			{Content: "Partial answer"},
			{Err: errors.New("connection reset")},
		},
	}})
	h := newHarness(t, client, tools.NewCatalog(tools.Options{}))
	h.run(t, "hi", 1)

	assert.Equal(t, []string{"Partial answer"}, h.texts())
	msgs := h.orc.Conversation().Messages()
	assert.Equal(t, "Partial answer", msgs[len(msgs)-1].Content)
}

type failingClient struct{}

func (failingClient) Name() string { return "failing" }

func (failingClient) Stream(context.Context, llm.Request) (<-chan llm.Delta, error) {
	return nil, errors.New("dial failed")
}

func TestOpenErrorEndsCycle(t *testing.T) {
	h := newHarness(t, failingClient{}, tools.NewCatalog(tools.Options{}))
	h.run(t, "hi", 4)
	assert.Empty(t, h.texts())
	assert.Zero(t, h.orc.Active())
}

func TestSetCallSID(t *testing.T) {
	conv := NewConversation(DefaultSystemPrompt, DefaultGreeting)
	o := New(context.Background(), conv, Config{Client: failingClient{}})
	o.SetCallSID("CA123")

	msgs := conv.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: "callSid: CA123"}, msgs[2])
}
