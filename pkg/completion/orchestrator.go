// Package completion turns caller transcripts into speakable reply segments
// by streaming a chat completion and running the tools the model asks for.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ryanm/call-gpt/pkg/errorsx"
	"github.com/ryanm/call-gpt/pkg/llm"
	"github.com/ryanm/call-gpt/pkg/logging"
	"github.com/ryanm/call-gpt/pkg/metrics"
	"github.com/ryanm/call-gpt/pkg/pipeline"
	"github.com/ryanm/call-gpt/pkg/redact"
	"github.com/ryanm/call-gpt/pkg/resilience"
	"github.com/ryanm/call-gpt/pkg/tools"
)

const (
	DefaultSystemPrompt = "You are a helpful assistant. Use short, clear sentences that sound good when spoken aloud. " +
		"Always respond in prose. Never use these: bullets, asterisks, boldface, italics, sections, headings, or similar."
	DefaultGreeting = "Hey, what's up?"

	// DefaultFlushLength is the buffered length at which text is emitted
	// even without punctuation.
	DefaultFlushLength = 30
)

// Segment is a piece of reply text ready for synthesis. Index is nil for
// tool fillers.
type Segment struct {
	Index            *int
	Text             string
	InteractionCount int
}

// ToolInvocation describes one completed tool call.
type ToolInvocation struct {
	Name             string
	RawArgs          string
	Args             map[string]any
	Result           string
	Err              error
	InteractionCount int
}

type Config struct {
	Client      llm.Client
	Tools       *tools.Catalog
	Poster      pipeline.Poster
	Logger      *slog.Logger
	Observer    metrics.Observer
	StreamID    string
	FlushLength int
}

type cycleState int

const (
	stateStreaming cycleState = iota
	stateAwaitingTool
	stateDone
)

func (s cycleState) String() string {
	switch s {
	case stateStreaming:
		return "streaming"
	case stateAwaitingTool:
		return "awaiting_tool"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// cycle is one user turn: a stream, possibly interrupted by tool calls,
// each followed by a fresh stream.
type cycle struct {
	id          int
	interaction int
	state       cycleState
	gen         int
	cancel      context.CancelFunc

	buf      strings.Builder
	complete strings.Builder
	toolName strings.Builder
	toolArgs strings.Builder
}

// Orchestrator owns the conversation for one call. All methods except the
// subscriber registrations must be called on the session loop.
type Orchestrator struct {
	cfg    Config
	conv   *Conversation
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	nextIndex int
	nextCycle int
	active    map[int]*cycle

	onReply []func(Segment)
	onTool  []func(ToolInvocation)
	onDone  []func(interaction int)
}

func New(ctx context.Context, conv *Conversation, cfg Config) *Orchestrator {
	if cfg.Poster == nil {
		cfg.Poster = pipeline.Inline
	}
	if cfg.FlushLength <= 0 {
		cfg.FlushLength = DefaultFlushLength
	}
	if conv == nil {
		conv = NewConversation(DefaultSystemPrompt, DefaultGreeting)
	}
	logger := logging.NewComponentLogger(cfg.Logger, "completion")
	if cfg.StreamID != "" {
		logger = logger.With(slog.String("stream_id", cfg.StreamID))
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Orchestrator{
		cfg:    cfg,
		conv:   conv,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		active: make(map[int]*cycle),
	}
}

func (o *Orchestrator) Conversation() *Conversation { return o.conv }

// OnReply subscribes to reply segments, delivered in emission order.
func (o *Orchestrator) OnReply(fn func(Segment)) { o.onReply = append(o.onReply, fn) }

// OnToolInvoked subscribes to finished tool calls.
func (o *Orchestrator) OnToolInvoked(fn func(ToolInvocation)) { o.onTool = append(o.onTool, fn) }

// OnCycleDone subscribes to the end of each turn.
func (o *Orchestrator) OnCycleDone(fn func(interaction int)) { o.onDone = append(o.onDone, fn) }

// SetCallSID records the call identifier for the model.
func (o *Orchestrator) SetCallSID(callSID string) {
	o.conv.Append(llm.RoleSystem, "", "callSid: "+callSID)
}

// Active reports the number of unfinished turns.
func (o *Orchestrator) Active() int { return len(o.active) }

// Completion appends text to the conversation and starts a new turn.
func (o *Orchestrator) Completion(text string, interactionCount int, role, name string) {
	if role == "" {
		role = llm.RoleUser
	}
	o.conv.Append(role, name, text)
	o.nextCycle++
	c := &cycle{id: o.nextCycle, interaction: interactionCount}
	o.active[c.id] = c
	o.openStream(c)
}

// Close abandons every open stream and pending tool call.
func (o *Orchestrator) Close() {
	o.cancel()
	for id, c := range o.active {
		c.state = stateDone
		if c.cancel != nil {
			c.cancel()
		}
		delete(o.active, id)
	}
}

func (o *Orchestrator) openStream(c *cycle) {
	c.state = stateStreaming
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(o.ctx)
	c.cancel = cancel
	req := llm.Request{Messages: o.conv.Messages(), Tools: o.cfg.Tools.Definitions()}
	post := o.cfg.Poster.Post
	go func() {
		ch, err := o.cfg.Client.Stream(ctx, req)
		if err != nil {
			post(func() { o.onStreamError(c, gen, err) })
			return
		}
		for d := range ch {
			d := d
			post(func() { o.onDelta(c, gen, d) })
		}
		post(func() { o.onStreamEnd(c, gen) })
	}()
}

func (o *Orchestrator) stale(c *cycle, gen int) bool {
	return c.gen != gen || c.state != stateStreaming
}

func (o *Orchestrator) onDelta(c *cycle, gen int, d llm.Delta) {
	if o.stale(c, gen) {
		return
	}
	if d.Err != nil {
		o.onStreamError(c, gen, d.Err)
		return
	}
	if d.ToolName != "" {
		c.toolName.WriteString(d.ToolName)
	}
	if d.ToolArgs != "" {
		c.toolArgs.WriteString(d.ToolArgs)
	}
	if d.Content != "" {
		c.buf.WriteString(d.Content)
		c.complete.WriteString(d.Content)
	}
	switch d.FinishReason {
	case llm.FinishToolCalls:
		o.beginTool(c)
	case llm.FinishStop:
		o.flush(c)
	default:
		if c.buf.Len() >= o.cfg.FlushLength || endsWithPause(c.buf.String()) {
			o.flush(c)
		}
	}
}

func endsWithPause(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', ',', '?', '!':
		return true
	}
	return false
}

func (o *Orchestrator) flush(c *cycle) {
	text := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	if text == "" {
		return
	}
	idx := o.nextIndex
	o.nextIndex++
	o.emit(Segment{Index: &idx, Text: text, InteractionCount: c.interaction})
}

func (o *Orchestrator) emit(seg Segment) {
	index := "filler"
	if seg.Index != nil {
		index = strconv.Itoa(*seg.Index)
	}
	o.logger.Info("gpt_reply",
		slog.Int("interaction", seg.InteractionCount),
		slog.String("index", index),
		redact.Attr("text", seg.Text),
	)
	metrics.Record(o.cfg.Observer, metrics.EventSegmentEmitted, map[string]string{
		"stream_id":   o.cfg.StreamID,
		"interaction": strconv.Itoa(seg.InteractionCount),
		"index":       index,
	}, map[string]any{"chars": len(seg.Text)})
	for _, fn := range o.onReply {
		fn(seg)
	}
}

func (o *Orchestrator) onStreamEnd(c *cycle, gen int) {
	if o.stale(c, gen) {
		return
	}
	o.finish(c)
}

func (o *Orchestrator) onStreamError(c *cycle, gen int, err error) {
	if o.stale(c, gen) {
		return
	}
	if errors.Is(err, context.Canceled) && o.ctx.Err() != nil {
		o.finish(c)
		return
	}
	reason := errorsx.ReasonLLMStream
	if resilience.IsRateLimit(err) {
		reason = errorsx.ReasonLLMRateLimit
	}
	o.logger.Error("completion_stream_failed",
		slog.Int("interaction", c.interaction),
		slog.String("reason", string(reason)),
		slog.String("error", err.Error()),
	)
	o.finish(c)
}

func (o *Orchestrator) finish(c *cycle) {
	o.flush(c)
	if text := c.complete.String(); strings.TrimSpace(text) != "" {
		o.conv.Append(llm.RoleAssistant, "", text)
	}
	o.end(c)
}

func (o *Orchestrator) end(c *cycle) {
	c.state = stateDone
	if c.cancel != nil {
		c.cancel()
	}
	delete(o.active, c.id)
	for _, fn := range o.onDone {
		fn(c.interaction)
	}
}

func (o *Orchestrator) beginTool(c *cycle) {
	o.flush(c)
	c.state = stateAwaitingTool
	if c.cancel != nil {
		c.cancel()
	}
	name := strings.TrimSpace(c.toolName.String())
	raw := c.toolArgs.String()
	c.toolName.Reset()
	c.toolArgs.Reset()
	// Text spoken before the call belongs to the abandoned stream.
	c.complete.Reset()

	tool, ok := o.cfg.Tools.Lookup(name)
	if !ok {
		o.logger.Error("tool_unknown",
			slog.Int("interaction", c.interaction),
			slog.String("tool", name),
			slog.String("reason", string(errorsx.ReasonToolHandler)),
		)
		o.record(ToolInvocation{Name: name, RawArgs: raw, InteractionCount: c.interaction, Err: fmt.Errorf("%w: %s", tools.ErrUnknownTool, name)})
		o.end(c)
		return
	}
	if tool.Filler != "" {
		o.emit(Segment{Text: tool.Filler, InteractionCount: c.interaction})
	}
	args, salvaged, err := ParseArgs(raw)
	if err != nil {
		o.logger.Error("tool_args_unparseable",
			slog.Int("interaction", c.interaction),
			slog.String("tool", name),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()),
		)
		o.record(ToolInvocation{Name: name, RawArgs: raw, InteractionCount: c.interaction, Err: err})
		o.end(c)
		return
	}
	if salvaged {
		o.logger.Warn("tool_args_salvaged", slog.String("tool", name))
	}
	o.logger.Info("tool_call", slog.Int("interaction", c.interaction), slog.String("tool", name))

	inv := ToolInvocation{Name: name, RawArgs: raw, Args: args, InteractionCount: c.interaction}
	ctx := o.ctx
	post := o.cfg.Poster.Post
	go func() {
		result, err := o.cfg.Tools.Invoke(ctx, name, args)
		post(func() { o.onToolResult(c, inv, result, err) })
	}()
}

func (o *Orchestrator) onToolResult(c *cycle, inv ToolInvocation, result string, err error) {
	if c.state != stateAwaitingTool {
		return
	}
	inv.Result = result
	inv.Err = err
	if err != nil {
		o.logger.Error("tool_failed",
			slog.Int("interaction", c.interaction),
			slog.String("tool", inv.Name),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()),
		)
		inv.Result = "Error: " + err.Error()
	}
	o.record(inv)
	o.conv.Append(llm.RoleFunction, inv.Name, inv.Result)
	o.openStream(c)
}

func (o *Orchestrator) record(inv ToolInvocation) {
	status := "ok"
	if inv.Err != nil {
		status = string(errorsx.Reason(inv.Err))
	}
	metrics.Record(o.cfg.Observer, metrics.EventToolInvoked, map[string]string{
		"stream_id": o.cfg.StreamID,
		"tool":      inv.Name,
		"status":    status,
	}, nil)
	for _, fn := range o.onTool {
		fn(inv)
	}
}
