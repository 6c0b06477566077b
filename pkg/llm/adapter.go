package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// Message is one entry of a conversation. Name is set for function results.
type Message struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Tool describes a callable function offered to the model.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
}

type Request struct {
	Messages []Message
	Tools    []Tool
}

type FinishReason string

const (
	FinishNone      FinishReason = ""
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
)

// Delta is one streamed chunk of a completion. ToolName and ToolArgs are
// fragments of the first tool call and must be concatenated by the reader.
// A delta with Err set is the last one on its channel.
type Delta struct {
	Content      string
	ToolName     string
	ToolArgs     string
	FinishReason FinishReason
	Err          error
}

// Client opens streaming completions. The returned channel is closed when the
// stream ends or ctx is cancelled.
type Client interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}
