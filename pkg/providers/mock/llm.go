package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/ryanm/call-gpt/pkg/llm"
)

type LLMConfig struct {
	// ResponseText is streamed word by word when no script is set.
	ResponseText string
	// Script holds one delta sequence per Stream call, consumed in order.
	// Once exhausted, ResponseText is used.
	Script [][]llm.Delta
}

// LLMClient is a scripted llm.Client for local runs and tests.
type LLMClient struct {
	cfg LLMConfig

	mu       sync.Mutex
	requests []llm.Request
}

func NewLLMClient(cfg LLMConfig) *LLMClient {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "This is a mock response."
	}
	return &LLMClient{cfg: cfg}
}

func (c *LLMClient) Name() string { return "mock_llm" }

func (c *LLMClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	c.mu.Lock()
	c.requests = append(c.requests, cloneRequest(req))
	var deltas []llm.Delta
	if len(c.cfg.Script) > 0 {
		deltas = c.cfg.Script[0]
		c.cfg.Script = c.cfg.Script[1:]
	} else {
		deltas = wordDeltas(c.cfg.ResponseText)
	}
	c.mu.Unlock()

	out := make(chan llm.Delta)
	go func() {
		defer close(out)
		for _, d := range deltas {
			select {
			case <-ctx.Done():
				return
			case out <- d:
			}
		}
	}()
	return out, nil
}

// Requests returns every request seen so far.
func (c *LLMClient) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

func wordDeltas(text string) []llm.Delta {
	words := strings.Fields(text)
	out := make([]llm.Delta, 0, len(words)+1)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out = append(out, llm.Delta{Content: w})
	}
	return append(out, llm.Delta{FinishReason: llm.FinishStop})
}

func cloneRequest(req llm.Request) llm.Request {
	return llm.Request{
		Messages: append([]llm.Message(nil), req.Messages...),
		Tools:    req.Tools,
	}
}

var _ llm.Client = (*LLMClient)(nil)
