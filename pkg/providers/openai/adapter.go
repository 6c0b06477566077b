package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ryanm/call-gpt/pkg/errorsx"
	"github.com/ryanm/call-gpt/pkg/llm"
	"github.com/ryanm/call-gpt/pkg/resilience"
)

// Adapter streams chat completions from an OpenAI-compatible endpoint.
type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	if model == "" {
		model = "gpt-4o"
	}
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content,omitempty"`
			ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

type toolCallDelta struct {
	Index    int `json:"index"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// Stream opens a streaming completion. Only the first tool call of a
// response is surfaced; later parallel calls are ignored.
func (a *Adapter) Stream(ctx context.Context, input llm.Request) (<-chan llm.Delta, error) {
	body, err := a.buildRequest(input)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, resilience.RateLimitError{
			Provider:   "openai",
			Message:    strings.TrimSpace(string(b)),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errorsx.New(errorsx.ReasonLLMStream, "openai status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	out := make(chan llm.Delta, 128)
	go a.readStream(ctx, resp.Body, out)
	return out, nil
}

func (a *Adapter) readStream(ctx context.Context, body io.ReadCloser, out chan<- llm.Delta) {
	defer body.Close()
	defer close(out)
	send := func(d llm.Delta) bool {
		select {
		case <-ctx.Done():
			return false
		case out <- d:
			return true
		}
	}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		d := llm.Delta{
			Content:      choice.Delta.Content,
			FinishReason: llm.FinishReason(choice.FinishReason),
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.Index != 0 {
				continue
			}
			d.ToolName += tc.Function.Name
			d.ToolArgs += tc.Function.Arguments
		}
		if d == (llm.Delta{}) {
			continue
		}
		if !send(d) {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		send(llm.Delta{Err: errorsx.Wrap(fmt.Errorf("read stream: %w", err), errorsx.ReasonLLMStream)})
	}
}

func (a *Adapter) buildRequest(input llm.Request) (*bytes.Buffer, error) {
	req := map[string]any{
		"model":    a.Model,
		"stream":   true,
		"messages": input.Messages,
	}
	if len(input.Tools) > 0 {
		req["tools"] = mapTools(input.Tools)
		req["tool_choice"] = "auto"
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func mapTools(tools []llm.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Schema,
			},
		})
	}
	return out
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

var _ llm.Client = (*Adapter)(nil)

// retryAfter parses the delay-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
