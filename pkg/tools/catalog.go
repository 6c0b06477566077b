// Package tools holds the functions the model may call during a conversation.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ryanm/call-gpt/pkg/errorsx"
	"github.com/ryanm/call-gpt/pkg/llm"
	"github.com/ryanm/call-gpt/pkg/resilience"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrToolTimeout = errors.New("tool timeout")
)

// Handler executes a tool. The returned text is fed back to the model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

type Tool struct {
	Name        string
	Description string
	// Schema is the JSON schema of the arguments object.
	Schema map[string]any
	// Filler is spoken to the caller while the handler runs.
	Filler  string
	Handler Handler
}

type Options struct {
	// Timeout bounds each handler attempt. Zero means no limit.
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Catalog is the set of tools offered to the model. It is safe for
// concurrent reads once registration is done.
type Catalog struct {
	tools map[string]entry
	order []string
	opts  Options
}

func NewCatalog(opts Options) *Catalog {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 150 * time.Millisecond
	}
	return &Catalog{tools: make(map[string]entry), opts: opts}
}

// Register adds a tool, compiling its schema.
func (c *Catalog) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return errors.New("tool name required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler required", name)
	}
	if _, dup := c.tools[name]; dup {
		return fmt.Errorf("tool %s: already registered", name)
	}
	e := entry{tool: t}
	if t.Schema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Schema))
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", name, err)
		}
		e.schema = schema
	}
	c.tools[name] = e
	c.order = append(c.order, name)
	return nil
}

func (c *Catalog) MustRegister(tools ...Tool) *Catalog {
	for _, t := range tools {
		if err := c.Register(t); err != nil {
			panic(err)
		}
	}
	return c
}

func (c *Catalog) Lookup(name string) (Tool, bool) {
	if c == nil {
		return Tool{}, false
	}
	e, ok := c.tools[name]
	return e.tool, ok
}

// Names returns registered tool names in sorted order.
func (c *Catalog) Names() []string {
	out := append([]string(nil), c.order...)
	sort.Strings(out)
	return out
}

// Definitions returns the model-facing description of every tool in
// registration order.
func (c *Catalog) Definitions() []llm.Tool {
	if c == nil {
		return nil
	}
	out := make([]llm.Tool, 0, len(c.order))
	for _, name := range c.order {
		t := c.tools[name].tool
		out = append(out, llm.Tool{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	return out
}

// Validate checks args against the tool's schema.
func (c *Catalog) Validate(name string, args map[string]any) error {
	e, ok := c.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if e.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("validate %s: %w", name, err), errorsx.ReasonToolSchema)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		msgs = append(msgs, re.String())
	}
	return errorsx.New(errorsx.ReasonToolSchema, "%s: invalid arguments: %s", name, strings.Join(msgs, "; "))
}

// Invoke validates args and runs the handler with the catalog's timeout and
// retry options. Validation failures are not retried.
func (c *Catalog) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := c.Validate(name, args); err != nil {
		return "", err
	}
	t := c.tools[name].tool
	policy := resilience.NewRetryPolicy(c.opts.Retries, c.opts.RetryBackoff)
	var result string
	err := policy.Do(ctx, func(ctx context.Context) error {
		out, err := c.callWithTimeout(ctx, t, args)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrToolTimeout) {
			return "", errorsx.Wrap(err, errorsx.ReasonToolTimeout)
		}
		return "", errorsx.Wrap(err, errorsx.ReasonToolHandler)
	}
	return result, nil
}

func (c *Catalog) callWithTimeout(ctx context.Context, t Tool, args map[string]any) (string, error) {
	if c.opts.Timeout <= 0 {
		return t.Handler(ctx, args)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := t.Handler(ctx, args)
		ch <- result{text: text, err: err}
	}()
	select {
	case out := <-ch:
		return out.text, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s after %s", ErrToolTimeout, t.Name, c.opts.Timeout)
		}
		return "", ctx.Err()
	}
}
