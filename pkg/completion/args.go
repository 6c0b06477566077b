package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ryanm/call-gpt/pkg/errorsx"
)

// ErrArgParse reports tool arguments that could not be decoded even after
// salvage.
var ErrArgParse = errors.New("unparseable tool arguments")

// ParseArgs decodes the concatenated argument fragments of a tool call.
// Models occasionally emit the arguments object twice back to back; when
// the whole string is not valid JSON the first complete top-level object is
// kept. Empty input yields an empty map.
func ParseArgs(raw string) (map[string]any, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, false, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, false, nil
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	var first map[string]any
	if err := dec.Decode(&first); err != nil || first == nil {
		return nil, false, errorsx.Wrap(fmt.Errorf("%w: %q", ErrArgParse, truncate(trimmed, 200)), errorsx.ReasonToolArgs)
	}
	return first, true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
