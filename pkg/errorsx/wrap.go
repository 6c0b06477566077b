package errorsx

import (
	"errors"
	"fmt"
	"strings"
)

// ReasonedError carries a reason code alongside the underlying error.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// New builds a reasoned error from a message.
func New(reason ReasonCode, format string, args ...any) error {
	return ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

// Wrap attaches a reason code to err. The innermost reason wins, so wrapping
// an already reasoned error returns it unchanged.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if Reason(err) != ReasonUnknown {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason extracts the reason code from err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Stage names the pipeline stage a reason belongs to: stt, tts, llm, tool,
// transport or frame. Unknown reasons map to "unknown".
func (r ReasonCode) Stage() string {
	if strings.HasPrefix(string(r), "webhook_") {
		return "transport"
	}
	if i := strings.IndexByte(string(r), '_'); i > 0 {
		switch stage := string(r[:i]); stage {
		case "stt", "tts", "llm", "tool", "transport", "frame":
			return stage
		}
	}
	return "unknown"
}

// Attrs returns reason and stage as key/value pairs for structured logging.
func Attrs(err error) []any {
	r := Reason(err)
	return []any{"reason", string(r), "stage", r.Stage()}
}
