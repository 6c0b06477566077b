// Package redact masks caller PII in transcripts and log attributes.
package redact

import (
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

type rule struct {
	re   *regexp.Regexp
	mask string
}

// Order matters: card numbers are also long digit runs.
var rules = []rule{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
	// Recognizers often spell dictated numbers out ("five five five, one two ...").
	{regexp.MustCompile(`(?i)\b(?:(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)[\s,\-]+){6,}(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)\b`), "[REDACTED_DIGITS]"},
}

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text masks emails, card numbers, phone numbers and spoken digit runs when
// redaction is enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.mask)
	}
	return out
}

// Phone keeps only the last four digits of a caller number, e.g. "***0100".
func Phone(number string) string {
	if !enabled.Load() {
		return number
	}
	digits := make([]byte, 0, len(number))
	for i := 0; i < len(number); i++ {
		if number[i] >= '0' && number[i] <= '9' {
			digits = append(digits, number[i])
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return "***" + string(digits[len(digits)-4:])
}

// Attr returns a slog string attribute with the value redacted.
func Attr(key, value string) slog.Attr {
	return slog.String(key, Text(value))
}
