package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +1 415 555 0100"
	assert.Equal(t, in, Text(in))
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("email a@b.com and phone +1 415 555 0100")
	assert.Contains(t, got, "[REDACTED_EMAIL]")
	assert.Contains(t, got, "[REDACTED_PHONE]")
	assert.NotContains(t, got, "a@b.com")
}

func TestRedactCardNumber(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("my card is 4111 1111 1111 1111 thanks")
	assert.Contains(t, got, "[REDACTED_CARD]")
	assert.NotContains(t, got, "4111")
}

func TestAttr(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	a := Attr("transcript", "reach me at a@b.com")
	assert.Equal(t, "transcript", a.Key)
	assert.Equal(t, "reach me at [REDACTED_EMAIL]", a.Value.String())
}

func TestRedactSpokenDigits(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("my number is five five five one two three four okay")
	assert.Equal(t, "my number is [REDACTED_DIGITS] okay", got)
	assert.Equal(t, "I want two airpods pro", Text("I want two airpods pro"))
}

func TestPhone(t *testing.T) {
	SetEnabled(true)
	assert.Equal(t, "***0100", Phone("+1 (415) 555-0100"))
	assert.Equal(t, "***", Phone("911"))
	SetEnabled(false)
	assert.Equal(t, "+14155550100", Phone("+14155550100"))
}
