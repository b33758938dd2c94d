package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingT captures failures instead of failing the enclosing test.
type recordingT struct {
	failures []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestTextAsserter_Defaults(t *testing.T) {
	opts := NewTextAsserter(t).Options()

	assert.False(t, opts.TrimSpace)
	assert.False(t, opts.IgnoreTrailingWhitespace)
	assert.False(t, opts.IgnoreEmptyLines)
	assert.False(t, opts.EnableColors)
}

func TestTextAsserter_Match(t *testing.T) {
	rt := &recordingT{}

	ok := NewTextAsserter(rt).Assert("State: Connected\nPlaying: false", "State: Connected\nPlaying: false")

	assert.True(t, ok)
	assert.Empty(t, rt.failures)
}

func TestTextAsserter_MismatchProducesUnifiedDiff(t *testing.T) {
	rt := &recordingT{}

	ok := NewTextAsserter(rt).Assert("State: Connecting\n", "State: Connected\n")

	assert.False(t, ok)
	if assert.Len(t, rt.failures, 1) {
		assert.Contains(t, rt.failures[0], "--- expected")
		assert.Contains(t, rt.failures[0], "+++ actual")
		assert.Contains(t, rt.failures[0], "-State: Connected")
		assert.Contains(t, rt.failures[0], "+State: Connecting")
	}
}

func TestTextAsserter_Normalisation(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		match    bool
	}{
		{"trim space", []TextOption{WithTrimSpace(true)}, "\n\nState\n\n", "State", true},
		{"trailing whitespace", []TextOption{WithIgnoreTrailingWhitespace(true)}, "State  \t\nDone", "State\nDone", true},
		{"empty lines", []TextOption{WithIgnoreEmptyLines(true)}, "State\n\n\nDone", "State\nDone", true},
		{"strict by default", nil, "State \n", "State\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewTextAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			assert.Equal(t, tt.match, diff == "", "diff: %s", diff)
		})
	}
}

func TestTextAsserter_Colors(t *testing.T) {
	diff := NewTextAsserter(t).WithOptions(WithEnableColors(true)).Diff("a b\n", "a c\n")

	assert.Contains(t, diff, "\x1b[", "colored diff MUST contain ANSI escapes")
	assert.True(t, strings.Contains(diff, "a·b") || strings.Contains(diff, "a·c"), "whitespace MUST be made visible")
}
