package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter_Defaults(t *testing.T) {
	opts := NewJSONAsserter(t).Options()

	assert.True(t, opts.IgnoreExtraKeys)
	assert.True(t, opts.AllowPresencePlaceholder)
	assert.False(t, opts.IgnoreArrayOrder)
	assert.Empty(t, opts.IgnoredFields)
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []JSONOption
		actual   string
		expected string
		match    bool
	}{
		{
			name:     "identical",
			actual:   `{"device":"00:01","state":"Connected"}`,
			expected: `{"state":"Connected","device":"00:01"}`,
			match:    true,
		},
		{
			name:     "different value",
			actual:   `{"state":"Connecting"}`,
			expected: `{"state":"Connected"}`,
		},
		{
			name:     "extra keys ignored by default",
			actual:   `{"state":"Connected","transitions":3}`,
			expected: `{"state":"Connected"}`,
			match:    true,
		},
		{
			name:     "extra keys reported when strict",
			opts:     []JSONOption{WithIgnoreExtraKeys(false)},
			actual:   `{"state":"Connected","transitions":3}`,
			expected: `{"state":"Connected"}`,
		},
		{
			name:     "presence placeholder",
			actual:   `{"last_transition":"2024-01-01T12:00:00Z"}`,
			expected: `{"last_transition":"<<PRESENCE>>"}`,
			match:    true,
		},
		{
			name:     "presence placeholder requires key",
			opts:     []JSONOption{WithIgnoreExtraKeys(false)},
			actual:   `{}`,
			expected: `{"last_transition":"<<PRESENCE>>"}`,
		},
		{
			name:     "ignored fields",
			opts:     []JSONOption{WithIgnoredFields("last_transition")},
			actual:   `{"state":"Connected","last_transition":"x"}`,
			expected: `{"state":"Connected","last_transition":"y"}`,
			match:    true,
		},
		{
			name:     "root arrays",
			actual:   `[{"address":"a"},{"address":"b"}]`,
			expected: `[{"address":"a"},{"address":"b"}]`,
			match:    true,
		},
		{
			name:     "array order matters by default",
			actual:   `{"calls":["connect","disconnect"]}`,
			expected: `{"calls":["disconnect","connect"]}`,
		},
		{
			name:     "array order ignored",
			opts:     []JSONOption{WithIgnoreArrayOrder(true)},
			actual:   `{"calls":["connect","disconnect"]}`,
			expected: `{"calls":["disconnect","connect"]}`,
			match:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewJSONAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			assert.Equal(t, tt.match, diff == "", "diff: %s", diff)
		})
	}
}

func TestJSONAsserter_AssertValue(t *testing.T) {
	rt := &recordingT{}
	v := struct {
		State string `json:"state"`
	}{State: "Disconnected"}

	assert.True(t, NewJSONAsserter(rt).AssertValue(v, `{"state":"Disconnected"}`))
	assert.False(t, NewJSONAsserter(rt).AssertValue(v, `{"state":"Connected"}`))
	assert.Len(t, rt.failures, 1)
}

func TestJSONAsserter_InvalidJSON(t *testing.T) {
	diff := NewJSONAsserter(t).Diff(`{`, `{}`)

	assert.Contains(t, diff, "invalid actual JSON")
}
