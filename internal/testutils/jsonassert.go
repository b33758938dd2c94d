package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value, as long as the key exists.
const PresencePlaceholder = "<<PRESENCE>>"

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	// IgnoreExtraKeys drops object keys that are absent from the expected JSON.
	IgnoreExtraKeys          bool     `default:"true"`
	AllowPresencePlaceholder bool     `default:"true"`
	IgnoreArrayOrder         bool     `default:"false"`
	IgnoredFields            []string `default:"[]"`
}

type JSONOption func(*JSONAssertOptions)

func WithIgnoreExtraKeys(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = v }
}

func WithAllowPresencePlaceholder(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.AllowPresencePlaceholder = v }
}

func WithIgnoreArrayOrder(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = v }
}

func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}

// JSONAsserter compares JSON documents structurally and fails with an ASCII diff.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...JSONOption) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

func (ja *JSONAsserter) Options() JSONAssertOptions {
	return ja.options
}

// Assert compares two JSON documents.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	ja.t.Helper()
	if d := ja.Diff(actualJSON, expectedJSON); d != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", d)
		return false
	}
	return true
}

// AssertValue marshals v and compares it with expectedJSON.
func (ja *JSONAsserter) AssertValue(v any, expectedJSON string) bool {
	ja.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		ja.t.Errorf("marshal actual value: %v", err)
		return false
	}
	return ja.Assert(string(data), expectedJSON)
}

// Diff returns "" when the documents match under the configured options.
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root
	if _, ok := expected.([]any); ok {
		expected = map[string]any{"array": expected}
		actual = map[string]any{"array": actual}
	}

	if len(ja.options.IgnoredFields) > 0 {
		ignored := make(map[string]struct{}, len(ja.options.IgnoredFields))
		for _, f := range ja.options.IgnoredFields {
			ignored[f] = struct{}{}
		}
		dropKeys(expected, ignored)
		dropKeys(actual, ignored)
	}
	if ja.options.AllowPresencePlaceholder {
		fillPlaceholders(expected, actual)
	}
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)
	d, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}

	var left map[string]any
	_ = json.Unmarshal(expectedBytes, &left)
	out, err := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(d)
	if err != nil {
		return fmt.Sprintf("JSON documents differ (format failed: %v)", err)
	}
	return out
}

func dropKeys(v any, ignored map[string]struct{}) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			if _, ok := ignored[k]; ok {
				delete(node, k)
				continue
			}
			dropKeys(child, ignored)
		}
	case []any:
		for _, child := range node {
			dropKeys(child, ignored)
		}
	}
}

func fillPlaceholders(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == PresencePlaceholder {
				if av, present := act[k]; present {
					exp[k] = av
				}
				continue
			}
			fillPlaceholders(v, act[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				fillPlaceholders(exp[i], act[i])
			}
		}
	}
}

func pruneExtraKeys(actual, expected any) {
	switch act := actual.(type) {
	case map[string]any:
		exp, ok := expected.(map[string]any)
		if !ok {
			return
		}
		for k, v := range act {
			ev, present := exp[k]
			if !present {
				delete(act, k)
				continue
			}
			pruneExtraKeys(v, ev)
		}
	case []any:
		exp, ok := expected.([]any)
		if !ok {
			return
		}
		for i := range act {
			if i < len(exp) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}

func sortArrays(v any) {
	switch node := v.(type) {
	case map[string]any:
		for _, child := range node {
			sortArrays(child)
		}
	case []any:
		for _, child := range node {
			sortArrays(child)
		}
		sort.SliceStable(node, func(i, j int) bool {
			return MustJSON(node[i]) < MustJSON(node[j])
		})
	}
}
