package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TestSuite is the declarative test definition owned by curriculum content.
// The executor treats it as read-only input.
type TestSuite struct {
	Type       string     `json:"type,omitempty"`
	Entrypoint string     `json:"entrypoint,omitempty"`
	Method     string     `json:"method,omitempty"`
	Function   string     `json:"function,omitempty"`
	Tests      []TestCase `json:"tests"`
}

// Callable returns the name of the function or method under test.
func (s TestSuite) Callable() string {
	if s.Method != "" {
		return s.Method
	}
	return s.Function
}

// TestCase is one positional invocation and its expected return value.
// Values are kept as raw JSON so every harness sees exactly what the suite
// author wrote.
type TestCase struct {
	Name   string            `json:"name,omitempty"`
	Input  []json.RawMessage `json:"input"`
	Output json.RawMessage   `json:"output"`
}

// CaseName returns the display name of the i-th case.
func (s TestSuite) CaseName(i int) string {
	if i < len(s.Tests) && s.Tests[i].Name != "" {
		return s.Tests[i].Name
	}
	return fmt.Sprintf("test_%d", i+1)
}

// SuiteFromValues builds a suite from already-decoded values, as produced by
// YAML or TOML decoders.
func SuiteFromValues(entrypoint, callable string, cases []CaseValues) (TestSuite, error) {
	suite := TestSuite{Type: "function", Entrypoint: entrypoint, Function: callable}
	for i, c := range cases {
		tc := TestCase{Name: c.Name}
		for j, in := range c.Input {
			raw, err := marshalValue(in)
			if err != nil {
				return TestSuite{}, fmt.Errorf("test %d input %d: %w", i+1, j+1, err)
			}
			tc.Input = append(tc.Input, raw)
		}
		out, err := marshalValue(c.Output)
		if err != nil {
			return TestSuite{}, fmt.Errorf("test %d output: %w", i+1, err)
		}
		tc.Output = out
		suite.Tests = append(suite.Tests, tc)
	}
	return suite, nil
}

// CaseValues is a test case with decoded (not raw) values.
type CaseValues struct {
	Name   string `json:"name" yaml:"name" toml:"name"`
	Input  []any  `json:"input" yaml:"input" toml:"input"`
	Output any    `json:"output" yaml:"output" toml:"output"`
}

func marshalValue(v any) (json.RawMessage, error) {
	v = normalizeValue(v)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimSpace(buf.Bytes())), nil
}

// normalizeValue converts map[any]any (older YAML decoders) into
// map[string]any so the value can be JSON encoded.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeValue(val)
		}
		return m
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeValue(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeValue(val)
		}
		return t
	}
	return v
}
