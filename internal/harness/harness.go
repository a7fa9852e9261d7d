// Package harness renders the per-language programs that load a solution,
// call it once per test case and print a single JSON report line:
//
//	{"passed":bool,"tests":[{"name":...,"passed":...,"expected":...,"actual":...,"stderr":...}]}
//
// Every harness writes a newline before the report so that unterminated
// output from the solution never shares its line.
package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/michaelbrown/runbox/internal/model"
)

// Harness file names. A learner file with the same name is replaced.
const (
	PythonFile = "runbox_harness.py"
	GoFile     = "zz_runbox_harness.go"
	JavaFile   = "SandboxHarness.java"
	JavaClass  = "SandboxHarness"
)

// Default entrypoints when a suite leaves it empty.
const (
	DefaultPythonModule = "solution"
	DefaultJavaClass    = "Solution"
)

type caseData struct {
	Name   string            `json:"name"`
	Input  []json.RawMessage `json:"input"`
	Output json.RawMessage   `json:"output"`
}

// cases returns the suite in canonical form: every case named, inputs never
// nil, output defaulting to null and every value compacted.
func cases(suite model.TestSuite) ([]caseData, error) {
	out := make([]caseData, 0, len(suite.Tests))
	for i, tc := range suite.Tests {
		c := caseData{Name: suite.CaseName(i), Input: make([]json.RawMessage, 0, len(tc.Input))}
		for j, in := range tc.Input {
			v, err := compact(in)
			if err != nil {
				return nil, fmt.Errorf("test %q input %d: %w", c.Name, j+1, err)
			}
			c.Input = append(c.Input, v)
		}
		v, err := compact(tc.Output)
		if err != nil {
			return nil, fmt.Errorf("test %q output: %w", c.Name, err)
		}
		c.Output = v
		out = append(out, c)
	}
	return out, nil
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("invalid JSON value: %w", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

func casesJSON(suite model.TestSuite) (string, error) {
	cs, err := cases(suite)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(cs)
	if err != nil {
		return "", fmt.Errorf("encoding cases: %w", err)
	}
	return string(data), nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
