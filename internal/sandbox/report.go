package sandbox

import (
	"encoding/json"
	"strings"

	"github.com/michaelbrown/runbox/internal/model"
)

// ParseOutputTest names the synthetic failure recorded when no report can be
// decoded.
const ParseOutputTest = "parse_output"

type report struct {
	Passed *bool               `json:"passed"`
	Tests  *[]model.TestResult `json:"tests"`
}

// parseReport decodes the last non-empty line of out. It returns the tests
// and the byte offset where that line starts, or ok=false.
func parseReport(out string) (tests []model.TestResult, lineStart int, ok bool) {
	end := len(strings.TrimRight(out, " \t\r\n"))
	if end == 0 {
		return nil, 0, false
	}
	start := strings.LastIndexByte(out[:end], '\n') + 1
	line := strings.TrimSpace(out[start:end])
	if !strings.HasPrefix(line, "{") {
		return nil, 0, false
	}

	var r report
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil || r.Tests == nil {
		return nil, 0, false
	}
	tests = *r.Tests
	if tests == nil {
		tests = []model.TestResult{}
	}
	return tests, start, true
}

func parseFailure(detail string) []model.TestResult {
	return []model.TestResult{{
		Name:   ParseOutputTest,
		Passed: false,
		Stderr: detail,
	}}
}

func allPassed(tests []model.TestResult) bool {
	if len(tests) == 0 {
		return false
	}
	for _, t := range tests {
		if !t.Passed {
			return false
		}
	}
	return true
}
