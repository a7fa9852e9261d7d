package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/runbox/internal/model"
)

func sampleSubmission() *Submission {
	return &Submission{
		ID:        "sub-1",
		UserID:    "u1",
		Kind:      model.KindChallenge,
		ItemID:    "add",
		Language:  model.Python,
		Code:      "def add(a, b):\n    return a + b\n",
		Status:    StatusFailed,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Result: &model.ExecutionResult{
			Compile: model.CompileResult{OK: true},
			Tests: []model.TestResult{
				{Name: "small", Passed: true, Expected: 3, Actual: 3},
				{Name: "pipes", Passed: false, Expected: "a|b", Actual: "ab"},
			},
			Stdout:   "debug\n",
			TimingMs: 42,
		},
	}
}

func TestExportMarkdown(t *testing.T) {
	md := ExportMarkdown(sampleSubmission())

	for _, want := range []string{
		"# Submission sub-1",
		"- **Item:** add",
		"- **Created:** 2026-01-02 03:04:05",
		"```python\ndef add(a, b):\n    return a + b\n```",
		"| small | pass | `3` | `3` |",
		"| pipes | FAIL | `\"a\\|b\"` | `\"ab\"` |",
		"<summary>stdout</summary>",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
	if strings.Contains(md, "stderr") {
		t.Error("empty stderr should not be rendered")
	}
}

func TestExportMarkdownCompileFailure(t *testing.T) {
	sub := sampleSubmission()
	sub.Result = model.CompileFailure("Time limit exceeded", 5000, model.Limits{})
	md := ExportMarkdown(sub)
	if !strings.Contains(md, "```\nTime limit exceeded\n```") {
		t.Errorf("compile stderr not rendered:\n%s", md)
	}
	if strings.Contains(md, "| Test |") {
		t.Error("no test table for a compile failure")
	}
}

func TestExportJSON(t *testing.T) {
	data, err := ExportJSON(sampleSubmission())
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	var decoded struct {
		Submissions []Submission `json:"submissions"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Submissions) != 1 || decoded.Submissions[0].ID != "sub-1" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SubmissionStatus
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusError, true},
		{StatusRunning, StatusPassed, true},
		{StatusRunning, StatusQueued, false},
		{StatusRunning, StatusRunning, false},
		{StatusPassed, StatusFailed, false},
		{StatusError, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
