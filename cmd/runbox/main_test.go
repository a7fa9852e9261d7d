package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/michaelbrown/runbox/internal/model"
)

func TestLanguageFor(t *testing.T) {
	tests := []struct {
		name, flag, file string
		want             model.Language
		wantErr          bool
	}{
		{"from extension", "", "solution.py", model.Python, false},
		{"java file", "", "src/Main.java", model.Java, false},
		{"flag wins", "golang", "solution.py", model.Go, false},
		{"unknown extension", "", "solution.rb", "", true},
		{"unknown flag", "cobol", "solution.py", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := languageFor(tt.flag, tt.file)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrintReport(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printReport(&buf, &model.ExecutionResult{
		Compile: model.CompileResult{OK: true},
		Tests: []model.TestResult{
			{Name: "test_1", Passed: true, Expected: 3, Actual: 3},
			{Name: "test_2", Passed: false, Expected: []any{1, 2}, Actual: nil, Stderr: "boom"},
		},
		TimingMs: 42,
	})
	out := buf.String()
	for _, want := range []string{"PASS test_1", "FAIL test_2", "expected: [1,2]", "actual:   null", "boom", "FAILED  1/2 tests  42ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestPrintReportCompileFailure(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printReport(&buf, model.CompileFailure("Main.java:3: error: ';' expected", 900, model.Limits{}))
	out := buf.String()
	if !strings.Contains(out, "COMPILE FAILED") || !strings.Contains(out, "    Main.java:3") {
		t.Errorf("report:\n%s", out)
	}
	if testsColumn(model.CompileFailure("", 0, model.Limits{})) != "compile" {
		t.Error("compile failures show as compile in listings")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  short ", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("challenge/two-sum-extended", 12); got != "challenge/.." {
		t.Errorf("got %q", got)
	}
}
