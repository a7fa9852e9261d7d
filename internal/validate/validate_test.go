package validate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/model"
)

func suite() model.TestSuite {
	return model.TestSuite{
		Entrypoint: "solution",
		Function:   "add",
		Tests: []model.TestCase{
			{Input: []json.RawMessage{json.RawMessage("1"), json.RawMessage("2")}, Output: json.RawMessage("3")},
		},
	}
}

func TestChallengeValid(t *testing.T) {
	err := DefaultRules().Challenge(model.Python, "def add(a, b):\n    return a + b\n", suite())
	require.NoError(t, err)
}

func TestChallengeViolations(t *testing.T) {
	tests := []struct {
		name    string
		lang    model.Language
		code    string
		suite   func() model.TestSuite
		wantSub string
	}{
		{"empty code", model.Python, "   ", suite, "code must not be empty"},
		{"too long", model.Python, strings.Repeat("é", 64001), suite, "64001 characters"},
		{"unknown language", "ruby", "puts 1", suite, "unsupported language"},
		{"no tests", model.Go, "package main", func() model.TestSuite {
			s := suite()
			s.Tests = nil
			return s
		}, "at least one test"},
		{"bad callable", model.Java, "class Solution {}", func() model.TestSuite {
			s := suite()
			s.Function = "add-two"
			return s
		}, "not a valid identifier"},
		{"bad entrypoint", model.Python, "x = 1", func() model.TestSuite {
			s := suite()
			s.Entrypoint = "../solution"
			return s
		}, "entrypoint"},
		{"duplicate test names", model.Python, "x = 1", func() model.TestSuite {
			s := suite()
			tc := s.Tests[0]
			tc.Name = "basic"
			s.Tests = []model.TestCase{tc, tc}
			return s
		}, `duplicate name "basic"`},
		{"explicit name shadows a default", model.Python, "x = 1", func() model.TestSuite {
			s := suite()
			tc := s.Tests[0]
			named := tc
			named.Name = "test_2"
			s.Tests = []model.TestCase{named, tc}
			return s
		}, `duplicate name "test_2"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DefaultRules().Challenge(tt.lang, tt.code, tt.suite())
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantSub)
		})
	}
}

func TestUnnamedTestsGetDistinctNames(t *testing.T) {
	s := suite()
	s.Tests = append(s.Tests, s.Tests[0], s.Tests[0])
	require.NoError(t, DefaultRules().Challenge(model.Python, "x = 1", s))
}

func TestChallengeCountsCharactersNotBytes(t *testing.T) {
	// 64000 two-byte runes is within the character limit.
	err := DefaultRules().Challenge(model.Python, strings.Repeat("é", 64000), suite())
	require.NoError(t, err)
}

func TestProjectValid(t *testing.T) {
	files := []model.File{
		{Path: "main.go", Content: "package main"},
		{Path: "pkg/util/util.go", Content: "package util"},
		{Path: "go.mod", Content: "module solution"},
	}
	require.NoError(t, DefaultRules().Project(model.Go, files, suite()))
}

func TestProjectViolations(t *testing.T) {
	tests := []struct {
		name    string
		lang    model.Language
		files   []model.File
		wantSub string
	}{
		{"no files", model.Python, nil, "at least one file"},
		{"absolute", model.Python, []model.File{{Path: "/etc/passwd.py"}}, "must be relative"},
		{"dotdot", model.Python, []model.File{{Path: "a/../../x.py"}}, "'..'"},
		{"wrong extension", model.Java, []model.File{{Path: "Main.py"}}, "must match"},
		{"duplicate", model.Python, []model.File{{Path: "a.py"}, {Path: "a.py"}}, "duplicate path"},
		{"too big", model.Python, []model.File{{Path: "a.py", Content: strings.Repeat("x", 200*1024+1)}}, "files total"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DefaultRules().Project(tt.lang, tt.files, suite())
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantSub)
		})
	}
}

func TestProjectTooManyFiles(t *testing.T) {
	var files []model.File
	for i := 0; i < 31; i++ {
		files = append(files, model.File{Path: "f" + strings.Repeat("a", i) + ".py"})
	}
	err := DefaultRules().Project(model.Python, files, suite())
	require.Error(t, err)
	require.Contains(t, err.Error(), "31 files submitted")
}

func TestViolationsListsEveryProblem(t *testing.T) {
	s := suite()
	s.Tests = nil
	err := DefaultRules().Challenge(model.Python, "", s)

	var v Violations
	require.ErrorAs(t, err, &v)
	require.Len(t, v, 2)
}
