// Package validate rejects malformed submissions before any container is
// started.
package validate

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/michaelbrown/runbox/internal/model"
)

// Rules holds the configurable validation ceilings.
type Rules struct {
	MaxCodeChars  int
	MaxFiles      int
	MaxTotalBytes int
}

// DefaultRules mirrors the configuration defaults.
func DefaultRules() Rules {
	return Rules{MaxCodeChars: 64000, MaxFiles: 30, MaxTotalBytes: 200 * 1024}
}

var (
	identRe     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	qualifiedRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
	pathRes     = map[model.Language]*regexp.Regexp{}
)

func init() {
	for _, lang := range model.Languages {
		pathRes[lang] = regexp.MustCompile(`^[a-zA-Z0-9_\-/]+\.` + lang.Extension() + `$`)
	}
}

// Violations lists every rule a request broke.
type Violations []string

func (v Violations) Error() string {
	return strings.Join(v, "\n")
}

func (v Violations) orNil() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// Challenge validates a single-file submission.
func (r Rules) Challenge(lang model.Language, code string, suite model.TestSuite) error {
	var v Violations
	v = append(v, checkLanguage(lang)...)
	if strings.TrimSpace(code) == "" {
		v = append(v, "code must not be empty")
	} else if n := utf8.RuneCountInString(code); r.MaxCodeChars > 0 && n > r.MaxCodeChars {
		v = append(v, fmt.Sprintf("code is %d characters, limit is %d", n, r.MaxCodeChars))
	}
	v = append(v, checkSuite(suite)...)
	return v.orNil()
}

// Project validates a multi-file submission.
func (r Rules) Project(lang model.Language, files []model.File, suite model.TestSuite) error {
	var v Violations
	v = append(v, checkLanguage(lang)...)

	switch {
	case len(files) == 0:
		v = append(v, "at least one file is required")
	case r.MaxFiles > 0 && len(files) > r.MaxFiles:
		v = append(v, fmt.Sprintf("%d files submitted, limit is %d", len(files), r.MaxFiles))
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	total := 0
	for _, f := range files {
		total += len(f.Content)
		v = append(v, checkPath(lang, f.Path)...)
		if !seen.Add(path.Clean(f.Path)) {
			v = append(v, fmt.Sprintf("duplicate path %q", f.Path))
		}
	}
	if r.MaxTotalBytes > 0 && total > r.MaxTotalBytes {
		v = append(v, fmt.Sprintf("files total %d bytes, limit is %d", total, r.MaxTotalBytes))
	}

	v = append(v, checkSuite(suite)...)
	return v.orNil()
}

func checkLanguage(lang model.Language) []string {
	if _, err := model.ParseLanguage(string(lang)); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func checkPath(lang model.Language, p string) []string {
	var v []string
	if p == "" {
		return []string{"file path must not be empty"}
	}
	if strings.HasPrefix(p, "/") {
		v = append(v, fmt.Sprintf("path %q must be relative", p))
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			v = append(v, fmt.Sprintf("path %q must not contain '..'", p))
			break
		}
	}
	// A Go project may ship its own module file.
	if lang == model.Go && p == "go.mod" {
		return v
	}
	if re, ok := pathRes[lang]; ok && !re.MatchString(p) {
		v = append(v, fmt.Sprintf("path %q must match %s", p, re.String()))
	}
	return v
}

func checkSuite(s model.TestSuite) []string {
	var v []string
	if len(s.Tests) == 0 {
		v = append(v, "test suite must contain at least one test")
	}
	if s.Entrypoint != "" && !qualifiedRe.MatchString(s.Entrypoint) {
		v = append(v, fmt.Sprintf("entrypoint %q is not a valid identifier", s.Entrypoint))
	}
	if c := s.Callable(); !identRe.MatchString(c) {
		v = append(v, fmt.Sprintf("function/method %q is not a valid identifier", c))
	}
	names := mapset.NewThreadUnsafeSet[string]()
	for i, tc := range s.Tests {
		if tc.Input == nil {
			v = append(v, fmt.Sprintf("test %d has no input list", i+1))
		}
		// Results are reported by name, so names must be unique.
		if name := s.CaseName(i); !names.Add(name) {
			v = append(v, fmt.Sprintf("test %d has duplicate name %q", i+1, name))
		}
	}
	return v
}
