package sandbox

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/google/shlex"

	"github.com/michaelbrown/runbox/internal/harness"
	"github.com/michaelbrown/runbox/internal/model"
)

// Default images per language.
const (
	DefaultJavaImage   = "eclipse-temurin:21-jdk"
	DefaultPythonImage = "python:3.12-slim"
	DefaultGoImage     = "golang:1.23-alpine"
)

// BuildFailedExitCode is the container exit status reserved for a failed
// build step.
const BuildFailedExitCode = 97

// Strategy holds everything that differs between languages. The executor
// drives all of them the same way.
type Strategy interface {
	Language() model.Language
	Image() string
	// Prepare returns the complete workspace: solution files plus harness.
	Prepare(req Request) ([]model.File, error)
	// Commands returns the build and run argv for a prepared workspace.
	Commands(files []model.File) (build, run []string)
	Env() []string
	// Seccomp reports whether the run is confined by SeccompProfile.
	Seccomp() bool
	// BuildMarker is searched for in stderr when a run exits nonzero
	// without a report.
	BuildMarker() string
}

// Commands overrides a strategy's image and command lines. Build and Run
// are shell-like strings split with shlex.
type Commands struct {
	Image string
	Build string
	Run   string
}

type base struct {
	lang    model.Language
	image   string
	build   []string
	run     []string
	env     []string
	seccomp bool
	marker  string
}

func (b *base) Language() model.Language { return b.lang }
func (b *base) Image() string            { return b.image }
func (b *base) Env() []string            { return b.env }
func (b *base) Seccomp() bool            { return b.seccomp }
func (b *base) BuildMarker() string      { return b.marker }

func (b *base) Commands([]model.File) ([]string, []string) {
	return b.build, b.run
}

func (b *base) override(c Commands) error {
	if c.Image != "" {
		b.image = c.Image
	}
	if c.Build != "" {
		argv, err := shlex.Split(c.Build)
		if err != nil {
			return fmt.Errorf("%s build command: %w", b.lang, err)
		}
		b.build = argv
	}
	if c.Run != "" {
		argv, err := shlex.Split(c.Run)
		if err != nil {
			return fmt.Errorf("%s run command: %w", b.lang, err)
		}
		b.run = argv
	}
	return nil
}

// NewStrategy returns the strategy for lang with optional overrides.
func NewStrategy(lang model.Language, c Commands) (Strategy, error) {
	var s interface {
		Strategy
		override(Commands) error
	}
	switch lang {
	case model.Python:
		s = newPython()
	case model.Go:
		s = newGo()
	case model.Java:
		s = newJava()
	default:
		return nil, fmt.Errorf("no strategy for language %q", lang)
	}
	if err := s.override(c); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultStrategies returns one strategy per language with built-in commands.
func DefaultStrategies() map[model.Language]Strategy {
	out := make(map[model.Language]Strategy, len(model.Languages))
	for _, lang := range model.Languages {
		s, _ := NewStrategy(lang, Commands{})
		out[lang] = s
	}
	return out
}

// withHarness appends the harness, replacing any learner file of that name.
func withHarness(files []model.File, h model.File) []model.File {
	return append(withoutPath(files, h.Path), h)
}

func withoutPath(files []model.File, name string) []model.File {
	out := make([]model.File, 0, len(files)+1)
	for _, f := range files {
		if path.Clean(f.Path) != name {
			out = append(out, f)
		}
	}
	return out
}

type pythonStrategy struct{ base }

func newPython() *pythonStrategy {
	return &pythonStrategy{base{
		lang:    model.Python,
		image:   DefaultPythonImage,
		build:   []string{"python3", "-m", "compileall", "-q", "."},
		run:     []string{"python3", harness.PythonFile},
		env:     []string{"PYTHONPYCACHEPREFIX=/tmp/pycache", "PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8", "HOME=/tmp"},
		seccomp: true,
		marker:  "SyntaxError",
	}}
}

func (p *pythonStrategy) Prepare(req Request) ([]model.File, error) {
	module := req.Suite.Entrypoint
	var files []model.File
	if req.Kind == model.KindProject {
		files = withoutPath(req.Files, harness.PythonFile)
		if module == "" {
			module = projectEntrypoint(files, ".py", harness.DefaultPythonModule)
		}
	} else {
		if module == "" {
			module = harness.DefaultPythonModule
		}
		files = []model.File{{Path: harness.PythonModulePath(module), Content: req.Code}}
	}
	h, err := harness.Python(req.Suite, module)
	if err != nil {
		return nil, err
	}
	return withHarness(files, h), nil
}

type goStrategy struct{ base }

func newGo() *goStrategy {
	return &goStrategy{base{
		lang:  model.Go,
		image: DefaultGoImage,
		build: []string{"go", "build", "-o", "/tmp/runbox-bin", "."},
		run:   []string{"/tmp/runbox-bin"},
		env: []string{
			"GOCACHE=/tmp/gocache", "GOPATH=/tmp/gopath", "HOME=/tmp",
			"GOPROXY=off", "GOFLAGS=-mod=mod", "CGO_ENABLED=0", "GOTOOLCHAIN=local",
		},
		seccomp: true,
		marker:  "syntax error",
	}}
}

func (g *goStrategy) Prepare(req Request) ([]model.File, error) {
	var files []model.File
	hasMain := false
	if req.Kind == model.KindProject {
		files = withoutPath(req.Files, harness.GoFile)
		for _, f := range files {
			if !strings.Contains(f.Path, "/") && strings.HasSuffix(f.Path, ".go") && harness.HasMain(f.Content) {
				hasMain = true
			}
		}
	} else {
		code := harness.AsMainPackage(req.Code)
		hasMain = harness.HasMain(code)
		files = []model.File{{Path: "solution.go", Content: code}}
	}

	hasMod := false
	for _, f := range files {
		if f.Path == "go.mod" {
			hasMod = true
		}
	}
	if !hasMod {
		files = append(files, model.File{Path: "go.mod", Content: harness.GoMod})
	}

	h, err := harness.Go(req.Suite, hasMain)
	if err != nil {
		return nil, err
	}
	return withHarness(files, h), nil
}

type javaStrategy struct {
	base
	customBuild bool
}

func newJava() *javaStrategy {
	return &javaStrategy{base: base{
		lang:    model.Java,
		image:   DefaultJavaImage,
		build:   []string{"javac", "-encoding", "UTF-8", "-nowarn", "-d", "/tmp/classes"},
		run:     []string{"java", "-XX:+UseSerialGC", "-Dfile.encoding=UTF-8", "-cp", "/tmp/classes", harness.JavaClass},
		env:     []string{"HOME=/tmp"},
		seccomp: false,
		marker:  "error:",
	}}
}

func (j *javaStrategy) override(c Commands) error {
	j.customBuild = c.Build != ""
	return j.base.override(c)
}

// Commands appends every source file to javac unless the build command was
// overridden.
func (j *javaStrategy) Commands(files []model.File) ([]string, []string) {
	if j.customBuild {
		return j.build, j.run
	}
	var sources []string
	for _, f := range files {
		if strings.HasSuffix(f.Path, ".java") {
			sources = append(sources, f.Path)
		}
	}
	sort.Strings(sources)
	build := append(append([]string(nil), j.build...), sources...)
	return build, j.run
}

var javaPackageRe = regexp.MustCompile(`(?m)^\s*package\s+([\w.]+)\s*;`)

func (j *javaStrategy) Prepare(req Request) ([]model.File, error) {
	class := req.Suite.Entrypoint
	var files []model.File
	if req.Kind == model.KindProject {
		files = withoutPath(req.Files, harness.JavaFile)
		if class == "" {
			class = projectEntrypoint(files, ".java", harness.DefaultJavaClass)
		}
	} else {
		if class == "" {
			class = harness.DefaultJavaClass
			if m := javaPackageRe.FindStringSubmatch(req.Code); m != nil {
				class = m[1] + "." + class
			}
		}
		files = []model.File{{Path: strings.ReplaceAll(class, ".", "/") + ".java", Content: req.Code}}
	}
	h, err := harness.Java(req.Suite, class)
	if err != nil {
		return nil, err
	}
	return withHarness(files, h), nil
}

// projectEntrypoint derives a dotted module or class name when a project
// has a single source file, and falls back to def otherwise.
func projectEntrypoint(files []model.File, ext, def string) string {
	var sources []string
	for _, f := range files {
		if strings.HasSuffix(f.Path, ext) {
			sources = append(sources, f.Path)
		}
	}
	if len(sources) != 1 {
		return def
	}
	return strings.ReplaceAll(strings.TrimSuffix(sources[0], ext), "/", ".")
}
