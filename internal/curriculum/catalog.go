// Package curriculum loads the challenges and projects that submissions run
// against. Content lives in YAML files; the executor only ever sees the
// resulting test suites.
package curriculum

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/runbox/internal/apperr"
	"github.com/michaelbrown/runbox/internal/model"
)

// Catalog resolves challenge and project ids.
type Catalog interface {
	Challenge(id string) (*Item, error)
	Project(id string) (*Item, error)
}

// Item is one challenge or project.
type Item struct {
	ID        string           `yaml:"id" json:"id"`
	Title     string           `yaml:"title" json:"title"`
	Kind      model.Kind       `yaml:"-" json:"kind"`
	Languages []model.Language `yaml:"languages" json:"languages,omitempty"`
	Suite     SuiteSpec        `yaml:"suite" json:"-"`
}

// SuiteSpec is the authored form of a test suite. Entrypoints overrides
// Entrypoint for individual languages.
type SuiteSpec struct {
	Type        string             `yaml:"type" toml:"type"`
	Entrypoint  string             `yaml:"entrypoint" toml:"entrypoint"`
	Entrypoints map[string]string  `yaml:"entrypoints" toml:"entrypoints"`
	Function    string             `yaml:"function" toml:"function"`
	Method      string             `yaml:"method" toml:"method"`
	Tests       []model.CaseValues `yaml:"tests" toml:"tests"`
}

// Build renders the suite for one language.
func (s SuiteSpec) Build(lang model.Language) (model.TestSuite, error) {
	entry := s.Entrypoint
	if e, ok := s.Entrypoints[string(lang)]; ok {
		entry = e
	}
	suite, err := model.SuiteFromValues(entry, s.Function, s.Tests)
	if err != nil {
		return model.TestSuite{}, err
	}
	suite.Method = s.Method
	if s.Type != "" {
		suite.Type = s.Type
	}
	return suite, nil
}

// Supports reports whether the item accepts lang. An item that lists no
// languages accepts all of them.
func (it *Item) Supports(lang model.Language) bool {
	return len(it.Languages) == 0 || slices.Contains(it.Languages, lang)
}

// SuiteFor returns the item's suite for lang.
func (it *Item) SuiteFor(lang model.Language) (model.TestSuite, error) {
	if !it.Supports(lang) {
		return model.TestSuite{}, apperr.Newf(apperr.ValidationFailed, "%s %s does not accept %s", it.Kind, it.ID, lang)
	}
	suite, err := it.Suite.Build(lang)
	if err != nil {
		return model.TestSuite{}, fmt.Errorf("%s %s: %w", it.Kind, it.ID, err)
	}
	return suite, nil
}

// DirCatalog is a Catalog read once from a directory with challenges/ and
// projects/ subdirectories of YAML files.
type DirCatalog struct {
	challenges map[string]*Item
	projects   map[string]*Item
}

// LoadDir reads dir. Missing subdirectories yield an empty section.
func LoadDir(dir string) (*DirCatalog, error) {
	c := &DirCatalog{}
	var err error
	if c.challenges, err = loadItems(filepath.Join(dir, "challenges"), model.KindChallenge); err != nil {
		return nil, err
	}
	if c.projects, err = loadItems(filepath.Join(dir, "projects"), model.KindProject); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *DirCatalog) Challenge(id string) (*Item, error) {
	if it, ok := c.challenges[id]; ok {
		return it, nil
	}
	return nil, apperr.Newf(apperr.NotFound, "challenge not found: %s", id)
}

func (c *DirCatalog) Project(id string) (*Item, error) {
	if it, ok := c.projects[id]; ok {
		return it, nil
	}
	return nil, apperr.Newf(apperr.NotFound, "project not found: %s", id)
}

// Items lists every item of kind sorted by id.
func (c *DirCatalog) Items(kind model.Kind) []*Item {
	src := c.challenges
	if kind == model.KindProject {
		src = c.projects
	}
	out := make([]*Item, 0, len(src))
	for _, it := range src {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func loadItems(dir string, kind model.Kind) (map[string]*Item, error) {
	items := make(map[string]*Item)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		it, err := LoadItem(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if it.ID == "" {
			it.ID = strings.TrimSuffix(e.Name(), ext)
		}
		it.Kind = kind
		if _, dup := items[it.ID]; dup {
			return nil, fmt.Errorf("duplicate %s id %q in %s", kind, it.ID, dir)
		}
		items[it.ID] = it
	}
	return items, nil
}

// LoadItem reads one item from a YAML file.
func LoadItem(path string) (*Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading item %s: %w", path, err)
	}

	var it Item
	if err := yaml.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("parsing item %s: %w", path, err)
	}
	for i, l := range it.Languages {
		lang, err := model.ParseLanguage(string(l))
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", path, err)
		}
		it.Languages[i] = lang
	}
	return &it, nil
}
