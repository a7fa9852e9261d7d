package curriculum

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// LoadSuiteFile reads a standalone suite from a .yaml, .yml or .toml file,
// as used by `runbox run`.
func LoadSuiteFile(path string) (SuiteSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SuiteSpec{}, fmt.Errorf("reading suite %s: %w", path, err)
	}

	var spec SuiteSpec
	switch filepath.Ext(path) {
	case ".toml":
		err = toml.Unmarshal(data, &spec)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &spec)
	default:
		return SuiteSpec{}, fmt.Errorf("suite %s: unsupported format, want .yaml or .toml", path)
	}
	if err != nil {
		return SuiteSpec{}, fmt.Errorf("parsing suite %s: %w", path, err)
	}
	return spec, nil
}
