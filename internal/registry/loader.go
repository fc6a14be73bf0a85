package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var builtin []byte

type catalogue struct {
	Models []Model `json:"models" yaml:"models" toml:"models"`
}

// Load returns the built-in catalogue.
func Load() (*Registry, error) {
	var c catalogue
	if err := yaml.Unmarshal(builtin, &c); err != nil {
		return nil, fmt.Errorf("parse built-in models: %w", err)
	}
	return New(c.Models)
}

// LoadWithOverlay returns the built-in catalogue extended (and, for equal
// ids, overridden) by the models in path. An empty path means no overlay.
func LoadWithOverlay(path string) (*Registry, error) {
	var c catalogue
	if err := yaml.Unmarshal(builtin, &c); err != nil {
		return nil, fmt.Errorf("parse built-in models: %w", err)
	}
	if strings.TrimSpace(path) == "" {
		return New(c.Models)
	}
	extra, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return New(append(c.Models, extra...))
}

// readFile decodes a catalogue file by extension: .yaml/.yml, .json, .toml.
func readFile(path string) ([]Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	var c catalogue
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &c)
	case ".json":
		err = json.Unmarshal(b, &c)
	case ".toml":
		err = toml.Unmarshal(b, &c)
	default:
		return nil, fmt.Errorf("unsupported models file extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c.Models, nil
}
