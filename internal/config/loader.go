package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"modelkeeper/internal/common/fsutil"
)

// Environment variables that override file values.
const (
	EnvAddr     = "MODELKEEPER_ADDR"
	EnvCacheDir = "MODELKEEPER_CACHE_DIR"
)

// Load reads a configuration file based on its extension and layers it over
// Default. Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Resolve loads path (or Default when empty), applies environment
// overrides, expands ~ in paths and validates the result.
func Resolve(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.expandPaths(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAddr); ok && strings.TrimSpace(v) != "" {
		c.Addr = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvCacheDir); ok && strings.TrimSpace(v) != "" {
		c.CacheDir = strings.TrimSpace(v)
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.CacheDir, &c.RegistryFile, &c.FFmpegPath, &c.TarPath, &c.Llama.Binary, &c.Parakeet.Binary} {
		if *p == "" {
			continue
		}
		v, err := fsutil.ExpandHome(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}
