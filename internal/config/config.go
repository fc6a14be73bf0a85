// Package config loads the service configuration from yaml, json or toml.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DownloadConfig tunes the download pipeline. Zero values use its defaults.
type DownloadConfig struct {
	MaxRetries       int      `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	StallTimeout     Duration `json:"stall_timeout" yaml:"stall_timeout" toml:"stall_timeout"`
	ProgressInterval Duration `json:"progress_interval" yaml:"progress_interval" toml:"progress_interval"`
}

// BackendConfig tunes one supervised backend. Zero values use the backend's
// defaults.
type BackendConfig struct {
	Binary         string   `json:"binary" yaml:"binary" toml:"binary"`
	BinaryDirs     []string `json:"binary_dirs" yaml:"binary_dirs" toml:"binary_dirs"`
	PortStart      int      `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd        int      `json:"port_end" yaml:"port_end" toml:"port_end"`
	Threads        int      `json:"threads" yaml:"threads" toml:"threads"`
	CtxSize        int      `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	GPULayers      int      `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	StartupTimeout Duration `json:"startup_timeout" yaml:"startup_timeout" toml:"startup_timeout"`
	HealthInterval Duration `json:"health_interval" yaml:"health_interval" toml:"health_interval"`
	StopGrace      Duration `json:"stop_grace" yaml:"stop_grace" toml:"stop_grace"`
}

// Config holds runtime parameters for the service.
type Config struct {
	Addr                 string         `json:"addr" yaml:"addr" toml:"addr"`
	CacheDir             string         `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	RegistryFile         string         `json:"registry_file" yaml:"registry_file" toml:"registry_file"`
	DefaultParakeetModel string         `json:"default_parakeet_model" yaml:"default_parakeet_model" toml:"default_parakeet_model"`
	LogLevel             string         `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat            string         `json:"log_format" yaml:"log_format" toml:"log_format"`
	CORSOrigins          []string       `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	FFmpegPath           string         `json:"ffmpeg_path" yaml:"ffmpeg_path" toml:"ffmpeg_path"`
	TarPath              string         `json:"tar_path" yaml:"tar_path" toml:"tar_path"`
	Download             DownloadConfig `json:"download" yaml:"download" toml:"download"`
	Llama                BackendConfig  `json:"llama" yaml:"llama" toml:"llama"`
	Parakeet             BackendConfig  `json:"parakeet" yaml:"parakeet" toml:"parakeet"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:                 "127.0.0.1:8765",
		CacheDir:             "~/.cache/modelkeeper",
		DefaultParakeetModel: "parakeet-tdt-0.6b-v3",
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var problems []error
	if strings.TrimSpace(c.Addr) == "" {
		problems = append(problems, errors.New("addr must not be empty"))
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		problems = append(problems, errors.New("cache_dir must not be empty"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		problems = append(problems, fmt.Errorf("log_level: %w", err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "console":
	default:
		problems = append(problems, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	if c.Download.StallTimeout < 0 || c.Download.ProgressInterval < 0 {
		problems = append(problems, errors.New("download durations must not be negative"))
	}
	problems = append(problems, c.Llama.validate("llama")...)
	problems = append(problems, c.Parakeet.validate("parakeet")...)
	return errors.Join(problems...)
}

func (b BackendConfig) validate(name string) []error {
	var problems []error
	if b.PortStart != 0 || b.PortEnd != 0 {
		if b.PortStart <= 0 || b.PortEnd < b.PortStart || b.PortEnd > 65535 {
			problems = append(problems, fmt.Errorf("%s: invalid port range %d-%d", name, b.PortStart, b.PortEnd))
		}
	}
	if b.Threads < 0 || b.CtxSize < 0 || b.GPULayers < 0 {
		problems = append(problems, fmt.Errorf("%s: threads, ctx_size and gpu_layers must not be negative", name))
	}
	if b.StartupTimeout < 0 || b.HealthInterval < 0 || b.StopGrace < 0 {
		problems = append(problems, fmt.Errorf("%s: durations must not be negative", name))
	}
	return problems
}
