package manager

import (
	"github.com/rs/zerolog"

	"modelkeeper/internal/backend"
	"modelkeeper/internal/config"
	"modelkeeper/internal/download"
	"modelkeeper/internal/registry"
)

// FromConfig maps a resolved configuration onto Options.
func FromConfig(cfg config.Config, reg *registry.Registry, lg *zerolog.Logger) Options {
	return Options{
		CacheDir:             cfg.CacheDir,
		Registry:             reg,
		DefaultParakeetModel: cfg.DefaultParakeetModel,
		Download: download.Options{
			MaxRetries:       cfg.Download.MaxRetries,
			StallTimeout:     cfg.Download.StallTimeout.Std(),
			ProgressInterval: cfg.Download.ProgressInterval.Std(),
		},
		Llama:      backendOptions(cfg.Llama),
		Parakeet:   backendOptions(cfg.Parakeet),
		FFmpegPath: cfg.FFmpegPath,
		TarPath:    cfg.TarPath,
		Logger:     lg,
	}
}

func backendOptions(b config.BackendConfig) backend.Options {
	return backend.Options{
		BinaryPath:     b.Binary,
		BinaryDirs:     b.BinaryDirs,
		PortStart:      b.PortStart,
		PortEnd:        b.PortEnd,
		Threads:        b.Threads,
		CtxSize:        b.CtxSize,
		GPULayers:      b.GPULayers,
		StartupTimeout: b.StartupTimeout.Std(),
		HealthInterval: b.HealthInterval.Std(),
		StopGrace:      b.StopGrace.Std(),
	}
}
