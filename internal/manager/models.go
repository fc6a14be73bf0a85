package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"modelkeeper/internal/archive"
	"modelkeeper/internal/backend"
	"modelkeeper/internal/common/fsutil"
	"modelkeeper/internal/download"
	"modelkeeper/internal/errs"
	"modelkeeper/internal/registry"
	"modelkeeper/pkg/types"
)

// ListModels returns the catalogue for kind ("" for every kind) with each
// model's install state.
func (m *Manager) ListModels(kind registry.Kind) []types.ModelInfo {
	models := m.reg.List(kind)
	out := make([]types.ModelInfo, 0, len(models))
	for _, mdl := range models {
		info := types.ModelInfo{
			ID:                 mdl.ID,
			Kind:               string(mdl.Kind),
			Name:               mdl.Name,
			SizeBytes:          mdl.SizeBytes,
			Installed:          registry.IsInstalled(m.opts.CacheDir, mdl),
			Downloading:        m.downloading(mdl.ID),
			Language:           mdl.Language,
			SupportedLanguages: mdl.SupportedLanguages,
		}
		info.DiskBytes = fsutil.DirSize(registry.ModelDir(m.opts.CacheDir, mdl))
		out = append(out, info)
	}
	return out
}

// DeleteModel removes an installed model and any leftovers of interrupted
// downloads. An active download is cancelled first and a backend serving
// the model is stopped.
func (m *Manager) DeleteModel(ctx context.Context, modelID string) error {
	mdl, err := m.reg.Lookup(modelID)
	if err != nil {
		return err
	}
	if m.CancelDownload(mdl.ID) {
		m.waitSession(ctx, mdl.ID)
	}
	if sup := m.sups[mdl.Kind]; sup.ModelID() == mdl.ID {
		if err := sup.Stop(ctx); err != nil {
			return err
		}
	}

	dir := registry.ModelDir(m.opts.CacheDir, mdl)
	root := registry.KindRoot(m.opts.CacheDir, mdl.Kind)
	found := fsutil.PathExists(dir)
	leftovers := []string{archive.TempDir(root, mdl)}
	if mdl.IsArchive() {
		bundle := filepath.Join(root, mdl.DownloadFileName())
		leftovers = append(leftovers, bundle, bundle+download.TempSuffix)
	}
	for _, p := range leftovers {
		if fsutil.PathExists(p) {
			found = true
		}
		if err := os.RemoveAll(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.Warn().Err(err).Str("path", p).Msg("failed to remove leftover")
		}
	}
	if !found {
		return errs.E(errs.NotFound, "delete", "model "+mdl.ID+" is not installed")
	}
	if err := os.RemoveAll(dir); err != nil {
		return errs.Wrapf(errs.Unknown, "delete", err, "remove %s", dir)
	}
	m.log.Info().Str("event", "model_deleted").Str("model", mdl.ID).Msg("model deleted")
	m.publish("model_deleted", mdl, nil)
	return nil
}

// waitSession blocks until the download session for modelID has finished
// cleaning up, or ctx ends.
func (m *Manager) waitSession(ctx context.Context, modelID string) {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for m.downloading(modelID) {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// DeleteAll removes every installed model of kind and returns the removed
// ids.
func (m *Manager) DeleteAll(ctx context.Context, kind registry.Kind) ([]string, error) {
	var removed []string
	for _, mdl := range m.reg.List(kind) {
		err := m.DeleteModel(ctx, mdl.ID)
		switch {
		case err == nil:
			removed = append(removed, mdl.ID)
		case errs.IsNotFound(err):
		default:
			return removed, err
		}
	}
	return removed, nil
}

// InitializeAtStartup clears stale artifacts from every cache root and
// pre-warms the default recognizer model when it is installed.
func (m *Manager) InitializeAtStartup(ctx context.Context) {
	for _, kind := range registry.Kinds {
		root := registry.KindRoot(m.opts.CacheDir, kind)
		m.cleanupStale(root)
		for _, mdl := range m.reg.List(kind) {
			m.cleanupStale(registry.ModelDir(m.opts.CacheDir, mdl))
		}
	}
	if m.opts.DefaultParakeetModel == "" {
		return
	}
	mdl, err := m.reg.Lookup(m.opts.DefaultParakeetModel)
	if err != nil {
		m.log.Warn().Err(err).Msg("default recognizer model is not in the registry")
		return
	}
	if !registry.IsInstalled(m.opts.CacheDir, mdl) {
		m.log.Debug().Str("model", mdl.ID).Msg("default recognizer model not installed; skipping pre-warm")
		return
	}
	if ctx.Err() != nil {
		return
	}
	m.log.Info().Str("event", "prewarm").Str("model", mdl.ID).Str("path", backend.ModelPath(m.opts.CacheDir, mdl)).Msg("pre-warming recognizer")
	m.prewarm(mdl)
}
