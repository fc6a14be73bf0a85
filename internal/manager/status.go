package manager

import (
	"modelkeeper/internal/diskguard"
	"modelkeeper/internal/registry"
	"modelkeeper/pkg/types"
)

// Status snapshots both backends and every active download.
func (m *Manager) Status() types.StatusResponse {
	out := types.StatusResponse{Backends: make([]types.BackendStatus, 0, len(registry.Kinds))}
	for _, kind := range registry.Kinds {
		out.Backends = append(out.Backends, toBackendStatus(m.sups[kind].Status()))
	}
	out.Downloads = m.Downloads()
	return out
}

// Diagnostics reports where binaries and helper tools resolve and how much
// space the cache volume has.
func (m *Manager) Diagnostics() types.DiagnosticsResponse {
	out := types.DiagnosticsResponse{CacheDir: m.opts.CacheDir}
	if free, err := diskguard.FreeBytes(m.opts.CacheDir); err == nil {
		out.DiskFreeBytes = free
	}
	for _, kind := range registry.Kinds {
		sup := m.sups[kind]
		d := types.BackendDiagnostics{
			Backend:    sup.Name(),
			Candidates: sup.Candidates(),
			ModelsDir:  registry.KindRoot(m.opts.CacheDir, kind),
		}
		d.Binary = toolStatus(sup.BinaryPath())
		out.Backends = append(out.Backends, d)
	}
	out.FFmpeg = toolStatus(m.normalizer.FFmpeg())
	out.Tar = toolStatus(m.extractor.Resolve())
	return out
}

func toolStatus(path string, err error) types.ToolStatus {
	if err != nil {
		return types.ToolStatus{Error: err.Error()}
	}
	return types.ToolStatus{Available: true, Path: path}
}
