package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelkeeper/internal/backend"
	"modelkeeper/internal/diskguard"
	"modelkeeper/internal/download"
	"modelkeeper/internal/errs"
	"modelkeeper/internal/metrics"
	"modelkeeper/internal/registry"
	"modelkeeper/pkg/types"
)

// Download phases reported in progress events and status.
const (
	PhaseProgress   = "progress"
	PhaseInstalling = "installing"
	PhaseComplete   = "complete"
)

// session is one in-flight download. Every caller for the same model while
// it runs shares it; its context belongs to the caller that created it.
type session struct {
	id      string
	model   registry.Model
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	mu        sync.Mutex
	phase     string
	progress  download.Progress
	observers map[int]*observerReg
	nextObs   int
}

// observerReg guards one observer so that no call reaches it once it is
// removed, including calls from a snapshot taken before the removal.
type observerReg struct {
	mu     sync.Mutex
	o      download.Observer
	closed bool
}

func (r *observerReg) OnProgress(p download.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.o.OnProgress(p)
	}
}

func (s *session) addObserver(o download.Observer) int {
	if o == nil {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = &observerReg{o: o}
	return id
}

func (s *session) removeObserver(id int) {
	if id < 0 {
		return
	}
	s.mu.Lock()
	r := s.observers[id]
	delete(s.observers, id)
	s.mu.Unlock()
	if r != nil {
		// waits for a call in flight
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
	}
}

func (s *session) snapshot() types.DownloadStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.DownloadStatus{
		SessionID:  s.id,
		ModelID:    s.model.ID,
		Phase:      s.phase,
		Downloaded: s.progress.Downloaded,
		Total:      s.progress.Total,
		Percent:    s.progress.Percent,
		StartedAt:  s.started,
	}
}

// sessionObserver forwards pipeline progress to the session's observers and
// the event bus.
type sessionObserver struct {
	m *Manager
	s *session
}

func (o sessionObserver) OnProgress(p download.Progress) {
	o.s.mu.Lock()
	o.s.progress = p
	regs := make([]*observerReg, 0, len(o.s.observers))
	for _, r := range o.s.observers {
		regs = append(regs, r)
	}
	o.s.mu.Unlock()
	for _, r := range regs {
		r.OnProgress(p)
	}
	o.m.publish("download_progress", o.s.model, map[string]any{
		"session_id": o.s.id,
		"phase":      PhaseProgress,
		"downloaded": p.Downloaded,
		"total":      p.Total,
		"percent":    p.Percent,
	})
}

// DownloadModel installs modelID. A call while a download of the same model
// runs joins it: obs also receives its progress and the shared result is
// returned. The session is cancelled by CancelDownload or by ctx of the call
// that started it; a joining caller's ctx only ends its own wait.
func (m *Manager) DownloadModel(ctx context.Context, modelID string, obs download.Observer) (types.DownloadResponse, error) {
	mdl, err := m.reg.Lookup(modelID)
	if err != nil {
		return types.DownloadResponse{}, err
	}
	if registry.IsInstalled(m.opts.CacheDir, mdl) {
		return types.DownloadResponse{ModelID: mdl.ID, Path: registry.ModelDir(m.opts.CacheDir, mdl), AlreadyInstalled: true}, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.DownloadResponse{}, errs.E(errs.Unavailable, "download", "manager is shutting down")
	}
	s, joined := m.sessions[mdl.ID]
	if !joined {
		sctx, cancel := context.WithCancel(ctx)
		s = &session{
			id:        uuid.NewString(),
			model:     mdl,
			ctx:       sctx,
			cancel:    cancel,
			started:   time.Now(),
			phase:     PhaseProgress,
			observers: make(map[int]*observerReg),
		}
		m.sessions[mdl.ID] = s
		metrics.DownloadsActive.Inc()
	}
	obsID := s.addObserver(obs)
	// Registered under mu so the session cannot finish between lookup and join.
	ch := m.flight.DoChan(s.id, func() (any, error) { return m.runSession(s) })
	m.mu.Unlock()
	defer s.removeObserver(obsID)

	if joined {
		m.log.Info().Str("event", "download_join").Str("model", mdl.ID).Str("session", s.id).Msg("joined in-flight download")
		select {
		case r := <-ch:
			return r.Val.(types.DownloadResponse), r.Err
		case <-ctx.Done():
			return types.DownloadResponse{}, errs.Wrapf(errs.Cancelled, "download", ctx.Err(), "stopped waiting for %s", mdl.ID)
		}
	}
	r := <-ch
	return r.Val.(types.DownloadResponse), r.Err
}

func (m *Manager) runSession(s *session) (any, error) {
	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.model.ID)
		m.mu.Unlock()
		s.cancel()
		metrics.DownloadsActive.Dec()
	}()
	res, err := m.install(s)
	if err != nil {
		name := "download_failed"
		if errs.IsCancelled(err) || errors.Is(err, context.Canceled) {
			name = "download_cancelled"
		}
		m.publish(name, s.model, map[string]any{"session_id": s.id, "error": err.Error(), "kind": errs.KindOf(err).String()})
	}
	return res, err
}

func (m *Manager) install(s *session) (types.DownloadResponse, error) {
	mdl := s.model
	res := types.DownloadResponse{ModelID: mdl.ID, Path: registry.ModelDir(m.opts.CacheDir, mdl)}
	if registry.IsInstalled(m.opts.CacheDir, mdl) {
		res.AlreadyInstalled = true
		return res, nil
	}
	root := registry.KindRoot(m.opts.CacheDir, mdl.Kind)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return res, errs.Wrap(errs.Unknown, "download", err)
	}
	m.cleanupStale(root, registry.ModelDir(m.opts.CacheDir, mdl))
	if _, err := diskguard.CheckSpace(root, diskguard.RequiredFor(mdl.SizeBytes, mdl.IsArchive())); err != nil {
		return res, err
	}

	dest := filepath.Join(registry.ModelDir(m.opts.CacheDir, mdl), mdl.DownloadFileName())
	if mdl.IsArchive() {
		dest = filepath.Join(root, mdl.DownloadFileName())
	}
	dr, err := m.pipeline.File(s.ctx, mdl.URL, dest, download.FileOptions{ModelID: mdl.ID, Observer: sessionObserver{m: m, s: s}})
	if err != nil {
		return res, err
	}
	res.Bytes, res.Attempts, res.Resumed = dr.Bytes, dr.Attempts, dr.Resumed
	if _, err := download.ValidateFileSize(dest, mdl.SizeBytes, mdl.Tolerance()); err != nil {
		return res, err
	}

	if mdl.IsArchive() {
		s.mu.Lock()
		s.phase = PhaseInstalling
		s.mu.Unlock()
		m.publish("download_installing", mdl, map[string]any{"session_id": s.id, "phase": PhaseInstalling})
		xr, err := m.extractor.Extract(s.ctx, dest, mdl, root)
		if rmErr := os.Remove(dest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			m.log.Warn().Err(rmErr).Str("path", dest).Msg("failed to remove archive")
		}
		if err != nil {
			return res, err
		}
		res.Heuristic = xr.Heuristic
	}

	s.mu.Lock()
	s.phase = PhaseComplete
	s.mu.Unlock()
	m.publish("download_complete", mdl, map[string]any{"session_id": s.id, "phase": PhaseComplete, "path": res.Path, "bytes": res.Bytes, "heuristic": res.Heuristic})
	if mdl.Kind == registry.KindParakeet {
		m.prewarm(mdl)
	}
	return res, nil
}

// prewarm starts the recognizer for a freshly installed model in the
// background. Failure only logs.
func (m *Manager) prewarm(mdl registry.Model) {
	m.mu.Lock()
	closed := m.closed
	if !closed {
		m.bg.Add(1)
	}
	m.mu.Unlock()
	if closed {
		return
	}
	sup := m.sups[mdl.Kind]
	if !sup.Available() {
		m.bg.Done()
		m.log.Debug().Str("model", mdl.ID).Msg("skipping pre-warm; backend binary not found")
		return
	}
	go func() {
		defer m.bg.Done()
		if err := sup.Start(m.bgCtx, mdl.ID, backend.ModelPath(m.opts.CacheDir, mdl)); err != nil {
			m.log.Warn().Str("event", "prewarm_failed").Str("model", mdl.ID).Err(err).Msg("pre-warm failed")
		}
	}()
}

func (m *Manager) cleanupStale(dirs ...string) {
	for _, d := range dirs {
		removed, err := diskguard.CleanupStale(d, m.opts.StaleAge)
		if err != nil {
			m.log.Debug().Err(err).Str("dir", d).Msg("stale cleanup skipped")
			continue
		}
		for _, p := range removed {
			m.log.Info().Str("event", "stale_removed").Str("path", p).Msg("removed stale download artifact")
		}
	}
}

// CancelDownload cancels the session for modelID, or every session when
// modelID is empty. It reports whether anything was cancelled.
func (m *Manager) CancelDownload(modelID string) bool {
	m.mu.Lock()
	var targets []*session
	if modelID == "" {
		for _, s := range m.sessions {
			targets = append(targets, s)
		}
	} else if s, ok := m.sessions[modelID]; ok {
		targets = append(targets, s)
	}
	m.mu.Unlock()
	for _, s := range targets {
		m.log.Info().Str("event", "download_cancel").Str("model", s.model.ID).Str("session", s.id).Msg("cancelling download")
		s.cancel()
	}
	return len(targets) > 0
}

// Downloads lists active sessions ordered by start time.
func (m *Manager) Downloads() []types.DownloadStatus {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	out := make([]types.DownloadStatus, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Manager) downloading(modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[modelID]
	return ok
}
