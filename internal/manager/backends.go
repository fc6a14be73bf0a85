package manager

import (
	"context"
	"errors"
	"strings"

	"modelkeeper/internal/backend"
	"modelkeeper/internal/errs"
	"modelkeeper/internal/gateway"
	"modelkeeper/internal/registry"
	"modelkeeper/internal/supervisor"
	"modelkeeper/pkg/types"
)

// Start launches the backend for modelID. The model must be installed.
func (m *Manager) Start(ctx context.Context, modelID string) error {
	mdl, err := m.reg.Lookup(modelID)
	if err != nil {
		return err
	}
	if missing := registry.MissingFiles(m.opts.CacheDir, mdl); len(missing) > 0 {
		return errs.E(errs.NotFound, "start", "model "+mdl.ID+" is not installed (missing "+strings.Join(missing, ", ")+")")
	}
	return m.sups[mdl.Kind].Start(ctx, mdl.ID, backend.ModelPath(m.opts.CacheDir, mdl))
}

// Stop stops the backend of kind. Stopping an idle backend is not an error.
func (m *Manager) Stop(ctx context.Context, kind registry.Kind) error {
	sup, ok := m.sups[kind]
	if !ok {
		return errs.E(errs.Invalid, "stop", "unknown backend "+string(kind))
	}
	return sup.Stop(ctx)
}

// StopAll stops every backend.
func (m *Manager) StopAll(ctx context.Context) error {
	var all []error
	for _, kind := range registry.Kinds {
		if err := m.sups[kind].Stop(ctx); err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}

// Inference runs a chat completion. When req.Model is set that model is
// started first; otherwise the running llama backend must be ready.
func (m *Manager) Inference(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	const op = "inference"
	if len(req.Messages) == 0 {
		return types.InferenceResponse{}, errs.E(errs.Invalid, op, "messages are required")
	}
	sup := m.sups[registry.KindLlama]
	if req.Model != "" {
		mdl, err := m.reg.Lookup(req.Model)
		if err != nil {
			return types.InferenceResponse{}, err
		}
		if mdl.Kind != registry.KindLlama {
			return types.InferenceResponse{}, errs.E(errs.Invalid, op, "model "+mdl.ID+" is not a chat model")
		}
		if err := m.ensure(ctx, op, mdl); err != nil {
			return types.InferenceResponse{}, err
		}
	}
	if err := readyForRequests(op, sup); err != nil {
		return types.InferenceResponse{}, err
	}

	msgs := make([]gateway.Message, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = gateway.Message{Role: msg.Role, Content: msg.Content}
	}
	res, err := m.client.Inference(ctx, sup.BaseURL(), msgs, gateway.InferenceOptions{Temperature: req.Temperature, MaxTokens: req.MaxTokens})
	if err != nil {
		return types.InferenceResponse{}, err
	}
	return types.InferenceResponse{Text: res.Text, FinishReason: res.FinishReason, ElapsedMS: res.Elapsed.Milliseconds()}, nil
}

// ensure starts mdl's backend for a request. A degraded backend already
// serving mdl is reported rather than restarted; only Start restarts it.
func (m *Manager) ensure(ctx context.Context, op string, mdl registry.Model) error {
	sup := m.sups[mdl.Kind]
	if st := sup.Status(); st.State == supervisor.StateDegraded && st.ModelID == mdl.ID {
		return readyForRequests(op, sup)
	}
	return m.Start(ctx, mdl.ID)
}

func readyForRequests(op string, sup *supervisor.Supervisor) error {
	switch st := sup.Status(); st.State {
	case supervisor.StateReady:
		return nil
	case supervisor.StateDegraded:
		return errs.E(errs.ProcessRuntimeDegradation, op, sup.Name()+" backend is not responding to health checks")
	case supervisor.StateStarting:
		return errs.E(errs.Unavailable, op, sup.Name()+" backend is still starting")
	default:
		return errs.E(errs.Unavailable, op, "no "+sup.Name()+" backend is running")
	}
}

// Transcribe converts audio to text with modelID, or the default recognizer
// model when modelID is empty. The recognizer is started on demand.
func (m *Manager) Transcribe(ctx context.Context, audio []byte, modelID, language string) (types.TranscribeResponse, error) {
	const op = "transcribe"
	if len(audio) == 0 {
		return types.TranscribeResponse{}, errs.E(errs.Invalid, op, "audio body is empty")
	}
	if modelID == "" {
		modelID = m.opts.DefaultParakeetModel
	}
	mdl, err := m.reg.Lookup(modelID)
	if err != nil {
		return types.TranscribeResponse{}, err
	}
	if mdl.Kind != registry.KindParakeet {
		return types.TranscribeResponse{}, errs.E(errs.Invalid, op, "model "+mdl.ID+" is not a speech model")
	}
	if !registry.IsInstalled(m.opts.CacheDir, mdl) {
		return types.TranscribeResponse{}, errs.E(errs.NotFound, op, "model "+mdl.ID+" is not installed")
	}
	sup := m.sups[registry.KindParakeet]
	ensure := func(ctx context.Context) (string, error) {
		if err := m.ensure(ctx, op, mdl); err != nil {
			return "", err
		}
		if err := readyForRequests(op, sup); err != nil {
			return "", err
		}
		return sup.Addr(), nil
	}
	tr, err := m.transcriber.Transcribe(ctx, audio, ensure, gateway.TranscribeOptions{Language: language})
	if err != nil {
		return types.TranscribeResponse{}, err
	}
	return types.TranscribeResponse{
		Text:            tr.Text,
		Language:        tr.Language,
		ElapsedMS:       tr.Elapsed.Milliseconds(),
		Segments:        tr.Segments,
		DurationSeconds: tr.Duration,
	}, nil
}

func toBackendStatus(st supervisor.Status) types.BackendStatus {
	return types.BackendStatus{
		Backend:        st.Backend,
		State:          string(st.State),
		Ready:          st.Ready,
		Running:        st.Running,
		PID:            st.PID,
		Port:           st.Port,
		ModelID:        st.ModelID,
		ModelPath:      st.ModelPath,
		HealthFailures: st.HealthFailures,
		BinaryPath:     st.BinaryPath,
		StartedAt:      st.StartedAt,
	}
}
