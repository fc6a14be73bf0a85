package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"modelkeeper/internal/download"
	"modelkeeper/internal/errs"
	"modelkeeper/internal/events"
	"modelkeeper/internal/registry"
	"modelkeeper/pkg/types"
)

type mockService struct {
	mu sync.Mutex

	models      []types.ModelInfo
	status      types.StatusResponse
	diagnostics types.DiagnosticsResponse
	ready       bool

	downloadErr error
	progress    []download.Progress
	cancelled   bool
	deleteErr   error
	startErr    error
	stopErr     error
	inferErr    error
	transErr    error

	replay []events.Event
	live   []events.Event

	gotKind     registry.Kind
	gotStart    string
	gotStop     registry.Kind
	gotInfer    types.InferenceRequest
	gotAudio    []byte
	gotModel    string
	gotLanguage string
	gotSince    uint64
	sinceCalls  int
}

func (m *mockService) ListModels(kind registry.Kind) []types.ModelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gotKind = kind
	return append([]types.ModelInfo(nil), m.models...)
}

func (m *mockService) Status() types.StatusResponse { return m.status }

func (m *mockService) DownloadModel(ctx context.Context, id string, obs download.Observer) (types.DownloadResponse, error) {
	if m.downloadErr != nil {
		return types.DownloadResponse{}, m.downloadErr
	}
	if obs != nil {
		for _, p := range m.progress {
			obs.OnProgress(p)
		}
	}
	return types.DownloadResponse{ModelID: id, Path: "/cache/" + id, Bytes: 10, Attempts: 1}, nil
}

func (m *mockService) CancelDownload(string) bool { return m.cancelled }

func (m *mockService) DeleteModel(context.Context, string) error { return m.deleteErr }

func (m *mockService) Start(_ context.Context, id string) error {
	m.gotStart = id
	return m.startErr
}

func (m *mockService) Stop(_ context.Context, kind registry.Kind) error {
	m.gotStop = kind
	return m.stopErr
}

func (m *mockService) Inference(_ context.Context, req types.InferenceRequest) (types.InferenceResponse, error) {
	m.gotInfer = req
	if m.inferErr != nil {
		return types.InferenceResponse{}, m.inferErr
	}
	return types.InferenceResponse{Text: "hi", FinishReason: "stop", ElapsedMS: 3}, nil
}

func (m *mockService) Transcribe(_ context.Context, audio []byte, model, language string) (types.TranscribeResponse, error) {
	m.gotAudio, m.gotModel, m.gotLanguage = audio, model, language
	if m.transErr != nil {
		return types.TranscribeResponse{}, m.transErr
	}
	return types.TranscribeResponse{Text: "hello world", Language: "en", Segments: 1}, nil
}

func (m *mockService) Diagnostics() types.DiagnosticsResponse { return m.diagnostics }

// Subscribe hands out a closed channel holding the live events, so the
// stream handler drains it and returns.
func (m *mockService) Subscribe(int) (<-chan events.Event, func()) {
	ch := make(chan events.Event, len(m.live))
	for _, e := range m.live {
		ch <- e
	}
	close(ch)
	return ch, func() {}
}

func (m *mockService) EventsSince(seq uint64) []events.Event {
	m.gotSince = seq
	m.sinceCalls++
	var out []events.Event
	for _, e := range m.replay {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockService) Ready() bool { return m.ready }

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

var jsonHeader = map[string]string{"Content-Type": "application/json"}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var er types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("error body: %v (%q)", err, w.Body.String())
	}
	return er
}

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.ModelInfo{{ID: "m1", Kind: "llama"}, {ID: "m2", Kind: "parakeet"}}}
	w := do(t, NewMux(svc), http.MethodGet, "/models", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 2 {
		t.Fatalf("models len=%d", len(body.Models))
	}
	if svc.gotKind != "" {
		t.Fatalf("kind filter=%q, want none", svc.gotKind)
	}
}

func TestModelsHandler_KindFilter(t *testing.T) {
	svc := &mockService{}
	if w := do(t, NewMux(svc), http.MethodGet, "/models?kind=parakeet", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if svc.gotKind != registry.KindParakeet {
		t.Fatalf("kind=%q", svc.gotKind)
	}
	w := do(t, NewMux(svc), http.MethodGet, "/models?kind=whisper", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if er := decodeError(t, w); er.Kind != "invalid" || er.Code != http.StatusBadRequest {
		t.Fatalf("error=%+v", er)
	}
}

func TestStatusAndDiagnostics(t *testing.T) {
	svc := &mockService{
		status:      types.StatusResponse{Backends: []types.BackendStatus{{Backend: "llama", State: "ready", Ready: true}}},
		diagnostics: types.DiagnosticsResponse{CacheDir: "/cache", Tar: types.ToolStatus{Available: true, Path: "/usr/bin/tar"}},
	}
	h := NewMux(svc)
	w := do(t, h, http.MethodGet, "/status", nil, nil)
	var st types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(st.Backends) != 1 || st.Backends[0].State != "ready" {
		t.Fatalf("unexpected status: %+v", st)
	}
	w = do(t, h, http.MethodGet, "/diagnostics", nil, nil)
	var diag types.DiagnosticsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &diag); err != nil {
		t.Fatalf("json: %v", err)
	}
	if diag.CacheDir != "/cache" || !diag.Tar.Available {
		t.Fatalf("unexpected diagnostics: %+v", diag)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc)
	if w := do(t, h, http.MethodGet, "/healthz", nil, nil); w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz %d %q", w.Code, w.Body.String())
	}
	w := do(t, h, http.MethodGet, "/readyz", nil, nil)
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "no backend") {
		t.Fatalf("readyz %d %q", w.Code, w.Body.String())
	}
	svc.ready = true
	if w := do(t, h, http.MethodGet, "/readyz", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("readyz status=%d", w.Code)
	}
}

func TestDownloadBlocking(t *testing.T) {
	svc := &mockService{}
	w := do(t, NewMux(svc), http.MethodPost, "/models/m1/download", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var res types.DownloadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if res.ModelID != "m1" || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDownloadErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{errs.E(errs.NotFound, "download", `unknown model "m1"`), http.StatusNotFound, "not_found"},
		{errs.E(errs.Cancelled, "download", "cancelled"), http.StatusConflict, "cancelled"},
		{errs.E(errs.Corrupt, "download", "size mismatch"), http.StatusUnprocessableEntity, "corrupt"},
		{errs.E(errs.InsufficientSpace, "download", "need 2 GiB"), http.StatusInsufficientStorage, "insufficient_space"},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		w := do(t, NewMux(&mockService{downloadErr: tc.err}), http.MethodPost, "/models/m1/download", nil, nil)
		if w.Code != tc.code {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.code)
		}
		if er := decodeError(t, w); er.Kind != tc.kind || er.Error != tc.err.Error() {
			t.Fatalf("%v: body=%+v", tc.err, er)
		}
	}
}

func TestDownloadStreamsNDJSON(t *testing.T) {
	svc := &mockService{progress: []download.Progress{
		{Downloaded: 5, Total: 10, Percent: 50},
		{Downloaded: 10, Total: 10, Percent: 100},
	}}
	w := do(t, NewMux(svc), http.MethodPost, "/models/m1/download?stream=1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 ndjson lines, got %d: %q", len(lines), w.Body.String())
	}
	var first struct {
		Progress download.Progress `json:"progress"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil || first.Progress.Downloaded != 5 {
		t.Fatalf("first line %q err=%v", lines[0], err)
	}
	var last struct {
		Done types.DownloadResponse `json:"done"`
	}
	if err := json.Unmarshal([]byte(lines[2]), &last); err != nil || last.Done.ModelID != "m1" {
		t.Fatalf("last line %q err=%v", lines[2], err)
	}
}

func TestDownloadStreamReportsError(t *testing.T) {
	svc := &mockService{downloadErr: errs.E(errs.Cancelled, "download", "download of m1 cancelled")}
	w := do(t, NewMux(svc), http.MethodPost, "/models/m1/download", nil, map[string]string{"Accept": "application/x-ndjson"})
	if w.Code != http.StatusOK {
		t.Fatalf("stream status=%d", w.Code)
	}
	var line struct {
		Error types.ErrorResponse `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(w.Body.Bytes()), &line); err != nil {
		t.Fatalf("json: %v (%q)", err, w.Body.String())
	}
	if line.Error.Kind != "cancelled" || line.Error.Code != http.StatusConflict {
		t.Fatalf("error line=%+v", line.Error)
	}
}

func TestCancelAndDelete(t *testing.T) {
	svc := &mockService{cancelled: true}
	h := NewMux(svc)
	w := do(t, h, http.MethodDelete, "/models/m1/download", nil, nil)
	var cr types.CancelResponse
	if err := json.Unmarshal(w.Body.Bytes(), &cr); err != nil || !cr.Cancelled {
		t.Fatalf("cancel body=%q err=%v", w.Body.String(), err)
	}
	if w := do(t, h, http.MethodDelete, "/models/m1", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", w.Code)
	}
	svc.deleteErr = errs.E(errs.NotFound, "delete", "m1 is not installed")
	if w := do(t, h, http.MethodDelete, "/models/m1", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("delete missing status=%d", w.Code)
	}
}

func TestStartBackend(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{Backends: []types.BackendStatus{
		{Backend: "llama", ModelID: "other"},
		{Backend: "parakeet", ModelID: "asr", State: "ready", Ready: true, Port: 8300},
	}}}
	h := NewMux(svc)
	w := do(t, h, http.MethodPost, "/backends/start", strings.NewReader(`{"model":"asr"}`), jsonHeader)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var st types.BackendStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if svc.gotStart != "asr" || st.Backend != "parakeet" || st.Port != 8300 {
		t.Fatalf("start=%q status=%+v", svc.gotStart, st)
	}

	if w := do(t, h, http.MethodPost, "/backends/start", strings.NewReader(`{"model":" "}`), jsonHeader); w.Code != http.StatusBadRequest {
		t.Fatalf("empty model status=%d", w.Code)
	}
	svc.startErr = errs.E(errs.ProcessStartupFailure, "start", "llama-server exited")
	w = do(t, h, http.MethodPost, "/backends/start", strings.NewReader(`{"model":"asr"}`), jsonHeader)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("startup failure status=%d", w.Code)
	}
	if er := decodeError(t, w); er.Kind != "process_startup_failure" {
		t.Fatalf("kind=%q", er.Kind)
	}
}

func TestStopBackend(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc)
	if w := do(t, h, http.MethodPost, "/backends/llama/stop", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	if svc.gotStop != registry.KindLlama {
		t.Fatalf("stopped %q", svc.gotStop)
	}
	if w := do(t, h, http.MethodPost, "/backends/whisper/stop", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind status=%d", w.Code)
	}
}

func TestInferenceHandler(t *testing.T) {
	svc := &mockService{}
	body := `{"model":"chat","messages":[{"role":"user","content":"hello"}],"max_tokens":16}`
	w := do(t, NewMux(svc), http.MethodPost, "/inference", strings.NewReader(body), jsonHeader)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var res types.InferenceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if res.Text != "hi" || res.FinishReason != "stop" {
		t.Fatalf("unexpected response: %+v", res)
	}
	if svc.gotInfer.Model != "chat" || svc.gotInfer.MaxTokens != 16 || len(svc.gotInfer.Messages) != 1 {
		t.Fatalf("request not forwarded: %+v", svc.gotInfer)
	}
}

func TestInferenceValidation(t *testing.T) {
	h := NewMux(&mockService{})
	cases := []struct {
		name string
		body string
		hdr  map[string]string
		code int
	}{
		{"no content type", `{"messages":[]}`, nil, http.StatusUnsupportedMediaType},
		{"bad json", "not-json", jsonHeader, http.StatusBadRequest},
		{"no messages", `{"messages":[]}`, jsonHeader, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if w := do(t, h, http.MethodPost, "/inference", strings.NewReader(tc.body), tc.hdr); w.Code != tc.code {
			t.Fatalf("%s: status=%d want %d", tc.name, w.Code, tc.code)
		}
	}
}

func TestInferenceBodyLimit(t *testing.T) {
	SetMaxBodyBytes(32)
	defer SetMaxBodyBytes(0)
	big := `{"messages":[{"role":"user","content":"` + strings.Repeat("x", 64) + `"}]}`
	if w := do(t, NewMux(&mockService{}), http.MethodPost, "/inference", strings.NewReader(big), jsonHeader); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestInferenceErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{mockHTTPError{msg: "too busy", code: http.StatusTooManyRequests}, http.StatusTooManyRequests},
		{errs.E(errs.ProcessRuntimeDegradation, "inference", "llama backend is degraded"), http.StatusServiceUnavailable},
		{errs.Status(errs.HTTPStatus, "inference", 500, "boom"), http.StatusBadGateway},
		{io.EOF, http.StatusInternalServerError},
	}
	body := `{"messages":[{"role":"user","content":"hi"}]}`
	for _, tc := range cases {
		w := do(t, NewMux(&mockService{inferErr: tc.err}), http.MethodPost, "/inference", strings.NewReader(body), jsonHeader)
		if w.Code != tc.code {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.code)
		}
	}
}

func TestTranscribeHandler(t *testing.T) {
	svc := &mockService{}
	w := do(t, NewMux(svc), http.MethodPost, "/transcribe?model=asr&language=en", strings.NewReader("RIFF...."), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var res types.TranscribeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if res.Text != "hello world" {
		t.Fatalf("text=%q", res.Text)
	}
	if string(svc.gotAudio) != "RIFF...." || svc.gotModel != "asr" || svc.gotLanguage != "en" {
		t.Fatalf("forwarded audio=%q model=%q lang=%q", svc.gotAudio, svc.gotModel, svc.gotLanguage)
	}
}

func TestTranscribeLimitsAndErrors(t *testing.T) {
	SetMaxAudioBytes(8)
	defer SetMaxAudioBytes(0)
	svc := &mockService{}
	h := NewMux(svc)
	if w := do(t, h, http.MethodPost, "/transcribe", strings.NewReader(strings.Repeat("a", 16)), nil); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized status=%d", w.Code)
	}
	svc.transErr = errs.E(errs.Invalid, "transcribe", "audio is empty")
	if w := do(t, h, http.MethodPost, "/transcribe", strings.NewReader(""), nil); w.Code != http.StatusBadRequest {
		t.Fatalf("empty status=%d", w.Code)
	}
}

func TestCORSOptIn(t *testing.T) {
	h := NewMux(&mockService{})
	w := do(t, h, http.MethodGet, "/models", nil, map[string]string{"Origin": "http://localhost:5173"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("CORS header without configuration: %q", got)
	}

	SetCORSOptions([]string{"http://localhost:5173"}, nil, nil)
	defer SetCORSOptions(nil, nil, nil)
	h = NewMux(&mockService{})
	w = do(t, h, http.MethodOptions, "/inference", nil, map[string]string{
		"Origin":                        "http://localhost:5173",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestEventsStreamReplaysAndDedupes(t *testing.T) {
	svc := &mockService{
		replay: []events.Event{{Seq: 1, Name: "spawn_start"}, {Seq: 2, Name: "spawn_ready"}, {Seq: 3, Name: "download_progress"}},
		live:   []events.Event{{Seq: 3, Name: "download_progress"}, {Seq: 4, Name: "download_complete"}},
	}
	w := do(t, NewMux(svc), http.MethodGet, "/events?since=1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%s", ct)
	}
	if svc.gotSince != 1 {
		t.Fatalf("replayed since %d", svc.gotSince)
	}
	out := w.Body.String()
	for _, want := range []string{"id: 2\nevent: spawn_ready\n", "id: 3\nevent: download_progress\n", "id: 4\nevent: download_complete\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "id: 1\n") {
		t.Fatalf("replayed an event at or before since: %q", out)
	}
	if n := strings.Count(out, "id: 3\n"); n != 1 {
		t.Fatalf("event 3 written %d times", n)
	}
}

func TestEventsStreamLiveOnly(t *testing.T) {
	svc := &mockService{
		replay: []events.Event{{Seq: 1, Name: "spawn_start"}},
		live:   []events.Event{{Seq: 2, Name: "spawn_ready", Backend: "llama"}},
	}
	w := do(t, NewMux(svc), http.MethodGet, "/events", nil, nil)
	if svc.sinceCalls != 0 {
		t.Fatalf("replayed without since")
	}
	frames := strings.Split(strings.TrimSpace(w.Body.String()), "\n\n")
	if len(frames) != 1 {
		t.Fatalf("frames=%q", frames)
	}
	data := frames[0][strings.Index(frames[0], "data: ")+len("data: "):]
	var e events.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		t.Fatalf("json: %v", err)
	}
	if e.Seq != 2 || e.Backend != "llama" {
		t.Fatalf("event=%+v", e)
	}
}

func TestEventsLastEventIDAndBadSince(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc)
	do(t, h, http.MethodGet, "/events", nil, map[string]string{"Last-Event-ID": "7"})
	if svc.gotSince != 7 {
		t.Fatalf("since=%d", svc.gotSince)
	}
	if w := do(t, h, http.MethodGet, "/events?since=abc", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}
