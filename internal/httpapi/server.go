package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelkeeper/internal/download"
	"modelkeeper/internal/errs"
	"modelkeeper/internal/events"
	"modelkeeper/internal/registry"
	"modelkeeper/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels(kind registry.Kind) []types.ModelInfo
	Status() types.StatusResponse
	DownloadModel(ctx context.Context, modelID string, obs download.Observer) (types.DownloadResponse, error)
	CancelDownload(modelID string) bool
	DeleteModel(ctx context.Context, modelID string) error
	Start(ctx context.Context, modelID string) error
	Stop(ctx context.Context, kind registry.Kind) error
	Inference(ctx context.Context, req types.InferenceRequest) (types.InferenceResponse, error)
	Transcribe(ctx context.Context, audio []byte, modelID, language string) (types.TranscribeResponse, error)
	Diagnostics() types.DiagnosticsResponse
	Subscribe(buffer int) (<-chan events.Event, func())
	EventsSince(seq uint64) []events.Event
	Ready() bool
}

type api struct {
	svc Service
}

// NewMux builds the router for svc.
func NewMux(svc Service) http.Handler {
	a := &api{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if len(corsAllowedOrigins) > 0 {
		methods := corsAllowedMethods
		if len(methods) == 0 {
			methods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
		}
		headers := corsAllowedHeaders
		if len(headers) == 0 {
			headers = []string{"Content-Type", "X-Log-Level", "X-Request-Id"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: methods,
			AllowedHeaders: headers,
			MaxAge:         300,
		}))
	}

	// JSON endpoints are compressed; /events streams and must not be buffered.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5, "application/json"))
		r.Get("/models", a.listModels)
		r.Delete("/models/{id}", a.deleteModel)
		r.Delete("/models/{id}/download", a.cancelDownload)
		r.Get("/status", a.status)
		r.Get("/diagnostics", a.diagnostics)
		r.Post("/backends/start", a.startBackend)
		r.Post("/backends/{kind}/stop", a.stopBackend)
		r.Post("/inference", a.inference)
		r.Post("/transcribe", a.transcribe)
	})
	r.Post("/models/{id}/download", a.downloadModel)
	r.Get("/events", a.events)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no backend ready"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

// listModels godoc
// @Summary      List models
// @Description  Catalogue with install and download state. Filter with ?kind=llama|parakeet.
// @Tags         models
// @Produce      json
// @Param        kind  query     string  false  "backend kind"
// @Success      200   {object}  types.ModelsResponse
// @Failure      400   {object}  types.ErrorResponse
// @Router       /models [get]
func (a *api) listModels(w http.ResponseWriter, r *http.Request) {
	var kind registry.Kind
	if v := r.URL.Query().Get("kind"); v != "" {
		k, err := registry.ParseKind(v)
		if err != nil {
			writeError(w, errs.Wrap(errs.Invalid, "list models", err))
			return
		}
		kind = k
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: a.svc.ListModels(kind)})
}

// status godoc
// @Summary  Backend and download status
// @Tags     backends
// @Produce  json
// @Success  200  {object}  types.StatusResponse
// @Router   /status [get]
func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Status())
}

// diagnostics godoc
// @Summary  Binary, tool and disk diagnostics
// @Tags     backends
// @Produce  json
// @Success  200  {object}  types.DiagnosticsResponse
// @Router   /diagnostics [get]
func (a *api) diagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Diagnostics())
}

// downloadModel godoc
// @Summary      Download and install a model
// @Description  Blocks until the model is installed. With ?stream=1 the response is NDJSON progress lines followed by the result. A request for a model already downloading joins it.
// @Tags         models
// @Produce      json
// @Param        id      path      string  true   "model id"
// @Param        stream  query     bool    false  "stream NDJSON progress"
// @Success      200     {object}  types.DownloadResponse
// @Failure      404     {object}  types.ErrorResponse
// @Failure      409     {object}  types.ErrorResponse
// @Failure      422     {object}  types.ErrorResponse
// @Failure      507     {object}  types.ErrorResponse
// @Router       /models/{id}/download [post]
func (a *api) downloadModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rl := startLog(r, "download")
	ctx, cancel := withBase(r.Context())
	defer cancel()

	if !wantsStream(r) {
		res, err := a.svc.DownloadModel(ctx, id, nil)
		if err != nil {
			rl.end(writeError(w, err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		rl.end(http.StatusOK, nil)
		return
	}

	out := io.Writer(w)
	if rl.lvl >= LevelDebug {
		out = io.MultiWriter(w, &lineLogger{prefix: "download"})
	}
	flusher, _ := w.(http.Flusher)
	ndjson := newNDJSON(out, flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	res, err := a.svc.DownloadModel(ctx, id, download.ObserverFunc(func(p download.Progress) {
		ndjson.send(map[string]any{"progress": p})
	}))
	if err != nil {
		kind := errs.KindOf(err).String()
		ndjson.send(map[string]any{"error": types.ErrorResponse{Error: err.Error(), Kind: kind, Code: statusOf(err)}})
		rl.end(statusOf(err), err)
		return
	}
	ndjson.send(map[string]any{"done": res})
	rl.end(http.StatusOK, nil)
}

func wantsStream(r *http.Request) bool {
	switch r.URL.Query().Get("stream") {
	case "1", "true":
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/x-ndjson")
}

// cancelDownload godoc
// @Summary  Cancel an active download
// @Tags     models
// @Produce  json
// @Param    id   path      string  true  "model id"
// @Success  200  {object}  types.CancelResponse
// @Router   /models/{id}/download [delete]
func (a *api) cancelDownload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.CancelResponse{Cancelled: a.svc.CancelDownload(chi.URLParam(r, "id"))})
}

// deleteModel godoc
// @Summary  Delete an installed model
// @Tags     models
// @Param    id   path  string  true  "model id"
// @Success  204
// @Failure  404  {object}  types.ErrorResponse
// @Router   /models/{id} [delete]
func (a *api) deleteModel(w http.ResponseWriter, r *http.Request) {
	rl := startLog(r, "delete")
	if err := a.svc.DeleteModel(r.Context(), chi.URLParam(r, "id")); err != nil {
		rl.end(writeError(w, err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	rl.end(http.StatusNoContent, nil)
}

// startBackend godoc
// @Summary      Start the backend for a model
// @Description  Starting the model that is already ready is a no-op; another model of the same kind replaces it.
// @Tags         backends
// @Accept       json
// @Produce      json
// @Param        body  body      types.StartRequest  true  "model to serve"
// @Success      200   {object}  types.BackendStatus
// @Failure      404   {object}  types.ErrorResponse
// @Failure      503   {object}  types.ErrorResponse
// @Router       /backends/start [post]
func (a *api) startBackend(w http.ResponseWriter, r *http.Request) {
	var req types.StartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	rl := startLog(r, "start")
	ctx, cancel := withBase(r.Context())
	defer cancel()
	if err := a.svc.Start(ctx, req.Model); err != nil {
		rl.end(writeError(w, err), err)
		return
	}
	st := types.BackendStatus{ModelID: req.Model}
	for _, b := range a.svc.Status().Backends {
		if b.ModelID == req.Model {
			st = b
		}
	}
	writeJSON(w, http.StatusOK, st)
	rl.end(http.StatusOK, nil)
}

// stopBackend godoc
// @Summary  Stop a backend
// @Tags     backends
// @Param    kind  path  string  true  "llama or parakeet"
// @Success  204
// @Failure  400  {object}  types.ErrorResponse
// @Router   /backends/{kind}/stop [post]
func (a *api) stopBackend(w http.ResponseWriter, r *http.Request) {
	kind, err := registry.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, errs.Wrap(errs.Invalid, "stop", err))
		return
	}
	if err := a.svc.Stop(r.Context(), kind); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// inference godoc
// @Summary      Chat completion
// @Description  Runs on the given llama model (started on demand) or the running one.
// @Tags         gateway
// @Accept       json
// @Produce      json
// @Param        body  body      types.InferenceRequest  true  "messages and sampling options"
// @Success      200   {object}  types.InferenceResponse
// @Failure      400   {object}  types.ErrorResponse
// @Failure      502   {object}  types.ErrorResponse
// @Failure      503   {object}  types.ErrorResponse
// @Router       /inference [post]
func (a *api) inference(w http.ResponseWriter, r *http.Request) {
	var req types.InferenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages are required")
		return
	}
	rl := startLog(r, "inference")
	ctx, cancel := withBase(r.Context())
	defer cancel()
	if inferenceTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, inferenceTimeout)
		defer tcancel()
	}
	res, err := a.svc.Inference(ctx, req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		rl.end(writeError(w, err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
	rl.end(http.StatusOK, nil)
}

// transcribe godoc
// @Summary      Transcribe audio
// @Description  Body is raw audio in any format ffmpeg reads; 16 kHz mono WAV skips conversion.
// @Tags         gateway
// @Accept       application/octet-stream
// @Produce      json
// @Param        model     query     string  false  "speech model id"
// @Param        language  query     string  false  "language hint"
// @Success      200       {object}  types.TranscribeResponse
// @Failure      400       {object}  types.ErrorResponse
// @Failure      404       {object}  types.ErrorResponse
// @Failure      413       {object}  types.ErrorResponse
// @Router       /transcribe [post]
func (a *api) transcribe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "audio body too large")
		return
	}
	rl := startLog(r, "transcribe")
	ctx, cancel := withBase(r.Context())
	defer cancel()
	q := r.URL.Query()
	res, err := a.svc.Transcribe(ctx, body, q.Get("model"), q.Get("language"))
	if err != nil {
		rl.end(writeError(w, err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
	rl.end(http.StatusOK, nil)
}

// decodeJSON validates the content type and decodes a bounded body into v.
// It writes the error response and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// ndjson writes one JSON value per line, flushing after each.
type ndjson struct {
	mu    sync.Mutex
	enc   *json.Encoder
	flush http.Flusher
}

func newNDJSON(w io.Writer, f http.Flusher) *ndjson {
	return &ndjson{enc: json.NewEncoder(w), flush: f}
}

func (n *ndjson) send(v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_ = n.enc.Encode(v)
	if n.flush != nil {
		n.flush.Flush()
	}
}
