package types

import "time"

// ModelInfo describes a catalogue model and its install state.
type ModelInfo struct {
	// Model identifier used by every other endpoint.
	// example: qwen2.5-0.5b-instruct-q4_k_m
	ID string `json:"id" example:"qwen2.5-0.5b-instruct-q4_k_m"`
	// Backend kind that serves this model (llama or parakeet).
	// example: llama
	Kind string `json:"kind" example:"llama"`
	// Human readable name.
	Name string `json:"name"`
	// Published download size in bytes.
	// example: 491400032
	SizeBytes int64 `json:"size_bytes" example:"491400032"`
	// True when every required file is present.
	Installed bool `json:"installed"`
	// Bytes currently on disk for this model.
	DiskBytes int64 `json:"disk_bytes"`
	// True while a download session is active.
	Downloading bool `json:"downloading"`
	// Primary language for speech models.
	// example: multilingual
	Language string `json:"language,omitempty" example:"multilingual"`
	// Languages a speech model supports.
	SupportedLanguages []string `json:"supported_languages,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: unknown model "x"
	Error string `json:"error" example:"unknown model \"x\""`
	// Error kind.
	// example: not_found
	Kind string `json:"kind,omitempty" example:"not_found"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}

// BackendStatus is one supervisor snapshot.
type BackendStatus struct {
	// example: llama
	Backend string `json:"backend" example:"llama"`
	// stopped, starting, ready or degraded.
	// example: ready
	State string `json:"state" example:"ready"`
	Ready bool   `json:"ready"`
	// True while the child process is alive.
	Running bool `json:"running"`
	// example: 41235
	PID int `json:"pid,omitempty" example:"41235"`
	// example: 8200
	Port           int       `json:"port,omitempty" example:"8200"`
	ModelID        string    `json:"model_id,omitempty"`
	ModelPath      string    `json:"model_path,omitempty"`
	HealthFailures int       `json:"health_failures"`
	BinaryPath     string    `json:"binary_path,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
}

// DownloadStatus reports one active download session.
type DownloadStatus struct {
	SessionID string `json:"session_id"`
	ModelID   string `json:"model_id"`
	// progress, installing or complete.
	// example: progress
	Phase      string    `json:"phase" example:"progress"`
	Downloaded int64     `json:"downloaded"`
	Total      int64     `json:"total"`
	Percent    float64   `json:"percent"`
	StartedAt  time.Time `json:"started_at"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Backends  []BackendStatus  `json:"backends"`
	Downloads []DownloadStatus `json:"downloads"`
}

// DownloadResponse is returned once a model download finishes.
type DownloadResponse struct {
	ModelID string `json:"model_id"`
	// Install directory of the model.
	Path string `json:"path"`
	// Bytes transferred in this session; 0 when already installed.
	Bytes    int64 `json:"bytes"`
	Attempts int   `json:"attempts"`
	Resumed  bool  `json:"resumed"`
	// True when nothing had to be downloaded.
	AlreadyInstalled bool `json:"already_installed"`
	// True when the archive layout was found by keyword rather than by name.
	Heuristic bool `json:"heuristic,omitempty"`
}

// CancelResponse is returned by DELETE /models/{id}/download.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// StartRequest is the body of POST /backends/start.
type StartRequest struct {
	// example: parakeet-tdt-0.6b-v3
	Model string `json:"model" example:"parakeet-tdt-0.6b-v3"`
}

// ChatMessage is one chat turn.
type ChatMessage struct {
	// example: user
	Role string `json:"role" example:"user"`
	// example: Summarize this note in one sentence.
	Content string `json:"content" example:"Summarize this note in one sentence."`
}

// InferenceRequest is the body of POST /inference.
type InferenceRequest struct {
	// Model to serve the request. Empty means the running llama model.
	// example: qwen2.5-0.5b-instruct-q4_k_m
	Model    string        `json:"model,omitempty" example:"qwen2.5-0.5b-instruct-q4_k_m"`
	Messages []ChatMessage `json:"messages"`
	// Sampling temperature; defaults to 0.7.
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Maximum new tokens; defaults to 512.
	// example: 512
	MaxTokens int `json:"max_tokens,omitempty" example:"512"`
}

// InferenceResponse carries the completion text.
type InferenceResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	ElapsedMS    int64  `json:"elapsed_ms"`
}

// TranscribeResponse carries a transcript.
type TranscribeResponse struct {
	Text string `json:"text"`
	// example: auto
	Language        string  `json:"language" example:"auto"`
	ElapsedMS       int64   `json:"elapsed_ms"`
	Segments        int     `json:"segments"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ToolStatus reports whether a helper executable resolves.
type ToolStatus struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BackendDiagnostics describes one backend's installation.
type BackendDiagnostics struct {
	Backend    string     `json:"backend"`
	Binary     ToolStatus `json:"binary"`
	Candidates []string   `json:"candidates"`
	ModelsDir  string     `json:"models_dir"`
}

// DiagnosticsResponse is returned by GET /diagnostics.
type DiagnosticsResponse struct {
	CacheDir string `json:"cache_dir"`
	// Free bytes on the cache volume; 0 when unknown.
	DiskFreeBytes uint64               `json:"disk_free_bytes"`
	Backends      []BackendDiagnostics `json:"backends"`
	FFmpeg        ToolStatus           `json:"ffmpeg"`
	Tar           ToolStatus           `json:"tar"`
}
