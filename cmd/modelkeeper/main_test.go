package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modelkeeper/pkg/types"
)

// run executes the CLI against addr and returns stdout and stderr.
func run(t *testing.T, addr string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errb bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errb)
	cmd.SetArgs(append([]string{"--addr", addr, "--cache-dir", t.TempDir()}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errb.String(), err
}

func daemon(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, "127.0.0.1:1", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "modelkeeper "+version {
		t.Fatalf("out=%q", out)
	}
}

func TestModelsTable(t *testing.T) {
	var gotKind string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /models", func(w http.ResponseWriter, r *http.Request) {
		gotKind = r.URL.Query().Get("kind")
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: []types.ModelInfo{
			{ID: "tiny-chat", Kind: "llama", Name: "Tiny chat", SizeBytes: 3 << 20, Installed: true},
			{ID: "tiny-asr", Kind: "parakeet", Name: "Tiny recognizer", Downloading: true},
		}})
	})
	out, _, err := run(t, daemon(t, mux), "models", "--kind", "llama")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if gotKind != "llama" {
		t.Fatalf("kind=%q", gotKind)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%q", lines)
	}
	if !strings.Contains(lines[1], "tiny-chat") || !strings.Contains(lines[1], "yes") || !strings.Contains(lines[1], "3.0 MiB") {
		t.Fatalf("row=%q", lines[1])
	}
	if !strings.Contains(lines[2], "downloading") {
		t.Fatalf("row=%q", lines[2])
	}
}

func TestDownloadStreamsProgress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /models/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("stream") != "1" {
			t.Errorf("download not streamed: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]any{"progress": map[string]any{"downloaded_bytes": 512, "total_bytes": 1024, "percentage": 50.0}})
		_ = enc.Encode(map[string]any{"progress": map[string]any{"downloaded_bytes": 1024, "total_bytes": 1024, "percentage": 100.0}})
		_ = enc.Encode(map[string]any{"done": types.DownloadResponse{ModelID: r.PathValue("id"), Path: "/cache/llama-models/tiny-chat", Bytes: 1024, Attempts: 1}})
	})
	out, errOut, err := run(t, daemon(t, mux), "download", "tiny-chat")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !strings.Contains(out, "installed tiny-chat at /cache/llama-models/tiny-chat") {
		t.Fatalf("out=%q", out)
	}
	if !strings.Contains(errOut, " 50.0%") || !strings.Contains(errOut, "100.0%") {
		t.Fatalf("progress=%q", errOut)
	}
}

func TestDownloadStreamError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /models/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": types.ErrorResponse{Error: "download of tiny-chat cancelled", Kind: "cancelled", Code: 409}})
	})
	_, _, err := run(t, daemon(t, mux), "download", "tiny-chat")
	var ae *apiError
	if !errors.As(err, &ae) || ae.Kind != "cancelled" || ae.Status != http.StatusConflict {
		t.Fatalf("err=%v", err)
	}
}

func TestDownloadCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /models/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.CancelResponse{Cancelled: r.PathValue("id") == "tiny-chat"})
	})
	addr := daemon(t, mux)
	out, _, err := run(t, addr, "download", "--cancel", "tiny-chat")
	if err != nil || !strings.Contains(out, "cancelled download of tiny-chat") {
		t.Fatalf("out=%q err=%v", out, err)
	}
	out, _, err = run(t, addr, "download", "--cancel", "other")
	if err != nil || !strings.Contains(out, "no active download") {
		t.Fatalf("out=%q err=%v", out, err)
	}
}

func TestDeleteReportsDaemonError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /models/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "tiny-chat is not installed", Kind: "not_found", Code: 404})
	})
	_, _, err := run(t, daemon(t, mux), "delete", "tiny-chat")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "tiny-chat is not installed (not_found, HTTP 404)" {
		t.Fatalf("err=%q", got)
	}
}

func TestStartAndStop(t *testing.T) {
	var started string
	var stopped string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /backends/start", func(w http.ResponseWriter, r *http.Request) {
		var req types.StartRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		started = req.Model
		writeJSON(w, http.StatusOK, types.BackendStatus{Backend: "llama", State: "ready", Port: 8200, PID: 42})
	})
	mux.HandleFunc("POST /backends/{kind}/stop", func(w http.ResponseWriter, r *http.Request) {
		stopped = r.PathValue("kind")
		w.WriteHeader(http.StatusNoContent)
	})
	addr := daemon(t, mux)
	out, _, err := run(t, addr, "start", "tiny-chat")
	if err != nil || started != "tiny-chat" || !strings.Contains(out, "llama ready on port 8200 (pid 42)") {
		t.Fatalf("out=%q started=%q err=%v", out, started, err)
	}
	if _, _, err := run(t, addr, "stop", "llama"); err != nil || stopped != "llama" {
		t.Fatalf("stopped=%q err=%v", stopped, err)
	}
}

func TestInferSendsMessages(t *testing.T) {
	var got types.InferenceRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /inference", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type=%q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, types.InferenceResponse{Text: "four"})
	})
	out, _, err := run(t, daemon(t, mux), "infer", "--model", "tiny-chat", "--system", "be brief", "--prompt", "2+2?", "--temperature", "0.1")
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if strings.TrimSpace(out) != "four" {
		t.Fatalf("out=%q", out)
	}
	if got.Model != "tiny-chat" || len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "2+2?" {
		t.Fatalf("request=%+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0.1 {
		t.Fatalf("temperature=%v", got.Temperature)
	}
}

func TestInferRequiresPrompt(t *testing.T) {
	if _, _, err := run(t, "127.0.0.1:1", "infer"); err == nil || !strings.Contains(err.Error(), "--prompt") {
		t.Fatalf("err=%v", err)
	}
}

func TestTranscribeUploadsFile(t *testing.T) {
	var body []byte
	var query string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transcribe", func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, types.TranscribeResponse{Text: "hello there", Language: "en", Segments: 1, DurationSeconds: 1})
	})
	clip := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(clip, []byte("RIFFdata"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, _, err := run(t, daemon(t, mux), "transcribe", clip, "--language", "en", "--model", "tiny-asr")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if strings.TrimSpace(out) != "hello there" {
		t.Fatalf("out=%q", out)
	}
	if string(body) != "RIFFdata" || query != "language=en&model=tiny-asr" {
		t.Fatalf("body=%q query=%q", body, query)
	}
}

func TestDaemonUnreachable(t *testing.T) {
	_, _, err := run(t, "127.0.0.1:1", "status")
	if err == nil || !strings.Contains(err.Error(), "contact daemon") {
		t.Fatalf("err=%v", err)
	}
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8765":         "http://127.0.0.1:8765",
		":8765":                  "http://127.0.0.1:8765",
		"http://localhost:9000/": "http://localhost:9000",
	}
	for in, want := range cases {
		if got := baseURL(in); got != want {
			t.Fatalf("baseURL(%q)=%q want %q", in, got, want)
		}
	}
}

func TestLoadAppliesFlagsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modelkeeper.yaml")
	if err := os.WriteFile(path, []byte("addr: 127.0.0.1:9100\nlog_level: warn\ncache_dir: "+dir+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MODELKEEPER_ADDR", "")
	t.Setenv("MODELKEEPER_CACHE_DIR", "")

	o := &rootOptions{configPath: path}
	cfg, err := o.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9100" || cfg.LogLevel != "warn" || cfg.CacheDir != dir {
		t.Fatalf("file values not applied: %+v", cfg)
	}

	other := filepath.Join(dir, "other")
	o = &rootOptions{configPath: path, addr: "127.0.0.1:9200", cacheDir: other, logLevel: "debug", logFormat: "console"}
	if cfg, err = o.load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9200" || cfg.CacheDir != other || cfg.LogLevel != "debug" || cfg.LogFormat != "console" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestServeStartsAndStops(t *testing.T) {
	o := &rootOptions{addr: "127.0.0.1:0", cacheDir: t.TempDir(), logOut: io.Discard}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- o.serve(ctx, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not start")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}

	out, _, err := run(t, addr, "models", "--json")
	if err != nil {
		t.Fatalf("models against live daemon: %v", err)
	}
	var models types.ModelsResponse
	if err := json.Unmarshal([]byte(out), &models); err != nil || len(models.Models) == 0 {
		t.Fatalf("models=%q err=%v", out, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
