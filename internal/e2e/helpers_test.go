package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"modelkeeper/internal/backend"
	"modelkeeper/internal/download"
	"modelkeeper/internal/httpapi"
	"modelkeeper/internal/manager"
	"modelkeeper/internal/registry"
)

var (
	fakeOnce sync.Once
	fakeBin  string
	fakeErr  error
	fakeOut  []byte
)

// buildFakeServer compiles the fake backend into a per-test-binary temp dir.
func buildFakeServer(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not in PATH")
	}
	fakeOnce.Do(func() {
		dir, err := os.MkdirTemp("", "e2e-fakeserver-")
		if err != nil {
			fakeErr = err
			return
		}
		name := "fakeserver"
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		fakeBin = filepath.Join(dir, name)
		cmd := exec.Command("go", "build", "-o", fakeBin, "../supervisor/testdata/fakeserver")
		cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
		fakeOut, fakeErr = cmd.CombinedOutput()
	})
	if fakeErr != nil {
		t.Fatalf("build fakeserver: %v: %s", fakeErr, fakeOut)
	}
	return fakeBin
}

// modelServer serves files by name with Range support.
func modelServer(t *testing.T, files map[string][]byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[filepath.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "model.bin", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// newStack wires a real manager behind the HTTP API.
func newStack(t *testing.T, models []registry.Model, bin string) (*httptest.Server, *manager.Manager) {
	t.Helper()
	reg, err := registry.New(models)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cache := t.TempDir()
	if bin == "" {
		bin = filepath.Join(cache, "no-such-binary")
	}
	bo := func(start, end int) backend.Options {
		return backend.Options{
			BinaryPath:     bin,
			PortStart:      start,
			PortEnd:        end,
			StartupTimeout: 10 * time.Second,
			HealthInterval: 50 * time.Millisecond,
			StopGrace:      2 * time.Second,
		}
	}
	mgr, err := manager.New(manager.Options{
		CacheDir: cache,
		Registry: reg,
		Download: download.Options{MaxRetries: -1, ProgressInterval: time.Millisecond},
		Llama:    bo(39500, 39520),
		Parakeet: bo(39521, 39540),
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return srv, mgr
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 253)
	}
	return b
}

func httpDo(t *testing.T, method, url string, body []byte) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, rd)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}
