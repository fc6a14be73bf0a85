package manager

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modelkeeper/internal/download"
	"modelkeeper/internal/errs"
	"modelkeeper/internal/registry"
	"modelkeeper/internal/supervisor"
)

func TestCloseCancelsPrewarmInStartup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the backend")
	}
	bin := filepath.Join(t.TempDir(), "never-ready")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, "http://127.0.0.1:1", bin)
	f.install(t, f.asr)
	f.m.InitializeAtStartup(testCtx(t))

	sup := f.m.Supervisor(registry.KindParakeet)
	waitFor(t, 5*time.Second, "recognizer starting", func() bool {
		return sup.Status().State == supervisor.StateStarting
	})
	began := time.Now()
	if err := f.m.Close(testCtx(t)); err != nil {
		t.Fatalf("close: %v", err)
	}
	// startup timeout is 10s; close must not wait it out
	if d := time.Since(began); d > 5*time.Second {
		t.Fatalf("close took %s", d)
	}
	if st := sup.Status(); st.Running || st.State != supervisor.StateStopped {
		t.Fatalf("recognizer still alive after close: %+v", st)
	}
}

func observerCount(m *Manager, modelID string) int {
	m.mu.Lock()
	s := m.sessions[modelID]
	m.mu.Unlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

func TestJoinerObserverSilentAfterReturn(t *testing.T) {
	srv := &gatedServer{body: payload(64 << 10), gate: make(chan struct{})}
	f := newFixture(t, newServer(t, srv), "")

	// Once armed, the originator's observer parks on the next update so the
	// joiner leaves while that update is being fanned out.
	var armed atomic.Bool
	var once sync.Once
	inside := make(chan struct{})
	release := make(chan struct{})
	orig := download.ObserverFunc(func(download.Progress) {
		if armed.Load() {
			once.Do(func() {
				close(inside)
				<-release
			})
		}
	})
	first := make(chan error, 1)
	go func() {
		_, err := f.m.DownloadModel(context.Background(), f.llama.ID, orig)
		first <- err
	}()
	waitFor(t, 5*time.Second, "session", func() bool { return f.m.downloading(f.llama.ID) })

	var returned atomic.Bool
	var late atomic.Int32
	joiner := download.ObserverFunc(func(download.Progress) {
		if returned.Load() {
			late.Add(1)
		}
	})
	jctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	joined := make(chan error, 1)
	go func() {
		_, err := f.m.DownloadModel(jctx, f.llama.ID, joiner)
		returned.Store(true)
		joined <- err
	}()
	waitFor(t, 5*time.Second, "joiner registered", func() bool { return observerCount(f.m, f.llama.ID) == 2 })

	armed.Store(true)
	close(srv.gate)
	select {
	case <-inside:
	case <-time.After(10 * time.Second):
		t.Fatal("no progress after releasing the body")
	}
	cancel()
	if err := <-joined; !errs.IsCancelled(err) {
		t.Fatalf("joiner should stop waiting: %v", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("originator: %v", err)
	}
	if n := late.Load(); n != 0 {
		t.Fatalf("joiner observer called %d times after DownloadModel returned", n)
	}
}
