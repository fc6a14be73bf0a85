package supervisor

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"modelkeeper/internal/errs"
)

func TestBuildEnvPrefixesLibraryPath(t *testing.T) {
	cases := []struct {
		name string
		goos string
		base []string
		want string
	}{
		{"linux existing", "linux", []string{"LD_LIBRARY_PATH=/usr/lib"}, "LD_LIBRARY_PATH=/opt/bin:/usr/lib"},
		{"linux missing", "linux", []string{"HOME=/root"}, "LD_LIBRARY_PATH=/opt/bin"},
		{"darwin", "darwin", nil, "DYLD_LIBRARY_PATH=/opt/bin"},
		{"windows case-insensitive", "windows", []string{`Path=C:\Windows`}, `Path=/opt/bin;C:\Windows`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := buildEnv(tc.base, tc.goos, "/opt/bin", []string{"EXTRA=1"})
			found := false
			for _, kv := range env {
				if kv == tc.want {
					found = true
				}
			}
			if !found {
				t.Fatalf("missing %q in %v", tc.want, env)
			}
			if env[len(env)-1] != "EXTRA=1" {
				t.Fatalf("extra env must come last: %v", env)
			}
		})
	}
}

func TestBuildEnvUnknownPlatform(t *testing.T) {
	env := buildEnv([]string{"A=1"}, "plan9", "/opt/bin", nil)
	if len(env) != 1 || env[0] != "A=1" {
		t.Fatalf("unknown platform should not gain variables: %v", env)
	}
}

func TestCandidateNames(t *testing.T) {
	got := candidateNames("llama-server", "windows", "amd64")
	if got[0] != "llama-server-win32-x64.exe" || got[1] != "llama-server.exe" {
		t.Fatalf("unexpected windows names: %v", got)
	}
	got = candidateNames("llama-server", "darwin", "arm64")
	if got[0] != "llama-server-darwin-arm64" || got[1] != "llama-server" {
		t.Fatalf("unexpected darwin names: %v", got)
	}
}

func TestResolvePrefersEarlierDirectory(t *testing.T) {
	packaged := t.TempDir()
	dev := t.TempDir()
	name := candidateNames("fake-backend-for-test", currentOS(), archForTest())[1]
	for _, d := range []string{packaged, dev} {
		if err := os.WriteFile(filepath.Join(d, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	spec := BinarySpec{Base: "fake-backend-for-test", Dirs: []string{packaged, dev}}
	got, err := spec.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != filepath.Join(packaged, name) {
		t.Fatalf("expected packaged candidate, got %s", got)
	}
}

func TestResolveSkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	name := candidateNames("fake-backend-for-test", currentOS(), archForTest())[1]
	if err := os.Mkdir(filepath.Join(dir, name), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := BinarySpec{Base: "fake-backend-for-test", Dirs: []string{dir}}.Resolve()
	if !errs.IsKind(err, errs.ProcessStartupFailure) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPickPortSkipsBusy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port
	got, err := pickPortInRange("127.0.0.1", busy, busy+1)
	if err != nil {
		t.Skipf("neighbour port also busy: %v", err)
	}
	if got != busy+1 {
		t.Fatalf("expected %d, got %d", busy+1, got)
	}
	_, err = pickPortInRange("127.0.0.1", busy, busy)
	if !errs.IsKind(err, errs.ProcessStartupFailure) || !strings.Contains(err.Error(), strconv.Itoa(busy)) {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	if got := tb.String(); got != "456789ab" {
		t.Fatalf("got %q", got)
	}
}

func archForTest() string { return runtime.GOARCH }
