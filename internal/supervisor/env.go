package supervisor

import (
	"runtime"
	"strings"
)

// libraryPath says which variable a platform's dynamic loader searches and
// how entries are separated.
type libraryPath struct {
	Var string
	Sep string
}

// libraryPathEnv is keyed by runtime.GOOS. Platforms missing from the table
// get no extra environment.
var libraryPathEnv = map[string]libraryPath{
	"darwin":  {Var: "DYLD_LIBRARY_PATH", Sep: ":"},
	"linux":   {Var: "LD_LIBRARY_PATH", Sep: ":"},
	"freebsd": {Var: "LD_LIBRARY_PATH", Sep: ":"},
	"windows": {Var: "PATH", Sep: ";"},
}

// buildEnv returns base with libDir prefixed to goos's library search
// variable, followed by extra.
func buildEnv(base []string, goos, libDir string, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra)+1)
	strategy, ok := libraryPathEnv[goos]
	found := false
	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		if ok && libDir != "" && sameKey(goos, k, strategy.Var) {
			found = true
			if v == "" {
				kv = k + "=" + libDir
			} else {
				kv = k + "=" + libDir + strategy.Sep + v
			}
		}
		out = append(out, kv)
	}
	if ok && libDir != "" && !found {
		out = append(out, strategy.Var+"="+libDir)
	}
	return append(out, extra...)
}

func sameKey(goos, a, b string) bool {
	if goos == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func currentOS() string { return runtime.GOOS }
