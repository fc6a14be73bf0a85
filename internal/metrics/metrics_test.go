package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetBackendStateIsExclusive(t *testing.T) {
	all := []string{"stopped", "starting", "ready", "degraded"}
	SetBackendState("llama", "ready", all)
	if v := testutil.ToFloat64(BackendState.WithLabelValues("llama", "ready")); v != 1 {
		t.Fatalf("ready gauge = %v", v)
	}
	SetBackendState("llama", "degraded", all)
	if v := testutil.ToFloat64(BackendState.WithLabelValues("llama", "ready")); v != 0 {
		t.Fatalf("ready gauge after transition = %v", v)
	}
	if v := testutil.ToFloat64(BackendState.WithLabelValues("llama", "degraded")); v != 1 {
		t.Fatalf("degraded gauge = %v", v)
	}
}

func TestResultLabel(t *testing.T) {
	if Result(nil) != "ok" || Result(errors.New("x")) != "error" {
		t.Fatal("unexpected result labels")
	}
}
