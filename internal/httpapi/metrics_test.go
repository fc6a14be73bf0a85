package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T) []byte {
	t.Helper()
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", rr.Code)
	}
	return rr.Body.Bytes()
}

func preview(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// TestMetricsMiddleware_EmitsRequestCounters verifies that wrapped requests
// show up on the Prometheus handler with their status.
func TestMetricsMiddleware_EmitsRequestCounters(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	MetricsMiddleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status 418, got %d", rr.Code)
	}

	body := scrape(t)
	if !bytes.Contains(body, []byte("modelkeeper_http_requests_total")) {
		t.Fatalf("expected modelkeeper_http_requests_total in metrics; got: %q", preview(body, 200))
	}
	if !bytes.Contains(body, []byte(`status="418"`)) {
		t.Fatalf("expected status label 418; got: %q", preview(body, 400))
	}
}

func TestStatusRecorder_ForwardsFlush(t *testing.T) {
	rr := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rr, status: http.StatusOK}
	sr.Flush()
	if !rr.Flushed {
		t.Fatalf("flush not forwarded")
	}
	if sr.Unwrap() != rr {
		t.Fatalf("unwrap returned a different writer")
	}
}
