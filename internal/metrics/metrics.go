// Package metrics holds the Prometheus collectors shared by the download
// pipeline, supervisors and gateway. They register on the default registry,
// which the HTTP layer exposes at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "modelkeeper"

var (
	DownloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Bytes written to download temp files",
		},
		[]string{"model"},
	)

	DownloadAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "attempts_total",
			Help:      "Download attempts by result (ok, retry, error, cancelled)",
		},
		[]string{"model", "result"},
	)

	DownloadsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "active_sessions",
			Help:      "Download sessions currently in flight",
		},
	)

	BackendState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "state",
			Help:      "1 for the current supervisor state of each backend, 0 otherwise",
		},
		[]string{"backend", "state"},
	)

	BackendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Backend process start attempts by result",
		},
		[]string{"backend", "result"},
	)

	BackendHealthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "health_failures_total",
			Help:      "Failed health probes against a ready backend",
		},
		[]string{"backend"},
	)

	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Duration of inference and transcription calls",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"op", "result"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events a slow subscriber did not receive",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DownloadBytes,
		DownloadAttempts,
		DownloadsActive,
		BackendState,
		BackendStarts,
		BackendHealthFailures,
		GatewayDuration,
		EventsDropped,
	)
}

// SetBackendState marks state as current for backend and clears the others.
func SetBackendState(backend, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		BackendState.WithLabelValues(backend, s).Set(v)
	}
}

// Result maps an error to a metrics label.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
