package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"modelkeeper/internal/metrics"
)

// Probe checks whether a backend listening on host:port can serve requests.
type Probe interface {
	Check(ctx context.Context, host string, port int) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, host string, port int) error

func (f ProbeFunc) Check(ctx context.Context, host string, port int) error { return f(ctx, host, port) }

// HTTPProbe issues GET Path and expects 200.
type HTTPProbe struct {
	Path   string
	Client *http.Client
}

func (p HTTPProbe) Check(ctx context.Context, host string, port int) error {
	cli := p.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	path := p.Path
	if path == "" {
		path = "/health"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := cli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

// WebSocketProbe succeeds when a websocket handshake to Path completes.
type WebSocketProbe struct {
	Path   string
	Dialer *websocket.Dialer
}

func (p WebSocketProbe) Check(ctx context.Context, host string, port int) error {
	d := p.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	path := p.Path
	if path == "" {
		path = "/"
	}
	conn, resp, err := d.DialContext(ctx, "ws://"+net.JoinHostPort(host, strconv.Itoa(port))+path, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

// healthLoop re-probes a ready process every HealthInterval until ctx ends.
func (s *Supervisor) healthLoop(ctx context.Context, p *process, port int, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := s.probe(ctx, port)
		if ctx.Err() != nil {
			return
		}
		s.recordHealth(p, err)
	}
}

// recordHealth moves Ready to Degraded after FailureThreshold consecutive
// failures and back on the next success. The process is left running.
func (s *Supervisor) recordHealth(p *process, probeErr error) {
	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	event := ""
	if probeErr != nil {
		s.failures++
		metrics.BackendHealthFailures.WithLabelValues(s.cfg.Name).Inc()
		if s.failures >= s.cfg.FailureThreshold && s.state == StateReady {
			s.setStateLocked(StateDegraded)
			event = "health_degraded"
		}
	} else {
		s.failures = 0
		if s.state == StateDegraded {
			s.setStateLocked(StateReady)
			event = "health_recovered"
		}
	}
	failures, modelID := s.failures, s.modelID
	s.mu.Unlock()

	switch event {
	case "health_degraded":
		s.log.Warn().Str("event", event).Int("failures", failures).Err(probeErr).Msg("backend unhealthy")
		s.emit(event, modelID, map[string]any{"failures": failures, "error": probeErr.Error()})
	case "health_recovered":
		s.log.Info().Str("event", event).Msg("backend healthy again")
		s.emit(event, modelID, nil)
	default:
		if probeErr != nil {
			s.log.Debug().Int("failures", failures).Err(probeErr).Msg("health probe failed")
		}
	}
}
