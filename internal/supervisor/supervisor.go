// Package supervisor owns the lifecycle of one local backend server process:
// binary discovery, port selection, spawn, readiness polling, periodic health
// checks and graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelkeeper/internal/common/execx"
	"modelkeeper/internal/errs"
	"modelkeeper/internal/events"
	"modelkeeper/internal/metrics"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
)

// States lists every state, for metrics.
var States = []string{string(StateStopped), string(StateStarting), string(StateReady), string(StateDegraded)}

const (
	DefaultHost             = "127.0.0.1"
	DefaultStartupTimeout   = 60 * time.Second
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultHealthInterval   = 5 * time.Second
	DefaultHealthTimeout    = 2 * time.Second
	DefaultFailureThreshold = 3
	DefaultStopGrace        = 5 * time.Second

	stderrTailBytes  = 4096
	stderrErrorChars = 500
)

// Config describes one backend. Name, Binary, the port range, Args and Probe
// are required; zero timings take the defaults above.
type Config struct {
	Name      string
	Binary    BinarySpec
	Host      string
	PortStart int
	PortEnd   int
	// Args builds the command line for a model path and chosen port.
	Args  func(modelPath string, port int) []string
	Probe Probe

	StartupTimeout   time.Duration
	PollInterval     time.Duration
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	FailureThreshold int
	StopGrace        time.Duration

	// ExtraEnv is appended to the child's environment.
	ExtraEnv  []string
	Publisher events.Publisher
	Logger    *zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
}

// Status is a point-in-time snapshot.
type Status struct {
	Backend        string    `json:"backend"`
	State          State     `json:"state"`
	Ready          bool      `json:"ready"`
	Running        bool      `json:"running"`
	PID            int       `json:"pid,omitempty"`
	Port           int       `json:"port,omitempty"`
	ModelID        string    `json:"model_id,omitempty"`
	ModelPath      string    `json:"model_path,omitempty"`
	HealthFailures int       `json:"health_failures"`
	BinaryPath     string    `json:"binary_path,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
}

type startCall struct {
	modelPath string
	done      chan struct{}
	err       error
	cancel    context.CancelFunc
}

// Supervisor manages at most one process for its backend.
type Supervisor struct {
	cfg Config
	log zerolog.Logger
	pub events.Publisher

	mu           sync.Mutex
	state        State
	proc         *process
	port         int
	modelID      string
	modelPath    string
	failures     int
	binPath      string
	startedAt    time.Time
	inflight     *startCall
	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New returns a stopped supervisor.
func New(cfg Config) *Supervisor {
	cfg.setDefaults()
	lg := zerolog.Nop()
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	s := &Supervisor{
		cfg:   cfg,
		log:   lg.With().Str("component", "supervisor").Str("backend", cfg.Name).Logger(),
		pub:   events.OrNop(cfg.Publisher),
		state: StateStopped,
	}
	metrics.SetBackendState(cfg.Name, string(StateStopped), States)
	return s
}

// Name returns the backend name.
func (s *Supervisor) Name() string { return s.cfg.Name }

// Start ensures a ready process serving modelPath. Concurrent calls for the
// same model share one spawn; a call for a different model waits for the
// in-flight start and then restarts with its own model. Cancelling ctx of the
// call that initiated a spawn aborts it; a joining caller's ctx only ends its
// own wait.
func (s *Supervisor) Start(ctx context.Context, modelID, modelPath string) error {
	op := "start " + s.cfg.Name
	for {
		s.mu.Lock()
		if c := s.inflight; c != nil {
			s.mu.Unlock()
			select {
			case <-c.done:
			case <-ctx.Done():
				return errs.Wrap(errs.Cancelled, op, ctx.Err())
			}
			if c.modelPath == modelPath {
				return c.err
			}
			continue
		}
		if s.proc != nil && s.state == StateReady && s.modelPath == modelPath {
			s.mu.Unlock()
			return nil
		}
		runCtx, cancel := context.WithCancel(ctx)
		c := &startCall{modelPath: modelPath, done: make(chan struct{}), cancel: cancel}
		s.inflight = c
		s.mu.Unlock()

		c.err = s.start(runCtx, modelID, modelPath)
		cancel()
		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()
		close(c.done)
		return c.err
	}
}

func (s *Supervisor) start(ctx context.Context, modelID, modelPath string) error {
	op := "start " + s.cfg.Name
	s.stopProcess()

	bin, err := s.BinaryPath()
	if err != nil {
		return s.failed(modelID, err)
	}
	port, err := pickPortInRange(s.cfg.Host, s.cfg.PortStart, s.cfg.PortEnd)
	if err != nil {
		return s.failed(modelID, err)
	}
	if err := ctx.Err(); err != nil {
		return s.failed(modelID, errs.Wrap(errs.Cancelled, op, err))
	}
	workDir, err := os.MkdirTemp("", "modelkeeper-"+s.cfg.Name+"-")
	if err != nil {
		return s.failed(modelID, errs.Wrapf(errs.ProcessStartupFailure, op, err, "create work dir"))
	}

	cmd := exec.Command(bin, s.cfg.Args(modelPath, port)...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(os.Environ(), currentOS(), filepath.Dir(bin), s.cfg.ExtraEnv)
	cmd.WaitDelay = time.Second
	tail := newTailBuffer(stderrTailBytes)
	cmd.Stdout = &lineLogger{log: s.log, stream: "stdout"}
	cmd.Stderr = io.MultiWriter(tail, &lineLogger{log: s.log, stream: "stderr"})
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(workDir)
		return s.failed(modelID, errs.Wrapf(errs.ProcessStartupFailure, op, err, "spawn %s", bin))
	}
	p := &process{cmd: cmd, pid: cmd.Process.Pid, workDir: workDir, stderr: tail, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	s.mu.Lock()
	s.proc = p
	s.port = port
	s.modelID = modelID
	s.modelPath = modelPath
	s.failures = 0
	s.setStateLocked(StateStarting)
	s.mu.Unlock()
	s.log.Info().Str("event", "spawn_start").Int("pid", p.pid).Int("port", port).Str("model", modelPath).Msg("backend starting")
	s.emit("spawn_start", modelID, map[string]any{"pid": p.pid, "port": port, "binary": bin})

	if err := s.waitReady(ctx, p, port); err != nil {
		s.stopProcess()
		return s.failed(modelID, err)
	}

	healthCtx, healthCancel := context.WithCancel(context.Background())
	healthDone := make(chan struct{})
	s.mu.Lock()
	if s.proc != p {
		// stopped while the last probe was in flight
		s.mu.Unlock()
		healthCancel()
		return s.failed(modelID, errs.E(errs.Cancelled, op, "stopped during startup"))
	}
	s.startedAt = time.Now()
	s.healthCancel = healthCancel
	s.healthDone = healthDone
	s.setStateLocked(StateReady)
	s.mu.Unlock()
	go s.healthLoop(healthCtx, p, port, healthDone)
	go s.watchExit(p)

	metrics.BackendStarts.WithLabelValues(s.cfg.Name, "ok").Inc()
	s.log.Info().Str("event", "spawn_ready").Int("pid", p.pid).Str("url", s.baseURL(port)).Msg("backend ready")
	s.emit("spawn_ready", modelID, map[string]any{"pid": p.pid, "port": port, "url": s.baseURL(port)})
	return nil
}

// waitReady polls the probe until it succeeds, the process exits, ctx ends or
// the startup timeout elapses.
func (s *Supervisor) waitReady(ctx context.Context, p *process, port int) error {
	op := "start " + s.cfg.Name
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		if !p.hasExited() && s.probe(ctx, port) == nil {
			return nil
		}
		select {
		case <-p.exited:
			return s.exitError(p)
		case <-ctx.Done():
			return errs.Wrap(errs.Cancelled, op, ctx.Err())
		case <-deadline.C:
			return errs.E(errs.ProcessStartupFailure, op, fmt.Sprintf("%s not ready within %s", s.cfg.Name, s.cfg.StartupTimeout))
		case <-tick.C:
		}
	}
}

func (s *Supervisor) exitError(p *process) error {
	stderr := execx.Tail(p.stderr.String(), stderrErrorChars)
	detail := stderr
	if detail == "" {
		detail = fmt.Sprintf("exit code: %d", p.exitCode())
	}
	e := errs.E(errs.ProcessStartupFailure, "start "+s.cfg.Name, s.cfg.Name+" process died during startup: "+detail)
	e.ExitCode = p.exitCode()
	e.Stderr = stderr
	return e
}

func (s *Supervisor) probe(ctx context.Context, port int) error {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()
	return s.cfg.Probe.Check(pctx, s.cfg.Host, port)
}

func (s *Supervisor) failed(modelID string, err error) error {
	result := "error"
	if errs.IsCancelled(err) {
		result = "cancelled"
	}
	metrics.BackendStarts.WithLabelValues(s.cfg.Name, result).Inc()
	s.log.Warn().Str("event", "spawn_failed").Err(err).Msg("backend start failed")
	s.emit("spawn_failed", modelID, map[string]any{"error": err.Error(), "kind": errs.KindOf(err).String()})
	return err
}

// watchExit handles a process dying on its own after it became ready.
func (s *Supervisor) watchExit(p *process) {
	<-p.exited
	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	modelID := s.modelID
	cancel, done := s.clearLocked()
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	_ = os.RemoveAll(p.workDir)
	code := p.exitCode()
	s.log.Warn().Str("event", "process_exit").Int("pid", p.pid).Int("exit_code", code).Str("stderr", execx.Tail(p.stderr.String(), stderrErrorChars)).Msg("backend exited unexpectedly")
	s.emit("process_exit", modelID, map[string]any{"pid": p.pid, "exit_code": code})
}

// clearLocked resets process state and returns the health loop's cancel and
// done so the caller can wait for it without holding mu.
func (s *Supervisor) clearLocked() (context.CancelFunc, chan struct{}) {
	cancel, done := s.healthCancel, s.healthDone
	s.proc = nil
	s.port = 0
	s.modelID = ""
	s.modelPath = ""
	s.failures = 0
	s.startedAt = time.Time{}
	s.healthCancel = nil
	s.healthDone = nil
	s.setStateLocked(StateStopped)
	return cancel, done
}

// Stop cancels any in-flight start and terminates the running process. It
// never fails for lack of a process.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.inflight
	s.mu.Unlock()
	if c != nil {
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	s.stopProcess()
	return nil
}

func (s *Supervisor) stopProcess() {
	s.mu.Lock()
	p := s.proc
	modelID := s.modelID
	cancel, done := s.clearLocked()
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if p == nil {
		return
	}
	s.terminate(p)
	_ = os.RemoveAll(p.workDir)
	s.log.Info().Str("event", "spawn_stop").Int("pid", p.pid).Msg("backend stopped")
	s.emit("spawn_stop", modelID, map[string]any{"pid": p.pid})
}

func (s *Supervisor) terminate(p *process) {
	if p.hasExited() {
		return
	}
	if err := gracefulStop(p.cmd.Process); err != nil {
		_ = p.cmd.Process.Kill()
	}
	t := time.NewTimer(s.cfg.StopGrace)
	defer t.Stop()
	select {
	case <-p.exited:
	case <-t.C:
		s.log.Warn().Int("pid", p.pid).Dur("grace", s.cfg.StopGrace).Msg("backend ignored terminate; killing")
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Backend:        s.cfg.Name,
		State:          s.state,
		Ready:          s.state == StateReady,
		Port:           s.port,
		ModelID:        s.modelID,
		ModelPath:      s.modelPath,
		HealthFailures: s.failures,
		BinaryPath:     s.binPath,
		StartedAt:      s.startedAt,
	}
	if s.proc != nil {
		st.PID = s.proc.pid
		st.Running = !s.proc.hasExited()
	}
	return st
}

// Ready reports whether the backend is accepting requests.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady
}

// ModelID returns the model the running process serves, if any.
func (s *Supervisor) ModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelID
}

// BaseURL returns http://host:port of the running process, or "".
func (s *Supervisor) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.port == 0 {
		return ""
	}
	return s.baseURL(s.port)
}

// Addr returns host:port of the running process, or "".
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.port == 0 {
		return ""
	}
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.port))
}

func (s *Supervisor) baseURL(port int) string {
	return "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
}

// BinaryPath resolves the backend executable, caching the first success.
func (s *Supervisor) BinaryPath() (string, error) {
	s.mu.Lock()
	cached := s.binPath
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	p, err := s.cfg.Binary.Resolve()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.binPath = p
	s.mu.Unlock()
	return p, nil
}

// Candidates lists the paths probed for the backend executable.
func (s *Supervisor) Candidates() []string { return s.cfg.Binary.Candidates() }

// Available reports whether the backend executable can be found.
func (s *Supervisor) Available() bool {
	_, err := s.BinaryPath()
	return err == nil
}

func (s *Supervisor) setStateLocked(st State) {
	s.state = st
	metrics.SetBackendState(s.cfg.Name, string(st), States)
}

func (s *Supervisor) emit(name, modelID string, fields map[string]any) {
	s.pub.Publish(events.Event{Name: name, Backend: s.cfg.Name, ModelID: modelID, Fields: fields})
}
