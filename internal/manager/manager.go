package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"modelkeeper/internal/archive"
	"modelkeeper/internal/audio"
	"modelkeeper/internal/backend"
	"modelkeeper/internal/diskguard"
	"modelkeeper/internal/download"
	"modelkeeper/internal/errs"
	"modelkeeper/internal/events"
	"modelkeeper/internal/gateway"
	"modelkeeper/internal/metrics"
	"modelkeeper/internal/registry"
	"modelkeeper/internal/supervisor"
)

// DefaultEventHistory bounds the bus replay buffer.
const DefaultEventHistory = 512

// Options configures a Manager. CacheDir and Registry are required.
type Options struct {
	CacheDir             string
	Registry             *registry.Registry
	DefaultParakeetModel string
	StaleAge             time.Duration

	Download download.Options
	Llama    backend.Options
	Parakeet backend.Options

	FFmpegPath string
	TarPath    string

	// Bus receives every event; New creates one when nil.
	Bus    *events.Bus
	Logger *zerolog.Logger
}

// Manager coordinates downloads, backends and the gateway.
type Manager struct {
	opts Options
	log  zerolog.Logger
	reg  *registry.Registry
	bus  *events.Bus

	pipeline    *download.Pipeline
	extractor   *archive.Extractor
	sups        map[registry.Kind]*supervisor.Supervisor
	normalizer  *audio.Normalizer
	client      *gateway.Client
	transcriber *gateway.Transcriber

	flight singleflight.Group
	// bgCtx scopes background work such as pre-warms; Close cancels it.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New wires every service. It starts no processes.
func New(opts Options) (*Manager, error) {
	if opts.CacheDir == "" {
		return nil, errs.E(errs.Invalid, "manager", "cache dir is required")
	}
	if opts.Registry == nil {
		return nil, errs.E(errs.Invalid, "manager", "registry is required")
	}
	if opts.StaleAge <= 0 {
		opts.StaleAge = diskguard.DefaultStaleAge
	}
	lg := zerolog.Nop()
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(DefaultEventHistory)
		bus.OnDrop = func(events.Event) { metrics.EventsDropped.Inc() }
	}

	component := func(name string) *zerolog.Logger {
		l := lg.With().Str("component", name).Logger()
		return &l
	}
	dl := opts.Download
	dl.Logger = component("download")

	m := &Manager{
		opts:     opts,
		log:      lg.With().Str("component", "manager").Logger(),
		reg:      opts.Registry,
		bus:      bus,
		pipeline: download.New(dl),
		sups:     make(map[registry.Kind]*supervisor.Supervisor, len(registry.Kinds)),
		sessions: make(map[string]*session),
	}
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())
	m.extractor = archive.New(opts.TarPath, component("archive"))
	m.normalizer = audio.NewNormalizer(opts.FFmpegPath, &lg)
	m.client = gateway.NewClient(&lg)
	m.transcriber = gateway.NewTranscriber(m.normalizer, m.client)

	for _, kind := range registry.Kinds {
		bo := opts.Llama
		if kind == registry.KindParakeet {
			bo = opts.Parakeet
		}
		bo.Publisher = bus
		bo.Logger = &lg
		m.sups[kind] = supervisor.New(backend.For(kind, bo))
	}
	return m, nil
}

// Registry returns the model catalogue.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// CacheDir returns the cache root.
func (m *Manager) CacheDir() string { return m.opts.CacheDir }

// Supervisor returns the supervisor for kind.
func (m *Manager) Supervisor(kind registry.Kind) *supervisor.Supervisor { return m.sups[kind] }

// Subscribe registers for live events; call the returned func to leave.
func (m *Manager) Subscribe(buffer int) (<-chan events.Event, func()) { return m.bus.Subscribe(buffer) }

// EventsSince returns buffered events with Seq greater than seq.
func (m *Manager) EventsSince(seq uint64) []events.Event { return m.bus.Since(seq) }

// Ready reports whether any backend is ready.
func (m *Manager) Ready() bool {
	for _, s := range m.sups {
		if s.Ready() {
			return true
		}
	}
	return false
}

// Close cancels downloads and background starts, waits for background work
// and stops every backend. The Manager must not be used afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.bgCancel()
	m.CancelDownload("")
	done := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.StopAll(ctx)
	return err
}

func (m *Manager) publish(name string, mdl registry.Model, fields map[string]any) {
	m.bus.Publish(events.Event{Name: name, Backend: string(mdl.Kind), ModelID: mdl.ID, Fields: fields})
}
