// Package backend binds the two supported server binaries to the generic
// supervisor: how each is named, which ports it may use, its command line
// and how its readiness is probed.
package backend

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"modelkeeper/internal/events"
	"modelkeeper/internal/registry"
	"modelkeeper/internal/supervisor"
)

const (
	LlamaBinary    = "llama-server"
	ParakeetBinary = "sherpa-onnx-offline-websocket-server"

	LlamaPortStart    = 8200
	LlamaPortEnd      = 8220
	ParakeetPortStart = 8300
	ParakeetPortEnd   = 8320

	DefaultCtxSize = 4096
	DefaultThreads = 4
)

// Options tunes a backend. Zero values take the package defaults.
type Options struct {
	BinaryPath string
	BinaryDirs []string
	PortStart  int
	PortEnd    int
	Threads    int
	// CtxSize and GPULayers apply to llama only. GPULayers 0 omits the flag.
	CtxSize   int
	GPULayers int

	StartupTimeout time.Duration
	HealthInterval time.Duration
	StopGrace      time.Duration

	Publisher events.Publisher
	Logger    *zerolog.Logger
}

func (o Options) threads() int {
	if o.Threads > 0 {
		return o.Threads
	}
	return DefaultThreads
}

func (o Options) ports(start, end int) (int, int) {
	if o.PortStart > 0 && o.PortEnd >= o.PortStart {
		return o.PortStart, o.PortEnd
	}
	return start, end
}

func (o Options) base(name, binary string, start, end int) supervisor.Config {
	ps, pe := o.ports(start, end)
	return supervisor.Config{
		Name:           name,
		Binary:         supervisor.BinarySpec{Path: o.BinaryPath, Base: binary, Dirs: o.BinaryDirs},
		Host:           supervisor.DefaultHost,
		PortStart:      ps,
		PortEnd:        pe,
		StartupTimeout: o.StartupTimeout,
		HealthInterval: o.HealthInterval,
		StopGrace:      o.StopGrace,
		Publisher:      o.Publisher,
		Logger:         o.Logger,
	}
}

// Llama configures llama-server. The model path is the .gguf file.
func Llama(o Options) supervisor.Config {
	cfg := o.base(string(registry.KindLlama), LlamaBinary, LlamaPortStart, LlamaPortEnd)
	cfg.Args = func(modelPath string, port int) []string { return LlamaArgs(modelPath, port, o) }
	cfg.Probe = supervisor.HTTPProbe{Path: "/health", Client: &http.Client{}}
	return cfg
}

// LlamaArgs is llama-server's command line.
func LlamaArgs(modelPath string, port int, o Options) []string {
	ctx := o.CtxSize
	if ctx <= 0 {
		ctx = DefaultCtxSize
	}
	args := []string{
		"--model", modelPath,
		"--host", supervisor.DefaultHost,
		"--port", strconv.Itoa(port),
		"--ctx-size", strconv.Itoa(ctx),
		"--threads", strconv.Itoa(o.threads()),
	}
	if o.GPULayers > 0 {
		args = append(args, "--n-gpu-layers", strconv.Itoa(o.GPULayers))
	}
	return args
}

// Parakeet configures the sherpa-onnx websocket server. The model path is
// the installed model directory.
func Parakeet(o Options) supervisor.Config {
	cfg := o.base(string(registry.KindParakeet), ParakeetBinary, ParakeetPortStart, ParakeetPortEnd)
	cfg.Args = func(modelDir string, port int) []string { return ParakeetArgs(modelDir, port, o) }
	cfg.Probe = supervisor.WebSocketProbe{Path: "/", Dialer: &websocket.Dialer{HandshakeTimeout: supervisor.DefaultHealthTimeout}}
	return cfg
}

// ParakeetArgs is the sherpa server's command line for an int8 transducer.
func ParakeetArgs(modelDir string, port int, o Options) []string {
	return []string{
		"--port=" + strconv.Itoa(port),
		"--tokens=" + filepath.Join(modelDir, "tokens.txt"),
		"--encoder=" + filepath.Join(modelDir, "encoder.int8.onnx"),
		"--decoder=" + filepath.Join(modelDir, "decoder.int8.onnx"),
		"--joiner=" + filepath.Join(modelDir, "joiner.int8.onnx"),
		"--num-threads=" + strconv.Itoa(o.threads()),
	}
}

// For returns the supervisor config for kind.
func For(kind registry.Kind, o Options) supervisor.Config {
	if kind == registry.KindParakeet {
		return Parakeet(o)
	}
	return Llama(o)
}

// ModelPath is what a backend of m's kind is started with: the model file
// for llama, the install directory for parakeet.
func ModelPath(cacheRoot string, m registry.Model) string {
	dir := registry.ModelDir(cacheRoot, m)
	if m.Kind == registry.KindLlama && len(m.Files) > 0 {
		return filepath.Join(dir, m.Files[0])
	}
	return dir
}
