package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"modelkeeper/internal/httpapi"
	"modelkeeper/internal/manager"
	"modelkeeper/internal/registry"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API on the loopback address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.logOut = cmd.ErrOrStderr()
			return o.serve(cmd.Context(), nil)
		},
	}
}

// serve runs until ctx ends. ready, when set, receives the bound address.
func (o *rootOptions) serve(ctx context.Context, ready chan<- string) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	lg, err := o.logger(cfg)
	if err != nil {
		return err
	}
	reg, err := registry.LoadWithOverlay(cfg.RegistryFile)
	if err != nil {
		return err
	}
	mgr, err := manager.New(manager.FromConfig(cfg, reg, &lg))
	if err != nil {
		return err
	}

	baseCtx, cancelBase := context.WithCancel(ctx)
	defer cancelBase()
	httpapi.SetLogger(lg)
	httpapi.SetCORSOptions(cfg.CORSOrigins, nil, nil)
	httpapi.SetBaseContext(baseCtx)
	defer httpapi.SetBaseContext(nil)

	mgr.InitializeAtStartup(baseCtx)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = mgr.Close(context.Background())
		return err
	}
	srv := &http.Server{Handler: httpapi.NewMux(mgr), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		lg.Info().Str("event", "listen").Str("addr", ln.Addr().String()).Str("cache_dir", cfg.CacheDir).Msg("modelkeeper listening")
		errCh <- srv.Serve(ln)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	// Long-running handlers (downloads, event streams) end with the base ctx.
	cancelBase()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Warn().Err(err).Str("event", "shutdown").Msg("graceful shutdown error")
	}
	if err := mgr.Close(sctx); err != nil {
		lg.Warn().Err(err).Str("event", "shutdown").Msg("stopping backends")
	}
	lg.Info().Str("event", "shutdown").Msg("modelkeeper stopped")
	return serveErr
}
