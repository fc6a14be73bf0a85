// Command modelkeeper runs the model service and talks to a running one.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"modelkeeper/internal/common/fsutil"
	"modelkeeper/internal/config"
	"modelkeeper/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	cacheDir   string
	addr       string

	logOut io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "modelkeeper:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "modelkeeper",
		Short:         "Download, supervise and query on-device model backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "config file (.yaml, .yml, .json or .toml)")
	pf.StringVar(&o.logLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")
	pf.StringVar(&o.logFormat, "log-format", "", "log format: json|console (overrides config)")
	pf.StringVar(&o.cacheDir, "cache-dir", "", "model cache directory (overrides config and "+config.EnvCacheDir+")")
	pf.StringVar(&o.addr, "addr", "", "listen address for serve, daemon address for other commands (overrides config and "+config.EnvAddr+")")

	root.AddCommand(
		newServeCmd(o),
		newModelsCmd(o),
		newDownloadCmd(o),
		newDeleteCmd(o),
		newStartCmd(o),
		newStopCmd(o),
		newStatusCmd(o),
		newInferCmd(o),
		newTranscribeCmd(o),
		newVersionCmd(),
	)
	return root
}

// load resolves the configuration and applies flag overrides.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Resolve(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.cacheDir != "" {
		dir, err := fsutil.ExpandHome(o.cacheDir)
		if err != nil {
			return cfg, err
		}
		cfg.CacheDir = dir
	}
	if o.addr != "" {
		cfg.Addr = o.addr
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	return cfg, nil
}

// logger builds the process logger for cfg. It writes to stderr unless
// logOut is set.
func (o *rootOptions) logger(cfg config.Config) (zerolog.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogFormat, o.logOut)
}

// baseURL is the daemon address as an http URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "modelkeeper", version)
		},
	}
}
