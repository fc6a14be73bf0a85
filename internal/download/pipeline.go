// Package download implements resumable, retried file transfers with
// validation and an atomic commit onto the destination path.
package download

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"modelkeeper/internal/common/fsutil"
	"modelkeeper/internal/errs"
	"modelkeeper/internal/metrics"
)

const (
	DefaultUserAgent        = "modelkeeper/1.0"
	DefaultMaxRetries       = 3
	DefaultBackoffBase      = time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultStallTimeout     = 30 * time.Second
	DefaultHeaderTimeout    = 60 * time.Second
	DefaultProgressInterval = 100 * time.Millisecond
	DefaultMaxRedirects     = 5

	// TempSuffix is appended to the destination path while downloading.
	TempSuffix = ".tmp"
)

// Options configures a Pipeline. Zero values select the defaults above.
// MaxRetries < 0 disables retries.
type Options struct {
	Client           *http.Client
	UserAgent        string
	MaxRetries       int
	BackoffBase      time.Duration
	MaxBackoff       time.Duration
	StallTimeout     time.Duration
	HeaderTimeout    time.Duration
	ProgressInterval time.Duration
	MaxRedirects     int
	Logger           *zerolog.Logger
}

// Pipeline downloads files. It is safe for concurrent use; callers ensure a
// destination is only downloaded by one File call at a time.
type Pipeline struct {
	opts       Options
	client     *http.Client
	probe      *http.Client
	log        zerolog.Logger
	sleep      func(context.Context, time.Duration) error
	now        func() time.Time
	bufferSize int
}

// New constructs a Pipeline.
func New(opts Options) *Pipeline {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = DefaultHeaderTimeout
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}
	// Timeout stays 0: attempts are bounded by the stall and header timers.
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	probe := *client
	probe.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Pipeline{
		opts:       opts,
		client:     client,
		probe:      &probe,
		log:        log,
		sleep:      sleepCtx,
		now:        time.Now,
		bufferSize: 256 << 10,
	}
}

// FileOptions are per-download settings.
type FileOptions struct {
	// ModelID labels logs and metrics.
	ModelID  string
	Observer Observer
}

// Result describes a committed download.
type Result struct {
	Path     string
	Bytes    int64
	Attempts int
	Resumed  bool
}

// File downloads rawURL to dest through dest+".tmp". An existing temp file is
// resumed. Retryable failures are retried with exponential backoff; any
// other failure, cancellation and retry exhaustion remove the temp file.
func (p *Pipeline) File(ctx context.Context, rawURL, dest string, fo FileOptions) (Result, error) {
	res := Result{Path: dest}
	tmp := dest + TempSuffix
	label := fo.ModelID
	if label == "" {
		label = filepath.Base(dest)
	}
	log := p.log.With().Str("model", label).Str("dest", dest).Logger()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return res, errs.Wrap(errs.Unknown, "download", err)
	}

	offset, _ := fsutil.FileSize(tmp)
	res.Resumed = offset > 0
	log.Info().Str("event", "download_start").Int64("offset", offset).Str("url", truncate(rawURL, 120)).Msg("download starting")

	finalURL, err := p.ResolveRedirects(ctx, rawURL)
	if err != nil {
		p.discard(tmp, err)
		metrics.DownloadAttempts.WithLabelValues(label, resultLabel(err)).Inc()
		return res, err
	}

	th := newThrottle(fo.Observer, p.opts.ProgressInterval, p.now)
	var lastErr error
	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt - 1)
			log.Info().Str("event", "download_retry").Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying download")
			if err := p.sleep(ctx, delay); err != nil {
				err = errs.Wrapf(errs.Cancelled, "download", err, "download cancelled")
				p.discard(tmp, err)
				metrics.DownloadAttempts.WithLabelValues(label, "cancelled").Inc()
				return res, err
			}
			offset, _ = fsutil.FileSize(tmp)
		}
		res.Attempts = attempt + 1

		n, err := p.attempt(ctx, finalURL, tmp, offset, label, th)
		if err == nil {
			if err := fsutil.Move(tmp, dest); err != nil {
				err = errs.Wrapf(errs.Unknown, "download", err, "commit %s", dest)
				p.discard(tmp, err)
				return res, err
			}
			res.Bytes = n
			metrics.DownloadAttempts.WithLabelValues(label, "ok").Inc()
			log.Info().Str("event", "download_complete").Int64("bytes", n).Int("attempts", res.Attempts).Msg("download complete")
			return res, nil
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			metrics.DownloadAttempts.WithLabelValues(label, resultLabel(err)).Inc()
			p.discard(tmp, err)
			log.Warn().Str("event", "download_failed").Err(err).Msg("download failed")
			return res, err
		}
		metrics.DownloadAttempts.WithLabelValues(label, "retry").Inc()
		log.Warn().Str("event", "download_attempt_failed").Int("attempt", attempt+1).Err(err).Msg("download attempt failed")
	}
	p.discard(tmp, lastErr)
	return res, fmt.Errorf("download %s: giving up after %d attempts: %w", label, res.Attempts, lastErr)
}

// backoff returns min(base*2^n, max).
func (p *Pipeline) backoff(n int) time.Duration {
	d := p.opts.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.opts.MaxBackoff {
			return p.opts.MaxBackoff
		}
	}
	if d > p.opts.MaxBackoff {
		return p.opts.MaxBackoff
	}
	return d
}

func (p *Pipeline) discard(tmp string, cause error) {
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		p.log.Warn().Err(err).Str("path", tmp).AnErr("cause", cause).Msg("failed to remove temp file")
	}
}

func resultLabel(err error) string {
	if errs.IsCancelled(err) {
		return "cancelled"
	}
	return "error"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
