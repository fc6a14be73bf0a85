package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"modelkeeper/internal/errs"
)

// ResolveRedirects follows up to MaxRedirects redirects with HEAD requests
// and returns the final URL. Any non-redirect status ends the walk; error
// statuses are left for the GET to report.
func (p *Pipeline) ResolveRedirects(ctx context.Context, rawURL string) (string, error) {
	const op = "resolve redirects"
	current := rawURL
	for hops := 0; ; hops++ {
		hctx, cancel := context.WithCancelCause(ctx)
		req, err := http.NewRequestWithContext(hctx, http.MethodHead, current, nil)
		if err != nil {
			cancel(nil)
			return "", errs.Wrap(errs.Invalid, op, err)
		}
		req.Header.Set("User-Agent", p.opts.UserAgent)
		resp, err := p.doWithHeaderTimeout(cancel, req)
		if err != nil {
			err = classify(ctx, hctx, op, err)
			cancel(nil)
			return "", err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel(nil)

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		default:
			return current, nil
		}
		loc := resp.Header.Get("Location")
		if loc == "" {
			e := errs.E(errs.HTTPStatus, op, "redirect without location header")
			e.Status = resp.StatusCode
			return "", e
		}
		if hops+1 > p.opts.MaxRedirects {
			e := errs.E(errs.HTTPStatus, op, fmt.Sprintf("too many redirects (limit %d)", p.opts.MaxRedirects))
			e.Status = resp.StatusCode
			return "", e
		}
		base, err := url.Parse(current)
		if err != nil {
			return "", errs.Wrap(errs.Invalid, op, err)
		}
		next, err := base.Parse(loc)
		if err != nil {
			return "", errs.Wrapf(errs.HTTPStatus, op, err, "bad redirect location %q", loc)
		}
		current = next.String()
	}
}

func (p *Pipeline) doWithHeaderTimeout(cancel context.CancelCauseFunc, req *http.Request) (*http.Response, error) {
	timer := time.AfterFunc(p.opts.HeaderTimeout, func() { cancel(errHeaderTimeout) })
	defer timer.Stop()
	return p.probe.Do(req)
}
