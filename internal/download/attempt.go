package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"

	"modelkeeper/internal/errs"
	"modelkeeper/internal/metrics"
)

var contentRangeTotal = regexp.MustCompile(`/(\d+)$`)

// attempt performs one GET of url into tmp starting at offset and returns
// the number of bytes on disk when it finishes.
func (p *Pipeline) attempt(ctx context.Context, url, tmp string, offset int64, label string, th *throttle) (int64, error) {
	const op = "download attempt"
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(actx, http.MethodGet, url, nil)
	if err != nil {
		return offset, errs.Wrap(errs.Invalid, op, err)
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	headerTimer := time.AfterFunc(p.opts.HeaderTimeout, func() { cancel(errHeaderTimeout) })
	resp, err := p.client.Do(req)
	headerTimer.Stop()
	if err != nil {
		return offset, classify(ctx, actx, op, err)
	}
	defer resp.Body.Close()

	var total int64
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		if m := contentRangeTotal.FindStringSubmatch(resp.Header.Get("Content-Range")); m != nil {
			total, _ = strconv.ParseInt(m[1], 10, 64)
		}
		if total == 0 && resp.ContentLength > 0 {
			total = offset + resp.ContentLength
		}
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		if offset > 0 {
			p.log.Info().Str("event", "download_range_ignored").Str("model", label).Int64("offset", offset).Msg("server ignored range, restarting from zero")
		}
		offset = 0
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return offset, errs.Status(errs.HTTPStatus, op, resp.StatusCode, string(snippet))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return offset, errs.Wrap(errs.Unknown, op, err)
	}

	stall := time.AfterFunc(p.opts.StallTimeout, func() { cancel(errStalled) })
	defer stall.Stop()

	received := offset
	bytesCounter := metrics.DownloadBytes.WithLabelValues(label)
	buf := make([]byte, p.bufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			stall.Reset(p.opts.StallTimeout)
			if _, werr := f.Write(buf[:n]); werr != nil {
				_ = f.Close()
				if ctx.Err() != nil {
					return received, classify(ctx, actx, op, werr)
				}
				return received, errs.Wrap(errs.Unknown, op, werr)
			}
			received += int64(n)
			bytesCounter.Add(float64(n))
			th.update(received, total)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			_ = f.Close()
			return received, classify(ctx, actx, op, rerr)
		}
	}
	if err := f.Close(); err != nil {
		return received, errs.Wrap(errs.Unknown, op, err)
	}
	if total > 0 && received < total {
		return received, errs.E(errs.NetworkTransient, op, fmt.Sprintf("download incomplete: received %d of %d bytes", received, total))
	}
	if total <= 0 {
		total = received
	}
	th.complete(received, total)
	return received, nil
}
