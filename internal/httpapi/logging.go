package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the HTTP layer's logger; Nop until SetLogger is called.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "httpapi").Logger() }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug", "1":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// defaultLogLevel is read once from the environment; requests may override it.
var defaultLogLevel = func() LogLevel {
	v, ok := os.LookupEnv("MODELKEEPER_HTTP_LOG")
	if !ok {
		return LevelInfo
	}
	return parseLevel(v)
}()

// requestLogLevel honours ?log= and X-Log-Level.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// reqLog logs the outcome of one API operation at the request's level.
type reqLog struct {
	lvl   LogLevel
	op    string
	rid   string
	began time.Time
}

func startLog(r *http.Request, op string) reqLog {
	rl := reqLog{lvl: requestLogLevel(r), op: op, rid: middleware.GetReqID(r.Context()), began: time.Now()}
	if rl.lvl >= LevelDebug {
		zlog.Debug().Str("event", op+"_start").Str("path", r.URL.Path).Str("request_id", rl.rid).Msg(op + " start")
	}
	return rl
}

func (rl reqLog) end(status int, err error) {
	var ev *zerolog.Event
	switch {
	case err != nil && rl.lvl >= LevelError:
		ev = zlog.Warn().Err(err)
	case err == nil && rl.lvl >= LevelInfo:
		ev = zlog.Info()
	default:
		return
	}
	ev.Str("event", rl.op+"_end").Int("status", status).Dur("dur", time.Since(rl.began)).Str("request_id", rl.rid).Msg(rl.op + " end")
}

// lineLogger logs each complete line written to it at debug level. It is
// teed onto streamed responses when a request asks for debug logging.
type lineLogger struct {
	prefix string
	buf    []byte
}

func (lw *lineLogger) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if line := lw.buf[:idx]; len(line) > 0 {
			zlog.Debug().Str("stream", lw.prefix).Bytes("line", line).Msg("stream line")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}
