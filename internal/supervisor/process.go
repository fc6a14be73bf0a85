package supervisor

import (
	"bytes"
	"errors"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// process is one spawned backend. exited is closed once Wait returns, after
// stdout and stderr have been fully copied.
type process struct {
	cmd     *exec.Cmd
	pid     int
	workDir string
	stderr  *tailBuffer
	exited  chan struct{}
	waitErr error
}

func (p *process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *process) exitCode() int {
	var ee *exec.ExitError
	if errors.As(p.waitErr, &ee) {
		return ee.ExitCode()
	}
	if p.waitErr == nil && p.hasExited() {
		return 0
	}
	return -1
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
	t.mu.Unlock()
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// lineLogger writes complete lines of child output to a debug logger.
type lineLogger struct {
	log    zerolog.Logger
	stream string
	mu     sync.Mutex
	buf    []byte
}

func (lw *lineLogger) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(lw.buf[:idx])
		if len(line) > 0 {
			lw.log.Debug().Str("stream", lw.stream).Msg(line)
		}
		lw.buf = lw.buf[idx+1:]
	}
	if len(lw.buf) > 64<<10 {
		lw.buf = lw.buf[:0]
	}
	return len(p), nil
}
