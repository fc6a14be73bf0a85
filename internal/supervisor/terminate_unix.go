//go:build unix

package supervisor

import (
	"os"

	"golang.org/x/sys/unix"
)

func gracefulStop(p *os.Process) error { return p.Signal(unix.SIGTERM) }
