//go:build !unix && !windows

package supervisor

import "os"

func gracefulStop(p *os.Process) error { return p.Kill() }
