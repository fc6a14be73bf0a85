//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"strconv"
)

// gracefulStop asks the process tree to close; taskkill without /F lets the
// child shut down on its own.
func gracefulStop(p *os.Process) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(p.Pid), "/T").Run()
}
