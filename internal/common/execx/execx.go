// Package execx runs short-lived helper tools (tar, ffmpeg) behind an
// interface so callers can substitute a fake in tests.
package execx

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Result captures one finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes one command and captures stdout, stderr and exit code.
// ExitCode is -1 when the process could not be started or was killed.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// Tail returns at most the last n bytes of s, trimmed.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// LookPath resolves name, preferring an explicit configured path.
func LookPath(configured, name string) (string, error) {
	if p := strings.TrimSpace(configured); p != "" {
		return exec.LookPath(p)
	}
	return exec.LookPath(name)
}
