package download

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"modelkeeper/internal/errs"
)

var (
	errStalled       = errors.New("download stalled")
	errHeaderTimeout = errors.New("timed out waiting for response headers")
)

// classify turns a transport error into a taxonomy error. parent is the
// caller's context; attemptCtx carries the stall/header-timeout cause.
func classify(parent, attemptCtx context.Context, op string, err error) error {
	if parent.Err() != nil {
		return errs.Wrapf(errs.Cancelled, op, parent.Err(), "download cancelled")
	}
	if cause := context.Cause(attemptCtx); cause != nil {
		switch {
		case errors.Is(cause, errStalled):
			return errs.Wrap(errs.NetworkTransient, op, cause)
		case errors.Is(cause, errHeaderTimeout):
			return errs.Wrap(errs.NetworkTransient, op, cause)
		}
	}
	if isTransient(err) {
		return errs.Wrap(errs.NetworkTransient, op, err)
	}
	return errs.Wrap(errs.Unknown, op, err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE, syscall.ETIMEDOUT} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected eof")
}
