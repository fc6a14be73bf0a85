// Package errs defines the error taxonomy shared by the download pipeline,
// process supervisors and gateway. The HTTP layer maps kinds to status codes
// through StatusCode.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	Unknown Kind = iota
	NetworkTransient
	HTTPStatus
	Cancelled
	Corrupt
	ProcessStartupFailure
	ProcessRuntimeDegradation
	RequestFailure
	NotFound
	Invalid
	Unavailable
	InsufficientSpace
)

var kindNames = map[Kind]string{
	Unknown:                   "unknown",
	NetworkTransient:          "network_transient",
	HTTPStatus:                "http_status",
	Cancelled:                 "cancelled",
	Corrupt:                   "corrupt",
	ProcessStartupFailure:     "process_startup_failure",
	ProcessRuntimeDegradation: "process_runtime_degradation",
	RequestFailure:            "request_failure",
	NotFound:                  "not_found",
	Invalid:                   "invalid",
	Unavailable:               "unavailable",
	InsufficientSpace:         "insufficient_space",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries a kind plus the diagnostic context a caller needs to render
// an actionable message. Only the fields relevant to the kind are set.
type Error struct {
	Kind Kind
	Op   string
	Msg  string

	// Status and Body describe an upstream HTTP response.
	Status int
	Body   string

	// ExitCode and Stderr describe a subprocess failure. ExitCode is -1 when
	// the process did not exit.
	ExitCode int
	Stderr   string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	b.WriteString(msg)
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode implements the HTTP layer's HTTPError interface.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case NotFound:
		return http.StatusNotFound
	case Invalid:
		return http.StatusBadRequest
	case Cancelled:
		return http.StatusConflict
	case Corrupt:
		return http.StatusUnprocessableEntity
	case InsufficientSpace:
		return http.StatusInsufficientStorage
	case ProcessStartupFailure, ProcessRuntimeDegradation, Unavailable:
		return http.StatusServiceUnavailable
	case NetworkTransient, HTTPStatus, RequestFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// E constructs an *Error of the given kind.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, ExitCode: -1}
}

// Wrap constructs an *Error of the given kind around err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, ExitCode: -1}
}

// Wrapf is Wrap with a formatted message placed before err.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err, ExitCode: -1}
}

// Status constructs an HTTPStatus or RequestFailure error carrying an
// upstream status code and body snippet.
func Status(kind Kind, op string, status int, body string) *Error {
	msg := fmt.Sprintf("returned status %d", status)
	if s := strings.TrimSpace(body); s != "" {
		msg += ": " + s
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Status: status, Body: body, ExitCode: -1}
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err's chain contains an *Error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsRetryable reports whether the download pipeline may retry after err.
func IsRetryable(err error) bool { return IsKind(err, NetworkTransient) }

// IsCancelled reports whether err is a user cancellation.
func IsCancelled(err error) bool { return IsKind(err, Cancelled) }

// IsNotFound reports whether err names an unknown or missing model.
func IsNotFound(err error) bool { return IsKind(err, NotFound) }
