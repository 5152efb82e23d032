package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// TransportError means the upstream could not be reached, or the
// connection failed part way through a response.
type TransportError struct {
	Op  string // what the relay was doing, e.g. "sending request"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport error while %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline being hit.
func (e *TransportError) Timeout() bool {
	return isTimeout(e.Err)
}

// ProtocolError means the upstream answered, but with an error: a non-2xx
// status, a non-SSE body, a malformed event, or an error object sent in
// the middle of a stream.
type ProtocolError struct {
	StatusCode int    // HTTP status of the upstream response; 0 if reported in-stream
	Type       string // upstream error type, when it sent one
	Message    string
}

func (e *ProtocolError) Error() string {
	kind := e.Type
	if kind == "" {
		kind = "upstream_error"
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream %s in stream: %s", kind, e.Message)
	}
	return fmt.Sprintf("upstream %s (status %d): %s", kind, e.StatusCode, e.Message)
}

// PassThroughError is a failed single-shot forward. StatusCode is what the
// relay reports to its own caller.
type PassThroughError struct {
	Path       string
	StatusCode int
	Err        error
}

func (e *PassThroughError) Error() string {
	return fmt.Sprintf("pass-through %s failed: %v", e.Path, e.Err)
}

func (e *PassThroughError) Unwrap() error { return e.Err }

func newPassThroughError(path string, err error) *PassThroughError {
	status := http.StatusBadGateway
	if isTimeout(err) {
		status = http.StatusGatewayTimeout
	}
	return &PassThroughError{Path: path, StatusCode: status, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
