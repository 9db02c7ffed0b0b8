// Package apperr defines the fatal error kinds that abort a report request and
// maps them to HTTP status codes. Non-fatal, per-answer problems live in the
// aggregate package and never surface here.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a fatal failure.
type Kind string

const (
	KindTransport Kind = "transport" // non-2xx or network failure talking to the survey platform
	KindTimeout   Kind = "timeout"   // export job never reached "complete"
	KindDecode    Kind = "decode"    // archive or JSON payload is structurally invalid
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrTransport = errors.New("transport error")
	ErrTimeout   = errors.New("export timed out")
	ErrDecode    = errors.New("decode error")
)

// Error is a fatal, HTTP-mappable failure.
type Error struct {
	Kind Kind
	Op   string // e.g. "qualtrics: start export"

	// Status is the upstream HTTP status for transport errors. Zero for
	// network failures and for the other kinds.
	Status int

	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, apperr.ErrTimeout) match any timeout Error.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrDecode:
		return e.Kind == KindDecode
	}
	return false
}

// Transport builds a transport error. status may be zero.
func Transport(op string, status int, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Status: status, Err: err}
}

// Timeout builds a timeout error.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// Decode builds a decode error.
func Decode(op string, err error) *Error {
	return &Error{Kind: KindDecode, Op: op, Err: err}
}

// HTTPStatus maps err to the status code a handler should answer with.
//
//	Timeout   → 504
//	Transport → 404 when the platform said 404, otherwise 502
//	Decode    → 502
//	other     → 500
func HTTPStatus(err error) int {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransport:
		if ae.Status == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case KindDecode:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
