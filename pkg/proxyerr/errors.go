// Package proxyerr defines the failure taxonomy shared by the proxy and the
// passthrough forwarder.
//
// Every failure is scoped to a single request or connection. The proxy turns
// an *Error into an HTTP error response when the client connection is still
// writable and publishes it on its event channel.
package proxyerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// Kind classifies a failure.
type Kind string

const (
	// KindConnection covers bind, listen and connect failures, including a
	// local address that is not assignable and unresolvable destinations.
	KindConnection Kind = "connection"
	// KindHandshake covers TLS negotiation failures, on either side.
	KindHandshake Kind = "handshake"
	// KindMatch means no rule matched and no passthrough fallback is configured.
	KindMatch Kind = "match"
	// KindHandler means a callback handler failed.
	KindHandler Kind = "handler"
	// KindUpstream covers resets, refusals and timeouts talking to the destination.
	KindUpstream Kind = "upstream"
	// KindProtocol covers malformed client requests.
	KindProtocol Kind = "protocol"
)

// Error is a classified proxy failure.
type Error struct {
	Kind Kind
	// Op names the step that failed, e.g. "dial", "bind", "tls", "callback".
	Op string
	// Host is the destination involved, if any.
	Host string
	// Timeout is set when the failure was caused by a deadline.
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Host != "" {
		msg += " " + e.Host
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status sent to the client for this failure.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindMatch:
		return http.StatusServiceUnavailable
	case KindHandler:
		return http.StatusInternalServerError
	case KindProtocol:
		return http.StatusBadRequest
	case KindUpstream:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Timeout: isTimeout(err)}
}

// Newf returns an *Error wrapping a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// Connection returns a KindConnection error for host.
func Connection(op, host string, err error) *Error {
	e := New(KindConnection, op, err)
	e.Host = host
	return e
}

// Handshake returns a KindHandshake error for host.
func Handshake(host string, err error) *Error {
	e := New(KindHandshake, "tls", err)
	e.Host = host
	return e
}

// Upstream returns a KindUpstream error for host.
func Upstream(op, host string, err error) *Error {
	e := New(KindUpstream, op, err)
	e.Host = host
	return e
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
