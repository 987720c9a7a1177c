// Package httperr provides a structured error taxonomy for the engine.
package httperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind represents the category of error that occurred.
type Kind string

const (
	KindDNS             Kind = "dns"
	KindConnection      Kind = "connection"
	KindTLS             Kind = "tls"
	KindTimeout         Kind = "timeout"
	KindProtocol        Kind = "protocol"
	KindIO              Kind = "io"
	KindValidation      Kind = "validation"
	KindCancelled       Kind = "cancelled"
	KindSandboxBlocked  Kind = "sandbox_blocked"
	KindStreamReset     Kind = "stream_reset"
	KindBodyFraming     Kind = "body_framing"
	KindRedirectPolicy  Kind = "redirect_policy"
	KindNAT64Exhaustion Kind = "nat64_exhaustion"
)

// Error is a structured error carrying enough context for callers to
// classify a failure without string-matching messages.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Cause     error
	Host      string
	Port      int
	Addr      string
	Timestamp time.Time
}

// Error implements the error interface.
// Format: [kind] op addr: message: cause
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Addr != "" {
		parts = append(parts, e.Addr)
	} else if e.Host != "" {
		if e.Port > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", e.Host, e.Port))
		} else {
			parts = append(parts, e.Host)
		}
	}

	errStr := strings.Join(parts, " ")
	if e.Message != "" {
		errStr += ": " + e.Message
	}
	if e.Cause != nil {
		errStr += ": " + e.Cause.Error()
	}
	return errStr
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause, Timestamp: time.Now()}
}

// NewDNSError creates a DNS resolution error.
func NewDNSError(host string, cause error) *Error {
	e := newErr(KindDNS, "lookup", fmt.Sprintf("DNS lookup failed for host %s", host), cause)
	e.Host, e.Addr = host, host
	return e
}

// NewConnectionError creates a TCP connect error.
func NewConnectionError(host string, port int, cause error) *Error {
	addr := fmt.Sprintf("%s:%d", host, port)
	e := newErr(KindConnection, "dial", fmt.Sprintf("failed to connect to %s", addr), cause)
	e.Host, e.Port, e.Addr = host, port, addr
	return e
}

// NewSandboxBlockedError creates an error for a direct connect refused by
// the sandbox's egress filter (the trigger for NAT64 hedging).
func NewSandboxBlockedError(host string, port int, cause error) *Error {
	addr := fmt.Sprintf("%s:%d", host, port)
	e := newErr(KindSandboxBlocked, "dial", fmt.Sprintf("direct connect to %s blocked by sandbox", addr), cause)
	e.Host, e.Port, e.Addr = host, port, addr
	return e
}

// NewNAT64ExhaustionError creates an error for when every NAT64 prefix and
// the direct path have all failed.
func NewNAT64ExhaustionError(host string, port int, cause error) *Error {
	addr := fmt.Sprintf("%s:%d", host, port)
	e := newErr(KindNAT64Exhaustion, "connect", fmt.Sprintf("exhausted all NAT64 prefixes for %s", addr), cause)
	e.Host, e.Port, e.Addr = host, port, addr
	return e
}

// NewTLSError creates a TLS handshake error.
func NewTLSError(host string, port int, cause error) *Error {
	addr := fmt.Sprintf("%s:%d", host, port)
	e := newErr(KindTLS, "handshake", fmt.Sprintf("TLS handshake failed for %s", addr), cause)
	e.Host, e.Port, e.Addr = host, port, addr
	return e
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(operation string, timeout time.Duration) *Error {
	return newErr(KindTimeout, operation, fmt.Sprintf("operation timed out after %v", timeout), nil)
}

// NewCancelledError creates an error for caller-initiated cancellation
// (e.g. the losing leg of a hedged connect).
func NewCancelledError(operation string) *Error {
	return newErr(KindCancelled, operation, "operation cancelled", context.Canceled)
}

// NewProtocolError creates a generic HTTP protocol error.
func NewProtocolError(message string, cause error) *Error {
	return newErr(KindProtocol, "parse", message, cause)
}

// NewStreamResetError creates an error for an HTTP/2 stream that was reset
// by the peer or by a local flow-control/state violation.
func NewStreamResetError(streamID uint32, errorCode uint32, cause error) *Error {
	e := newErr(KindStreamReset, "rst_stream",
		fmt.Sprintf("stream %d reset (error code %d)", streamID, errorCode), cause)
	return e
}

// NewBodyFramingError creates an error for a malformed chunked/content-length
// body delimitation.
func NewBodyFramingError(message string, cause error) *Error {
	return newErr(KindBodyFraming, "read_body", message, cause)
}

// NewRedirectPolicyError creates an error for a redirect that the dispatcher
// refuses to follow (non-replayable body on 307/308, redirect limit, etc).
func NewRedirectPolicyError(message string) *Error {
	return newErr(KindRedirectPolicy, "redirect", message, nil)
}

// NewIOError creates a socket/transport I/O error.
func NewIOError(operation string, cause error) *Error {
	op := operation
	switch {
	case strings.Contains(strings.ToLower(operation), "read"):
		op = "read"
	case strings.Contains(strings.ToLower(operation), "writ"):
		op = "write"
	}
	return newErr(KindIO, op, fmt.Sprintf("I/O error during %s", operation), cause)
}

// NewValidationError creates an input validation error.
func NewValidationError(message string) *Error {
	return newErr(KindValidation, "validate", message, nil)
}

// IsTimeoutError reports whether err represents a timeout, including raw
// net.Error timeouts and context.DeadlineExceeded.
func IsTimeoutError(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindTimeout {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCancelled reports whether err represents cancellation of any kind.
func IsCancelled(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// GetErrorKind returns the Kind if err is a structured *Error.
func GetErrorKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsContextCanceled reports whether err is context.Canceled.
func IsContextCanceled(err error) bool { return errors.Is(err, context.Canceled) }

// IsContextTimeout reports whether err is context.DeadlineExceeded.
func IsContextTimeout(err error) bool { return errors.Is(err, context.DeadlineExceeded) }
