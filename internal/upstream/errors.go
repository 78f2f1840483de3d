package upstream

import (
	"context"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
)

// ErrResponseTooLarge is returned when the response head of an HTTP proxy
// exceeds [maxResponseHeadSize].
const ErrResponseTooLarge errors.Error = "upstream: proxy response head is too large"

// Code is a machine-readable reason of a tunnel failure.
type Code string

// Tunnel failure codes.
const (
	// CodeRefused means that either the proxy or, according to the proxy,
	// the destination refused the connection.
	CodeRefused Code = "refused"

	// CodeAuth means that the proxy rejected the credentials.
	CodeAuth Code = "auth"

	// CodeTimeout means that the connection or the handshake took too long.
	CodeTimeout Code = "timeout"

	// CodeProtocol means that the proxy responded with something that does
	// not follow the protocol or reported a generic failure.
	CodeProtocol Code = "protocol"

	// CodeNetwork is any other network-level failure.
	CodeNetwork Code = "network"
)

// Error is returned by [Dialer.DialContext] when the tunnel cannot be
// established.
type Error struct {
	// Err is the underlying error.
	Err error

	// Code is the failure code.
	Code Code

	// Proxy is the proxy URL without the password.
	Proxy string

	// Addr is the destination address.
	Addr string
}

// type check
var _ error = (*Error)(nil)

// Error implements the error interface for *Error.
func (e *Error) Error() (msg string) {
	return fmt.Sprintf("upstream: %s via %s: %s: %v", e.Addr, e.Proxy, e.Code, e.Err)
}

// Unwrap implements the errors.Wrapper interface for *Error.
func (e *Error) Unwrap() (unwrapped error) {
	return e.Err
}

// CodeOf returns the failure code of err or an empty string if err is not an
// *Error.
func CodeOf(err error) (c Code) {
	var uErr *Error
	if errors.As(err, &uErr) {
		return uErr.Code
	}

	return ""
}

// StatusError is returned when an HTTP proxy responds to CONNECT with a status
// other than 200.
type StatusError struct {
	StatusCode int
}

// Error implements the error interface for *StatusError.
func (e *StatusError) Error() (msg string) {
	return fmt.Sprintf("bad status code from proxy: %d", e.StatusCode)
}

// classify returns the failure code for the error returned by the proxy
// dialer.  Most SOCKS failures are plain text errors, so the messages of
// golang.org/x/net/internal/socks are inspected as the last resort.
func classify(err error) (c Code) {
	var netErr net.Error
	var statusErr *StatusError

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeRefused
	case errors.Is(err, ErrResponseTooLarge):
		return CodeProtocol
	case errors.As(err, &statusErr):
		if statusErr.StatusCode == 407 {
			return CodeAuth
		}

		return CodeProtocol
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "authentication"):
		return CodeAuth
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "not allowed by ruleset"):
		return CodeRefused
	case strings.Contains(msg, "unreachable"):
		return CodeNetwork
	case strings.Contains(msg, "unknown error"),
		strings.Contains(msg, "unexpected protocol version"),
		strings.Contains(msg, "unknown address type"),
		strings.Contains(msg, "unsupported"):
		return CodeProtocol
	default:
		return CodeNetwork
	}
}
