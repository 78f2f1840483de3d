package sniproxy

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// BindErrorKind is the reason the relay could not start listening.
type BindErrorKind uint8

// BindErrorKind values.
const (
	BindOther BindErrorKind = iota
	BindAddrInUse
	BindPermissionDenied
)

// String implements the [fmt.Stringer] interface for BindErrorKind.
func (k BindErrorKind) String() (s string) {
	switch k {
	case BindAddrInUse:
		return "address already in use"
	case BindPermissionDenied:
		return "permission denied"
	default:
		return "bind failed"
	}
}

// BindError is returned by [SNIProxy.Start] when the listening socket cannot
// be created.
type BindError struct {
	// Err is the underlying error.
	Err error

	// Addr is the address the relay tried to listen on.
	Addr *net.TCPAddr

	// Kind is the reason of the failure.
	Kind BindErrorKind
}

// type check
var _ error = (*BindError)(nil)

// newBindError classifies err returned by [net.ListenTCP].
func newBindError(addr *net.TCPAddr, err error) (bErr *BindError) {
	kind := BindOther
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		kind = BindAddrInUse
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		kind = BindPermissionDenied
	}

	return &BindError{
		Err:  err,
		Addr: addr,
		Kind: kind,
	}
}

// Error implements the error interface for *BindError.
func (e *BindError) Error() (msg string) {
	return fmt.Sprintf("sniproxy: listening on %s: %s: %v", e.Addr, e.Kind, e.Err)
}

// Unwrap implements the errors.Wrapper interface for *BindError.
func (e *BindError) Unwrap() (unwrapped error) {
	return e.Err
}
