// Package gwerr defines the gateway-wide error taxonomy.
//
// Every failure the BLE core can surface maps onto one Kind. Components wrap
// lower-level errors with a Kind so callers can branch with errors.Is without
// depending on error strings.
package gwerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a class of gateway failure.
type Kind string

const (
	AdapterUnavailable Kind = "adapter_unavailable"
	ConnectionFailed   Kind = "connection_failed"
	AddressUnset       Kind = "address_unset"
	NotConnected       Kind = "not_connected"
	Busy               Kind = "busy"
	Timeout            Kind = "timeout"
	ProtocolMismatch   Kind = "protocol_mismatch"
	RemoteError        Kind = "remote_error"
	DataParse          Kind = "data_parse"
	Cancelled          Kind = "cancelled"
	Invalid            Kind = "invalid"
)

// Error carries a Kind plus optional context and a wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per Kind. Use with errors.Is.
var (
	ErrAdapterUnavailable = &Error{Kind: AdapterUnavailable}
	ErrConnectionFailed   = &Error{Kind: ConnectionFailed}
	ErrAddressUnset       = &Error{Kind: AddressUnset}
	ErrNotConnected       = &Error{Kind: NotConnected}
	ErrBusy               = &Error{Kind: Busy}
	ErrTimeout            = &Error{Kind: Timeout}
	ErrProtocolMismatch   = &Error{Kind: ProtocolMismatch}
	ErrRemoteError        = &Error{Kind: RemoteError}
	ErrDataParse          = &Error{Kind: DataParse}
	ErrCancelled          = &Error{Kind: Cancelled}
	ErrInvalid            = &Error{Kind: Invalid}
)

// New builds an Error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error. Returns nil for a nil cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err carries the given Kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind == kind
	}
	return false
}

// FromContext converts a context error into the matching taxonomy value.
func FromContext(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Timeout, err, "")
	}
	return Wrap(Cancelled, err, "")
}
