// Package fault defines the error taxonomy shared by every pipeline
// component. Each error carries a stable kind discriminant, the reporting
// component name, and an optional wrapped cause, so the recovery manager
// can deduplicate and apply per-kind strategies without parsing strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for recovery-policy purposes.
type Kind int

const (
	InvalidArgument Kind = iota
	InvalidState
	Timeout
	NoMemory
	HardwareFault
	WifiConnection
	ServerDiscovery
	UdpStreaming
	FeedbackChannel
	AudioProcessing
	DisplayFailure
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidState:
		return "InvalidState"
	case Timeout:
		return "Timeout"
	case NoMemory:
		return "NoMemory"
	case HardwareFault:
		return "HardwareFault"
	case WifiConnection:
		return "WifiConnection"
	case ServerDiscovery:
		return "ServerDiscovery"
	case UdpStreaming:
		return "UdpStreaming"
	case FeedbackChannel:
		return "FeedbackChannel"
	case AudioProcessing:
		return "AudioProcessing"
	case DisplayFailure:
		return "DisplayFailure"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the concrete error type returned across component boundaries.
type Error struct {
	Kind      Kind
	Component string
	Code      int
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s/%s: %s: %v", e.Component, e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s/%s: %v", e.Component, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s/%s: %s", e.Component, e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a fault with the given kind, originating component and message.
func New(kind Kind, component, msg string) *Error {
	return &Error{Kind: kind, Component: component, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, component, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and component to an underlying error.
func Wrap(kind Kind, component string, err error, msg string) *Error {
	return &Error{Kind: kind, Component: component, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsTransient reports whether the kind is expected to clear on retry.
// Network-plane kinds are transient; memory and hardware kinds are not.
func IsTransient(kind Kind) bool {
	switch kind {
	case Timeout, WifiConnection, ServerDiscovery, UdpStreaming, FeedbackChannel:
		return true
	default:
		return false
	}
}
