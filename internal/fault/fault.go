// Package fault defines the domain-level error kinds shared across the
// transport, routing, agent, scheduler and streaming layers. Kinds classify
// failures for recovery policy; they are not a replacement for wrapped errors.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure.
type Kind string

const (
	ConfigInvalid        Kind = "config_invalid"        // startup aborts
	ProtocolFraming      Kind = "protocol_framing"      // malformed JSON on a frame
	ProtocolShape        Kind = "protocol_shape"        // valid JSON, invalid JSON-RPC shape
	TransportUnavailable Kind = "transport_unavailable" // spawn failed, connection refused
	TransportTransient   Kind = "transport_transient"   // drop mid-stream; retry with backoff
	TransportProtocol    Kind = "transport_protocol"    // HTTP 4xx from an SSE endpoint
	ServiceUnavailable   Kind = "service_unavailable"   // session errored, reconnect pending
	ToolNotFound         Kind = "tool_not_found"
	ToolExecutionError   Kind = "tool_execution_error" // remote tool returned an error frame
	IterationLimit       Kind = "iteration_limit"
	Cancelled            Kind = "cancelled"
	Backpressure         Kind = "backpressure"
	Timeout              Kind = "timeout"
	StoreError           Kind = "store_error"
	Crashed              Kind = "crashed"
)

// Error carries a Kind alongside a human-readable message and an optional
// wrapped cause. It satisfies errors.Is/As chains via Unwrap.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a fault of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil if err is nil;
// the return type is error so the nil survives an interface comparison.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Returns "" when err carries no fault classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Recoverable reports whether a transport-level failure of this kind should
// trigger the reconnect-with-backoff path rather than a hard error.
func Recoverable(kind Kind) bool {
	return kind == TransportUnavailable || kind == TransportTransient
}
