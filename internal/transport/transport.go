// Package transport provides the byte-stream transports that carry JSON-RPC
// frames to tool servers: a stdio child-process transport and an SSE
// (HTTP POST + event-stream) transport. Transports move opaque frames; the
// codec and session logic live above them.
package transport

import (
	"context"
	"time"
)

// Transport is one live connection to a tool server. Implementations
// serialize writes internally; Send is safe for concurrent use. Inbound
// frames arrive on Frames in arrival order. When the connection dies the
// channel is closed and Err reports the terminal cause.
type Transport interface {
	// Send writes one encoded JSON-RPC frame.
	Send(ctx context.Context, frame []byte) error

	// Frames returns the inbound frame stream. Closed on terminal failure
	// or Close.
	Frames() <-chan []byte

	// Err returns the terminal error, if any, once Frames is closed.
	Err() error

	// Close tears the connection down. Idempotent.
	Close() error
}

const (
	// backoffBase is the first reconnect delay; it doubles per attempt.
	backoffBase = 1 * time.Second
	// backoffCap bounds the reconnect delay.
	backoffCap = 30 * time.Second
	// MaxRetries bounds transient-failure retries per logical operation.
	MaxRetries = 5
)

// Backoff returns the delay before reconnect attempt n (0-based):
// 1s, 2s, 4s, ... capped at 30s.
func Backoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}
