// Package toolserver maintains live sessions to MCP tool servers: the
// initialize handshake, cached tool/resource/prompt listings, buffered and
// streamed tool calls, idle-timer pings and reconnect bookkeeping.
package toolserver

import (
	"context"
	"encoding/json"
	"time"
)

// State is the session lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateDraining     State = "draining"
	StateErrored      State = "errored"
)

// Config describes one tool server connection.
type Config struct {
	Name      string
	Transport string // "stdio" | "sse"

	// Stdio.
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	// SSE.
	URL     string
	Headers map[string]string

	Timeout      time.Duration // per tool call; default 60s
	PingInterval time.Duration // idle ping; default 30s
}

// Equal reports structural equality. The registry uses this to decide
// whether an existing session may be reused across a rebuild.
func (c Config) Equal(o Config) bool {
	if c.Name != o.Name || c.Transport != o.Transport ||
		c.Command != o.Command || c.Cwd != o.Cwd || c.URL != o.URL ||
		c.Timeout != o.Timeout || c.PingInterval != o.PingInterval {
		return false
	}
	if len(c.Args) != len(o.Args) || len(c.Env) != len(o.Env) || len(c.Headers) != len(o.Headers) {
		return false
	}
	for i := range c.Args {
		if c.Args[i] != o.Args[i] {
			return false
		}
	}
	for k, v := range c.Env {
		if o.Env[k] != v {
			return false
		}
	}
	for k, v := range c.Headers {
		if o.Headers[k] != v {
			return false
		}
	}
	return true
}

// ToolInfo is the normalized metadata of one tool on a server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ResourceInfo describes one resource exposed by a server.
type ResourceInfo struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// PromptInfo describes one prompt template exposed by a server.
type PromptInfo struct {
	Name        string
	Description string
}

// StreamFrame is one element of a streamed tool call. Intermediate frames
// carry Data; the terminal frame carries Result or Err and has Done=true.
type StreamFrame struct {
	Data   json.RawMessage
	Result string
	Err    error
	Done   bool
}

// Session is the behavior shared by both session implementations: the
// in-repo JSON-RPC client and the SDK-backed client handed to native model
// drivers.
type Session interface {
	Name() string
	State() State
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}
