package llm

import (
	"context"
	"encoding/json"
)

// Message represents a chat message exchanged with a model.
type Message struct {
	Role       string     `json:"role"`                   // "user", "assistant", "system", "tool"
	Content    string     `json:"content"`                // the message text
	Name       string     `json:"name,omitempty"`         // FC: function name when role="tool"
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // FC: tool calls returned by model
	ToolCallID string     `json:"tool_call_id,omitempty"` // FC: when role="tool", the call this responds to
}

// ToolDefinition describes a tool for function calling.
// Parameters follows the OpenAI JSON Schema format.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolCall represents a single tool call returned by the model.
type ToolCall struct {
	ID        string          `json:"id"` // correlates tool results back to the call
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// StreamCallback is invoked for each chunk of streamed text.
// Implementations should be lightweight; heavy work should be deferred.
type StreamCallback func(chunk string)

// Provider is the function-call model interface. Any OpenAI-compatible
// endpoint can be used by implementing it.
type Provider interface {
	// CallLLM sends messages and returns the complete response.
	CallLLM(ctx context.Context, messages []Message) (Message, error)

	// CallLLMStream sends messages and streams the response token-by-token.
	// Each chunk of text triggers the onChunk callback. Returns the full
	// assembled message once streaming finishes. Providers without
	// streaming support may fall back to CallLLM.
	CallLLMStream(ctx context.Context, messages []Message, onChunk StreamCallback) (Message, error)

	// CallLLMWithTools sends messages with tool definitions for function
	// calling. The model may return tool_calls or a direct text answer.
	// Always non-streaming.
	CallLLMWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (Message, error)
}

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ── Native driver side ──

// EventKind classifies one event in a native driver's stream.
type EventKind string

const (
	EventThinking   EventKind = "thinking"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventEnd        EventKind = "end"
	EventError      EventKind = "error"
)

// Event is one observable step of a native driver's inner tool loop.
type Event struct {
	Kind       EventKind
	Text       string         // thinking: incremental text; end: full final text
	ToolName   string         // tool_use / tool_result
	ToolArgs   map[string]any // tool_use
	ToolResult string         // tool_result
	ToolErr    string         // tool_result: non-empty when the tool failed
	Err        error          // error
}

// ToolExecutor is how a native driver reaches the tools it was given: the
// adapter binds live tool-server sessions behind this interface.
type ToolExecutor interface {
	// Tools lists the tool definitions available to the model.
	Tools(ctx context.Context) ([]ToolDefinition, error)

	// Execute runs one tool call and returns its text result.
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// NativeDriver drives a model that owns its inner tool-use loop. The
// returned channel carries the loop's events and is closed when the run
// ends, errors, or is cancelled.
type NativeDriver interface {
	RunTools(ctx context.Context, system string, messages []Message, exec ToolExecutor) (<-chan Event, error)
}
