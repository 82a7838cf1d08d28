// Package jsonrpc implements a minimal JSON-RPC 2.0 codec: framing and
// parsing of requests, notifications and responses over single-object
// frames. The codec is pure; transports feed bytes in and pull bytes out.
package jsonrpc

import (
	"encoding/json"
	"sync/atomic"

	"github.com/rosterlabs/roster/internal/fault"
)

// Version is the fixed protocol identifier carried in every frame.
const Version = "2.0"

// Request is an outbound call expecting a response matched by ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is a one-way message with no ID and no response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries either Result or Error for a prior Request.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a failed response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// Frame is one decoded inbound message. Exactly one of the interpretation
// helpers (IsResponse, IsNotification) applies to a given frame.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether the frame answers a prior request.
func (f *Frame) IsResponse() bool {
	return f.ID != nil && f.Method == ""
}

// IsNotification reports whether the frame is a server-initiated notification.
func (f *Frame) IsNotification() bool {
	return f.ID == nil && f.Method != ""
}

// Response converts a response frame into a Response value.
// Only valid when IsResponse() is true.
func (f *Frame) Response() Response {
	return Response{JSONRPC: f.JSONRPC, ID: *f.ID, Result: f.Result, Error: f.Error}
}

// Codec generates request IDs and encodes/decodes frames for one connection.
// The zero value is ready to use. Safe for concurrent use.
type Codec struct {
	nextID atomic.Int64
}

// NewRequest builds a request with the next monotonic ID.
func (c *Codec) NewRequest(method string, params any) (Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Request{}, err
	}
	return Request{
		JSONRPC: Version,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a notification (no ID, no response expected).
func (c *Codec) NewNotification(method string, params any) (Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Notification{}, err
	}
	return Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}

// Encode serializes a request or notification to a single JSON frame.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fault.Wrap(fault.ProtocolShape, err, "encode frame")
	}
	return data, nil
}

// Decode parses one frame. Malformed JSON yields ProtocolFraming; valid
// JSON that is not a JSON-RPC 2.0 message yields ProtocolShape. Either way
// the caller may continue with the next frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fault.Wrap(fault.ProtocolFraming, err, "malformed frame")
	}
	if f.JSONRPC != Version {
		return nil, fault.New(fault.ProtocolShape, "missing or unsupported jsonrpc version %q", f.JSONRPC)
	}
	if f.ID == nil && f.Method == "" {
		return nil, fault.New(fault.ProtocolShape, "frame has neither id nor method")
	}
	return &f, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fault.Wrap(fault.ProtocolShape, err, "marshal params")
	}
	return raw, nil
}
