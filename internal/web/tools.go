package web

import (
	"encoding/json"
	"net/http"

	"github.com/rosterlabs/roster/internal/fault"
)

type toolCallRequest struct {
	ServerName string         `json:"server_name"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
}

// Stream event shapes: every "data:" line carries a type discriminator.
type toolStartEvent struct {
	Type   string `json:"type"`
	Server string `json:"server"`
	Tool   string `json:"tool"`
}

type toolChunkEvent struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Index int             `json:"index"`
}

type toolDoneEvent struct {
	Type        string `json:"type"`
	TotalChunks int    `json:"total_chunks"`
	Result      string `json:"result,omitempty"`
}

type toolErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// handleToolStream invokes one wrapped tool and relays its frames as SSE.
// Errors before the stream opens map to an HTTP status; errors mid-stream
// arrive as a terminal error event.
func (s *Server) handleToolStream(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: "+err.Error())
		return
	}
	if req.ServerName == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "server_name and tool_name are required")
		return
	}

	frames, err := s.opts.Tools.InvokeWrappedStream(r.Context(), req.ServerName, req.ToolName, req.Arguments)
	if err != nil {
		switch fault.KindOf(err) {
		case fault.ToolNotFound:
			writeError(w, http.StatusNotFound, "not_found_error", err.Error())
		case fault.ServiceUnavailable:
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	sw := newSSEWriter(w, r)
	if sw == nil {
		return
	}
	if !sw.SendData(toolStartEvent{Type: "start", Server: req.ServerName, Tool: req.ToolName}) {
		return
	}

	count := 0
	for frame := range frames {
		if frame.Done {
			if frame.Err != nil {
				sw.SendData(toolErrorEvent{Type: "error", Message: frame.Err.Error()})
				return
			}
			sw.SendData(toolDoneEvent{Type: "done", TotalChunks: count, Result: frame.Result})
			return
		}
		count++
		if !sw.SendData(toolChunkEvent{Type: "chunk", Data: frame.Data, Index: count}) {
			return
		}
	}
	sw.SendData(toolErrorEvent{Type: "error", Message: "stream ended unexpectedly"})
}
