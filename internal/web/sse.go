package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// sseWriter writes data-only server-sent events and detects client
// disconnects. Shared by the chat completions stream and the tool-call
// stream.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
}

// newSSEWriter prepares SSE headers and returns a writer, or nil if the
// underlying connection cannot stream.
func newSSEWriter(w http.ResponseWriter, r *http.Request) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &sseWriter{w: w, flusher: flusher, ctx: r.Context()}
}

// SendData marshals v onto one "data:" line. Returns false when the client
// has disconnected.
func (s *sseWriter) SendData(v any) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("[SSE] marshal: %v", err)
		return false
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return false
	}
	s.flusher.Flush()
	return true
}

// Literal writes a raw sentinel line such as [DONE].
func (s *sseWriter) Literal(raw string) {
	fmt.Fprintf(s.w, "data: %s\n\n", raw)
	s.flusher.Flush()
}
