package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rosterlabs/roster/internal/agent"
	"github.com/rosterlabs/roster/internal/cache"
)

// ── OpenAI-compatible wire types ──

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`

	// User, when set, names a conversation session: history is threaded
	// through the agent and the response bypasses the cache.
	User string `json:"user"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   usage              `json:"usage"`
}

type completionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chunkResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// handleChatCompletions runs one agent request behind the OpenAI chat
// completions shape: model names the agent, the last user message is the
// prompt. Failed runs still answer 200 so generic clients surface the error
// text; the failure is flagged through finish_reason "error".
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	prompt := lastUserMessage(req.Messages)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must contain a user message")
		return
	}

	adapter, err := s.opts.Agents.Get(req.Model)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", fmt.Sprintf("unknown agent %q", req.Model))
		return
	}

	answer, runErr := s.runAgent(r.Context(), adapter, req.Model, prompt, req.User)
	finish := "stop"
	content := answer
	if runErr != nil {
		finish = "error"
		content = runErr.Error()
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if req.Stream {
		s.streamCompletion(w, r, id, created, req.Model, content, finish)
		return
	}

	writeJSON(w, http.StatusOK, completionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   req.Model,
		Choices: []completionChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		Usage: usageFor(prompt, content),
	})
}

// runAgent executes the request through the response cache. Stateful
// conversations (User set) go straight to the adapter: their answers depend
// on session history and must not be shared across callers.
func (s *Server) runAgent(ctx context.Context, adapter agent.Adapter, model, prompt, sessionID string) (string, error) {
	if sessionID != "" || s.opts.Cache == nil {
		return adapter.Run(ctx, prompt, sessionID)
	}
	key := cache.Key(model, prompt, nil)
	return s.opts.Cache.GetOrCompute(ctx, key, func(ctx context.Context) (string, error) {
		return adapter.Run(ctx, prompt, "")
	})
}

// streamCompletion replays a finished answer as chat.completion.chunk
// events: a role prelude, the content, a terminal chunk carrying the finish
// reason, then the [DONE] sentinel. Live step-by-step output is the
// WebSocket hub's job; this surface guarantees content parity with the
// buffered response.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, id string, created int64, model, content, finish string) {
	sw := newSSEWriter(w, r)
	if sw == nil {
		return
	}

	chunk := func(delta chunkDelta, finishReason *string) chunkResponse {
		return chunkResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chunkChoice{{Delta: delta, FinishReason: finishReason}},
		}
	}

	if !sw.SendData(chunk(chunkDelta{Role: "assistant"}, nil)) {
		return
	}
	if content != "" {
		if !sw.SendData(chunk(chunkDelta{Content: content}, nil)) {
			return
		}
	}
	sw.SendData(chunk(chunkDelta{}, &finish))
	sw.Literal("[DONE]")
}

func lastUserMessage(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// usageFor estimates token counts at four bytes per token; the adapters do
// not surface provider-reported usage.
func usageFor(prompt, completion string) usage {
	p := (len(prompt) + 3) / 4
	c := (len(completion) + 3) / 4
	return usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}
