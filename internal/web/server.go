// Package web exposes the HTTP surface: the OpenAI-compatible chat
// completions endpoint, the streaming tool-call endpoint, task management,
// the WebSocket reasoning stream, and health/admin routes.
package web

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rosterlabs/roster/internal/agent"
	"github.com/rosterlabs/roster/internal/cache"
	"github.com/rosterlabs/roster/internal/hub"
	"github.com/rosterlabs/roster/internal/scheduler"
	"github.com/rosterlabs/roster/internal/taskstore"
	"github.com/rosterlabs/roster/internal/toolserver"
)

// AgentSource resolves configured agents by name. The registry satisfies it.
type AgentSource interface {
	Get(name string) (agent.Adapter, error)
	Names() []string
}

// ToolGateway is the slice of the router the HTTP layer needs.
type ToolGateway interface {
	InvokeWrappedStream(ctx context.Context, server, tool string, args map[string]any) (<-chan toolserver.StreamFrame, error)
	SessionStates() map[string]toolserver.State
}

// Options wires the server to the rest of the application. Hub and Rebuild
// are optional; their routes are omitted when nil.
type Options struct {
	Addr      string
	Agents    AgentSource
	Tools     ToolGateway
	Scheduler *scheduler.Scheduler
	Tasks     taskstore.Store
	Cache     *cache.Cache
	Hub       *hub.Hub
	Rebuild   func(ctx context.Context) error
}

// Server holds the HTTP server and its routes.
type Server struct {
	opts Options
	srv  *http.Server
}

// New builds the routed server. Call Start to listen.
func New(opts Options) *Server {
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/sse/tools/call", s.handleToolStream)

	r.Route("/v1/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleUpsertTask)
		r.Get("/{id}", s.handleGetTask)
		r.Post("/{id}/enable", s.handleEnableTask)
		r.Post("/{id}/disable", s.handleDisableTask)
		r.Delete("/{id}", s.handleDeleteTask)
		r.Get("/{id}/executions", s.handleListExecutions)
	})

	if opts.Rebuild != nil {
		r.Post("/v1/admin/rebuild", s.handleRebuild)
	}
	if opts.Hub != nil {
		r.Get("/ws", opts.Hub.ServeHTTP)
	}

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	log.Printf("[Web] listening on %s", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		log.Printf("[Web] server stopped")
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[Web] %s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

// ── JSON helpers ──

// apiError is the error body shape shared by every endpoint; the chat
// completions route nests it under "error" the way OpenAI clients expect.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Web] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]apiError{"error": {Message: msg, Type: errType}})
}
