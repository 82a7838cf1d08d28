// Package hub owns bidirectional client sessions: one WebSocket per
// session, a bounded outbound queue per connection, heartbeats, and
// cancellation of the in-flight agent run when the client goes away.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/rosterlabs/roster/internal/agent"
)

const (
	heartbeatInterval   = 30 * time.Second
	heartbeatTimeout    = 10 * time.Second
	maxMissedHeartbeats = 3
	writeTimeout        = 10 * time.Second
)

// AgentSource resolves agent names to adapters; implemented by the
// registry.
type AgentSource interface {
	Get(name string) (agent.Adapter, error)
}

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// chatRequest is the inbound "chat" payload.
type chatRequest struct {
	Prompt          string `json:"prompt"`
	AgentName       string `json:"agent_name"`
	StreamReasoning bool   `json:"stream_reasoning"`
}

// pingPayload carries the client timestamp echoed back in pong.
type pingPayload struct {
	TS int64 `json:"ts"`
}

// stepPayload is the outbound "reasoning_step" payload.
type stepPayload struct {
	Kind      string    `json:"kind"`
	Content   any       `json:"content"`
	Iteration int       `json:"iteration"`
	TS        time.Time `json:"ts"`
}

// Hub accepts and tracks client sessions.
type Hub struct {
	agents AgentSource

	mu       sync.Mutex
	sessions map[string]*clientSession
}

// clientSession is one live connection.
type clientSession struct {
	id    string
	conn  *websocket.Conn
	queue *outQueue

	ctx    context.Context
	cancel context.CancelFunc

	runMu     sync.Mutex
	cancelRun context.CancelFunc
}

// New creates a hub backed by the given agent source.
func New(agents AgentSource) *Hub {
	return &Hub{agents: agents, sessions: make(map[string]*clientSession)}
}

// ActiveSessions reports the number of live connections.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request and runs the session until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("[Hub] accept: %v", err)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(r.Context())
	s := &clientSession{
		id:     sessionID,
		conn:   conn,
		queue:  newOutQueue(queueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}

	h.register(s)
	defer h.unregister(s)

	go h.writeLoop(s)
	go h.heartbeatLoop(s)

	h.send(s, "connected", map[string]string{"session_id": sessionID})
	log.Printf("[Hub] session %s connected from %s", sessionID, r.RemoteAddr)

	h.readLoop(s)
}

func (h *Hub) register(s *clientSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
}

func (h *Hub) unregister(s *clientSession) {
	h.mu.Lock()
	if h.sessions[s.id] == s {
		delete(h.sessions, s.id)
	}
	h.mu.Unlock()

	// Disconnect cancels the in-flight run.
	s.abortRun()
	s.cancel()
	s.queue.close()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("[Hub] session %s closed", s.id)
}

// ── Loops ──

func (h *Hub) readLoop(s *clientSession) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(s, "malformed message")
			continue
		}
		h.dispatch(s, &env)
	}
}

func (h *Hub) writeLoop(s *clientSession) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.queue.wait():
		}
		for _, msg := range s.queue.drain() {
			writeCtx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

// heartbeatLoop pings on an idle timer; three consecutive failures end the
// session.
func (h *Hub) heartbeatLoop(s *clientSession) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(s.ctx, heartbeatTimeout)
		err := s.conn.Ping(pingCtx)
		cancel()
		if err != nil {
			missed++
			if missed >= maxMissedHeartbeats {
				log.Printf("[Hub] session %s missed %d heartbeats, closing", s.id, missed)
				s.cancel()
				return
			}
			continue
		}
		missed = 0
	}
}

// ── Inbound dispatch ──

func (h *Hub) dispatch(s *clientSession, env *Envelope) {
	switch env.Type {
	case "chat":
		var req chatRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.Prompt == "" || req.AgentName == "" {
			h.sendError(s, "chat requires prompt and agent_name")
			return
		}
		h.startRun(s, req)

	case "ping":
		var p pingPayload
		_ = json.Unmarshal(env.Payload, &p)
		h.send(s, "pong", pingPayload{TS: p.TS})

	case "cancel":
		s.abortRun()

	default:
		h.sendError(s, "unknown message type "+env.Type)
	}
}

// startRun launches one agent run for this session. A chat arriving while
// a run is active is rejected rather than queued.
func (h *Hub) startRun(s *clientSession, req chatRequest) {
	adapter, err := h.agents.Get(req.AgentName)
	if err != nil {
		h.sendError(s, err.Error())
		return
	}

	s.runMu.Lock()
	if s.cancelRun != nil {
		s.runMu.Unlock()
		h.sendError(s, "a run is already in progress")
		return
	}
	runCtx, cancelRun := context.WithCancel(s.ctx)
	s.cancelRun = cancelRun
	s.runMu.Unlock()

	go func() {
		defer func() {
			s.runMu.Lock()
			s.cancelRun = nil
			s.runMu.Unlock()
			cancelRun()
		}()
		h.runAgent(runCtx, s, adapter, req)
	}()
}

func (h *Hub) runAgent(ctx context.Context, s *clientSession, adapter agent.Adapter, req chatRequest) {
	h.send(s, "reasoning_start", map[string]string{"agent_name": req.AgentName})

	if !req.StreamReasoning {
		out, err := adapter.Run(ctx, req.Prompt, s.id)
		if err != nil {
			h.sendError(s, err.Error())
			return
		}
		h.sendStep(s, agent.Step{Kind: agent.StepFinalAnswer, Text: out, Iteration: 1, EmittedAt: time.Now()})
		h.send(s, "reasoning_complete", nil)
		return
	}

	steps, err := adapter.RunStream(ctx, req.Prompt, s.id)
	if err != nil {
		h.sendError(s, err.Error())
		return
	}
	for step := range steps {
		if !h.sendStep(s, step) {
			return
		}
	}
	h.send(s, "reasoning_complete", nil)
}

// ── Outbound ──

// send queues a control message; these are never dropped, so a full queue
// here is terminal backpressure.
func (h *Hub) send(s *clientSession, msgType string, payload any) {
	data, err := encodeEnvelope(msgType, payload)
	if err != nil {
		log.Printf("[Hub] session %s: encode %s: %v", s.id, msgType, err)
		return
	}
	if !s.queue.push(data, "") {
		h.backpressure(s)
	}
}

// sendStep queues one reasoning step under the drop policy. Returns false
// when the session hit backpressure and is being closed.
func (h *Hub) sendStep(s *clientSession, step agent.Step) bool {
	payload := stepPayload{
		Kind:      string(step.Kind),
		Content:   stepContent(step),
		Iteration: step.Iteration,
		TS:        step.EmittedAt,
	}
	data, err := encodeEnvelope("reasoning_step", payload)
	if err != nil {
		log.Printf("[Hub] session %s: encode step: %v", s.id, err)
		return true
	}
	if !s.queue.push(data, string(step.Kind)) {
		h.backpressure(s)
		return false
	}
	return true
}

func (h *Hub) sendError(s *clientSession, msg string) {
	h.send(s, "error", map[string]string{"message": msg})
}

// backpressure closes a connection whose consumer cannot keep up with the
// undroppable part of the stream.
func (h *Hub) backpressure(s *clientSession) {
	log.Printf("[Hub] session %s: outbound queue full, closing", s.id)
	closeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if data, err := encodeEnvelope("error", map[string]string{"message": "backpressure: client too slow"}); err == nil {
		_ = s.conn.Write(closeCtx, websocket.MessageText, data)
	}
	_ = s.conn.Close(websocket.StatusPolicyViolation, "backpressure")
	s.cancel()
}

func encodeEnvelope(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// stepContent builds the kind-specific content of a reasoning step.
func stepContent(step agent.Step) any {
	switch step.Kind {
	case agent.StepToolCall:
		return map[string]any{"tool_name": step.ToolName, "args": step.Args}
	case agent.StepToolResult:
		if step.Error != "" {
			return map[string]any{"tool_name": step.ToolName, "error": step.Error}
		}
		return map[string]any{"tool_name": step.ToolName, "result": step.Result}
	case agent.StepError:
		return map[string]any{"message": step.Error, "kind": string(step.ErrorKind)}
	default:
		return step.Text
	}
}

// abortRun cancels the session's in-flight run, if any.
func (s *clientSession) abortRun() {
	s.runMu.Lock()
	cancel := s.cancelRun
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
