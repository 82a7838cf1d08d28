package agent

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/rosterlabs/roster/internal/config"
	"github.com/rosterlabs/roster/internal/fault"
	"github.com/rosterlabs/roster/internal/llm"
	"github.com/rosterlabs/roster/internal/router"
	"github.com/rosterlabs/roster/internal/session"
	"github.com/rosterlabs/roster/internal/toolserver"
)

// Native runs an agent on a model driver that owns its inner tool-use loop.
// The adapter's job is to hand the driver live sessions and translate the
// driver's event stream into reasoning steps.
type Native struct {
	def     config.AgentDef
	driver  llm.NativeDriver
	rt      *router.Router
	history *session.Store
}

// NewNative builds a native adapter. history may be nil for stateless use.
func NewNative(def config.AgentDef, driver llm.NativeDriver, rt *router.Router, history *session.Store) *Native {
	return &Native{def: def, driver: driver, rt: rt, history: history}
}

// Name returns the agent name.
func (n *Native) Name() string { return n.def.Name }

// Run executes the driver's tool loop and returns the final answer.
func (n *Native) Run(ctx context.Context, prompt, sessionID string) (string, error) {
	return n.observe(ctx, prompt, sessionID, newStepEmitter(nil))
}

// RunStream executes the loop while delivering reasoning steps. The channel
// closes after the terminal step.
func (n *Native) RunStream(ctx context.Context, prompt, sessionID string) (<-chan Step, error) {
	ch := make(chan Step, 32)
	em := newStepEmitter(ch)
	go func() {
		defer close(ch)
		if _, err := n.observe(ctx, prompt, sessionID, em); err != nil {
			em.emitErr(ctx, err)
		}
	}()
	return ch, nil
}

// observe runs the driver and maps its events onto steps: thinking text
// accumulates and flushes as one thought at each tool boundary, so the
// stream reads as thought → tool_call → tool_result per inner turn.
func (n *Native) observe(ctx context.Context, prompt, sessionID string, em *stepEmitter) (string, error) {
	sessions, err := n.rt.NativeSessionsForAgent(ctx, n.def.Name)
	if err != nil {
		return "", err
	}
	exec := newSessionExecutor(n.def.Name, sessions)

	events, err := n.driver.RunTools(ctx, n.def.SystemPrompt, n.composeMessages(prompt, sessionID), exec)
	if err != nil {
		return "", err
	}

	var thinking strings.Builder
	flush := func() {
		if thinking.Len() == 0 {
			return
		}
		em.emit(ctx, Step{Kind: StepThought, Text: thinking.String()})
		thinking.Reset()
	}

	for evt := range events {
		switch evt.Kind {
		case llm.EventThinking:
			thinking.WriteString(evt.Text)

		case llm.EventToolUse:
			flush()
			if !em.emit(ctx, Step{Kind: StepToolCall, ToolName: evt.ToolName, Args: evt.ToolArgs}) {
				return "", fault.Wrap(fault.Cancelled, ctx.Err(), "agent %q: cancelled", n.def.Name)
			}

		case llm.EventToolResult:
			em.emit(ctx, Step{Kind: StepToolResult, ToolName: evt.ToolName, Result: evt.ToolResult, Error: evt.ToolErr})

		case llm.EventEnd:
			// The final turn's thinking text is the answer itself; do not
			// emit it twice.
			thinking.Reset()
			n.remember(sessionID, prompt, evt.Text)
			em.emit(ctx, Step{Kind: StepFinalAnswer, Text: evt.Text})
			return evt.Text, nil

		case llm.EventError:
			if ctx.Err() != nil {
				return "", fault.Wrap(fault.Cancelled, evt.Err, "agent %q: cancelled", n.def.Name)
			}
			return "", evt.Err
		}
	}

	return "", fault.New(fault.Crashed, "agent %q: driver stream ended without final answer", n.def.Name)
}

func (n *Native) composeMessages(prompt, sessionID string) []llm.Message {
	var msgs []llm.Message
	if n.history != nil && sessionID != "" {
		msgs = append(msgs, session.ToMessages(n.history.History(sessionID), historyBudgetChars)...)
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})
}

func (n *Native) remember(sessionID, prompt, answer string) {
	if n.history != nil && sessionID != "" {
		n.history.AppendTurn(sessionID, session.Turn{User: prompt, Assistant: answer})
	}
}

// ── Session executor ──

// sessionExecutor exposes a set of borrowed tool-server sessions to a
// native driver as one flat tool namespace. Native tools keep their
// original names; on a name collision the first server wins.
type sessionExecutor struct {
	agent    string
	sessions []*toolserver.SDKSession

	mu     sync.Mutex
	origin map[string]*toolserver.SDKSession
}

func newSessionExecutor(agent string, sessions []*toolserver.SDKSession) *sessionExecutor {
	return &sessionExecutor{agent: agent, sessions: sessions}
}

// Tools aggregates the tool listings of every session. Per-server failures
// are skipped so one dead server does not take the agent down.
func (x *sessionExecutor) Tools(ctx context.Context) ([]llm.ToolDefinition, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.origin = make(map[string]*toolserver.SDKSession)
	var defs []llm.ToolDefinition
	for _, sess := range x.sessions {
		tools, err := sess.ListTools(ctx)
		if err != nil {
			log.Printf("[Agent] %s: skipping native server %q: %v", x.agent, sess.Name(), err)
			continue
		}
		for _, t := range tools {
			if _, dup := x.origin[t.Name]; dup {
				log.Printf("[Agent] %s: tool %q offered by multiple servers, keeping first", x.agent, t.Name)
				continue
			}
			x.origin[t.Name] = sess
			defs = append(defs, llm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
	}
	return defs, nil
}

// Execute routes one tool call to the session that listed it.
func (x *sessionExecutor) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	x.mu.Lock()
	sess := x.origin[name]
	x.mu.Unlock()

	if sess == nil {
		return "", fault.New(fault.ToolNotFound, "agent %q: no session offers tool %q", x.agent, name)
	}
	return sess.CallTool(ctx, name, args)
}
