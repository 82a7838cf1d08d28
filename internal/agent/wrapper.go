package agent

import (
	"context"
	"encoding/json"
	"log"

	"github.com/rosterlabs/roster/internal/catalog"
	"github.com/rosterlabs/roster/internal/config"
	"github.com/rosterlabs/roster/internal/fault"
	"github.com/rosterlabs/roster/internal/llm"
	"github.com/rosterlabs/roster/internal/router"
	"github.com/rosterlabs/roster/internal/session"
)

// DefaultMaxIterations bounds the function-call loop of one request.
const DefaultMaxIterations = 20

// historyBudgetChars caps how much session history is replayed into a
// request; the oldest turns are trimmed first.
const historyBudgetChars = 24000

// Wrapper runs an agent against a function-call model: tool servers are
// exposed to the model as function schemas and every tool_call the model
// returns is routed back through the router to the owning session.
type Wrapper struct {
	def      config.AgentDef
	provider llm.Provider
	rt       *router.Router
	history  *session.Store
	maxIter  int
}

// NewWrapper builds a wrapper adapter. history may be nil for stateless use.
func NewWrapper(def config.AgentDef, provider llm.Provider, rt *router.Router, history *session.Store, maxIterations int) *Wrapper {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Wrapper{def: def, provider: provider, rt: rt, history: history, maxIter: maxIterations}
}

// Name returns the agent name.
func (w *Wrapper) Name() string { return w.def.Name }

// Run executes the full function-call loop and returns the final answer.
func (w *Wrapper) Run(ctx context.Context, prompt, sessionID string) (string, error) {
	return w.loop(ctx, prompt, sessionID, newStepEmitter(nil))
}

// RunStream executes the loop while delivering reasoning steps. The channel
// closes after the terminal step.
func (w *Wrapper) RunStream(ctx context.Context, prompt, sessionID string) (<-chan Step, error) {
	ch := make(chan Step, 32)
	em := newStepEmitter(ch)
	go func() {
		defer close(ch)
		if _, err := w.loop(ctx, prompt, sessionID, em); err != nil {
			em.emitErr(ctx, err)
		}
	}()
	return ch, nil
}

// loop is the shared core of Run and RunStream. The final answer is emitted
// through em (sentence-split, last sentence promoted) and returned.
func (w *Wrapper) loop(ctx context.Context, prompt, sessionID string, em *stepEmitter) (string, error) {
	schemas, err := w.rt.ToolsForAgent(ctx, w.def.Name)
	if err != nil {
		return "", err
	}

	// No tools bound: a single model turn, token-streamed when possible.
	if len(schemas) == 0 {
		return w.plainTurn(ctx, prompt, sessionID, em)
	}

	tools := make([]llm.ToolDefinition, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, llm.ToolDefinition{
			Name:        s.Function.Name,
			Description: s.Function.Description,
			Parameters:  s.Function.Parameters,
		})
	}
	cat := w.rt.Catalog(w.def.Name)
	msgs := w.composeMessages(prompt, sessionID)

	for iter := 0; iter < w.maxIter; iter++ {
		resp, err := w.provider.CallLLMWithTools(ctx, msgs, tools)
		if err != nil {
			if ctx.Err() != nil {
				return "", fault.Wrap(fault.Cancelled, ctx.Err(), "agent %q: cancelled", w.def.Name)
			}
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			w.remember(sessionID, prompt, resp.Content)
			em.emitText(ctx, resp.Content)
			return resp.Content, nil
		}

		msgs = append(msgs, resp)
		// Commentary the model attached to its tool calls is part of the
		// reasoning stream.
		if resp.Content != "" {
			em.emitThoughts(ctx, resp.Content)
		}
		for _, call := range resp.ToolCalls {
			out, err := w.invokeOne(ctx, cat, call, em)
			if err != nil {
				return "", err
			}
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    out,
			})
		}
	}

	return "", fault.New(fault.IterationLimit, "agent %q: function-call loop exceeded %d iterations", w.def.Name, w.maxIter)
}

// invokeOne executes a single model-requested tool call. Tool failures are
// folded into the result text so the model can recover from them; only
// cancellation aborts the run.
func (w *Wrapper) invokeOne(ctx context.Context, cat *catalog.Catalog, call llm.ToolCall, em *stepEmitter) (string, error) {
	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			log.Printf("[Agent] %s: bad arguments for %q: %v", w.def.Name, call.Name, err)
		}
	}

	if !em.emit(ctx, Step{Kind: StepToolCall, ToolName: call.Name, Args: args}) {
		return "", fault.Wrap(fault.Cancelled, ctx.Err(), "agent %q: cancelled", w.def.Name)
	}

	server, tool := w.resolve(cat, call.Name)
	out, err := w.rt.InvokeWrapped(ctx, server, tool, args)
	if err != nil {
		if ctx.Err() != nil || fault.KindOf(err) == fault.Cancelled {
			return "", fault.Wrap(fault.Cancelled, err, "agent %q: cancelled during %q", w.def.Name, call.Name)
		}
		em.emit(ctx, Step{Kind: StepToolResult, ToolName: call.Name, Error: err.Error()})
		return "tool error: " + err.Error(), nil
	}

	em.emit(ctx, Step{Kind: StepToolResult, ToolName: call.Name, Result: out})
	return out, nil
}

// resolve maps a prefixed function name back to (server, tool), preferring
// the catalog's origin record over lexical splitting.
func (w *Wrapper) resolve(cat *catalog.Catalog, name string) (server, tool string) {
	if origin, ok := cat.Resolve(name); ok {
		return origin.Server, origin.Tool
	}
	if s, t, ok := catalog.SplitName(name); ok {
		return s, t
	}
	return "", name
}

// plainTurn handles an agent with no wrapped tools: one streaming model
// call, chunks emitted as thoughts.
func (w *Wrapper) plainTurn(ctx context.Context, prompt, sessionID string, em *stepEmitter) (string, error) {
	msgs := w.composeMessages(prompt, sessionID)
	resp, err := w.provider.CallLLMStream(ctx, msgs, func(chunk string) {
		em.emit(ctx, Step{Kind: StepThought, Text: chunk})
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fault.Wrap(fault.Cancelled, ctx.Err(), "agent %q: cancelled", w.def.Name)
		}
		return "", err
	}
	w.remember(sessionID, prompt, resp.Content)
	em.emit(ctx, Step{Kind: StepFinalAnswer, Text: resp.Content})
	return resp.Content, nil
}

// composeMessages assembles system prompt, session history, and the new
// user message.
func (w *Wrapper) composeMessages(prompt, sessionID string) []llm.Message {
	var msgs []llm.Message
	if w.def.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: w.def.SystemPrompt})
	}
	if w.history != nil && sessionID != "" {
		msgs = append(msgs, session.ToMessages(w.history.History(sessionID), historyBudgetChars)...)
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})
}

func (w *Wrapper) remember(sessionID, prompt, answer string) {
	if w.history != nil && sessionID != "" {
		w.history.AppendTurn(sessionID, session.Turn{User: prompt, Assistant: answer})
	}
}
