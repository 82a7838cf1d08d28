// Package agent contains the two adapter implementations that execute an
// agent request: the wrapper adapter, which runs the function-call loop
// against any OpenAI-compatible model, and the native adapter, which hands
// live MCP sessions to a model driver that owns its own tool loop.
//
// Adapters borrow tool-server sessions from the router; they never own or
// close them.
package agent

import (
	"context"
	"time"

	"github.com/rosterlabs/roster/internal/fault"
)

// StepKind classifies one reasoning step in a run's stream.
type StepKind string

const (
	StepThought     StepKind = "thought"
	StepToolCall    StepKind = "tool_call"
	StepToolResult  StepKind = "tool_result"
	StepFinalAnswer StepKind = "final_answer"
	StepError       StepKind = "error"
)

// Step is one observable unit of an agent run. Iteration is monotonic and
// starts at 1 within a single request.
type Step struct {
	Kind      StepKind       `json:"kind"`
	Text      string         `json:"text,omitempty"`       // thought / final_answer / error
	ToolName  string         `json:"tool_name,omitempty"`  // tool_call / tool_result
	Args      map[string]any `json:"args,omitempty"`       // tool_call
	Result    string         `json:"result,omitempty"`     // tool_result
	Error     string         `json:"error,omitempty"`      // tool_result failure / error
	ErrorKind fault.Kind     `json:"error_kind,omitempty"` // error
	Iteration int            `json:"iteration"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// Adapter is the runtime behind one configured agent. Run blocks until the
// final answer; RunStream delivers reasoning steps as they happen and closes
// the channel after the terminal step (final_answer or error).
type Adapter interface {
	Name() string
	Run(ctx context.Context, prompt, sessionID string) (string, error)
	RunStream(ctx context.Context, prompt, sessionID string) (<-chan Step, error)
}

// stepEmitter numbers and delivers steps for one request. Sends respect ctx
// so a cancelled consumer cannot wedge the producing goroutine.
type stepEmitter struct {
	ch   chan<- Step
	next int
}

func newStepEmitter(ch chan<- Step) *stepEmitter {
	return &stepEmitter{ch: ch, next: 1}
}

func (e *stepEmitter) emit(ctx context.Context, s Step) bool {
	s.Iteration = e.next
	s.EmittedAt = time.Now()
	e.next++
	if e.ch == nil {
		return true
	}
	select {
	case e.ch <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitText splits a complete assistant answer into sentence-sized thought
// steps, promoting the last sentence to final_answer. Used whenever the
// model path cannot produce incremental events.
func (e *stepEmitter) emitText(ctx context.Context, text string) {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		e.emit(ctx, Step{Kind: StepFinalAnswer, Text: text})
		return
	}
	for i, s := range sentences {
		kind := StepThought
		if i == len(sentences)-1 {
			kind = StepFinalAnswer
		}
		if !e.emit(ctx, Step{Kind: kind, Text: s}) {
			return
		}
	}
}

// emitThoughts streams interim assistant commentary as sentence-sized
// thought steps. Unlike emitText nothing is promoted to final_answer: the
// run is still going.
func (e *stepEmitter) emitThoughts(ctx context.Context, text string) {
	for _, s := range SplitSentences(text) {
		if !e.emit(ctx, Step{Kind: StepThought, Text: s}) {
			return
		}
	}
}

// emitErr converts a run failure into a terminal error step.
func (e *stepEmitter) emitErr(ctx context.Context, err error) {
	e.emit(ctx, Step{
		Kind:      StepError,
		Error:     err.Error(),
		ErrorKind: fault.KindOf(err),
	})
}
