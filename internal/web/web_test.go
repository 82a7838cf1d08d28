package web

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rosterlabs/roster/internal/agent"
	"github.com/rosterlabs/roster/internal/cache"
	"github.com/rosterlabs/roster/internal/config"
	"github.com/rosterlabs/roster/internal/fault"
	"github.com/rosterlabs/roster/internal/scheduler"
	"github.com/rosterlabs/roster/internal/taskstore"
	"github.com/rosterlabs/roster/internal/toolserver"
)

// ── Fixtures shared by the handler tests ──

type scriptedAdapter struct {
	name   string
	answer string
	err    error
	steps  []agent.Step

	runs int
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Run(ctx context.Context, prompt, sessionID string) (string, error) {
	a.runs++
	return a.answer, a.err
}

func (a *scriptedAdapter) RunStream(ctx context.Context, prompt, sessionID string) (<-chan agent.Step, error) {
	ch := make(chan agent.Step, len(a.steps))
	for _, s := range a.steps {
		ch <- s
	}
	close(ch)
	return ch, nil
}

type fakeSource struct {
	adapters map[string]*scriptedAdapter
}

func (f *fakeSource) Get(name string) (agent.Adapter, error) {
	a, ok := f.adapters[name]
	if !ok {
		return nil, fault.New(fault.ToolNotFound, "unknown agent %q", name)
	}
	return a, nil
}

func (f *fakeSource) Names() []string {
	names := make([]string, 0, len(f.adapters))
	for n := range f.adapters {
		names = append(names, n)
	}
	return names
}

type fakeGateway struct {
	frames []toolserver.StreamFrame
	err    error

	server, tool string
}

func (g *fakeGateway) InvokeWrappedStream(ctx context.Context, server, tool string, args map[string]any) (<-chan toolserver.StreamFrame, error) {
	g.server, g.tool = server, tool
	if g.err != nil {
		return nil, g.err
	}
	ch := make(chan toolserver.StreamFrame, len(g.frames))
	for _, f := range g.frames {
		ch <- f
	}
	close(ch)
	return ch, nil
}

func (g *fakeGateway) SessionStates() map[string]toolserver.State {
	return map[string]toolserver.State{"web": toolserver.StateReady}
}

func newTestServer(t *testing.T, agents *fakeSource, gw *fakeGateway) (*Server, *scheduler.Scheduler, taskstore.Store) {
	t.Helper()
	store, err := taskstore.Open(config.StoreConfig{
		Backend: "sqlite",
		Path:    filepath.Join(t.TempDir(), "tasks.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sched := scheduler.New(store, func(ctx context.Context, agentName, prompt string) (string, error) {
		return "", nil
	})
	t.Cleanup(sched.Stop)

	if agents == nil {
		agents = &fakeSource{adapters: map[string]*scriptedAdapter{}}
	}
	if gw == nil {
		gw = &fakeGateway{}
	}
	srv := New(Options{
		Addr:      "127.0.0.1:0",
		Agents:    agents,
		Tools:     gw,
		Scheduler: sched,
		Tasks:     store,
		Cache:     cache.New(time.Minute),
	})
	return srv, sched, store
}

// decodeSSE splits a text/event-stream body into its data payloads.
func decodeSSE(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			out = append(out, rest)
		}
	}
	return out
}

func unmarshalInto(t *testing.T, data string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(data), v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}
