// Package router decides, per (agent, tool-server) pair, whether the agent
// gets a live MCP session passed through natively or a set of wrapped
// function schemas, and owns every tool-server session either way.
//
// Concurrency model: state changes are guarded by mu. Network I/O is always
// performed outside the lock so a slow or hung server cannot block other
// router operations (e.g. Close during shutdown).
package router

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/rosterlabs/roster/internal/catalog"
	"github.com/rosterlabs/roster/internal/config"
	"github.com/rosterlabs/roster/internal/fault"
	"github.com/rosterlabs/roster/internal/toolserver"
	"github.com/rosterlabs/roster/internal/transport"
)

// Binding is the side of the router a server lands on for a given agent.
type Binding string

const (
	BindNative  Binding = "native"
	BindWrapper Binding = "wrapper"
)

// Decide applies the binding table for one (model, server) pair. The
// illegal combination (no MCP support, no wrapping) is rejected by config
// validation before the router ever sees it.
func Decide(modelSupportsMCP, wrapAsFunctions bool) Binding {
	if wrapAsFunctions {
		return BindWrapper
	}
	return BindNative
}

// agentBinding is the resolved server split for one agent.
type agentBinding struct {
	native  []string
	wrapper []string
}

// Router owns all tool-server sessions and the per-agent catalogs.
type Router struct {
	mu       sync.Mutex
	servers  map[string]config.ToolServerDef
	agents   map[string]agentBinding
	native   map[string]*toolserver.SDKSession
	wrapper  map[string]*toolserver.Client
	catalogs map[string]*catalog.Catalog

	// reconnecting marks wrapper sessions with an active backoff loop.
	reconnecting map[string]bool

	closed bool
}

// New builds a router from validated configuration. Sessions are not
// connected yet; they come up lazily on first use.
func New(cfg *config.Config) *Router {
	r := &Router{
		servers:      make(map[string]config.ToolServerDef),
		agents:       make(map[string]agentBinding),
		native:       make(map[string]*toolserver.SDKSession),
		wrapper:      make(map[string]*toolserver.Client),
		catalogs:     make(map[string]*catalog.Catalog),
		reconnecting: make(map[string]bool),
	}
	r.apply(cfg)
	return r
}

// apply (re)computes the server table and agent bindings from cfg.
func (r *Router) apply(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.servers = make(map[string]config.ToolServerDef, len(cfg.ToolServers))
	for _, s := range cfg.ToolServers {
		r.servers[s.Name] = s
	}

	r.agents = make(map[string]agentBinding, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if !a.Enabled {
			continue
		}
		model, ok := cfg.Model(a.ModelID)
		if !ok {
			continue
		}
		supportsMCP := cfg.SupportsMCP(model)

		var b agentBinding
		for _, serverName := range a.ToolServers {
			server, ok := cfg.ToolServer(serverName)
			if !ok {
				continue
			}
			switch Decide(supportsMCP, server.WrapAsFunctions) {
			case BindNative:
				b.native = append(b.native, serverName)
			case BindWrapper:
				if supportsMCP {
					log.Printf("[Router] agent %q: server %q wrapped as functions although model %q supports MCP (sub-optimal)",
						a.Name, serverName, model.ID)
				}
				b.wrapper = append(b.wrapper, serverName)
			}
		}
		r.agents[a.Name] = b
	}
}

// ToolsForAgent returns the function schemas for the agent's wrapper-side
// servers, connecting sessions lazily. Per-server failures are skipped so
// one dead server does not take the whole agent down.
func (r *Router) ToolsForAgent(ctx context.Context, agent string) ([]catalog.FunctionSchema, error) {
	r.mu.Lock()
	binding, ok := r.agents[agent]
	if !ok {
		r.mu.Unlock()
		return nil, fault.New(fault.ToolNotFound, "router: unknown agent %q", agent)
	}
	cat := r.catalogs[agent]
	if cat == nil {
		cat = catalog.New()
		r.catalogs[agent] = cat
	}
	servers := append([]string(nil), binding.wrapper...)
	r.mu.Unlock()

	for _, name := range servers {
		cli, err := r.ensureWrapper(ctx, name)
		if err != nil {
			log.Printf("[Router] agent %q: skipping server %q: %v", agent, name, err)
			continue
		}
		tools, err := cli.ListTools(ctx)
		if err != nil {
			log.Printf("[Router] agent %q: list tools on %q: %v", agent, name, err)
			continue
		}
		cat.AddServer(name, tools)
	}
	return cat.Schemas(), nil
}

// Catalog returns the agent's origin map for tool-call dispatch.
func (r *Router) Catalog(agent string) *catalog.Catalog {
	r.mu.Lock()
	defer r.mu.Unlock()
	cat := r.catalogs[agent]
	if cat == nil {
		cat = catalog.New()
		r.catalogs[agent] = cat
	}
	return cat
}

// NativeSessionsForAgent returns connected SDK sessions for the agent's
// native-side servers.
func (r *Router) NativeSessionsForAgent(ctx context.Context, agent string) ([]*toolserver.SDKSession, error) {
	r.mu.Lock()
	binding, ok := r.agents[agent]
	if !ok {
		r.mu.Unlock()
		return nil, fault.New(fault.ToolNotFound, "router: unknown agent %q", agent)
	}
	servers := append([]string(nil), binding.native...)
	r.mu.Unlock()

	sessions := make([]*toolserver.SDKSession, 0, len(servers))
	for _, name := range servers {
		sess, err := r.ensureNative(ctx, name)
		if err != nil {
			log.Printf("[Router] agent %q: skipping native server %q: %v", agent, name, err)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// InvokeWrapped executes a wrapped tool call routed back to its session.
// While the session is errored the call fails immediately with
// ServiceUnavailable; a background reconnect is already scheduled.
func (r *Router) InvokeWrapped(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	r.mu.Lock()
	if _, ok := r.servers[server]; !ok {
		r.mu.Unlock()
		return "", fault.New(fault.ToolNotFound, "router: unknown server %q", server)
	}
	cli := r.wrapper[server]
	r.mu.Unlock()

	if cli != nil && cli.State() == toolserver.StateErrored {
		r.scheduleReconnect(server)
		return "", fault.New(fault.ServiceUnavailable, "router: server %q errored, reconnect pending", server)
	}

	cli, err := r.ensureWrapper(ctx, server)
	if err != nil {
		return "", err
	}
	out, err := cli.CallTool(ctx, tool, args)
	if err != nil && fault.Recoverable(fault.KindOf(err)) {
		r.scheduleReconnect(server)
	}
	return out, err
}

// InvokeWrappedStream is the streaming variant used by the SSE tool-call
// endpoint.
func (r *Router) InvokeWrappedStream(ctx context.Context, server, tool string, args map[string]any) (<-chan toolserver.StreamFrame, error) {
	cli, err := r.ensureWrapper(ctx, server)
	if err != nil {
		return nil, err
	}
	return cli.CallToolStream(ctx, tool, args)
}

// SessionStates reports the lifecycle state of every materialized session.
func (r *Router) SessionStates() map[string]toolserver.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]toolserver.State, len(r.wrapper)+len(r.native))
	for name, cli := range r.wrapper {
		out[name] = cli.State()
	}
	for name, sess := range r.native {
		out[name] = sess.State()
	}
	return out
}

// Rebuild swaps in new configuration, reusing sessions whose definition is
// structurally unchanged and closing the rest.
func (r *Router) Rebuild(cfg *config.Config) {
	newServers := make(map[string]config.ToolServerDef, len(cfg.ToolServers))
	for _, s := range cfg.ToolServers {
		newServers[s.Name] = s
	}

	r.mu.Lock()
	var stale []interface{ Close() error }
	for name, cli := range r.wrapper {
		def, keep := newServers[name]
		if !keep || !def.SessionConfig().Equal(r.servers[name].SessionConfig()) {
			stale = append(stale, cli)
			delete(r.wrapper, name)
		}
	}
	for name, sess := range r.native {
		def, keep := newServers[name]
		if !keep || !def.SessionConfig().Equal(r.servers[name].SessionConfig()) {
			stale = append(stale, sess)
			delete(r.native, name)
		}
	}
	r.catalogs = make(map[string]*catalog.Catalog)
	r.mu.Unlock()

	r.apply(cfg)

	// Close stale sessions outside the lock.
	for _, s := range stale {
		if err := s.Close(); err != nil {
			log.Printf("[Router] close stale session: %v", err)
		}
	}
	log.Printf("[Router] rebuilt: %d servers, %d stale sessions closed", len(newServers), len(stale))
}

// Close terminates every session. Safe to call multiple times.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []interface{ Close() error }
	for name, cli := range r.wrapper {
		all = append(all, cli)
		delete(r.wrapper, name)
	}
	for name, sess := range r.native {
		all = append(all, sess)
		delete(r.native, name)
	}
	r.mu.Unlock()

	for _, s := range all {
		if err := s.Close(); err != nil {
			log.Printf("[Router] close error: %v", err)
		}
	}
	log.Printf("[Router] all sessions closed")
}

// ── Session materialization ──

func (r *Router) ensureWrapper(ctx context.Context, server string) (*toolserver.Client, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fault.New(fault.ServiceUnavailable, "router: closed")
	}
	cli, ok := r.wrapper[server]
	if !ok {
		def, exists := r.servers[server]
		if !exists {
			r.mu.Unlock()
			return nil, fault.New(fault.ToolNotFound, "router: unknown server %q", server)
		}
		cli = toolserver.NewClient(def.SessionConfig())
		cli.SetNotificationSink(func(method string, params json.RawMessage) {
			if config.Debug() {
				log.Printf("[Router] %q notification %s: %s", server, method, params)
			}
		})
		r.wrapper[server] = cli
	}
	r.mu.Unlock()

	switch cli.State() {
	case toolserver.StateReady:
		return cli, nil
	case toolserver.StateErrored:
		r.scheduleReconnect(server)
		return nil, fault.New(fault.ServiceUnavailable, "router: server %q errored, reconnect pending", server)
	}

	if err := cli.Connect(ctx); err != nil {
		if fault.Recoverable(fault.KindOf(err)) {
			r.scheduleReconnect(server)
		}
		return nil, err
	}
	return cli, nil
}

func (r *Router) ensureNative(ctx context.Context, server string) (*toolserver.SDKSession, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fault.New(fault.ServiceUnavailable, "router: closed")
	}
	sess, ok := r.native[server]
	if !ok {
		def, exists := r.servers[server]
		if !exists {
			r.mu.Unlock()
			return nil, fault.New(fault.ToolNotFound, "router: unknown server %q", server)
		}
		sess = toolserver.NewSDKSession(def.SessionConfig())
		r.native[server] = sess
	}
	r.mu.Unlock()

	if sess.State() == toolserver.StateReady {
		return sess, nil
	}
	if err := sess.Connect(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// scheduleReconnect starts one backoff loop for an errored wrapper session.
// Attempts double from 1s to a 30s cap and give up after MaxRetries.
func (r *Router) scheduleReconnect(server string) {
	r.mu.Lock()
	if r.closed || r.reconnecting[server] {
		r.mu.Unlock()
		return
	}
	cli := r.wrapper[server]
	if cli == nil {
		r.mu.Unlock()
		return
	}
	r.reconnecting[server] = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.reconnecting, server)
			r.mu.Unlock()
		}()

		for attempt := 0; attempt < transport.MaxRetries; attempt++ {
			time.Sleep(transport.Backoff(attempt))

			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()

			cli.Reset()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := cli.Connect(ctx)
			cancel()
			if err == nil {
				log.Printf("[Router] %q reconnected after %d attempt(s)", server, attempt+1)
				return
			}
			log.Printf("[Router] %q reconnect attempt %d failed: %v", server, attempt+1, err)
		}
		log.Printf("[Router] %q: giving up after %d reconnect attempts", server, transport.MaxRetries)
	}()
}
