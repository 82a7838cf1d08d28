// Package registry turns validated configuration into runnable agents. It
// owns the router, the per-session history store, and one adapter per
// enabled agent, and supports atomic rebuilds on configuration change.
package registry

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rosterlabs/roster/internal/agent"
	"github.com/rosterlabs/roster/internal/config"
	"github.com/rosterlabs/roster/internal/fault"
	"github.com/rosterlabs/roster/internal/llm/anthropic"
	"github.com/rosterlabs/roster/internal/llm/openai"
	"github.com/rosterlabs/roster/internal/router"
	"github.com/rosterlabs/roster/internal/session"
)

// Registry holds the live adapters. Lookups are cheap reads; Rebuild swaps
// the whole adapter map in one step so callers never observe a half-built
// state.
type Registry struct {
	mu      sync.RWMutex
	cfg     *config.Config
	rt      *router.Router
	history *session.Store
	agents  map[string]agent.Adapter
}

// New validates cfg and instantiates one adapter per enabled agent.
func New(cfg *config.Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := router.New(cfg)
	history := session.NewStore(
		time.Duration(cfg.App.SessionTTLMinutes)*time.Minute,
		session.DefaultMaxTurns,
	)

	agents, err := buildAdapters(cfg, rt, history)
	if err != nil {
		history.Close()
		rt.Close()
		return nil, err
	}

	log.Printf("[Registry] %d agent(s) ready", len(agents))
	return &Registry{cfg: cfg, rt: rt, history: history, agents: agents}, nil
}

// Get looks up an agent by name.
func (r *Registry) Get(name string) (agent.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fault.New(fault.ToolNotFound, "registry: unknown agent %q", name)
	}
	return a, nil
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Router exposes the session router for the transport layer (tool-call
// streaming, session state reporting).
func (r *Registry) Router() *router.Router {
	return r.rt
}

// Sessions exposes the per-session history store.
func (r *Registry) Sessions() *session.Store {
	return r.history
}

// Config returns the configuration currently in effect.
func (r *Registry) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Rebuild validates new configuration and swaps in a fresh adapter set.
// Tool sessions whose definition is unchanged are reused by the router; on
// any error the previous state stays in effect.
func (r *Registry) Rebuild(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	agents, err := buildAdapters(cfg, r.rt, r.history)
	if err != nil {
		return err
	}

	r.rt.Rebuild(cfg)

	r.mu.Lock()
	r.cfg = cfg
	r.agents = agents
	r.mu.Unlock()

	log.Printf("[Registry] rebuilt: %d agent(s)", len(agents))
	return nil
}

// Close releases the router sessions and the history store.
func (r *Registry) Close() {
	r.rt.Close()
	r.history.Close()
}

// buildAdapters constructs every enabled agent's adapter.
func buildAdapters(cfg *config.Config, rt *router.Router, history *session.Store) (map[string]agent.Adapter, error) {
	agents := make(map[string]agent.Adapter)
	for _, def := range cfg.Agents {
		if !def.Enabled {
			continue
		}
		model, ok := cfg.Model(def.ModelID)
		if !ok {
			return nil, fault.New(fault.ConfigInvalid, "registry: agent %q references unknown model %q", def.Name, def.ModelID)
		}

		switch resolveFamily(def, model) {
		case config.SDKNativeMCP:
			driver, err := anthropic.NewDriver(anthropic.Config{
				APIKey:  cfg.ResolveAPIKey(model),
				BaseURL: cfg.ResolveBaseURL(model),
				Model:   model.ID,
			})
			if err != nil {
				return nil, fault.Wrap(fault.ConfigInvalid, err, "registry: agent %q", def.Name)
			}
			agents[def.Name] = agent.NewNative(def, driver, rt, history)

		case config.SDKFunctionCall:
			cli, err := openai.NewClient(&openai.Config{
				APIKey:  cfg.ResolveAPIKey(model),
				BaseURL: cfg.ResolveBaseURL(model),
				Model:   model.ID,
			})
			if err != nil {
				return nil, fault.Wrap(fault.ConfigInvalid, err, "registry: agent %q", def.Name)
			}
			agents[def.Name] = agent.NewWrapper(def, cli, rt, history, cfg.App.MaxIterations)
		}
	}
	return agents, nil
}

// resolveFamily picks the adapter family for one agent. The model's
// sdk_family is authoritative; an sdk_hint that contradicts it is logged
// and ignored because the model cannot speak the other protocol.
func resolveFamily(def config.AgentDef, model config.ModelDef) string {
	hint := def.SDKHint
	if hint == "" || hint == config.SDKAuto || hint == model.SDKFamily {
		return model.SDKFamily
	}
	log.Printf("[Registry] agent %q: sdk_hint %q incompatible with model %q (%s), using model family",
		def.Name, hint, model.ID, model.SDKFamily)
	return model.SDKFamily
}
