// Package app assembles the process: configuration, agent registry, task
// store, scheduler, response cache, WebSocket hub, and the HTTP server,
// with ordered shutdown.
package app

import (
	"context"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/rosterlabs/roster/internal/cache"
	"github.com/rosterlabs/roster/internal/config"
	"github.com/rosterlabs/roster/internal/hub"
	"github.com/rosterlabs/roster/internal/registry"
	"github.com/rosterlabs/roster/internal/scheduler"
	"github.com/rosterlabs/roster/internal/taskstore"
	"github.com/rosterlabs/roster/internal/web"
)

const (
	defaultPort     = 8080
	shutdownTimeout = 10 * time.Second
)

// Application owns every long-lived component and their teardown order.
type Application struct {
	paths config.Paths

	reg   *registry.Registry
	store taskstore.Store
	sched *scheduler.Scheduler
	cache *cache.Cache
	hub   *hub.Hub
	web   *web.Server
}

// New loads configuration from dir and wires the components together.
// Nothing is listening or armed yet; call Run.
func New(dir string) (*Application, error) {
	a := &Application{paths: config.DefaultPaths(dir)}

	cfg, err := config.Load(a.paths)
	if err != nil {
		return nil, err
	}

	a.reg, err = registry.New(cfg)
	if err != nil {
		return nil, err
	}

	a.store, err = taskstore.Open(cfg.App.Store)
	if err != nil {
		a.reg.Close()
		return nil, err
	}

	a.sched = scheduler.New(a.store, a.runTask)

	ttl := time.Duration(cfg.App.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	a.cache = cache.New(ttl)
	a.hub = hub.New(a.reg)

	port := cfg.App.Port
	if port == 0 {
		port = defaultPort
	}
	a.web = web.New(web.Options{
		Addr:      net.JoinHostPort(cfg.App.Host, strconv.Itoa(port)),
		Agents:    a.reg,
		Tools:     a.reg.Router(),
		Scheduler: a.sched,
		Tasks:     a.store,
		Cache:     a.cache,
		Hub:       a.hub,
		Rebuild:   a.rebuild,
	})
	return a, nil
}

// Run starts the scheduler and serves HTTP until ctx is cancelled or the
// listener fails, then tears everything down in reverse order.
func (a *Application) Run(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		a.close()
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.web.Start() }()

	var err error
	select {
	case <-ctx.Done():
		log.Printf("[App] shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if serr := a.web.Shutdown(shutdownCtx); serr != nil {
			log.Printf("[App] web shutdown: %v", serr)
		}
		cancel()
		<-serveErr
	case err = <-serveErr:
	}

	a.close()
	return err
}

// close tears down in reverse dependency order: scheduler first so no new
// runs start, then agents and their tool sessions, then storage.
func (a *Application) close() {
	a.sched.Stop()
	a.reg.Close()
	if err := a.store.Close(); err != nil {
		log.Printf("[App] close task store: %v", err)
	}
	log.Printf("[App] stopped")
}

// runTask executes one scheduled task through the live registry, so agent
// rebuilds apply to subsequent runs automatically.
func (a *Application) runTask(ctx context.Context, agentName, prompt string) (string, error) {
	adapter, err := a.reg.Get(agentName)
	if err != nil {
		return "", err
	}
	return adapter.Run(ctx, prompt, "")
}

// rebuild reloads the configuration files and swaps the agent set
// atomically; cached answers from the previous agents are dropped.
func (a *Application) rebuild(ctx context.Context) error {
	cfg, err := config.Load(a.paths)
	if err != nil {
		return err
	}
	if err := a.reg.Rebuild(cfg); err != nil {
		return err
	}
	a.cache.Purge()
	log.Printf("[App] configuration rebuilt: %d agent(s)", len(a.reg.Names()))
	return nil
}
