// Package config loads and validates the four declarative configuration
// files (agents, models/providers, tool servers, application). Values of
// the form ${VAR} or $VAR are substituted from the process environment
// before parsing. Validation failures abort startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rosterlabs/roster/internal/fault"
	"github.com/rosterlabs/roster/internal/toolserver"
)

// SDK families a model can belong to.
const (
	SDKNativeMCP    = "native-mcp"
	SDKFunctionCall = "function-call"
	SDKAuto         = "auto" // agents only: pick from the model's family
)

// AgentDef declares one agent. Immutable at runtime.
type AgentDef struct {
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
	ModelID      string   `yaml:"model_id"`
	ToolServers  []string `yaml:"tool_servers"`
	Enabled      bool     `yaml:"enabled"`
	SDKHint      string   `yaml:"sdk_hint"` // native-mcp | function-call | auto
}

// ProviderDef declares a model provider; models inherit SupportsMCP from it
// unless they override.
type ProviderDef struct {
	ID          string `yaml:"id"`
	BaseURL     string `yaml:"base_url"`
	APIKeyRef   string `yaml:"api_key_ref"` // env var holding the key
	SupportsMCP bool   `yaml:"supports_mcp"`
}

// ModelDef declares one model.
type ModelDef struct {
	ID                   string   `yaml:"id"`
	ProviderID           string   `yaml:"provider_id"`
	BaseURL              string   `yaml:"base_url"`
	APIKeyRef            string   `yaml:"api_key_ref"`
	SupportsMCP          *bool    `yaml:"supports_mcp"` // nil inherits from provider
	SDKFamily            string   `yaml:"sdk_family"`   // native-mcp | function-call
	ExtendedCapabilities []string `yaml:"supports_extended_capabilities"`
}

// ToolServerDef declares one tool server.
type ToolServerDef struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // stdio | sse

	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Cwd     string            `yaml:"cwd"`

	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// WrapAsFunctions exposes this server as function schemas even to
	// native-MCP models; when false only models with supports_mcp may bind.
	WrapAsFunctions bool `yaml:"wrap_as_functions"`

	TimeoutMs             int `yaml:"timeout_ms"`
	HealthCheckIntervalMs int `yaml:"health_check_interval_ms"`
}

// StoreConfig selects and parameterizes the task store back-end.
type StoreConfig struct {
	Backend string `yaml:"backend"` // sqlite | postgres
	Path    string `yaml:"path"`    // sqlite file
	DSN     string `yaml:"dsn"`     // postgres connection string
}

// AppConfig is the application-level file.
type AppConfig struct {
	Host              string      `yaml:"host"`
	Port              int         `yaml:"port"`
	Store             StoreConfig `yaml:"store"`
	CacheTTLSeconds   int         `yaml:"cache_ttl_seconds"`
	SessionTTLMinutes int         `yaml:"session_ttl_minutes"`
	MaxIterations     int         `yaml:"max_iterations"`
}

// Config is the merged view of all four files.
type Config struct {
	Agents      []AgentDef
	Providers   []ProviderDef
	Models      []ModelDef
	ToolServers []ToolServerDef
	App         AppConfig
}

// Paths names the four configuration files.
type Paths struct {
	Agents      string
	Models      string
	ToolServers string
	App         string
}

// DefaultPaths resolves the conventional file names under dir.
func DefaultPaths(dir string) Paths {
	return Paths{
		Agents:      filepath.Join(dir, "agents.yaml"),
		Models:      filepath.Join(dir, "models.yaml"),
		ToolServers: filepath.Join(dir, "toolservers.yaml"),
		App:         filepath.Join(dir, "app.yaml"),
	}
}

// Load reads, env-expands, parses and validates all four files.
func Load(paths Paths) (*Config, error) {
	var cfg Config

	var agentsFile struct {
		Agents []AgentDef `yaml:"agents"`
	}
	if err := loadYAML(paths.Agents, &agentsFile); err != nil {
		return nil, err
	}
	cfg.Agents = agentsFile.Agents

	var modelsFile struct {
		Providers []ProviderDef `yaml:"providers"`
		Models    []ModelDef    `yaml:"models"`
	}
	if err := loadYAML(paths.Models, &modelsFile); err != nil {
		return nil, err
	}
	cfg.Providers = modelsFile.Providers
	cfg.Models = modelsFile.Models

	var serversFile struct {
		ToolServers []ToolServerDef `yaml:"tool_servers"`
	}
	if err := loadYAML(paths.ToolServers, &serversFile); err != nil {
		return nil, err
	}
	cfg.ToolServers = serversFile.ToolServers

	if err := loadYAML(paths.App, &cfg.App); err != nil {
		return nil, err
	}
	applyAppDefaults(&cfg.App)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadYAML reads one file, expands ${VAR}/$VAR from the environment, and
// unmarshals into out.
func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fault.Wrap(fault.ConfigInvalid, err, "read %q", path)
	}
	expanded := os.Expand(string(data), func(name string) string {
		return os.Getenv(name)
	})
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fault.Wrap(fault.ConfigInvalid, err, "parse %q", path)
	}
	return nil
}

func applyAppDefaults(app *AppConfig) {
	if app.Host == "" {
		app.Host = "0.0.0.0"
	}
	if app.Port == 0 {
		app.Port = 8080
	}
	if app.Store.Backend == "" {
		app.Store.Backend = "sqlite"
	}
	if app.Store.Backend == "sqlite" && app.Store.Path == "" {
		app.Store.Path = "roster.db"
	}
	if app.CacheTTLSeconds == 0 {
		app.CacheTTLSeconds = 600
	}
	if app.SessionTTLMinutes == 0 {
		app.SessionTTLMinutes = 30
	}
	if app.MaxIterations == 0 {
		app.MaxIterations = 20
	}
}

// ── Lookups ──

// Model returns the model definition for id.
func (c *Config) Model(id string) (ModelDef, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelDef{}, false
}

// Provider returns the provider definition for id.
func (c *Config) Provider(id string) (ProviderDef, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderDef{}, false
}

// ToolServer returns the tool server definition for name.
func (c *Config) ToolServer(name string) (ToolServerDef, bool) {
	for _, t := range c.ToolServers {
		if t.Name == name {
			return t, true
		}
	}
	return ToolServerDef{}, false
}

// SupportsMCP resolves a model's MCP support, inheriting from its provider
// when the model does not say.
func (c *Config) SupportsMCP(m ModelDef) bool {
	if m.SupportsMCP != nil {
		return *m.SupportsMCP
	}
	if p, ok := c.Provider(m.ProviderID); ok {
		return p.SupportsMCP
	}
	return false
}

// ResolveBaseURL returns the model's endpoint, falling back to the provider.
func (c *Config) ResolveBaseURL(m ModelDef) string {
	if m.BaseURL != "" {
		return m.BaseURL
	}
	if p, ok := c.Provider(m.ProviderID); ok {
		return p.BaseURL
	}
	return ""
}

// ResolveAPIKey reads the model's API key from the referenced env var,
// falling back to the provider's reference.
func (c *Config) ResolveAPIKey(m ModelDef) string {
	ref := m.APIKeyRef
	if ref == "" {
		if p, ok := c.Provider(m.ProviderID); ok {
			ref = p.APIKeyRef
		}
	}
	if ref == "" {
		return ""
	}
	return os.Getenv(ref)
}

// SessionConfig converts a tool server definition into the runtime session
// config consumed by the toolserver package.
func (t ToolServerDef) SessionConfig() toolserver.Config {
	return toolserver.Config{
		Name:         t.Name,
		Transport:    t.Transport,
		Command:      t.Command,
		Args:         t.Args,
		Env:          t.Env,
		Cwd:          t.Cwd,
		URL:          t.URL,
		Headers:      t.Headers,
		Timeout:      time.Duration(t.TimeoutMs) * time.Millisecond,
		PingInterval: time.Duration(t.HealthCheckIntervalMs) * time.Millisecond,
	}
}

// ── Validation ──

// Validate enforces the structural invariants: unique names, resolvable
// references, known transports and SDK families, and per-agent model/tool
// compatibility. The one illegal binding is a server with
// wrap_as_functions=false bound through a model without MCP support.
func (c *Config) Validate() error {
	seenAgents := make(map[string]bool)
	seenModels := make(map[string]bool)
	seenServers := make(map[string]bool)

	for i := range c.Models {
		m := &c.Models[i]
		if m.ID == "" {
			return fault.New(fault.ConfigInvalid, "model with empty id")
		}
		if seenModels[m.ID] {
			return fault.New(fault.ConfigInvalid, "duplicate model id %q", m.ID)
		}
		seenModels[m.ID] = true
		if m.SDKFamily == "" {
			m.SDKFamily = DetectSDKFamily(m.ID)
		}
		if m.SDKFamily != SDKNativeMCP && m.SDKFamily != SDKFunctionCall {
			return fault.New(fault.ConfigInvalid, "model %q: unknown sdk_family %q", m.ID, m.SDKFamily)
		}
		if m.ProviderID != "" {
			if _, ok := c.Provider(m.ProviderID); !ok {
				return fault.New(fault.ConfigInvalid, "model %q: unknown provider %q", m.ID, m.ProviderID)
			}
		}
	}

	for _, t := range c.ToolServers {
		if t.Name == "" {
			return fault.New(fault.ConfigInvalid, "tool server with empty name")
		}
		if seenServers[t.Name] {
			return fault.New(fault.ConfigInvalid, "duplicate tool server %q", t.Name)
		}
		seenServers[t.Name] = true
		switch t.Transport {
		case "stdio":
			if t.Command == "" {
				return fault.New(fault.ConfigInvalid, "tool server %q: stdio requires command", t.Name)
			}
		case "sse":
			if t.URL == "" {
				return fault.New(fault.ConfigInvalid, "tool server %q: sse requires url", t.Name)
			}
		default:
			return fault.New(fault.ConfigInvalid, "tool server %q: unknown transport %q", t.Name, t.Transport)
		}
	}

	for _, a := range c.Agents {
		if a.Name == "" {
			return fault.New(fault.ConfigInvalid, "agent with empty name")
		}
		if seenAgents[a.Name] {
			return fault.New(fault.ConfigInvalid, "duplicate agent %q", a.Name)
		}
		seenAgents[a.Name] = true

		switch a.SDKHint {
		case "", SDKAuto, SDKNativeMCP, SDKFunctionCall:
		default:
			return fault.New(fault.ConfigInvalid, "agent %q: unknown sdk_hint %q", a.Name, a.SDKHint)
		}

		model, ok := c.Model(a.ModelID)
		if !ok {
			return fault.New(fault.ConfigInvalid, "agent %q: unknown model %q", a.Name, a.ModelID)
		}

		for _, serverName := range a.ToolServers {
			server, ok := c.ToolServer(serverName)
			if !ok {
				return fault.New(fault.ConfigInvalid, "agent %q: unknown tool server %q", a.Name, serverName)
			}
			if !c.SupportsMCP(model) && !server.WrapAsFunctions {
				return fault.New(fault.ConfigInvalid,
					"agent %q: model %q has no MCP support and server %q is not wrapped as functions",
					a.Name, model.ID, server.Name)
			}
		}
	}

	switch c.App.Store.Backend {
	case "sqlite", "postgres":
	default:
		return fault.New(fault.ConfigInvalid, "store: unknown backend %q", c.App.Store.Backend)
	}
	if c.App.Store.Backend == "postgres" && c.App.Store.DSN == "" {
		return fault.New(fault.ConfigInvalid, "store: postgres backend requires dsn")
	}

	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("config: %d agents, %d models, %d tool servers",
		len(c.Agents), len(c.Models), len(c.ToolServers))
}
