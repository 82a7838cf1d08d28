package toolserver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/rosterlabs/roster/internal/fault"
)

// SDKSession is the second session implementation, backed by the mcp-go
// SDK. Native-MCP model drivers receive these: the SDK keeps the session
// semantics aligned with what such drivers expect, while wrapper bindings
// run on the in-repo Client.
type SDKSession struct {
	cfg Config

	mu    sync.RWMutex
	state State
	inner sdk_client.MCPClient
	tools []ToolInfo
}

// NewSDKSession creates a disconnected SDK-backed session.
func NewSDKSession(cfg Config) *SDKSession {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	return &SDKSession{cfg: cfg, state: StateDisconnected}
}

// Name returns the configured server name.
func (s *SDKSession) Name() string { return s.cfg.Name }

// State returns the current lifecycle state.
func (s *SDKSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connect establishes the transport and performs the initialize handshake.
func (s *SDKSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateReady || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.tools = nil
	s.mu.Unlock()

	var inner sdk_client.MCPClient
	switch s.cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(s.cfg.Env))
		for k, v := range s.cfg.Env {
			env = append(env, k+"="+v)
		}
		cli, err := sdk_client.NewStdioMCPClient(s.cfg.Command, env, s.cfg.Args...)
		if err != nil {
			s.setState(StateErrored)
			return fault.Wrap(fault.TransportUnavailable, err, "toolserver %q: start stdio", s.cfg.Name)
		}
		inner = cli

	case "sse":
		cli, err := sdk_client.NewSSEMCPClient(s.cfg.URL)
		if err != nil {
			s.setState(StateErrored)
			return fault.Wrap(fault.TransportUnavailable, err, "toolserver %q: create sse client", s.cfg.Name)
		}
		if err := cli.Start(ctx); err != nil {
			s.setState(StateErrored)
			return fault.Wrap(fault.TransportUnavailable, err, "toolserver %q: start sse client", s.cfg.Name)
		}
		inner = cli

	default:
		s.setState(StateErrored)
		return fault.New(fault.ConfigInvalid, "toolserver %q: unknown transport %q", s.cfg.Name, s.cfg.Transport)
	}

	_, err := inner.Initialize(ctx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk_mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	})
	if err != nil {
		_ = inner.Close()
		s.setState(StateErrored)
		return fault.Wrap(fault.TransportUnavailable, err, "toolserver %q: initialize", s.cfg.Name)
	}

	s.mu.Lock()
	s.inner = inner
	s.state = StateReady
	s.mu.Unlock()
	return nil
}

// ListTools returns the server's tools, cached for the life of the session.
func (s *SDKSession) ListTools(ctx context.Context) ([]ToolInfo, error) {
	s.mu.RLock()
	if s.tools != nil {
		cached := s.tools
		s.mu.RUnlock()
		return cached, nil
	}
	inner := s.inner
	s.mu.RUnlock()

	if inner == nil {
		return nil, fault.New(fault.ServiceUnavailable, "toolserver %q: not connected", s.cfg.Name)
	}

	result, err := inner.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		return nil, fault.Wrap(fault.TransportTransient, err, "toolserver %q: tools/list", s.cfg.Name)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{}`)
		}
		tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: schema})
	}

	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	return tools, nil
}

// CallTool invokes a tool and returns the concatenated text content.
// A tool-level error reply surfaces as a ToolExecutionError.
func (s *SDKSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.RLock()
	inner := s.inner
	s.mu.RUnlock()

	if inner == nil {
		return "", fault.New(fault.ServiceUnavailable, "toolserver %q: not connected", s.cfg.Name)
	}

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		return "", fault.Wrap(fault.TransportTransient, err, "toolserver %q: call %q", s.cfg.Name, name)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdk_mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fault.New(fault.ToolExecutionError, "tool %q on %q: %s", name, s.cfg.Name, text)
	}
	return text, nil
}

// Close terminates the connection and releases resources. Idempotent.
func (s *SDKSession) Close() error {
	s.mu.Lock()
	inner := s.inner
	s.inner = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if inner == nil {
		return nil
	}
	return inner.Close()
}

func (s *SDKSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
