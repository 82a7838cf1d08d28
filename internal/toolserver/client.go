package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/rosterlabs/roster/internal/fault"
	"github.com/rosterlabs/roster/internal/jsonrpc"
	"github.com/rosterlabs/roster/internal/transport"
)

const (
	protocolVersion = "2025-03-26"
	clientName      = "roster"
	clientVersion   = "0.1.0"

	defaultConnectTimeout = 30 * time.Second
	defaultCallTimeout    = 60 * time.Second
	defaultPingInterval   = 30 * time.Second

	// maxPingFailures consecutive ping failures mark the session errored.
	maxPingFailures = 3
)

// NotificationSink receives server-initiated notifications that are not
// consumed by an active tool-call stream. Registered by the router.
type NotificationSink func(method string, params json.RawMessage)

// Client is one session to a tool server over the in-repo JSON-RPC
// transports. It demultiplexes concurrent responses by id, keeps the
// tool/resource/prompt listings cached for the life of the connection, and
// pings the server on an idle timer. Safe for concurrent use.
type Client struct {
	cfg   Config
	codec jsonrpc.Codec

	mu       sync.Mutex
	state    State
	tr       transport.Transport
	pending  map[int64]chan jsonrpc.Response
	streams  map[int64]chan StreamFrame
	sink     NotificationSink
	pingFail int

	tools     []ToolInfo
	resources []ResourceInfo
	prompts   []PromptInfo

	demuxDone chan struct{}
	pingStop  chan struct{}
}

// NewClient creates a disconnected session. Call Connect before use.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Client{
		cfg:     cfg,
		state:   StateDisconnected,
		pending: make(map[int64]chan jsonrpc.Response),
		streams: make(map[int64]chan StreamFrame),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.cfg.Name }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetNotificationSink registers the receiver for unrouted notifications.
func (c *Client) SetNotificationSink(sink NotificationSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Connect opens the transport and performs the initialize handshake.
// On success the session is Ready and cached listings are cleared.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateReady || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.tools, c.resources, c.prompts = nil, nil, nil
	c.pingFail = 0
	c.mu.Unlock()

	tr, err := c.openTransport()
	if err != nil {
		c.markErrored(err)
		return err
	}

	c.mu.Lock()
	c.tr = tr
	c.demuxDone = make(chan struct{})
	c.mu.Unlock()
	go c.demux(tr)

	initCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": clientName, "version": clientVersion},
	}
	if _, err := c.call(initCtx, "initialize", params); err != nil {
		c.markErrored(err)
		_ = tr.Close()
		return fmt.Errorf("toolserver: initialize %q: %w", c.cfg.Name, err)
	}

	// Handshake completion notification, per protocol.
	if err := c.notify(initCtx, "notifications/initialized", nil); err != nil {
		log.Printf("[MCP] %q: initialized notification failed: %v", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.state = StateReady
	c.pingStop = make(chan struct{})
	stop := c.pingStop
	c.mu.Unlock()
	go c.pingLoop(stop)

	log.Printf("[MCP] %q connected (%s)", c.cfg.Name, c.cfg.Transport)
	return nil
}

func (c *Client) openTransport() (transport.Transport, error) {
	switch c.cfg.Transport {
	case "stdio":
		return transport.OpenStdio(c.cfg.Name, c.cfg.Command, c.cfg.Args, c.cfg.Env, c.cfg.Cwd)
	case "sse":
		return transport.OpenSSE(c.cfg.Name, c.cfg.URL, c.cfg.Headers, 0), nil
	default:
		return nil, fault.New(fault.ConfigInvalid, "toolserver %q: unknown transport %q", c.cfg.Name, c.cfg.Transport)
	}
}

// ListTools returns the server's tools, cached for the life of the session.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	c.mu.Lock()
	if c.tools != nil {
		cached := c.tools
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fault.Wrap(fault.ProtocolShape, err, "toolserver %q: tools/list result", c.cfg.Name)
	}
	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: schema})
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// ListResources returns the server's resources, cached per session.
func (c *Client) ListResources(ctx context.Context) ([]ResourceInfo, error) {
	c.mu.Lock()
	if c.resources != nil {
		cached := c.resources
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	raw, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Resources []struct {
			URI         string `json:"uri"`
			Name        string `json:"name"`
			Description string `json:"description"`
			MimeType    string `json:"mimeType"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fault.Wrap(fault.ProtocolShape, err, "toolserver %q: resources/list result", c.cfg.Name)
	}
	resources := make([]ResourceInfo, 0, len(result.Resources))
	for _, r := range result.Resources {
		resources = append(resources, ResourceInfo{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType})
	}

	c.mu.Lock()
	c.resources = resources
	c.mu.Unlock()
	return resources, nil
}

// ListPrompts returns the server's prompt templates, cached per session.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptInfo, error) {
	c.mu.Lock()
	if c.prompts != nil {
		cached := c.prompts
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	raw, err := c.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Prompts []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"prompts"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fault.Wrap(fault.ProtocolShape, err, "toolserver %q: prompts/list result", c.cfg.Name)
	}
	prompts := make([]PromptInfo, 0, len(result.Prompts))
	for _, p := range result.Prompts {
		prompts = append(prompts, PromptInfo{Name: p.Name, Description: p.Description})
	}

	c.mu.Lock()
	c.prompts = prompts
	c.mu.Unlock()
	return prompts, nil
}

// CallTool invokes a tool and returns its concatenated text content.
// A tool-level error frame surfaces as a ToolExecutionError so callers can
// distinguish it from infrastructure failures.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	raw, err := c.call(callCtx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", err
	}
	text, isErr, err := parseToolResult(raw)
	if err != nil {
		return "", fault.Wrap(fault.ProtocolShape, err, "toolserver %q: tools/call result", c.cfg.Name)
	}
	if isErr {
		return "", fault.New(fault.ToolExecutionError, "tool %q on %q: %s", name, c.cfg.Name, text)
	}
	return text, nil
}

// CallToolStream invokes a tool and returns a lazy frame stream:
// intermediate notification frames followed by one terminal frame carrying
// the result or error. Cancelling ctx sends $/cancelRequest for the
// in-flight id and terminates the stream with a Cancelled frame.
func (c *Client) CallToolStream(ctx context.Context, name string, args map[string]any) (<-chan StreamFrame, error) {
	req, err := c.codec.NewRequest("tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}

	respCh := make(chan jsonrpc.Response, 1)
	frames := make(chan StreamFrame, 16)

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, fault.New(fault.ServiceUnavailable, "toolserver %q: not ready", c.cfg.Name)
	}
	tr := c.tr
	c.pending[req.ID] = respCh
	c.streams[req.ID] = frames
	c.mu.Unlock()

	data, err := jsonrpc.Encode(req)
	if err != nil {
		c.unregister(req.ID)
		return nil, err
	}
	if err := tr.Send(ctx, data); err != nil {
		c.unregister(req.ID)
		c.markErroredIfTransport(err)
		return nil, err
	}

	go func() {
		defer c.unregister(req.ID)
		select {
		case resp := <-respCh:
			if resp.Error != nil {
				frames <- StreamFrame{Err: fault.New(fault.ToolExecutionError, "tool %q on %q: %s", name, c.cfg.Name, resp.Error.Message), Done: true}
			} else {
				text, isErr, perr := parseToolResult(resp.Result)
				switch {
				case perr != nil:
					frames <- StreamFrame{Err: fault.Wrap(fault.ProtocolShape, perr, "toolserver %q: stream result", c.cfg.Name), Done: true}
				case isErr:
					frames <- StreamFrame{Err: fault.New(fault.ToolExecutionError, "tool %q on %q: %s", name, c.cfg.Name, text), Done: true}
				default:
					frames <- StreamFrame{Result: text, Done: true}
				}
			}
		case <-ctx.Done():
			c.cancelRequest(req.ID)
			frames <- StreamFrame{Err: fault.Wrap(fault.Cancelled, ctx.Err(), "tool %q on %q", name, c.cfg.Name), Done: true}
		}
		close(frames)
	}()

	return frames, nil
}

// ReadResource fetches a resource's text contents.
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	raw, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return "", err
	}
	var result struct {
		Contents []struct {
			Text string `json:"text"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fault.Wrap(fault.ProtocolShape, err, "toolserver %q: resources/read result", c.cfg.Name)
	}
	parts := make([]string, 0, len(result.Contents))
	for _, ct := range result.Contents {
		parts = append(parts, ct.Text)
	}
	return strings.Join(parts, "\n"), nil
}

// GetPrompt renders a prompt template and returns its messages as text.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]any) (string, error) {
	raw, err := c.call(ctx, "prompts/get", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", err
	}
	var result struct {
		Messages []struct {
			Content struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fault.Wrap(fault.ProtocolShape, err, "toolserver %q: prompts/get result", c.cfg.Name)
	}
	parts := make([]string, 0, len(result.Messages))
	for _, m := range result.Messages {
		parts = append(parts, m.Content.Text)
	}
	return strings.Join(parts, "\n"), nil
}

// Ping sends a protocol ping.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Reset returns an errored session to Disconnected so it can reconnect.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateErrored {
		c.state = StateDisconnected
	}
}

// Close drains and tears down the session. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateDisconnected && c.tr == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDraining
	tr := c.tr
	c.tr = nil
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	return nil
}

// ── Internals ──

// call issues one request and waits for its response, demultiplexed by id.
// Cancelling ctx sends $/cancelRequest for the in-flight id.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := c.codec.NewRequest(method, params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan jsonrpc.Response, 1)
	c.mu.Lock()
	tr := c.tr
	if tr == nil {
		c.mu.Unlock()
		return nil, fault.New(fault.ServiceUnavailable, "toolserver %q: not connected", c.cfg.Name)
	}
	c.pending[req.ID] = respCh
	c.mu.Unlock()

	data, err := jsonrpc.Encode(req)
	if err != nil {
		c.unregister(req.ID)
		return nil, err
	}
	if err := tr.Send(ctx, data); err != nil {
		c.unregister(req.ID)
		c.markErroredIfTransport(err)
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fault.New(fault.ToolExecutionError, "toolserver %q: %s: %s", c.cfg.Name, method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.cancelRequest(req.ID)
		c.unregister(req.ID)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fault.Wrap(fault.Timeout, ctx.Err(), "toolserver %q: %s", c.cfg.Name, method)
		}
		return nil, fault.Wrap(fault.Cancelled, ctx.Err(), "toolserver %q: %s", c.cfg.Name, method)
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	n, err := c.codec.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := jsonrpc.Encode(n)
	if err != nil {
		return err
	}
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return fault.New(fault.ServiceUnavailable, "toolserver %q: not connected", c.cfg.Name)
	}
	return tr.Send(ctx, data)
}

// cancelRequest fires the $/cancelRequest notification for an in-flight id.
// Best effort: a failure here only means the server finishes stale work.
func (c *Client) cancelRequest(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.notify(ctx, "$/cancelRequest", map[string]int64{"id": id}); err != nil {
		log.Printf("[MCP] %q: cancel notification for id %d failed: %v", c.cfg.Name, id, err)
	}
}

// demux routes inbound frames: responses to their waiting callers by id,
// notifications to an active stream or to the registered sink.
func (c *Client) demux(tr transport.Transport) {
	defer close(c.demuxDone)
	for data := range tr.Frames() {
		frame, err := jsonrpc.Decode(data)
		if err != nil {
			// Per-frame failure: log and continue with the next frame.
			log.Printf("[MCP] %q: dropping bad frame: %v", c.cfg.Name, err)
			continue
		}
		switch {
		case frame.IsResponse():
			c.mu.Lock()
			ch, ok := c.pending[*frame.ID]
			delete(c.pending, *frame.ID)
			c.mu.Unlock()
			if ok {
				ch <- frame.Response()
			}
		case frame.IsNotification():
			c.routeNotification(frame)
		}
	}

	if err := tr.Err(); err != nil {
		c.markErrored(err)
		c.failPending(err)
	}
}

// routeNotification delivers a notification to the stream it belongs to
// when one can be identified, otherwise to the sink.
func (c *Client) routeNotification(frame *jsonrpc.Frame) {
	var meta struct {
		RequestID *int64 `json:"requestId"`
	}
	_ = json.Unmarshal(frame.Params, &meta)

	c.mu.Lock()
	var target chan StreamFrame
	if meta.RequestID != nil {
		target = c.streams[*meta.RequestID]
	} else if len(c.streams) == 1 {
		for _, s := range c.streams {
			target = s
		}
	}
	sink := c.sink
	c.mu.Unlock()

	if target != nil {
		select {
		case target <- StreamFrame{Data: frame.Params}:
		default:
			// Stream consumer is not keeping up; drop the progress frame.
		}
		return
	}
	if sink != nil {
		sink(frame.Method, frame.Params)
	}
}

func (c *Client) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.State() != StateReady {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.Ping(ctx)
			cancel()

			c.mu.Lock()
			if err != nil {
				c.pingFail++
				fails := c.pingFail
				c.mu.Unlock()
				log.Printf("[MCP] %q: ping failed (%d/%d): %v", c.cfg.Name, fails, maxPingFailures, err)
				if fails >= maxPingFailures {
					c.markErrored(fault.New(fault.TransportTransient, "toolserver %q: %d consecutive ping failures", c.cfg.Name, fails))
					return
				}
				continue
			}
			c.pingFail = 0
			c.mu.Unlock()
		}
	}
}

func (c *Client) markErrored(err error) {
	c.mu.Lock()
	if c.state == StateDraining || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateErrored
	c.mu.Unlock()
	log.Printf("[MCP] %q errored: %v", c.cfg.Name, err)
}

func (c *Client) markErroredIfTransport(err error) {
	if fault.Recoverable(fault.KindOf(err)) {
		c.markErrored(err)
	}
}

// failPending completes every in-flight call with the transport error.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan jsonrpc.Response)
	c.mu.Unlock()

	msg := err.Error()
	for _, ch := range pending {
		ch <- jsonrpc.Response{Error: &jsonrpc.RPCError{Code: -32000, Message: msg}}
	}
}

func (c *Client) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.streams, id)
	c.mu.Unlock()
}

// parseToolResult extracts concatenated text content and the tool-level
// error flag from a tools/call result.
func parseToolResult(raw json.RawMessage) (text string, isError bool, err error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, err
	}
	var parts []string
	for _, ct := range result.Content {
		if ct.Type == "text" || ct.Type == "" {
			parts = append(parts, ct.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError, nil
}
