// Package anthropic implements llm.NativeDriver over the Anthropic-style
// Messages API. The driver owns the inner tool-use loop: it streams each
// turn, executes the tool calls the model requests, feeds results back, and
// repeats until the model stops calling tools.
//
// Conversation turns for tool use:
//
//	Turn N (model returns tool calls):
//	  content: [{type:"tool_use", id:"X", name:"read_file", input:{...}}]
//	  stop_reason: "tool_use"
//
//	→ Append to messages:
//	  {role:"assistant", content:[{type:"tool_use", id:"X", ...}]}
//	  {role:"user",      content:[{type:"tool_result", tool_use_id:"X", content:"<result>"}]}
//
//	Turn N+1 continues with results in context; stop_reason "end_turn" → done.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rosterlabs/roster/internal/llm"
)

const apiVersion = "2023-06-01"

// Config holds the connection settings for one native-MCP model.
type Config struct {
	APIKey    string
	BaseURL   string // default https://api.anthropic.com/v1
	Model     string
	MaxTokens int // default 4096
	MaxTurns  int // inner tool loop bound, default 10
}

// Driver implements llm.NativeDriver.
type Driver struct {
	cfg    Config
	client *http.Client
}

// NewDriver creates a driver. Cancellation is via context; the HTTP client
// carries no hard timeout because turns stream for their full duration.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic: model cannot be empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 10
	}
	return &Driver{cfg: cfg, client: &http.Client{}}, nil
}

// RunTools runs the full tool loop and emits events until the model
// produces a final answer, the turn bound is hit, or ctx is cancelled.
func (d *Driver) RunTools(ctx context.Context, system string, messages []llm.Message, exec llm.ToolExecutor) (<-chan llm.Event, error) {
	tools, err := exec.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("anthropic: list tools: %w", err)
	}

	evtCh := make(chan llm.Event, 64)
	go func() {
		defer close(evtCh)
		d.runLoop(ctx, system, messages, tools, exec, evtCh)
	}()
	return evtCh, nil
}

// ── Wire types ──

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	Tools     []apiTool    `json:"tools,omitempty"`
	Stream    bool         `json:"stream"`
}

type apiMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type apiTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type sseEvent struct {
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type toolUse struct {
	id    string
	name  string
	input map[string]any
}

// ── Loop ──

func (d *Driver) runLoop(ctx context.Context, system string, messages []llm.Message, tools []llm.ToolDefinition, exec llm.ToolExecutor, evtCh chan<- llm.Event) {
	msgs := convertMessages(messages)
	apiTools := make([]apiTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		apiTools = append(apiTools, apiTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}

	for turn := 0; turn < d.cfg.MaxTurns; turn++ {
		req := apiRequest{
			Model:     d.cfg.Model,
			MaxTokens: d.cfg.MaxTokens,
			System:    system,
			Messages:  msgs,
			Tools:     apiTools,
			Stream:    true,
		}

		text, uses, err := d.streamTurn(ctx, req, evtCh)
		if err != nil {
			evtCh <- llm.Event{Kind: llm.EventError, Err: fmt.Errorf("anthropic: turn %d: %w", turn, err)}
			return
		}

		// No tool calls: the collected text is the final answer.
		if len(uses) == 0 {
			evtCh <- llm.Event{Kind: llm.EventEnd, Text: text}
			return
		}

		// Assistant turn: text plus tool_use blocks.
		blocks := make([]contentBlock, 0, len(uses)+1)
		if text != "" {
			blocks = append(blocks, contentBlock{Type: "text", Text: text})
		}
		for _, tu := range uses {
			blocks = append(blocks, contentBlock{Type: "tool_use", ID: tu.id, Name: tu.name, Input: tu.input})
		}
		msgs = append(msgs, apiMessage{Role: "assistant", Content: blocks})

		// Execute the calls; tool failures become content so the model can
		// reason about them.
		results := make([]contentBlock, 0, len(uses))
		for _, tu := range uses {
			select {
			case evtCh <- llm.Event{Kind: llm.EventToolUse, ToolName: tu.name, ToolArgs: tu.input}:
			case <-ctx.Done():
				evtCh <- llm.Event{Kind: llm.EventError, Err: ctx.Err()}
				return
			}

			out, execErr := exec.Execute(ctx, tu.name, tu.input)
			if execErr != nil {
				if ctx.Err() != nil {
					evtCh <- llm.Event{Kind: llm.EventError, Err: ctx.Err()}
					return
				}
				msg := fmt.Sprintf("tool %q failed: %v", tu.name, execErr)
				evtCh <- llm.Event{Kind: llm.EventToolResult, ToolName: tu.name, ToolErr: msg}
				results = append(results, contentBlock{Type: "tool_result", ToolUseID: tu.id, Content: msg})
				continue
			}

			evtCh <- llm.Event{Kind: llm.EventToolResult, ToolName: tu.name, ToolResult: out}
			results = append(results, contentBlock{Type: "tool_result", ToolUseID: tu.id, Content: out})
		}
		msgs = append(msgs, apiMessage{Role: "user", Content: results})
	}

	evtCh <- llm.Event{Kind: llm.EventError,
		Err: fmt.Errorf("anthropic: tool loop exceeded %d turns without final answer", d.cfg.MaxTurns)}
}

// streamTurn makes one streaming API call. Text tokens are forwarded to
// evtCh as thinking events; collected tool_use records are returned when
// the turn ends.
func (d *Driver) streamTurn(ctx context.Context, req apiRequest, evtCh chan<- llm.Event) (string, []toolUse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", d.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", nil, fmt.Errorf("api %d: %s", resp.StatusCode, string(b))
	}

	var (
		collected strings.Builder
		uses      []toolUse
		curID     string
		curName   string
		curInput  strings.Builder
		eventType string
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return collected.String(), uses, ctx.Err()
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event sseEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch eventType {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				curID = event.ContentBlock.ID
				curName = event.ContentBlock.Name
				curInput.Reset()
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					collected.WriteString(event.Delta.Text)
					select {
					case evtCh <- llm.Event{Kind: llm.EventThinking, Text: event.Delta.Text}:
					case <-ctx.Done():
						return collected.String(), uses, ctx.Err()
					}
				}
			case "input_json_delta":
				curInput.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if curID != "" {
				var input map[string]any
				if s := curInput.String(); s != "" {
					_ = json.Unmarshal([]byte(s), &input)
				}
				uses = append(uses, toolUse{id: curID, name: curName, input: input})
				curID, curName = "", ""
				curInput.Reset()
			}

		case "message_stop":
			return collected.String(), uses, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return collected.String(), uses, fmt.Errorf("stream read: %w", err)
	}
	return collected.String(), uses, nil
}

// convertMessages maps history into API messages. System messages are
// expected to be extracted by the caller; tool bookkeeping roles collapse
// into plain text so prior turns stay readable to the model.
func convertMessages(messages []llm.Message) []apiMessage {
	out := make([]apiMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		if m.Content == "" {
			continue
		}
		out = append(out, apiMessage{
			Role:    role,
			Content: []contentBlock{{Type: "text", Text: m.Content}},
		})
	}
	return out
}
