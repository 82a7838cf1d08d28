package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rosterlabs/roster/internal/fault"
)

// fakeToolServer answers JSON-RPC over HTTP the way a remote SSE tool
// server does: one JSON body per request.
func fakeToolServer(t *testing.T, listCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.ID == nil {
			fmt.Fprint(w, `{}`)
			return
		}

		reply := func(result string) {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, *req.ID, result)
		}
		switch req.Method {
		case "initialize":
			reply(`{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"0.0.1"}}`)
		case "ping":
			reply(`{}`)
		case "tools/list":
			if listCalls != nil {
				listCalls.Add(1)
			}
			reply(`{"tools":[{"name":"read_file","description":"Read a file","inputSchema":{"type":"object","properties":{"path":{"type":"string"}}}}]}`)
		case "tools/call":
			switch req.Params.Name {
			case "read_file":
				reply(`{"content":[{"type":"text","text":"hello"}],"isError":false}`)
			case "empty":
				reply(`{"content":[{"type":"text","text":""}],"isError":false}`)
			case "boom":
				reply(`{"content":[{"type":"text","text":"disk on fire"}],"isError":true}`)
			default:
				reply(`{"content":[],"isError":true}`)
			}
		case "resources/list":
			reply(`{"resources":[{"uri":"file:///tmp/a.txt","name":"a","mimeType":"text/plain"}]}`)
		case "prompts/list":
			reply(`{"prompts":[{"name":"summarize","description":"Summarize text"}]}`)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, *req.ID)
		}
	}))
}

func newConnectedClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient(Config{
		Name:      "fake",
		Transport: "sse",
		URL:       srv.URL,
		Timeout:   5 * time.Second,
		// Keep the idle ping quiet during short tests.
		PingInterval: time.Minute,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_ConnectReachesReady(t *testing.T) {
	srv := fakeToolServer(t, nil)
	defer srv.Close()

	c := newConnectedClient(t, srv)
	if got := c.State(); got != StateReady {
		t.Errorf("state = %q, want %q", got, StateReady)
	}
}

func TestClient_ListToolsCachedPerSession(t *testing.T) {
	var listCalls atomic.Int32
	srv := fakeToolServer(t, &listCalls)
	defer srv.Close()

	c := newConnectedClient(t, srv)
	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "read_file" {
		t.Fatalf("tools = %+v, want one read_file", tools)
	}
	if _, err := c.ListTools(context.Background()); err != nil {
		t.Fatalf("second ListTools: %v", err)
	}
	if n := listCalls.Load(); n != 1 {
		t.Errorf("server saw %d tools/list calls, want 1 (cached)", n)
	}
}

func TestClient_CallTool(t *testing.T) {
	srv := fakeToolServer(t, nil)
	defer srv.Close()

	c := newConnectedClient(t, srv)
	out, err := c.CallTool(context.Background(), "read_file", map[string]any{"path": "/tmp/a.txt"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "hello" {
		t.Errorf("output = %q, want %q", out, "hello")
	}
}

func TestClient_CallTool_ZeroByteResultIsNotAnError(t *testing.T) {
	srv := fakeToolServer(t, nil)
	defer srv.Close()

	c := newConnectedClient(t, srv)
	out, err := c.CallTool(context.Background(), "empty", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "" {
		t.Errorf("output = %q, want empty", out)
	}
}

func TestClient_CallTool_ErrorFrame(t *testing.T) {
	srv := fakeToolServer(t, nil)
	defer srv.Close()

	c := newConnectedClient(t, srv)
	_, err := c.CallTool(context.Background(), "boom", nil)
	if err == nil {
		t.Fatalf("CallTool succeeded, want tool error")
	}
	if kind := fault.KindOf(err); kind != fault.ToolExecutionError {
		t.Errorf("kind = %q, want %q", kind, fault.ToolExecutionError)
	}
}

func TestClient_CallBeforeConnect(t *testing.T) {
	c := NewClient(Config{Name: "idle", Transport: "sse", URL: "http://127.0.0.1:1"})
	_, err := c.CallTool(context.Background(), "x", nil)
	if err == nil {
		t.Fatalf("CallTool succeeded on disconnected client")
	}
	if kind := fault.KindOf(err); kind != fault.ServiceUnavailable {
		t.Errorf("kind = %q, want %q", kind, fault.ServiceUnavailable)
	}
}

func TestClient_ResetFromErrored(t *testing.T) {
	c := NewClient(Config{Name: "bad", Transport: "bogus"})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("Connect succeeded with bogus transport")
	}
	if got := c.State(); got != StateErrored {
		t.Fatalf("state = %q, want %q", got, StateErrored)
	}
	c.Reset()
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state after Reset = %q, want %q", got, StateDisconnected)
	}
}

func TestClient_CallToolStream_CancelNotifiesServer(t *testing.T) {
	release := make(chan struct{})
	cancelSeen := make(chan int64, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				CancelID int64 `json:"id"`
			} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.ID == nil {
			if req.Method == "$/cancelRequest" {
				cancelSeen <- req.Params.CancelID
			}
			fmt.Fprint(w, `{}`)
			return
		}
		switch req.Method {
		case "initialize":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","capabilities":{}}}`, *req.ID)
		case "tools/call":
			// Hold the response open so the call stays in flight.
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-release
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, *req.ID)
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newConnectedClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := c.CallToolStream(ctx, "slow", nil)
	if err != nil {
		t.Fatalf("CallToolStream: %v", err)
	}
	cancel()

	select {
	case <-cancelSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received $/cancelRequest")
	}

	select {
	case frame := <-frames:
		if !frame.Done {
			t.Fatalf("frame = %+v, want terminal", frame)
		}
		if kind := fault.KindOf(frame.Err); kind != fault.Cancelled {
			t.Errorf("kind = %q, want %q", kind, fault.Cancelled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after cancel")
	}
	if _, open := <-frames; open {
		t.Error("stream channel still open after terminal frame")
	}
}

// ── Config equality ──

func TestConfig_Equal(t *testing.T) {
	base := Config{
		Name:      "fs",
		Transport: "stdio",
		Command:   "mcp-fs",
		Args:      []string{"--root", "/tmp"},
		Env:       map[string]string{"A": "1"},
	}
	same := Config{
		Name:      "fs",
		Transport: "stdio",
		Command:   "mcp-fs",
		Args:      []string{"--root", "/tmp"},
		Env:       map[string]string{"A": "1"},
	}
	if !base.Equal(same) {
		t.Errorf("Equal = false for identical configs")
	}

	changed := same
	changed.Args = []string{"--root", "/var"}
	if base.Equal(changed) {
		t.Errorf("Equal = true after args changed")
	}
}
