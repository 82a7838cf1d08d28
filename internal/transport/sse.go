package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rosterlabs/roster/internal/fault"
)

// SSETransport speaks JSON-RPC to a remote tool server over HTTP. Each
// outbound frame is one POST; the response is either a single JSON body
// (one inbound frame) or a text/event-stream whose data: lines are frames,
// possibly notifications interleaved with the final response.
type SSETransport struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client

	frames chan []byte

	mu      sync.Mutex
	termErr error
	closed  bool

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// OpenSSE creates an SSE transport for the given endpoint. timeout bounds
// each individual request; zero means no per-request limit beyond the
// caller's context.
func OpenSSE(name, url string, headers map[string]string, timeout time.Duration) *SSETransport {
	return &SSETransport{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		frames:  make(chan []byte, 32),
		done:    make(chan struct{}),
	}
}

// Send POSTs one frame. A streamed response body is drained on a background
// goroutine; its frames surface through Frames.
func (t *SSETransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return fault.New(fault.TransportUnavailable, "sse %q: transport closed", t.name)
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(frame))
	if err != nil {
		return fault.Wrap(fault.TransportUnavailable, err, "sse %q: build request", t.name)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return classifyNetErr(t.name, err)
	}

	switch {
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return fault.New(fault.TransportTransient, "sse %q: server returned %d", t.name, resp.StatusCode)
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return fault.New(fault.TransportProtocol, "sse %q: server returned %d", t.name, resp.StatusCode)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.wg.Add(1)
		go t.drainEventStream(resp.Body)
		return nil
	}

	// Single JSON body: one inbound frame.
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Wrap(fault.TransportTransient, err, "sse %q: read body", t.name)
	}
	t.deliver(body)
	return nil
}

// Frames returns the inbound frame stream.
func (t *SSETransport) Frames() <-chan []byte { return t.frames }

// Err reports the terminal error once Frames is closed.
func (t *SSETransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.termErr
}

// Close stops the transport. In-flight response bodies are drained to
// completion before the frame channel closes. Idempotent.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
		go func() {
			t.wg.Wait()
			close(t.frames)
		}()
	})
	return nil
}

// drainEventStream parses data: lines from one response body into frames.
func (t *SSETransport) drainEventStream(body io.ReadCloser) {
	defer t.wg.Done()
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		t.deliver([]byte(payload))
	}
	if err := scanner.Err(); err != nil {
		t.mu.Lock()
		if t.termErr == nil && !t.closed {
			t.termErr = fault.Wrap(fault.TransportTransient, err, "sse %q: stream read", t.name)
		}
		t.mu.Unlock()
		log.Printf("[Transport] sse %q stream read error: %v", t.name, err)
	}
}

func (t *SSETransport) deliver(frame []byte) {
	select {
	case t.frames <- frame:
	case <-t.done:
	}
}

// classifyNetErr maps connection-level failures: DNS/TCP/TLS refusals are
// TransportUnavailable; timeouts and drops mid-exchange are
// TransportTransient.
func classifyNetErr(name string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fault.Wrap(fault.Timeout, err, "sse %q: request timed out", name)
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Cancelled, err, "sse %q: request cancelled", name)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return fault.Wrap(fault.TransportUnavailable, err, "sse %q: dial", name)
		}
		return fault.Wrap(fault.TransportTransient, err, "sse %q: %s", name, opErr.Op)
	}
	return fault.Wrap(fault.TransportUnavailable, err, "sse %q: request failed", name)
}
