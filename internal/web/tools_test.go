package web

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/rosterlabs/roster/internal/fault"
	"github.com/rosterlabs/roster/internal/toolserver"
)

func TestToolStream_ChunkedCall(t *testing.T) {
	gw := &fakeGateway{frames: []toolserver.StreamFrame{
		{Data: json.RawMessage(`1`)},
		{Data: json.RawMessage(`2`)},
		{Data: json.RawMessage(`3`)},
		{Done: true},
	}}
	srv, _, _ := newTestServer(t, nil, gw)

	rec := postJSON(t, srv.Handler(), "/sse/tools/call",
		`{"server_name":"remote","tool_name":"stream_count","arguments":{"to":3}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if gw.server != "remote" || gw.tool != "stream_count" {
		t.Errorf("routed to (%q, %q)", gw.server, gw.tool)
	}

	payloads := decodeSSE(t, rec.Body.String())
	if len(payloads) != 5 {
		t.Fatalf("payloads = %d (%v), want start+3 chunks+done", len(payloads), payloads)
	}

	var start toolStartEvent
	unmarshalInto(t, payloads[0], &start)
	if start.Type != "start" || start.Server != "remote" || start.Tool != "stream_count" {
		t.Errorf("start = %+v", start)
	}

	for i := 1; i <= 3; i++ {
		var chunk toolChunkEvent
		unmarshalInto(t, payloads[i], &chunk)
		if chunk.Type != "chunk" || chunk.Index != i {
			t.Errorf("chunk %d = %+v", i, chunk)
		}
	}

	var done toolDoneEvent
	unmarshalInto(t, payloads[4], &done)
	if done.Type != "done" || done.TotalChunks != 3 {
		t.Errorf("done = %+v", done)
	}
}

func TestToolStream_SingleResult(t *testing.T) {
	gw := &fakeGateway{frames: []toolserver.StreamFrame{
		{Result: "42", Done: true},
	}}
	srv, _, _ := newTestServer(t, nil, gw)

	rec := postJSON(t, srv.Handler(), "/sse/tools/call",
		`{"server_name":"web","tool_name":"search","arguments":{"q":"answer"}}`)

	payloads := decodeSSE(t, rec.Body.String())
	var done toolDoneEvent
	unmarshalInto(t, payloads[len(payloads)-1], &done)
	if done.Result != "42" || done.TotalChunks != 0 {
		t.Errorf("done = %+v", done)
	}
}

func TestToolStream_MidStreamError(t *testing.T) {
	gw := &fakeGateway{frames: []toolserver.StreamFrame{
		{Data: json.RawMessage(`"partial"`)},
		{Err: fault.New(fault.ToolExecutionError, "tool blew up"), Done: true},
	}}
	srv, _, _ := newTestServer(t, nil, gw)

	rec := postJSON(t, srv.Handler(), "/sse/tools/call",
		`{"server_name":"web","tool_name":"search","arguments":{}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (stream already open)", rec.Code)
	}
	payloads := decodeSSE(t, rec.Body.String())
	var last toolErrorEvent
	unmarshalInto(t, payloads[len(payloads)-1], &last)
	if last.Type != "error" {
		t.Errorf("terminal event = %+v, want error", last)
	}
}

func TestToolStream_UnknownServerIs404(t *testing.T) {
	gw := &fakeGateway{err: fault.New(fault.ToolNotFound, "unknown server")}
	srv, _, _ := newTestServer(t, nil, gw)

	rec := postJSON(t, srv.Handler(), "/sse/tools/call",
		`{"server_name":"ghost","tool_name":"x","arguments":{}}`)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestToolStream_RequiresNames(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, nil)

	rec := postJSON(t, srv.Handler(), "/sse/tools/call", `{"arguments":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
