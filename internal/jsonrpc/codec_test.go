package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/rosterlabs/roster/internal/fault"
)

func TestCodec_MonotonicIDs(t *testing.T) {
	var c Codec
	r1, err := c.NewRequest("tools/list", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	r2, _ := c.NewRequest("tools/list", nil)
	if r1.ID != 1 || r2.ID != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", r1.ID, r2.ID)
	}
	if r1.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q, want %q", r1.JSONRPC, "2.0")
	}
}

func TestEncode_RequestShape(t *testing.T) {
	var c Codec
	req, err := c.NewRequest("tools/call", map[string]any{"name": "read_file"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	data, err := Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal encoded frame: %v", err)
	}
	if m["jsonrpc"] != "2.0" || m["method"] != "tools/call" {
		t.Errorf("frame = %v, want jsonrpc 2.0 and method tools/call", m)
	}
	if _, ok := m["id"]; !ok {
		t.Errorf("encoded request missing id")
	}
}

func TestEncode_NotificationHasNoID(t *testing.T) {
	var c Codec
	n, err := c.NewNotification("$/cancelRequest", map[string]int64{"id": 7})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	data, _ := Encode(n)
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["id"]; ok {
		t.Errorf("notification carries id, want none")
	}
}

func TestDecode_Response(t *testing.T) {
	f, err := Decode([]byte(`{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !f.IsResponse() {
		t.Fatalf("IsResponse = false, want true")
	}
	resp := f.Response()
	if resp.ID != 3 {
		t.Errorf("id = %d, want 3", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("error = %v, want nil", resp.Error)
	}
}

func TestDecode_Notification(t *testing.T) {
	f, err := Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"n":1}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !f.IsNotification() {
		t.Errorf("IsNotification = false, want true")
	}
	if f.Method != "notifications/progress" {
		t.Errorf("method = %q, want %q", f.Method, "notifications/progress")
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Fatalf("Decode succeeded on malformed input")
	}
	if kind := fault.KindOf(err); kind != fault.ProtocolFraming {
		t.Errorf("kind = %q, want %q", kind, fault.ProtocolFraming)
	}
}

func TestDecode_ShapeErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"missing version", `{"id":1,"result":{}}`},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"result":{}}`},
		{"no id no method", `{"jsonrpc":"2.0","result":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.input))
			if err == nil {
				t.Fatalf("Decode succeeded, want shape error")
			}
			if kind := fault.KindOf(err); kind != fault.ProtocolShape {
				t.Errorf("kind = %q, want %q", kind, fault.ProtocolShape)
			}
		})
	}
}

func TestDecode_ErrorResponse(t *testing.T) {
	f, err := Decode([]byte(`{"jsonrpc":"2.0","id":5,"error":{"code":-32601,"message":"method not found"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	resp := f.Response()
	if resp.Error == nil {
		t.Fatalf("error = nil, want populated")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("code = %d, want -32601", resp.Error.Code)
	}
}
