package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, methodToolsList, map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" || req.ID != 42 || req.Method != "tools/list" {
		t.Errorf("NewRequest = %+v", req)
	}
}

func TestFrameLine(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		want string
	}{
		{
			name: "request",
			msg:  NewRequest(1, methodInitialize, map[string]any{"protocolVersion": protocolVersion}),
			want: `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}` + "\n",
		},
		{
			name: "request without params",
			msg:  NewRequest(2, methodPing, nil),
			want: `{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n",
		},
		{
			name: "notification",
			msg:  NewNotification(methodInitialized, nil),
			want: `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n",
		},
		{
			name: "embedded newline stays escaped",
			msg:  NewRequest(3, methodToolsCall, map[string]any{"text": "a\nb"}),
			want: `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"text":"a\nb"}}` + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := frameLine(tt.msg)
			if err != nil {
				t.Fatalf("frameLine: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("frameLine = %s, want %s", got, tt.want)
			}
			if n := bytes.Count(got, []byte("\n")); n != 1 {
				t.Errorf("frame has %d newlines, want 1", n)
			}
		})
	}
}

func TestFrameLine_Unencodable(t *testing.T) {
	if _, err := frameLine(NewRequest(1, methodToolsCall, map[string]any{"ch": make(chan int)})); err == nil {
		t.Error("frameLine with a channel param succeeded")
	}
}

func TestDecodeReply(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   replyStatus
		result bool
	}{
		{"result", `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, replyMatch, true},
		{"null result", `{"jsonrpc":"2.0","id":1,"result":null}`, replyMatch, true},
		{"error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`, replyMatch, false},
		{"other id", `{"jsonrpc":"2.0","id":9,"result":{}}`, replyOtherID, true},
		{"server request", `{"jsonrpc":"2.0","id":1,"method":"roots/list"}`, replyNotReply, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/message"}`, replyNotReply, false},
		{"log line", `Starting server on stdio...`, replyNotJSON, false},
		{"empty", ``, replyNotJSON, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, status := decodeReply([]byte(tt.raw), 1)
			if status != tt.want {
				t.Fatalf("status = %v, want %v", status, tt.want)
			}
			if status == replyMatch && resp == nil {
				t.Fatal("matched reply is nil")
			}
			if tt.result && (resp == nil || resp.Result == nil) {
				t.Errorf("Result missing in %+v", resp)
			}
		})
	}
}

func TestDecodeReply_Error(t *testing.T) {
	resp, status := decodeReply([]byte(`{"jsonrpc":"2.0","id":4,"error":{"code":-32602,"message":"Invalid params"}}`), 4)
	if status != replyMatch {
		t.Fatalf("status = %v", status)
	}
	if resp.Error == nil || resp.Error.Code != -32602 || resp.Error.Message != "Invalid params" {
		t.Errorf("Error = %+v", resp.Error)
	}
}

func TestRPCError_ProtocolError(t *testing.T) {
	rpc := &RPCError{Code: -32600, Message: "Invalid Request"}
	if got := rpc.Error(); got != "jsonrpc error -32600: Invalid Request" {
		t.Errorf("Error() = %q", got)
	}

	err := rpc.protocolError("github", methodToolsCall)
	if err.Kind != KindProtocol || err.Server != "github" || err.Operation != "tools/call" || err.Code != -32600 {
		t.Errorf("protocolError = %+v", err)
	}
	var target *RPCError
	if !errors.As(err, &target) || target != rpc {
		t.Error("protocolError does not unwrap to the RPCError")
	}
	if err.CountsAgainstBreaker() {
		t.Error("protocol errors must not count against the breaker")
	}
}

func TestNotificationOmitsNilParams(t *testing.T) {
	data, err := json.Marshal(NewNotification("test", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["params"]; ok {
		t.Error("params should be omitted when nil")
	}
	if _, ok := m["id"]; ok {
		t.Error("notifications must not carry an id")
	}
}

func TestReplyStatusString(t *testing.T) {
	if got := replyOtherID.String(); got != "other id" {
		t.Errorf("String() = %q", got)
	}
	if got := replyStatus(99).String(); got != "replyStatus(99)" {
		t.Errorf("String() = %q", got)
	}
}
