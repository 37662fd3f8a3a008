package mcp

import (
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// MCP methods used by the client.
const (
	methodInitialize    = "initialize"
	methodInitialized   = "notifications/initialized"
	methodToolsList     = "tools/list"
	methodToolsCall     = "tools/call"
	methodResourcesList = "resources/list"
	methodPing          = "ping"
	methodShutdown      = "shutdown"
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// isReply reports whether the message carries a result or an error,
// as opposed to a server-initiated request or notification that happens
// to decode into a Response.
func (r *Response) isReply() bool {
	return r.Result != nil || r.Error != nil
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// protocolError wraps an error reply to method as a KindProtocol Error.
func (e *RPCError) protocolError(server, method string) *Error {
	return &Error{
		Kind:      KindProtocol,
		Server:    server,
		Operation: method,
		Code:      e.Code,
		Message:   e.Message,
		Err:       e,
	}
}

// replyStatus says how a received message relates to a pending request.
type replyStatus int

const (
	replyMatch    replyStatus = iota
	replyNotJSON              // log noise on stdout, keepalives
	replyNotReply             // server-initiated request or notification
	replyOtherID              // a reply, but to a different request
)

var replyStatusNames = [...]string{"match", "not json", "not a reply", "other id"}

func (s replyStatus) String() string {
	if int(s) < len(replyStatusNames) {
		return replyStatusNames[s]
	}
	return fmt.Sprintf("replyStatus(%d)", int(s))
}

// decodeReply parses one framed message (a stdio line or an SSE data
// payload) and reports whether it answers request id.
func decodeReply(data []byte, id int64) (*Response, replyStatus) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, replyNotJSON
	}
	if !resp.isReply() {
		return nil, replyNotReply
	}
	if resp.ID != id {
		return &resp, replyOtherID
	}
	return &resp, replyMatch
}

// frameLine encodes msg as one newline-terminated stdio frame. Encoded
// JSON never contains a raw newline, so the frame is a single line.
func frameLine(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}
