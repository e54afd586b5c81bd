// Package protocol defines the JSON-RPC 2.0 envelopes, error codes, and
// connection close codes spoken by every session transport.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// JSON-RPC error codes. The standard range plus the server-defined codes
// used by the session state machine.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotInitialized     = -32001
	CodeAlreadyInitialized = -32002
	CodeUnsupportedVersion = -32003
	CodeForbidden          = -32005
)

// Connection close codes for session-level trust failures. These are in the
// WebSocket private-use range and distinct from in-band JSON-RPC errors;
// non-socket transports report them in a closing frame instead.
const (
	CloseProtocolViolation = 4002
	CloseForbidden         = 4003
)

// NewResponse builds a success response for the given request ID.
func NewResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{Jsonrpc: "2.0", Result: result, ID: id}
}

// NewErrorResponse builds an error response for the given request ID.
func NewErrorResponse(id json.RawMessage, code int, message string, data interface{}) *Response {
	return &Response{
		Jsonrpc: "2.0",
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

// ParseRequest decodes one frame into a Request. A top-level JSON array is
// rejected outright: the protocol requires one request per frame.
func ParseRequest(frame []byte) (*Request, *Error) {
	trimmed := bytes.TrimLeft(frame, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, &Error{
			Code:    CodeInvalidRequest,
			Message: "batched requests are not supported",
			Data:    "send one request per frame",
		}
	}

	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "parse error", Data: err.Error()}
	}
	if req.Jsonrpc != "2.0" || req.Method == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	}
	return &req, nil
}
