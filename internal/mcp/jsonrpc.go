package mcp

import (
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// ID is a JSON-RPC request/response identifier. The spec allows a
// number, string, or null — callers are not ours to constrain, so we
// keep the raw wire bytes rather than forcing a Go type and losing
// whatever shape the client sent.
type ID = json.RawMessage

// NullID is the id used on responses to requests that couldn't be
// correlated (e.g. unparsable JSON).
var NullID = ID("null")

// NewID wraps an int64 as an ID, for server-originated requests and
// tests that don't care about exercising string/null ids specifically.
func NewID(n int64) ID {
	b, _ := json.Marshal(n)
	return ID(b)
}

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id ID, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: raw}, nil
}

// IsNotification reports whether the request carries no id, and
// therefore expects no response.
func (r *Request) IsNotification() bool { return len(r.ID) == 0 }

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewResultResponse builds a successful response carrying result,
// marshaled to JSON.
func NewResultResponse(id ID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: b}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, code int, message string, data any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
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

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Domain error codes for the mail gateway's tool catalog. These occupy
// the -32000 to -32099 range that JSON-RPC 2.0 reserves for
// implementation-defined server errors.
const (
	CodeIMAPConnection    = -32000
	CodeIMAPAuth          = -32001
	CodeFolderNotFound    = -32002
	CodeFolderExists      = -32003
	CodeEmailNotFound     = -32004
	CodeOperationFailed   = -32010
	CodeInvalidCriteria   = -32011
	CodeRequiresSelection = -32012
)

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

// extractID best-effort extracts the "id" field from a raw JSON-RPC
// message that is valid JSON but does not decode as a Request (e.g. a
// field of the wrong type), so a parse-error response can still be
// correlated to the caller's id. A document that is not valid JSON
// yields NullID.
func extractID(raw []byte) ID {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == nil {
		return NullID
	}
	return probe.ID
}
