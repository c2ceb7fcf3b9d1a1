package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/textfortress/mailgw/internal/imap"
	"github.com/textfortress/mailgw/internal/pool"
)

// AccountPool is the subset of *pool.Pool the dispatcher depends on,
// mirroring syncengine.AccountPool, so tests can substitute a fake
// pool without dialing IMAP.
type AccountPool interface {
	Acquire(ctx context.Context) (*pool.Handle, error)
}

// Dispatcher implements JSON-RPC 2.0 request handling for the tool
// catalog: parse, validate, look up the method, acquire a session for
// the resolved account, execute, and map the outcome to a response.
type Dispatcher struct {
	registry    *Registry
	pools       map[string]AccountPool
	defaultAcct string
	logger      *slog.Logger
}

// NewDispatcher builds a dispatcher over the given tool registry and
// per-account connection pools. defaultAccount is used when neither
// the port state nor the request parameters name an account.
func NewDispatcher(registry *Registry, pools map[string]AccountPool, defaultAccount string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, pools: pools, defaultAcct: defaultAccount, logger: logger}
}

// accountParams is the subset of request params every tool call may
// carry to pin the target account, independent of the tool's own
// argument shape.
type accountParams struct {
	AccountID string `json:"account_id"`
}

// resolveAccount picks the account a call targets: params.account_id,
// then the port's bound account, then the configured default.
func (d *Dispatcher) resolveAccount(port *PortState, params json.RawMessage) string {
	if len(params) > 0 {
		var p accountParams
		if err := json.Unmarshal(params, &p); err == nil && p.AccountID != "" {
			return p.AccountID
		}
	}
	if accountID, _ := port.Snapshot(); accountID != "" {
		return accountID
	}
	return d.defaultAcct
}

// HandleMessage processes one already-framed JSON-RPC message (request
// or notification) and returns the response bytes to write, or nil if
// no response is owed (a notification). A document that fails to parse
// still gets a parse-error response, carrying its id when extractID can
// recover one and a null id otherwise.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		resp := NewErrorResponse(extractID(raw), CodeParseError, "parse error", err.Error())
		return mustMarshal(resp)
	}

	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		resp := NewErrorResponse(req.ID, CodeInvalidRequest, "invalid request: missing jsonrpc version or method", nil)
		return mustMarshal(resp)
	}

	resp := d.Dispatch(ctx, nil, &req)
	if req.IsNotification() {
		return nil
	}
	return mustMarshal(resp)
}

// Dispatch runs one parsed request against port (creating a throwaway
// port state if nil — useful for one-shot callers like the agent
// executor) and returns the JSON-RPC response. Exported so in-process
// callers (the agent executor) can invoke a tool without going through
// a framed transport at all.
func (d *Dispatcher) Dispatch(ctx context.Context, port *PortState, req *Request) *Response {
	if port == nil {
		port = NewPortState()
	}

	tool, ok := d.registry.Lookup(req.Method)
	if !ok {
		return NewErrorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}

	accountID := d.resolveAccount(port, req.Params)
	if accountID == "" {
		return NewErrorResponse(req.ID, CodeInvalidParams, "no account_id supplied and no default account configured", nil)
	}

	acctPool, ok := d.pools[accountID]
	if !ok {
		return NewErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unknown account %q", accountID), nil)
	}

	if tool.Validate != nil {
		if err := tool.Validate(port, req.Params); err != nil {
			code, message := classifyError(err)
			return NewErrorResponse(req.ID, code, message, nil)
		}
	}

	handle, err := acctPool.Acquire(ctx)
	if err != nil {
		return NewErrorResponse(req.ID, CodeIMAPConnection, "pool acquire failed", err.Error())
	}
	defer handle.Release()

	result, err := tool.Execute(ctx, handle.Session(), port, req.Params)
	if err != nil {
		code, message := classifyError(err)
		d.logger.Warn("tool execution failed", "method", req.Method, "account", accountID, "error", err)
		return NewErrorResponse(req.ID, code, message, nil)
	}

	resp, err := NewResultResponse(req.ID, result)
	if err != nil {
		return NewErrorResponse(req.ID, CodeInternalError, "failed to marshal result", err.Error())
	}
	return resp
}

// classifyError maps a tool's returned error to a JSON-RPC error code
// and message, per the dispatcher's single pure mapping function. Any
// error not carrying an *imap.Error is treated as a generic IMAP
// operation failure.
func classifyError(err error) (code int, message string) {
	class := imap.ClassOf(err)
	switch class {
	case imap.FailureConnection:
		return CodeIMAPConnection, err.Error()
	case imap.FailureAuthentication:
		return CodeIMAPAuth, err.Error()
	case imap.FailureFolderNotFound:
		return CodeFolderNotFound, err.Error()
	case imap.FailureFolderExists:
		return CodeFolderExists, err.Error()
	case imap.FailureMessageNotFound:
		return CodeEmailNotFound, err.Error()
	case imap.FailureInvalidCriteria:
		return CodeInvalidCriteria, err.Error()
	case imap.FailureRequiresSelection:
		return CodeRequiresSelection, err.Error()
	case imap.FailureValidation:
		return CodeInvalidParams, err.Error()
	default:
		return CodeOperationFailed, err.Error()
	}
}

func mustMarshal(resp *Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		// A Response with already-marshaled Result/Error fields should
		// never fail to encode; fall back to a bare error frame.
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":"internal error"}}`, CodeInternalError))
	}
	return b
}
