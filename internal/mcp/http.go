package mcp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// sessionHeader carries the HTTP transport's port affinity: repeated
// requests with the same value share one PortState, so a selectFolder
// call binds subsequent calls on that session to the same folder.
const sessionHeader = "Mcp-Session"

// HTTPHandler serves the MCP tool catalog over one-POST-per-request
// HTTP: each request body is a JSON-RPC request, each response body is
// the JSON-RPC response. REST and SSE framing around this (described
// in the external interfaces as a collaborator's concern) are not
// implemented here.
type HTTPHandler struct {
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu    sync.Mutex
	ports map[string]*PortState
}

// NewHTTPHandler builds an HTTP handler over dispatcher.
func NewHTTPHandler(dispatcher *Dispatcher, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{dispatcher: dispatcher, logger: logger, ports: make(map[string]*PortState)}
}

// portFor returns the PortState bound to sessionID, creating one if
// this is the first request on that session.
func (h *HTTPHandler) portFor(sessionID string) *PortState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.ports[sessionID]; ok {
		return p
	}
	p := NewPortState()
	p.SessionID = sessionID
	h.ports[sessionID] = p
	return p
}

// ServeHTTP implements POST /mcp/command: read the JSON-RPC request
// body, dispatch it against the caller's session port, write the
// JSON-RPC response body. A session id is assigned if the caller
// didn't supply one, and echoed back so the caller can reuse it.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	port := h.portFor(sessionID)

	var req Request
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(sessionHeader, sessionID)

	if err := json.Unmarshal(body, &req); err != nil {
		h.writeResponse(w, NewErrorResponse(extractID(body), CodeParseError, "parse error", err.Error()))
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		h.writeResponse(w, NewErrorResponse(req.ID, CodeInvalidRequest, "invalid request: missing jsonrpc version or method", nil))
		return
	}

	resp := h.dispatcher.Dispatch(r.Context(), port, &req)
	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeResponse(w, resp)
}

func (h *HTTPHandler) writeResponse(w http.ResponseWriter, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal MCP response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if _, err := w.Write(data); err != nil {
		h.logger.Error("failed to write MCP response", "error", err)
	}
}
