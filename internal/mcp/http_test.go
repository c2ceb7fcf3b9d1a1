package mcp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/textfortress/mailgw/internal/imap"
)

func TestHTTPHandler_ListFolders(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{Subject: "Hi"}})
	d := newTestDispatcher(t, session)
	h := NewHTTPHandler(d, nil)

	body := `{"jsonrpc":"2.0","id":1,"method":"listFolders"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp/command", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get(sessionHeader) == "" {
		t.Error("expected a session id to be assigned")
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestHTTPHandler_SessionAffinityAcrossRequests(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("Archive", &imap.Message{Envelope: imap.Envelope{Subject: "Old"}})
	d := newTestDispatcher(t, session)
	h := NewHTTPHandler(d, nil)

	selectReq := httptest.NewRequest(http.MethodPost, "/mcp/command",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"selectFolder","params":{"name":"Archive"}}`))
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, selectReq)
	sid := rec1.Header().Get(sessionHeader)
	if sid == "" {
		t.Fatal("expected a session id")
	}

	fetchReq := httptest.NewRequest(http.MethodPost, "/mcp/command",
		strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"fetchEmails","params":{"uids":[1]}}`))
	fetchReq.Header.Set(sessionHeader, sid)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, fetchReq)

	var resp Response
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("expected fetchEmails to reuse the selected folder, got error %+v", resp.Error)
	}
}

func TestHTTPHandler_FetchEmailsWithoutSessionRequiresSelection(t *testing.T) {
	d := newTestDispatcher(t, imap.NewFake("acct1"))
	h := NewHTTPHandler(d, nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp/command",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"fetchEmails","params":{"uids":[1]}}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeRequiresSelection {
		t.Fatalf("Error = %+v, want CodeRequiresSelection", resp.Error)
	}
}

func TestHTTPHandler_MethodNotAllowed(t *testing.T) {
	d := newTestDispatcher(t, imap.NewFake("acct1"))
	h := NewHTTPHandler(d, nil)

	req := httptest.NewRequest(http.MethodGet, "/mcp/command", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHTTPHandler_ParseError(t *testing.T) {
	d := newTestDispatcher(t, imap.NewFake("acct1"))
	h := NewHTTPHandler(d, nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp/command", bytes.NewReader([]byte(`{"id":1,`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("Error = %+v, want CodeParseError", resp.Error)
	}
}
