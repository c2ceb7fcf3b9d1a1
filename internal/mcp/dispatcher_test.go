package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/textfortress/mailgw/internal/config"
	"github.com/textfortress/mailgw/internal/imap"
	"github.com/textfortress/mailgw/internal/pool"
)

type fakeFactory struct {
	session *imap.Fake
}

func (f *fakeFactory) Create(ctx context.Context) (imap.Session, error)  { return f.session, nil }
func (f *fakeFactory) Validate(ctx context.Context, s imap.Session) bool { return true }

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinConnections:      0,
		MaxConnections:      2,
		IdleTimeout:         time.Hour,
		HealthCheckInterval: time.Hour,
		AcquireTimeout:      time.Second,
	}
}

func newTestDispatcher(t *testing.T, session *imap.Fake) *Dispatcher {
	t.Helper()
	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	t.Cleanup(func() { p.Close() })
	return NewDispatcher(NewRegistry(), map[string]AccountPool{"acct1": p}, "acct1", nil)
}

func TestDispatcher_ListFolders(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{Subject: "Hi"}})
	d := newTestDispatcher(t, session)

	req, _ := NewRequest(NewID(1), "listFolders", nil)
	resp := d.Dispatch(context.Background(), nil, req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("expected a result")
	}
}

func TestDispatcher_MethodNotFound(t *testing.T) {
	d := newTestDispatcher(t, imap.NewFake("acct1"))

	req, _ := NewRequest(NewID(1), "notAMethod", nil)
	resp := d.Dispatch(context.Background(), nil, req)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("Error = %+v, want CodeMethodNotFound", resp.Error)
	}
}

func TestDispatcher_SelectFolderUpdatesPortState(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("Archive", &imap.Message{Envelope: imap.Envelope{Subject: "Old"}})
	d := newTestDispatcher(t, session)
	port := NewPortState()

	req, _ := NewRequest(NewID(1), "selectFolder", map[string]any{"name": "Archive"})
	resp := d.Dispatch(context.Background(), port, req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	_, folder := port.Snapshot()
	if folder != "Archive" {
		t.Errorf("port folder = %q, want Archive", folder)
	}
}

func TestDispatcher_FetchEmailsWithoutSelectionFails(t *testing.T) {
	d := newTestDispatcher(t, imap.NewFake("acct1"))
	port := NewPortState()

	req, _ := NewRequest(NewID(1), "fetchEmails", map[string]any{"uids": []int{1}})
	resp := d.Dispatch(context.Background(), port, req)
	if resp.Error == nil || resp.Error.Code != CodeRequiresSelection {
		t.Fatalf("Error = %+v, want CodeRequiresSelection", resp.Error)
	}
}

func TestDispatcher_FetchEmailsAfterSelection(t *testing.T) {
	session := imap.NewFake("acct1")
	msg := session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{Subject: "Hello", UID: 1}})
	d := newTestDispatcher(t, session)
	port := NewPortState()
	port.SetSelection("acct1", "INBOX")

	req, _ := NewRequest(NewID(1), "fetchEmails", fetchEmailsParams{UIDs: []uint32{msg.UID}, FetchBody: true})
	resp := d.Dispatch(context.Background(), port, req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestDispatcher_MoveEmailsValidatesDestination(t *testing.T) {
	d := newTestDispatcher(t, imap.NewFake("acct1"))
	port := NewPortState()
	port.SetSelection("acct1", "INBOX")

	req, _ := NewRequest(NewID(1), "moveEmails", map[string]any{"uids": []int{1}})
	resp := d.Dispatch(context.Background(), port, req)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("Error = %+v, want CodeInvalidParams", resp.Error)
	}
}

func TestDispatcher_EmptyUIDsRejectedBeforeAcquiringPool(t *testing.T) {
	session := imap.NewFake("acct1")
	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	defer p.Close()
	d := NewDispatcher(NewRegistry(), map[string]AccountPool{"acct1": p}, "acct1", nil)

	before := p.Stats()

	req, _ := NewRequest(NewID(1), "fetchEmails", map[string]any{"uids": []int{}})
	resp := d.Dispatch(context.Background(), nil, req)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("Error = %+v, want CodeInvalidParams", resp.Error)
	}

	after := p.Stats()
	if after.TotalAcquired != before.TotalAcquired || after.TotalReleased != before.TotalReleased {
		t.Errorf("pool stats changed on a validation failure: before=%+v after=%+v", before, after)
	}
}

func TestDispatcher_UnknownAccount(t *testing.T) {
	d := newTestDispatcher(t, imap.NewFake("acct1"))
	port := NewPortState()

	req, _ := NewRequest(NewID(1), "listFolders", map[string]any{"account_id": "nope"})
	resp := d.Dispatch(context.Background(), port, req)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("Error = %+v, want CodeInvalidParams", resp.Error)
	}
}

func TestDispatcher_HandleMessage_ParseError(t *testing.T) {
	d := newTestDispatcher(t, imap.NewFake("acct1"))

	out := d.HandleMessage(context.Background(), []byte(`{"id":5,"method":`))
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal dispatcher output: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("Error = %+v, want CodeParseError", resp.Error)
	}
}

func TestDispatcher_HandleMessage_Notification(t *testing.T) {
	d := newTestDispatcher(t, imap.NewFake("acct1"))

	out := d.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"listFolders"}`))
	if out != nil {
		t.Errorf("expected no response for a notification, got %s", out)
	}
}
