package mcp

import (
	"context"
	"testing"

	"github.com/textfortress/mailgw/internal/attachments"
	"github.com/textfortress/mailgw/internal/imap"
	"github.com/textfortress/mailgw/internal/pool"
)

// fakeAttachmentStore records Save calls without touching disk, so
// saveAttachments can be tested without a real *attachments.Store.
type fakeAttachmentStore struct {
	saved []attachments.Part
}

func (f *fakeAttachmentStore) Save(ctx context.Context, account, messageID string, part attachments.Part) (*attachments.Info, error) {
	f.saved = append(f.saved, part)
	return &attachments.Info{
		Filename:    part.Filename,
		ContentType: part.ContentType,
		SizeBytes:   int64(len(part.Body)),
		StoragePath: account + "/" + messageID + "/" + part.Filename,
	}, nil
}

func newRegistryDispatcher(t *testing.T, session *imap.Fake, store AttachmentStore) *Dispatcher {
	t.Helper()
	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	t.Cleanup(func() { p.Close() })
	registry := NewRegistryWithAttachments(store)
	return NewDispatcher(registry, map[string]AccountPool{"acct1": p}, "acct1", nil)
}

func TestRegistry_SaveAttachments(t *testing.T) {
	session := imap.NewFake("acct1")
	msg := session.Seed("INBOX", &imap.Message{
		Envelope:  imap.Envelope{Subject: "Invoice", UID: 1},
		MessageID: "<abc@example.com>",
		Attachments: []imap.AttachmentInfo{
			{Filename: "invoice.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 fake")},
		},
	})
	store := &fakeAttachmentStore{}
	d := newRegistryDispatcher(t, session, store)
	port := NewPortState()
	port.SetSelection("acct1", "INBOX")

	req, _ := NewRequest(NewID(1), "saveAttachments", map[string]any{"uid": msg.UID})
	resp := d.Dispatch(context.Background(), port, req)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved = %d parts, want 1", len(store.saved))
	}
	if store.saved[0].Filename != "invoice.pdf" {
		t.Errorf("saved filename = %q", store.saved[0].Filename)
	}
}

func TestRegistry_SaveAttachmentsRequiresUID(t *testing.T) {
	session := imap.NewFake("acct1")
	d := newRegistryDispatcher(t, session, &fakeAttachmentStore{})
	port := NewPortState()
	port.SetSelection("acct1", "INBOX")

	req, _ := NewRequest(NewID(1), "saveAttachments", map[string]any{})
	resp := d.Dispatch(context.Background(), port, req)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("Error = %+v, want CodeInvalidParams", resp.Error)
	}
}

func TestRegistry_NewRegistryOmitsSaveAttachments(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("saveAttachments"); ok {
		t.Fatal("saveAttachments should not be registered without an AttachmentStore")
	}
}
