package syncengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/textfortress/mailgw/internal/cache"
	"github.com/textfortress/mailgw/internal/config"
	"github.com/textfortress/mailgw/internal/eventbus"
	"github.com/textfortress/mailgw/internal/imap"
	"github.com/textfortress/mailgw/internal/pool"
)

type fakePublisher struct {
	events []eventbus.Event
}

func (f *fakePublisher) Publish(e eventbus.Event) {
	f.events = append(f.events, e)
}

type fakeFactory struct {
	session *imap.Fake
}

func (f *fakeFactory) Create(ctx context.Context) (imap.Session, error) { return f.session, nil }
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

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := cache.Open(config.CacheConfig{
		DatabasePath:   filepath.Join(dir, "cache.db"),
		MaxMemoryItems: 10,
	})
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEngine_SyncFolder_PopulatesCache(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{Subject: "Hello"}})
	session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{Subject: "World"}})

	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	defer p.Close()

	c := newTestCache(t)
	e := New(c, map[string]AccountPool{"acct1": p}, time.Hour, nil)

	if err := e.SyncFolder(context.Background(), "acct1", "INBOX", 0); err != nil {
		t.Fatalf("SyncFolder: %v", err)
	}

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Messages != 2 {
		t.Errorf("cached messages = %d, want 2", stats.Messages)
	}

	state, err := c.GetSyncState(context.Background(), "acct1", "INBOX")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.Status != cache.SyncIdle {
		t.Errorf("Status = %q, want idle", state.Status)
	}
	if state.LastUIDSynced == 0 {
		t.Error("expected LastUIDSynced to advance past 0")
	}
}

func TestEngine_SyncFolder_PreservesFlagsAndRecipients(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("INBOX", &imap.Message{
		Envelope: imap.Envelope{
			Subject: "Hello",
			Flags:   []string{`\Seen`, `\Flagged`},
			To:      []string{"bob@example.com"},
		},
		Cc: []string{"carol@example.com"},
	})

	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	defer p.Close()

	c := newTestCache(t)
	e := New(c, map[string]AccountPool{"acct1": p}, time.Hour, nil)

	if err := e.SyncFolder(context.Background(), "acct1", "INBOX", 0); err != nil {
		t.Fatalf("SyncFolder: %v", err)
	}

	got, err := c.GetMessage(context.Background(), "acct1", "INBOX", 1)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got == nil {
		t.Fatal("expected a cached message")
	}
	if got.Flags != `["\\Seen","\\Flagged"]` {
		t.Errorf("Flags = %q", got.Flags)
	}
	if got.To != `["bob@example.com"]` {
		t.Errorf("To = %q", got.To)
	}
	if got.Cc != `["carol@example.com"]` {
		t.Errorf("Cc = %q", got.Cc)
	}
}

func TestEngine_SyncFolder_SynthesizesMissingMessageID(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{Subject: "No Message-Id"}})

	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	defer p.Close()

	c := newTestCache(t)
	e := New(c, map[string]AccountPool{"acct1": p}, time.Hour, nil)

	if err := e.SyncFolder(context.Background(), "acct1", "INBOX", 0); err != nil {
		t.Fatalf("SyncFolder: %v", err)
	}

	got, err := c.GetMessage(context.Background(), "acct1", "INBOX", 1)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got == nil || got.MessageID == "" {
		t.Fatal("expected a synthesized Message-ID")
	}
	if got.MessageID[:10] != "rustymail-" {
		t.Errorf("MessageID = %q, want a rustymail- prefix", got.MessageID)
	}
}

func TestEngine_SyncFolder_PublishesEventOnNewMessages(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{Subject: "Hello"}})

	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	defer p.Close()

	c := newTestCache(t)
	pub := &fakePublisher{}
	e := New(c, map[string]AccountPool{"acct1": p}, time.Hour, nil, WithPublisher(pub))

	if err := e.SyncFolder(context.Background(), "acct1", "INBOX", 0); err != nil {
		t.Fatalf("SyncFolder: %v", err)
	}

	if len(pub.events) != 1 {
		t.Fatalf("events = %d, want 1", len(pub.events))
	}
	if pub.events[0].Account != "acct1" || pub.events[0].Folder != "INBOX" || pub.events[0].NewMessages != 1 {
		t.Errorf("event = %+v", pub.events[0])
	}
}

func TestEngine_SyncFolder_EmptyFolderStaysIdle(t *testing.T) {
	session := imap.NewFake("acct1")
	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	defer p.Close()

	c := newTestCache(t)
	e := New(c, map[string]AccountPool{"acct1": p}, time.Hour, nil)

	if err := e.SyncFolder(context.Background(), "acct1", "INBOX", 0); err != nil {
		t.Fatalf("SyncFolder: %v", err)
	}

	state, err := c.GetSyncState(context.Background(), "acct1", "INBOX")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.Status != cache.SyncIdle {
		t.Errorf("Status = %q, want idle", state.Status)
	}
}

func TestEngine_SyncAllFolders_UnknownAccount(t *testing.T) {
	c := newTestCache(t)
	e := New(c, map[string]AccountPool{}, time.Hour, nil)

	if err := e.SyncAllFolders(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for an unknown account")
	}
}

func TestEngine_SyncAllFolders_SyncsEveryFolder(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{Subject: "Hi"}})
	_ = session.CreateFolder(context.Background(), "Archive")

	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	defer p.Close()

	c := newTestCache(t)
	e := New(c, map[string]AccountPool{"acct1": p}, time.Hour, nil)

	if err := e.SyncAllFolders(context.Background(), "acct1"); err != nil {
		t.Fatalf("SyncAllFolders: %v", err)
	}

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Folders < 2 {
		t.Errorf("expected both INBOX and Archive to be cached, got %d folders", stats.Folders)
	}
}

func TestEngine_FullSync_ResetsWatermark(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{Subject: "One"}})

	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	defer p.Close()

	c := newTestCache(t)
	e := New(c, map[string]AccountPool{"acct1": p}, time.Hour, nil)

	if err := e.SyncFolder(context.Background(), "acct1", "INBOX", 0); err != nil {
		t.Fatalf("SyncFolder: %v", err)
	}
	if err := e.FullSync(context.Background(), "acct1", "INBOX"); err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	state, err := c.GetSyncState(context.Background(), "acct1", "INBOX")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.Status != cache.SyncIdle {
		t.Errorf("Status after FullSync = %q, want idle", state.Status)
	}
}

func TestEngine_SyncFolder_UIDValidityChangeInvalidatesCache(t *testing.T) {
	session := imap.NewFake("acct1")
	session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{Subject: "First"}})

	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	defer p.Close()

	c := newTestCache(t)
	e := New(c, map[string]AccountPool{"acct1": p}, time.Hour, nil)

	if err := e.SyncFolder(context.Background(), "acct1", "INBOX", 0); err != nil {
		t.Fatalf("initial SyncFolder: %v", err)
	}

	statsBefore, _ := c.Stats(context.Background())
	if statsBefore.Messages != 1 {
		t.Fatalf("expected 1 cached message before UIDVALIDITY change, got %d", statsBefore.Messages)
	}

	// Simulate the server reassigning UIDs: bump UIDVALIDITY and reseed
	// with a message carrying the same UID but different content.
	session.UIDValidity["INBOX"] = session.UIDValidity["INBOX"] + 1
	session.Folders["INBOX"] = nil
	session.Seed("INBOX", &imap.Message{Envelope: imap.Envelope{UID: 1, Subject: "Reassigned"}})

	if err := e.SyncFolder(context.Background(), "acct1", "INBOX", 0); err != nil {
		t.Fatalf("SyncFolder after UIDVALIDITY change: %v", err)
	}

	got, err := c.GetMessage(context.Background(), "acct1", "INBOX", 1)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got == nil || got.Subject != "Reassigned" {
		t.Errorf("expected the cache to reflect the reassigned message, got %+v", got)
	}
}

func TestEngine_Run_StopsOnContextCancel(t *testing.T) {
	session := imap.NewFake("acct1")
	p := pool.New("acct1", &fakeFactory{session: session}, testPoolConfig(), nil)
	defer p.Close()

	c := newTestCache(t)
	e := New(c, map[string]AccountPool{"acct1": p}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
