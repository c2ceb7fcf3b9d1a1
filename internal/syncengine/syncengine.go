// Package syncengine periodically pulls new messages from IMAP into
// the local mail cache, incrementally by UID watermark once a folder
// has been seen before. It falls back to polling entirely because the
// IMAP session layer does not implement IDLE (see imap.ErrIdleUnsupported).
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/textfortress/mailgw/internal/attachments"
	"github.com/textfortress/mailgw/internal/cache"
	"github.com/textfortress/mailgw/internal/eventbus"
	"github.com/textfortress/mailgw/internal/imap"
	"github.com/textfortress/mailgw/internal/pool"
)

const fetchBatchSize = 100

// AccountPool is the subset of *pool.Pool the engine depends on, so
// tests can substitute a fake pool without dialing IMAP.
type AccountPool interface {
	Acquire(ctx context.Context) (*pool.Handle, error)
}

// Publisher is notified when a folder sync pulls in new messages, so a
// caller (the WebSocket event bus) can tell clients without them
// polling. Satisfied by *eventbus.Hub; nil is legal and simply skips
// publishing.
type Publisher interface {
	Publish(eventbus.Event)
}

// Engine drives periodic sync for one or more accounts against a
// shared cache.
type Engine struct {
	cache     *cache.Cache
	pools     map[string]AccountPool
	interval  time.Duration
	logger    *slog.Logger
	publisher Publisher

	mu      sync.Mutex
	running map[string]bool // folder keys currently syncing, to avoid overlap
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithPublisher wires an event bus publisher that the engine notifies
// after each folder sync that pulls in new messages.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// New creates a sync engine that pulls from pools (keyed by account
// id) into cache every interval.
func New(c *cache.Cache, pools map[string]AccountPool, interval time.Duration, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	e := &Engine{
		cache:    c,
		pools:    pools,
		interval: interval,
		logger:   logger,
		running:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run blocks, syncing all accounts every interval, until ctx is
// cancelled. Intended to be started in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for accountID := range e.pools {
				if err := e.SyncAllFolders(ctx, accountID); err != nil {
					e.logger.Error("background sync failed", "account", accountID, "error", err)
				}
			}
		}
	}
}

// SyncAllFolders syncs every folder visible to accountID.
func (e *Engine) SyncAllFolders(ctx context.Context, accountID string) error {
	p, ok := e.pools[accountID]
	if !ok {
		return fmt.Errorf("syncengine: unknown account %q", accountID)
	}

	h, err := p.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	defer h.Release()

	folders, err := h.Session().ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("list folders: %w", err)
	}

	for _, f := range folders {
		if err := e.syncFolderWithSession(ctx, accountID, f.Name, h.Session(), 0); err != nil {
			e.logger.Warn("folder sync failed", "account", accountID, "folder", f.Name, "error", err)
		}
	}
	return nil
}

// SyncFolder syncs a single folder for an account, with an optional
// limit on how many of the newest messages to pull on first sync.
func (e *Engine) SyncFolder(ctx context.Context, accountID, folder string, limit int) error {
	p, ok := e.pools[accountID]
	if !ok {
		return fmt.Errorf("syncengine: unknown account %q", accountID)
	}

	h, err := p.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	defer h.Release()

	return e.syncFolderWithSession(ctx, accountID, folder, h.Session(), limit)
}

// FullSync clears the cached contents of a folder and re-downloads it
// from scratch, for recovering from cache corruption or a UIDVALIDITY
// change the incremental path can't reconcile on its own.
func (e *Engine) FullSync(ctx context.Context, accountID, folder string) error {
	if _, err := e.cache.GetOrCreateFolder(ctx, accountID, folder); err != nil {
		return fmt.Errorf("get folder: %w", err)
	}
	if err := e.cache.InvalidateFolder(ctx, accountID, folder); err != nil {
		return fmt.Errorf("clear cached folder: %w", err)
	}
	if err := e.cache.SetSyncState(ctx, accountID, folder, 0, cache.SyncIdle, ""); err != nil {
		e.logger.Warn("failed to reset sync state for full sync", "folder", folder, "error", err)
	}

	return e.SyncFolder(ctx, accountID, folder, 0)
}

func (e *Engine) syncFolderWithSession(ctx context.Context, accountID, folder string, session imap.Session, limit int) error {
	key := accountID + ":" + folder

	e.mu.Lock()
	if e.running[key] {
		e.mu.Unlock()
		return nil // a sync for this folder is already in flight
	}
	e.running[key] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, key)
		e.mu.Unlock()
	}()

	state, err := e.cache.GetSyncState(ctx, accountID, folder)
	if err != nil {
		return fmt.Errorf("get sync state: %w", err)
	}

	if err := e.cache.SetSyncState(ctx, accountID, folder, state.LastUIDSynced, cache.SyncRunning, ""); err != nil {
		e.logger.Warn("failed to mark sync state running", "folder", folder, "error", err)
	}

	cachedFolder, err := e.cache.GetOrCreateFolder(ctx, accountID, folder)
	if err != nil {
		return fmt.Errorf("get cached folder: %w", err)
	}

	mbox, err := session.SelectFolder(ctx, folder)
	if err != nil {
		e.markError(ctx, accountID, folder, state.LastUIDSynced, err)
		return fmt.Errorf("select folder: %w", err)
	}

	if cachedFolder.UIDValidity != 0 && int64(mbox.UIDValidity) != cachedFolder.UIDValidity {
		e.logger.Warn("UIDVALIDITY changed, invalidating cached folder",
			"account", accountID, "folder", folder,
			"old", cachedFolder.UIDValidity, "new", mbox.UIDValidity)
		if err := e.cache.InvalidateFolder(ctx, accountID, folder); err != nil {
			return fmt.Errorf("invalidate folder after UIDVALIDITY change: %w", err)
		}
		state.LastUIDSynced = 0
	}

	opts := imap.ListOptions{Folder: folder, SinceUID: state.LastUIDSynced}
	if limit > 0 {
		opts.Limit = limit
	}

	envelopes, err := session.ListMessages(ctx, opts)
	if err != nil {
		e.markError(ctx, accountID, folder, state.LastUIDSynced, err)
		return fmt.Errorf("list messages: %w", err)
	}

	if len(envelopes) == 0 {
		e.logger.Debug("no new messages to sync", "account", accountID, "folder", folder)
		if err := e.cache.UpdateFolderCounts(ctx, cachedFolder.ID, int(mbox.Exists), int(mbox.Unseen), mbox.UIDValidity, mbox.UIDNext); err != nil {
			e.logger.Warn("failed to update folder counts", "folder", folder, "error", err)
		}
		return e.cache.SetSyncState(ctx, accountID, folder, state.LastUIDSynced, cache.SyncIdle, "")
	}

	uids := make([]uint32, len(envelopes))
	for i, env := range envelopes {
		uids[i] = env.UID
	}

	lastUID := state.LastUIDSynced
	for start := 0; start < len(uids); start += fetchBatchSize {
		end := start + fetchBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[start:end]

		messages, err := session.FetchMessages(ctx, folder, batch)
		if err != nil {
			e.logger.Warn("fetch batch failed", "folder", folder, "error", err)
			continue
		}

		for _, msg := range messages {
			if err := e.cacheMessage(ctx, accountID, folder, msg); err != nil {
				e.logger.Error("failed to cache message", "uid", msg.UID, "error", err)
				continue
			}
			if msg.UID > lastUID {
				lastUID = msg.UID
			}
		}
	}

	if err := e.cache.UpdateFolderCounts(ctx, cachedFolder.ID, int(mbox.Exists), int(mbox.Unseen), mbox.UIDValidity, mbox.UIDNext); err != nil {
		e.logger.Warn("failed to update folder counts", "folder", folder, "error", err)
	}

	e.logger.Info("synced folder", "account", accountID, "folder", folder, "messages", len(uids))
	if e.publisher != nil {
		e.publisher.Publish(eventbus.Event{
			Account:     accountID,
			Folder:      folder,
			NewMessages: len(uids),
			LastUID:     lastUID,
			At:          time.Now(),
		})
	}
	return e.cache.SetSyncState(ctx, accountID, folder, lastUID, cache.SyncIdle, "")
}

func (e *Engine) cacheMessage(ctx context.Context, accountID, folder string, msg *imap.Message) error {
	messageID := attachments.EnsureMessageID(msg.MessageID, accountID, msg.UID, msg.Date)

	flags, err := json.Marshal(msg.Flags)
	if err != nil {
		flags = []byte("[]")
	}
	to, err := json.Marshal(msg.To)
	if err != nil {
		to = []byte("[]")
	}
	cc, err := json.Marshal(msg.Cc)
	if err != nil {
		cc = []byte("[]")
	}
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		headers = []byte("{}")
	}

	return e.cache.PutMessage(ctx, accountID, folder, &cache.Message{
		UID:          msg.UID,
		MessageID:    messageID,
		Subject:      msg.Subject,
		From:         msg.From,
		FromName:     msg.FromName,
		To:           string(to),
		Cc:           string(cc),
		Date:         msg.Date,
		InternalDate: msg.InternalDate,
		Size:         int64(msg.Size),
		Flags:        string(flags),
		Headers:      string(headers),
		BodyText:     msg.TextBody,
		BodyHTML:     msg.HTMLBody,
	})
}

func (e *Engine) markError(ctx context.Context, accountID, folder string, lastUID uint32, err error) {
	if setErr := e.cache.SetSyncState(ctx, accountID, folder, lastUID, cache.SyncError, err.Error()); setErr != nil {
		e.logger.Warn("failed to record sync error state", "folder", folder, "error", setErr)
	}
}
