// Package cache provides the durable mail cache: a SQLite-backed store
// of folders and messages per account, fronted by an in-memory LRU for
// hot reads. The sync engine populates it incrementally from IMAP; the
// MCP dispatcher and agent executor read from it to avoid a live IMAP
// round trip on every tool call.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/textfortress/mailgw/internal/config"
	"github.com/textfortress/mailgw/internal/sqlitedriver"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id    TEXT PRIMARY KEY,
	email TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id      TEXT NOT NULL,
	name            TEXT NOT NULL,
	delimiter       TEXT,
	attributes      TEXT NOT NULL DEFAULT '[]',
	uid_validity    INTEGER,
	uid_next        INTEGER,
	total_messages  INTEGER NOT NULL DEFAULT 0,
	unseen_messages INTEGER NOT NULL DEFAULT 0,
	last_sync       TIMESTAMP,
	UNIQUE(account_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	folder_id     INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	uid           INTEGER NOT NULL,
	message_id    TEXT,
	subject       TEXT,
	from_addr     TEXT,
	from_name     TEXT,
	to_addrs      TEXT NOT NULL DEFAULT '[]',
	cc_addrs      TEXT NOT NULL DEFAULT '[]',
	date          TIMESTAMP,
	internal_date TIMESTAMP,
	size          INTEGER,
	flags         TEXT NOT NULL DEFAULT '[]',
	headers       TEXT NOT NULL DEFAULT '{}',
	body_text     TEXT,
	body_html     TEXT,
	cached_at     TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	UNIQUE(folder_id, uid)
);
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder_id, uid);
CREATE INDEX IF NOT EXISTS idx_messages_subject ON messages(folder_id, subject);

CREATE TABLE IF NOT EXISTS sync_state (
	folder_id             INTEGER PRIMARY KEY REFERENCES folders(id) ON DELETE CASCADE,
	last_uid_synced       INTEGER,
	last_full_sync        TIMESTAMP,
	last_incremental_sync TIMESTAMP,
	status                TEXT NOT NULL DEFAULT 'idle',
	error_message         TEXT
);
`

// Folder is a cached mailbox row.
type Folder struct {
	ID             int64     `db:"id"`
	AccountID      string    `db:"account_id"`
	Name           string    `db:"name"`
	Delimiter      string    `db:"delimiter"`
	Attributes     string    `db:"attributes"` // JSON array, decoded by callers that need it
	UIDValidity    int64     `db:"uid_validity"`
	UIDNext        int64     `db:"uid_next"`
	TotalMessages  int       `db:"total_messages"`
	UnseenMessages int       `db:"unseen_messages"`
	LastSync       time.Time `db:"last_sync"`
}

// Message is a cached email row.
type Message struct {
	ID           int64     `db:"id"`
	FolderID     int64     `db:"folder_id"`
	UID          uint32    `db:"uid"`
	MessageID    string    `db:"message_id"`
	Subject      string    `db:"subject"`
	From         string    `db:"from_addr"`
	FromName     string    `db:"from_name"`
	To           string    `db:"to_addrs"` // JSON array
	Cc           string    `db:"cc_addrs"` // JSON array
	Date         time.Time `db:"date"`
	InternalDate time.Time `db:"internal_date"`
	Size         int64     `db:"size"`
	Flags        string    `db:"flags"` // JSON array
	Headers      string    `db:"headers"` // JSON object
	BodyText     string    `db:"body_text"`
	BodyHTML     string    `db:"body_html"`
	CachedAt     time.Time `db:"cached_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// SyncStatus is the state of a folder's background sync loop.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncRunning SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// SyncState tracks incremental sync progress for one folder.
type SyncState struct {
	FolderID            int64      `db:"folder_id"`
	LastUIDSynced       uint32     `db:"last_uid_synced"`
	LastFullSync        *time.Time `db:"last_full_sync"`
	LastIncrementalSync *time.Time `db:"last_incremental_sync"`
	Status              SyncStatus `db:"status"`
	ErrorMessage        string     `db:"error_message"`
}

// memKey identifies a cached message in the LRU, scoped by account and
// folder since UIDs are only unique within a single mailbox.
type memKey struct {
	accountID string
	folder    string
	uid       uint32
}

// Cache is the mail cache: a SQLite store of record with an in-memory
// LRU overlay for hot message reads.
type Cache struct {
	db  *sqlx.DB
	cfg config.CacheConfig

	mu       sync.RWMutex
	memCache *lru.Cache[memKey, *Message]

	folderMu sync.RWMutex
	folders  map[string]*Folder // keyed by accountID + ":" + name
}

// Open creates (if needed) and opens the cache database at
// cfg.DatabasePath, applies the schema, and returns a ready Cache.
func Open(cfg config.CacheConfig) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sqlx.Connect(sqlitedriver.DriverName, cfg.DatabasePath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	db.SetMaxOpenConns(5)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}

	memItems := cfg.MaxMemoryItems
	if memItems <= 0 {
		memItems = 1000
	}
	memCache, err := lru.New[memKey, *Message](memItems)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create memory cache: %w", err)
	}

	c := &Cache{
		db:       db,
		cfg:      cfg,
		memCache: memCache,
		folders:  make(map[string]*Folder),
	}

	if err := c.loadFolders(); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

func folderKey(accountID, name string) string {
	return accountID + ":" + name
}

func (c *Cache) loadFolders() error {
	var rows []Folder
	if err := c.db.Select(&rows, `SELECT id, account_id, name, delimiter, attributes,
		uid_validity, uid_next, total_messages, unseen_messages, last_sync FROM folders`); err != nil {
		return fmt.Errorf("load folders: %w", err)
	}

	c.folderMu.Lock()
	defer c.folderMu.Unlock()
	for i := range rows {
		f := rows[i]
		c.folders[folderKey(f.AccountID, f.Name)] = &f
	}
	return nil
}

// GetOrCreateFolder returns the cached folder row for accountID/name,
// creating it if this is the first time it's been seen.
func (c *Cache) GetOrCreateFolder(ctx context.Context, accountID, name string) (*Folder, error) {
	key := folderKey(accountID, name)

	c.folderMu.RLock()
	if f, ok := c.folders[key]; ok {
		c.folderMu.RUnlock()
		return f, nil
	}
	c.folderMu.RUnlock()

	var existing Folder
	err := c.db.GetContext(ctx, &existing, `SELECT id, account_id, name, delimiter, attributes,
		uid_validity, uid_next, total_messages, unseen_messages, last_sync
		FROM folders WHERE account_id = ? AND name = ?`, accountID, name)
	if err == nil {
		c.folderMu.Lock()
		c.folders[key] = &existing
		c.folderMu.Unlock()
		return &existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("query folder: %w", err)
	}

	res, err := c.db.ExecContext(ctx, `INSERT INTO folders (account_id, name) VALUES (?, ?)`, accountID, name)
	if err != nil {
		return nil, fmt.Errorf("insert folder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get folder id: %w", err)
	}

	f := &Folder{ID: id, AccountID: accountID, Name: name, Attributes: "[]"}
	c.folderMu.Lock()
	c.folders[key] = f
	c.folderMu.Unlock()
	return f, nil
}

// UpdateFolderCounts updates a folder's cached message/unseen counts
// and UID watermarks after a sync pass.
func (c *Cache) UpdateFolderCounts(ctx context.Context, folderID int64, total, unseen int, uidValidity, uidNext uint32) error {
	_, err := c.db.ExecContext(ctx, `UPDATE folders SET total_messages = ?, unseen_messages = ?,
		uid_validity = ?, uid_next = ?, last_sync = ? WHERE id = ?`,
		total, unseen, uidValidity, uidNext, time.Now(), folderID)
	if err != nil {
		return fmt.Errorf("update folder counts: %w", err)
	}

	c.folderMu.Lock()
	for _, f := range c.folders {
		if f.ID == folderID {
			f.TotalMessages = total
			f.UnseenMessages = unseen
			f.UIDValidity = int64(uidValidity)
			f.UIDNext = int64(uidNext)
			f.LastSync = time.Now()
		}
	}
	c.folderMu.Unlock()
	return nil
}

// PutMessage upserts a cached message row and refreshes the LRU entry.
func (c *Cache) PutMessage(ctx context.Context, accountID, folder string, msg *Message) error {
	f, err := c.GetOrCreateFolder(ctx, accountID, folder)
	if err != nil {
		return err
	}
	msg.FolderID = f.ID
	msg.CachedAt = time.Now()
	msg.UpdatedAt = msg.CachedAt

	_, err = c.db.NamedExecContext(ctx, `INSERT INTO messages
		(folder_id, uid, message_id, subject, from_addr, from_name, to_addrs, cc_addrs, date, internal_date, size, flags, headers, body_text, body_html, cached_at, updated_at)
		VALUES (:folder_id, :uid, :message_id, :subject, :from_addr, :from_name, :to_addrs, :cc_addrs, :date, :internal_date, :size, :flags, :headers, :body_text, :body_html, :cached_at, :updated_at)
		ON CONFLICT(folder_id, uid) DO UPDATE SET
			message_id = excluded.message_id, subject = excluded.subject, from_addr = excluded.from_addr,
			from_name = excluded.from_name, to_addrs = excluded.to_addrs, cc_addrs = excluded.cc_addrs,
			date = excluded.date, internal_date = excluded.internal_date, size = excluded.size,
			flags = excluded.flags, headers = excluded.headers, body_text = excluded.body_text,
			body_html = excluded.body_html, updated_at = excluded.updated_at`,
		msg)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	c.memCache.Add(memKey{accountID, folder, msg.UID}, msg)
	return nil
}

// GetMessage returns a cached message by UID, checking the in-memory
// LRU before falling back to SQLite.
func (c *Cache) GetMessage(ctx context.Context, accountID, folder string, uid uint32) (*Message, error) {
	key := memKey{accountID, folder, uid}
	if m, ok := c.memCache.Get(key); ok {
		return m, nil
	}

	f, err := c.GetOrCreateFolder(ctx, accountID, folder)
	if err != nil {
		return nil, err
	}

	var m Message
	err = c.db.GetContext(ctx, &m, `SELECT * FROM messages WHERE folder_id = ? AND uid = ?`, f.ID, uid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}

	c.memCache.Add(key, &m)
	return &m, nil
}

// previewBodyLimit is the body length (in runes) get_cached_emails
// truncates to in preview mode, per the cache's listing contract.
const previewBodyLimit = 200

// truncatePreview shortens body text to previewBodyLimit characters,
// appending an ellipsis when it cut something off.
func truncatePreview(body string) string {
	r := []rune(body)
	if len(r) <= previewBodyLimit {
		return body
	}
	return string(r[:previewBodyLimit]) + "..."
}

// ListMessages returns up to limit cached messages for a folder,
// newest first, skipping offset rows. In preview mode, body text and
// HTML are truncated to previewBodyLimit characters so a listing call
// stays cheap for callers that only need a summary.
func (c *Cache) ListMessages(ctx context.Context, accountID, folder string, limit, offset int, previewMode bool) ([]*Message, error) {
	f, err := c.GetOrCreateFolder(ctx, accountID, folder)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var rows []*Message
	err = c.db.SelectContext(ctx, &rows, `SELECT * FROM messages WHERE folder_id = ?
		ORDER BY COALESCE(date, internal_date) DESC LIMIT ? OFFSET ?`, f.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if previewMode {
		for _, m := range rows {
			m.BodyText = truncatePreview(m.BodyText)
			m.BodyHTML = truncatePreview(m.BodyHTML)
		}
	}
	return rows, nil
}

// SearchMessages performs a simple substring search over cached
// subject/from/from-name/body fields, bypassing a live IMAP SEARCH
// round trip for queries the cache can already answer.
func (c *Cache) SearchMessages(ctx context.Context, accountID, folder, query string, limit int) ([]*Message, error) {
	f, err := c.GetOrCreateFolder(ctx, accountID, folder)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	like := "%" + strings.ReplaceAll(query, "%", "\\%") + "%"
	var rows []*Message
	err = c.db.SelectContext(ctx, &rows, `SELECT * FROM messages WHERE folder_id = ?
		AND (subject LIKE ? ESCAPE '\' OR from_addr LIKE ? ESCAPE '\' OR from_name LIKE ? ESCAPE '\' OR body_text LIKE ? ESCAPE '\')
		ORDER BY COALESCE(date, internal_date) DESC LIMIT ?`, f.ID, like, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return rows, nil
}

// FolderStats is a per-folder message count/size summary, the answer
// to get_folder_stats.
type FolderStats struct {
	Total     int   `json:"total" db:"total"`
	Unread    int   `json:"unread" db:"unread"`
	Read      int   `json:"read" db:"read"`
	SizeBytes int64 `json:"size_bytes" db:"size_bytes"`
}

// GetFolderStats reports the cached message count, read/unread split,
// and total size for one account's folder. A message is unread when
// its flags do not contain \Seen.
func (c *Cache) GetFolderStats(ctx context.Context, accountID, folder string) (FolderStats, error) {
	f, err := c.GetOrCreateFolder(ctx, accountID, folder)
	if err != nil {
		return FolderStats{}, err
	}

	var s FolderStats
	err = c.db.GetContext(ctx, &s, `SELECT
		COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN flags NOT LIKE '%\Seen%' THEN 1 ELSE 0 END), 0) AS unread,
		COALESCE(SUM(CASE WHEN flags LIKE '%\Seen%' THEN 1 ELSE 0 END), 0) AS read,
		COALESCE(SUM(size), 0) AS size_bytes
		FROM messages WHERE folder_id = ?`, f.ID)
	if err != nil {
		return FolderStats{}, fmt.Errorf("folder stats: %w", err)
	}
	return s, nil
}

// DeleteMessage removes a cached message row (e.g. after the source
// message was expunged on the server) and evicts it from the LRU.
func (c *Cache) DeleteMessage(ctx context.Context, accountID, folder string, uid uint32) error {
	f, err := c.GetOrCreateFolder(ctx, accountID, folder)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE folder_id = ? AND uid = ?`, f.ID, uid); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	c.memCache.Remove(memKey{accountID, folder, uid})
	return nil
}

// InvalidateFolder discards a folder's cached messages and sync bookmark.
// The sync engine calls this when it detects a UIDVALIDITY change, since
// cached UIDs are no longer meaningful once the server has reassigned them.
func (c *Cache) InvalidateFolder(ctx context.Context, accountID, folder string) error {
	f, err := c.GetOrCreateFolder(ctx, accountID, folder)
	if err != nil {
		return err
	}

	if _, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE folder_id = ?`, f.ID); err != nil {
		return fmt.Errorf("invalidate folder messages: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM sync_state WHERE folder_id = ?`, f.ID); err != nil {
		return fmt.Errorf("invalidate sync state: %w", err)
	}

	key := folderKey(accountID, folder)
	c.folderMu.Lock()
	if cached, ok := c.folders[key]; ok {
		cached.UIDValidity = 0
		cached.TotalMessages = 0
		cached.UnseenMessages = 0
	}
	c.folderMu.Unlock()

	c.mu.Lock()
	for _, k := range c.memCache.Keys() {
		if k.accountID == accountID && k.folder == folder {
			c.memCache.Remove(k)
		}
	}
	c.mu.Unlock()

	return nil
}

// PruneOlderThan deletes cached messages older than days days, freeing
// durable storage for accounts with long histories. Returns the number
// of rows removed.
func (c *Cache) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE date < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}

// GetSyncState returns the incremental sync bookmark for a folder.
func (c *Cache) GetSyncState(ctx context.Context, accountID, folder string) (*SyncState, error) {
	f, err := c.GetOrCreateFolder(ctx, accountID, folder)
	if err != nil {
		return nil, err
	}

	var s SyncState
	err = c.db.GetContext(ctx, &s, `SELECT * FROM sync_state WHERE folder_id = ?`, f.ID)
	if err == sql.ErrNoRows {
		return &SyncState{FolderID: f.ID, Status: SyncIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sync state: %w", err)
	}
	return &s, nil
}

// SetSyncState persists the folder's incremental sync bookmark.
func (c *Cache) SetSyncState(ctx context.Context, accountID, folder string, lastUID uint32, status SyncStatus, errMsg string) error {
	f, err := c.GetOrCreateFolder(ctx, accountID, folder)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx, `INSERT INTO sync_state (folder_id, last_uid_synced, last_incremental_sync, status, error_message)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(folder_id) DO UPDATE SET last_uid_synced = excluded.last_uid_synced,
			last_incremental_sync = excluded.last_incremental_sync, status = excluded.status, error_message = excluded.error_message`,
		f.ID, lastUID, time.Now(), status, errMsg)
	if err != nil {
		return fmt.Errorf("upsert sync state: %w", err)
	}
	return nil
}

// Stats is a point-in-time summary of cache contents for health
// endpoints and diagnostics tooling.
type Stats struct {
	Folders      int `json:"folders"`
	Messages     int `json:"messages"`
	MemoryCached int `json:"memory_cached"`
}

// Stats reports aggregate cache counters.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := c.db.GetContext(ctx, &s.Folders, `SELECT COUNT(*) FROM folders`); err != nil {
		return s, fmt.Errorf("count folders: %w", err)
	}
	if err := c.db.GetContext(ctx, &s.Messages, `SELECT COUNT(*) FROM messages`); err != nil {
		return s, fmt.Errorf("count messages: %w", err)
	}
	s.MemoryCached = c.memCache.Len()
	return s, nil
}
