// Package attachments stores downloaded MIME parts on disk under a
// per-account, per-message directory, with metadata recorded in SQLite
// so the gateway can list, re-serve, or bundle them without re-parsing
// the source message.
package attachments

import (
	"archive/zip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"

	"github.com/textfortress/mailgw/internal/config"
	"github.com/textfortress/mailgw/internal/sqlitedriver"
)

const schema = `
CREATE TABLE IF NOT EXISTS attachment_metadata (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id    TEXT NOT NULL,
	account_email TEXT NOT NULL,
	filename      TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL,
	content_type  TEXT,
	storage_path  TEXT NOT NULL,
	downloaded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(message_id, account_email, filename)
);
`

// Info is the metadata recorded for a single saved attachment.
type Info struct {
	Filename     string    `db:"filename"`
	SizeBytes    int64     `db:"size_bytes"`
	ContentType  string    `db:"content_type"`
	DownloadedAt time.Time `db:"downloaded_at"`
	StoragePath  string    `db:"storage_path"`
}

// ErrNotFound is returned when no attachments are on record for a
// message, e.g. when building a ZIP bundle.
var ErrNotFound = fmt.Errorf("attachments: not found")

// Part is the subset of a decoded MIME part the store needs to persist
// an attachment, independent of the IMAP package's own types.
type Part struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Store persists attachment bytes to disk and indexes them in SQLite.
type Store struct {
	db   *sqlx.DB
	root string
}

// Open creates (if needed) the attachment root directory and metadata
// database and returns a ready Store.
func Open(cfg config.AttachmentsConfig, dbPath string) (*Store, error) {
	root := cfg.StorageRoot
	if root == "" {
		root = "attachments"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment root: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create attachment db directory: %w", err)
	}

	db, err := sqlx.Connect(sqlitedriver.DriverName, dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open attachment database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply attachment schema: %w", err)
	}

	return &Store{db: db, root: root}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// sanitizeMessageID strips angle brackets and replaces filesystem-unsafe
// characters so a Message-Id header is safe to use as a directory name.
func sanitizeMessageID(messageID string) string {
	trimmed := strings.Trim(messageID, "<>")
	var b strings.Builder
	for _, r := range trimmed {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 200 {
		out = out[:200]
	}
	return out
}

// EnsureMessageID returns messageID if non-empty, otherwise generates a
// stable pseudo message-id from the account, UID, and date so messages
// lacking a Message-Id header still get a deterministic storage path.
func EnsureMessageID(messageID, account string, uid uint32, date time.Time) string {
	if messageID != "" {
		return messageID
	}
	return fmt.Sprintf("rustymail-%s-%d-%d@local", strings.ReplaceAll(account, "@", "_"), uid, date.Unix())
}

// path returns the on-disk location for an attachment.
func (s *Store) path(account, messageID, filename string) string {
	return filepath.Join(s.root, account, sanitizeMessageID(messageID), filename)
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "pdf"):
		return "pdf"
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		return "jpg"
	case strings.Contains(contentType, "png"):
		return "png"
	case strings.Contains(contentType, "gif"):
		return "gif"
	case strings.Contains(contentType, "plain"):
		return "txt"
	case strings.Contains(contentType, "html"):
		return "html"
	default:
		return "bin"
	}
}

// Save writes an attachment's bytes to disk and records its metadata,
// overwriting any prior save for the same message/account/filename.
func (s *Store) Save(ctx context.Context, account, messageID string, part Part) (*Info, error) {
	filename := part.Filename
	if filename == "" {
		filename = "attachment_" + strconv.FormatInt(time.Now().Unix(), 10) + "." + extensionFor(part.ContentType)
	}

	storagePath := s.path(account, messageID, filename)
	if err := os.MkdirAll(filepath.Dir(storagePath), 0o755); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	if err := os.WriteFile(storagePath, part.Body, 0o644); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}

	info := &Info{
		Filename:    filename,
		SizeBytes:   int64(len(part.Body)),
		ContentType: part.ContentType,
		StoragePath: storagePath,
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO attachment_metadata
		(message_id, account_email, filename, size_bytes, content_type, storage_path)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, account_email, filename) DO UPDATE SET
			size_bytes = excluded.size_bytes, content_type = excluded.content_type,
			storage_path = excluded.storage_path, downloaded_at = CURRENT_TIMESTAMP`,
		messageID, account, filename, info.SizeBytes, info.ContentType, info.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("insert attachment metadata: %w", err)
	}

	return info, nil
}

// List returns the recorded attachments for a message, oldest first.
func (s *Store) List(ctx context.Context, account, messageID string) ([]Info, error) {
	var rows []Info
	err := s.db.SelectContext(ctx, &rows, `SELECT filename, size_bytes, content_type, downloaded_at, storage_path
		FROM attachment_metadata WHERE message_id = ? AND account_email = ? ORDER BY downloaded_at ASC`,
		messageID, account)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return rows, nil
}

// Delete removes every stored attachment for a message, both the file
// on disk and its metadata row, tolerating files already gone.
func (s *Store) Delete(ctx context.Context, account, messageID string) error {
	infos, err := s.List(ctx, account, messageID)
	if err != nil {
		return err
	}

	for _, info := range infos {
		if err := os.Remove(info.StoragePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove attachment file %s: %w", info.StoragePath, err)
		}
	}

	messageDir := filepath.Dir(s.path(account, messageID, "x"))
	_ = os.Remove(messageDir) // best-effort; fails silently if not empty

	if _, err := s.db.ExecContext(ctx, `DELETE FROM attachment_metadata WHERE message_id = ? AND account_email = ?`,
		messageID, account); err != nil {
		return fmt.Errorf("delete attachment metadata: %w", err)
	}
	return nil
}

// BuildZip bundles every attachment recorded for a message into a ZIP
// archive at outputPath, returning ErrNotFound if none are on record.
func (s *Store) BuildZip(ctx context.Context, account, messageID, outputPath string) (string, error) {
	infos, err := s.List(ctx, account, messageID)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", ErrNotFound
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("create zip output directory: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("create zip file: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, info := range infos {
		if _, statErr := os.Stat(info.StoragePath); statErr != nil {
			continue
		}
		if err := addFileToZip(zw, info.StoragePath, info.Filename); err != nil {
			zw.Close()
			return "", fmt.Errorf("add %s to zip: %w", info.Filename, err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finalize zip: %w", err)
	}

	return outputPath, nil
}

func addFileToZip(zw *zip.Writer, srcPath, name string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// Stats reports total stored attachment count and bytes for diagnostics.
type Stats struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// HumanSize renders Bytes as a human-readable size (e.g. "3.2 MB") for
// logging and admin-surface display.
func (s Stats) HumanSize() string {
	return humanize.Bytes(uint64(s.Bytes))
}

// Stats returns aggregate counters across all accounts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM attachment_metadata`).
		Scan(&stats.Count, &stats.Bytes)
	if err != nil && err != sql.ErrNoRows {
		return stats, fmt.Errorf("attachment stats: %w", err)
	}
	return stats, nil
}
