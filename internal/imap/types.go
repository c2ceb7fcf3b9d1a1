// Package imap provides the IMAP session layer: a per-account client
// wrapping go-imap/v2 with explicit state tracking, MIME decoding, and
// the search/fetch/move/flag/append operations the rest of the gateway
// is built on.
package imap

import (
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// State models the lifecycle of a single IMAP connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	default:
		return "unknown"
	}
}

// drainLiteral reads and discards the contents of an IMAP literal
// reader. This prevents blocking the IMAP stream when a body section
// is fetched but not consumed. Nil readers are handled gracefully.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// Envelope is the summary metadata for a message, suitable for list
// views and search results.
type Envelope struct {
	UID      uint32
	Date     time.Time
	From     string
	FromName string
	To       []string
	Subject  string
	Flags    []string
	Size     uint32

	// InternalDate is the server-assigned INTERNALDATE, used as the
	// cache's ordering fallback when a message carries no Date header.
	InternalDate time.Time
}

// Message is a fully-fetched email with body content extracted from
// the MIME structure.
type Message struct {
	Envelope

	MessageID  string
	InReplyTo  []string
	References []string
	Cc         []string
	ReplyTo    string

	// TextBody is the plain-text body content, truncated at
	// maxBodySize. Preferred over HTMLBody for downstream consumption.
	TextBody string

	// HTMLBody is the raw HTML body, if present, also truncated.
	HTMLBody string

	// Headers holds the raw header fields captured while parsing the
	// MIME structure, keyed by field name as seen on the wire.
	Headers map[string]string

	// Attachments lists non-inline MIME parts found while parsing the
	// body, for callers that want to know what's attached without a
	// separate fetch.
	Attachments []AttachmentInfo
}

// AttachmentInfo is metadata about an attachment part discovered while
// decoding a message body.
type AttachmentInfo struct {
	Filename    string
	ContentType string
	Size        int

	// Data holds the decoded attachment bytes, kept in memory only long
	// enough for a caller (the Attachment Store) to persist them.
	// Excluded from JSON so envelope/search responses stay small; only
	// an explicit fetch-and-save path reads it.
	Data []byte `json:"-"`
}

// Folder represents an IMAP mailbox with its status counters.
type Folder struct {
	Name       string
	Delimiter  string
	Attributes []string
	Messages   uint32
	Unseen     uint32
}

// MailboxInfo describes a mailbox immediately after SELECT.
type MailboxInfo struct {
	Name          string
	Flags         []string
	PermanentFlags []string
	Exists        uint32
	Recent        uint32
	Unseen        uint32
	UIDNext       uint32
	UIDValidity   uint32
}

// SearchCriteria describes a SEARCH query against a selected folder.
// Zero values are omitted from the query. Text performs a substring
// match against the full message; the other fields map onto their
// respective IMAP search keys.
type SearchCriteria struct {
	Text    string
	From    string
	To      string
	Subject string
	Body    string
	Since   time.Time
	Before  time.Time
	Unseen  bool
	Seen    bool
	Flagged bool
	UIDs    []uint32
}

// FlagOperation describes how StoreFlags modifies the flag set on one
// or more messages.
type FlagOperation int

const (
	FlagAdd FlagOperation = iota
	FlagRemove
	FlagSet
)

// ListOptions controls ListMessages.
type ListOptions struct {
	Folder   string
	Limit    int
	Unseen   bool
	SinceUID uint32
}

// AppendOptions describes a message to append to a folder.
type AppendOptions struct {
	Folder  string
	Content []byte
	Flags   []string
	Date    time.Time
}
