package imap

import (
	"errors"
	"fmt"
)

// Sentinel errors for common caller-supplied argument problems.
var (
	errNoUIDs         = errors.New("no UIDs specified")
	errNoDestination  = errors.New("destination folder is required")
	errNoFlags        = errors.New("no flags specified")
	errFolderExists   = errors.New("folder already exists")
	errFolderMissing  = errors.New("folder does not exist")
	errMessageMissing = errors.New("message not found")
)

// FailureClass categorizes IMAP-layer failures so callers (the
// connection pool, the MCP dispatcher, HTTP handlers) can react
// consistently without inspecting error strings.
type FailureClass int

const (
	// FailureConnection covers dial/TLS/network failures.
	FailureConnection FailureClass = iota
	// FailureAuthentication covers LOGIN/AUTHENTICATE rejections.
	FailureAuthentication
	// FailureFolderNotFound covers SELECT/STATUS against a missing mailbox.
	FailureFolderNotFound
	// FailureFolderExists covers CREATE against an existing mailbox.
	FailureFolderExists
	// FailureRequiresSelection covers operations issued with no folder selected.
	FailureRequiresSelection
	// FailureInvalidCriteria covers malformed SEARCH criteria.
	FailureInvalidCriteria
	// FailureMessageNotFound covers FETCH/STORE against a missing UID.
	FailureMessageNotFound
	// FailureOperationFailed is the catch-all for server-rejected commands.
	FailureOperationFailed
	// FailureValidation covers missing or empty required call arguments
	// (uids, folder names, flags, destination folders) caught before any
	// IMAP command is issued.
	FailureValidation
)

func (f FailureClass) String() string {
	switch f {
	case FailureConnection:
		return "connection"
	case FailureAuthentication:
		return "authentication"
	case FailureFolderNotFound:
		return "folder_not_found"
	case FailureFolderExists:
		return "folder_exists"
	case FailureRequiresSelection:
		return "requires_selection"
	case FailureInvalidCriteria:
		return "invalid_criteria"
	case FailureMessageNotFound:
		return "message_not_found"
	case FailureOperationFailed:
		return "operation_failed"
	case FailureValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a FailureClass so callers can
// use errors.As to recover it through arbitrary wrapping layers.
type Error struct {
	Class   FailureClass
	Op      string
	Account string
	Err     error
}

func (e *Error) Error() string {
	if e.Account != "" {
		return fmt.Sprintf("imap %s (%s): %s: %v", e.Op, e.Account, e.Class, e.Err)
	}
	return fmt.Sprintf("imap %s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a classified Error wrapping err.
func NewError(class FailureClass, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// WithAccount returns a copy of e annotated with the account id.
func (e *Error) WithAccount(account string) *Error {
	cp := *e
	cp.Account = account
	return &cp
}

// ClassOf extracts the FailureClass from err, defaulting to
// FailureOperationFailed if err does not wrap an *Error.
func ClassOf(err error) FailureClass {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Class
	}
	return FailureOperationFailed
}
