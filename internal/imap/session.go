package imap

import "context"

// Session is the interface the connection pool, MCP dispatcher, and
// sync engine depend on instead of *Client directly, so tests can
// substitute a fake without a live IMAP server.
type Session interface {
	AccountID() string
	State() State
	Ping(ctx context.Context) error
	Close() error

	ListFolders(ctx context.Context) ([]Folder, error)
	ListFoldersHierarchical(ctx context.Context) ([]FolderNode, error)
	CreateFolder(ctx context.Context, name string) error
	DeleteFolder(ctx context.Context, name string) error
	RenameFolder(ctx context.Context, from, to string) error
	SelectFolder(ctx context.Context, name string) (*MailboxInfo, error)

	SearchMessages(ctx context.Context, folder string, criteria SearchCriteria, limit int) ([]Envelope, error)
	ListMessages(ctx context.Context, opts ListOptions) ([]Envelope, error)
	FetchMessages(ctx context.Context, folder string, uids []uint32) ([]*Message, error)
	ReadMessage(ctx context.Context, folder string, uid uint32) (*Message, error)

	MoveMessages(ctx context.Context, folder string, uids []uint32, destination string) error
	BatchMove(ctx context.Context, folder string, groups map[string][]uint32) []BatchMoveResult

	StoreFlags(ctx context.Context, folder string, uids []uint32, op FlagOperation, flags []string) error
	MarkDeleted(ctx context.Context, folder string, uids []uint32) error
	UndeleteMessages(ctx context.Context, folder string, uids []uint32) error
	DeleteMessages(ctx context.Context, folder string, uids []uint32) error
	ExpungeFolder(ctx context.Context, folder string) error

	AppendMessage(ctx context.Context, opts AppendOptions) error

	Idle(ctx context.Context, folder string, onUpdate func()) error
}

var _ Session = (*Client)(nil)
