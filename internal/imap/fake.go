package imap

import (
	"context"
	"sort"
	"sync"
)

// Fake is an in-memory Session implementation used by pool,
// dispatcher, and sync engine tests in place of a live IMAP server.
// Folders map to a slice of messages keyed by UID; callers seed state
// directly via the exported fields before exercising the code under
// test.
type Fake struct {
	mu sync.Mutex

	Account     string
	Folders     map[string][]*Message
	UIDNext     map[string]uint32
	UIDValidity map[string]uint32
	Closed      bool
	PingErr     error

	// Calls records the method names invoked, in order, for tests that
	// want to assert on call sequence (e.g. select-before-fetch).
	Calls []string
}

// NewFake returns a Fake with the given account id and an empty INBOX.
func NewFake(account string) *Fake {
	return &Fake{
		Account: account,
		Folders:     map[string][]*Message{"INBOX": {}},
		UIDNext:     map[string]uint32{"INBOX": 1},
		UIDValidity: map[string]uint32{"INBOX": 1000},
	}
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

// Seed adds a message to folder, assigning it the next UID if UID is
// unset.
func (f *Fake) Seed(folder string, msg *Message) *Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	if msg.UID == 0 {
		msg.UID = f.UIDNext[folder]
	}
	if msg.UID >= f.UIDNext[folder] {
		f.UIDNext[folder] = msg.UID + 1
	}
	f.Folders[folder] = append(f.Folders[folder], msg)
	return msg
}

func (f *Fake) AccountID() string { return f.Account }
func (f *Fake) State() State      { return StateSelected }

func (f *Fake) Ping(ctx context.Context) error {
	f.record("Ping")
	return f.PingErr
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func (f *Fake) ListFolders(ctx context.Context) ([]Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListFolders")

	names := make([]string, 0, len(f.Folders))
	for name := range f.Folders {
		names = append(names, name)
	}
	sort.Strings(names)

	folders := make([]Folder, 0, len(names))
	for _, name := range names {
		folders = append(folders, Folder{Name: name, Messages: uint32(len(f.Folders[name]))})
	}
	return folders, nil
}

func (f *Fake) ListFoldersHierarchical(ctx context.Context) ([]FolderNode, error) {
	flat, err := f.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	return buildFolderTree(flat), nil
}

func (f *Fake) CreateFolder(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateFolder")
	if _, ok := f.Folders[name]; ok {
		return NewError(FailureFolderExists, "create", errFolderExists).WithAccount(f.Account)
	}
	f.Folders[name] = []*Message{}
	f.UIDNext[name] = 1
	f.UIDValidity[name] = f.UIDValidity["INBOX"] + uint32(len(f.Folders))
	return nil
}

func (f *Fake) DeleteFolder(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteFolder")
	if _, ok := f.Folders[name]; !ok {
		return NewError(FailureFolderNotFound, "delete", errFolderMissing).WithAccount(f.Account)
	}
	delete(f.Folders, name)
	return nil
}

func (f *Fake) RenameFolder(ctx context.Context, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RenameFolder")
	msgs, ok := f.Folders[from]
	if !ok {
		return NewError(FailureFolderNotFound, "rename", errFolderMissing).WithAccount(f.Account)
	}
	f.Folders[to] = msgs
	delete(f.Folders, from)
	return nil
}

func (f *Fake) SelectFolder(ctx context.Context, name string) (*MailboxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SelectFolder")
	msgs, ok := f.Folders[name]
	if !ok {
		return nil, NewError(FailureFolderNotFound, "select", errFolderMissing).WithAccount(f.Account)
	}
	return &MailboxInfo{
		Name:        name,
		Exists:      uint32(len(msgs)),
		UIDNext:     f.UIDNext[name],
		UIDValidity: f.UIDValidity[name],
	}, nil
}

func (f *Fake) SearchMessages(ctx context.Context, folder string, criteria SearchCriteria, limit int) ([]Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SearchMessages")

	var out []Envelope
	for _, m := range f.Folders[folder] {
		if criteria.Unseen && containsFlag(m.Flags, `\Seen`) {
			continue
		}
		out = append(out, m.Envelope)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *Fake) ListMessages(ctx context.Context, opts ListOptions) ([]Envelope, error) {
	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}
	return f.SearchMessages(ctx, folder, SearchCriteria{Unseen: opts.Unseen}, opts.Limit)
}

func (f *Fake) FetchMessages(ctx context.Context, folder string, uids []uint32) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FetchMessages")

	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}
	var out []*Message
	for _, m := range f.Folders[folder] {
		if want[m.UID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *Fake) ReadMessage(ctx context.Context, folder string, uid uint32) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReadMessage")

	for _, m := range f.Folders[folder] {
		if m.UID == uid {
			return m, nil
		}
	}
	return nil, NewError(FailureMessageNotFound, "fetch", errMessageMissing).WithAccount(f.Account)
}

func (f *Fake) MoveMessages(ctx context.Context, folder string, uids []uint32, destination string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("MoveMessages")

	if _, ok := f.Folders[destination]; !ok {
		f.Folders[destination] = []*Message{}
	}
	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}

	var remaining []*Message
	for _, m := range f.Folders[folder] {
		if want[m.UID] {
			f.Folders[destination] = append(f.Folders[destination], m)
		} else {
			remaining = append(remaining, m)
		}
	}
	f.Folders[folder] = remaining
	return nil
}

func (f *Fake) BatchMove(ctx context.Context, folder string, groups map[string][]uint32) []BatchMoveResult {
	results := make([]BatchMoveResult, 0, len(groups))
	for dest, uids := range groups {
		err := f.MoveMessages(ctx, folder, uids, dest)
		results = append(results, BatchMoveResult{Destination: dest, UIDs: uids, Err: err})
	}
	return results
}

func (f *Fake) StoreFlags(ctx context.Context, folder string, uids []uint32, op FlagOperation, flags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StoreFlags")

	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}
	for _, m := range f.Folders[folder] {
		if !want[m.UID] {
			continue
		}
		switch op {
		case FlagAdd:
			for _, flag := range flags {
				if !containsFlag(m.Flags, flag) {
					m.Flags = append(m.Flags, flag)
				}
			}
		case FlagRemove:
			m.Flags = removeFlags(m.Flags, flags)
		case FlagSet:
			m.Flags = append([]string{}, flags...)
		}
	}
	return nil
}

func (f *Fake) MarkDeleted(ctx context.Context, folder string, uids []uint32) error {
	return f.StoreFlags(ctx, folder, uids, FlagAdd, []string{`\Deleted`})
}

func (f *Fake) UndeleteMessages(ctx context.Context, folder string, uids []uint32) error {
	return f.StoreFlags(ctx, folder, uids, FlagRemove, []string{`\Deleted`})
}

func (f *Fake) DeleteMessages(ctx context.Context, folder string, uids []uint32) error {
	if err := f.MarkDeleted(ctx, folder, uids); err != nil {
		return err
	}
	return f.ExpungeFolder(ctx, folder)
}

func (f *Fake) ExpungeFolder(ctx context.Context, folder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ExpungeFolder")

	var remaining []*Message
	for _, m := range f.Folders[folder] {
		if !containsFlag(m.Flags, `\Deleted`) {
			remaining = append(remaining, m)
		}
	}
	f.Folders[folder] = remaining
	return nil
}

func (f *Fake) AppendMessage(ctx context.Context, opts AppendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AppendMessage")

	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}
	uid := f.UIDNext[folder]
	f.UIDNext[folder] = uid + 1
	f.Folders[folder] = append(f.Folders[folder], &Message{
		Envelope: Envelope{UID: uid, Flags: opts.Flags, Date: opts.Date, Size: uint32(len(opts.Content))},
	})
	return nil
}

func (f *Fake) Idle(ctx context.Context, folder string, onUpdate func()) error {
	return ErrIdleUnsupported
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func removeFlags(flags []string, remove []string) []string {
	removeSet := make(map[string]bool, len(remove))
	for _, r := range remove {
		removeSet[r] = true
	}
	var out []string
	for _, f := range flags {
		if !removeSet[f] {
			out = append(out, f)
		}
	}
	return out
}
