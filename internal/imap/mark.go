package imap

import (
	"context"

	"github.com/emersion/go-imap/v2"
)

// StoreFlags adds, removes, or replaces the given IMAP flags on the
// specified messages. Unlike a single-flag helper, this accepts any
// number of flags in one STORE command (e.g. \Seen and \Flagged
// together).
func (c *Client) StoreFlags(ctx context.Context, folder string, uids []uint32, op FlagOperation, flags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	if len(uids) == 0 {
		return NewError(FailureOperationFailed, "store", errNoUIDs).WithAccount(c.cfg.ID)
	}
	if len(flags) == 0 {
		return NewError(FailureOperationFailed, "store", errNoFlags).WithAccount(c.cfg.ID)
	}

	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.selectFolder(folder); err != nil {
		return err
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	var storeOp imap.StoreFlagsOp
	switch op {
	case FlagAdd:
		storeOp = imap.StoreFlagsAdd
	case FlagRemove:
		storeOp = imap.StoreFlagsDel
	case FlagSet:
		storeOp = imap.StoreFlagsSet
	}

	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		imapFlags = append(imapFlags, imap.Flag(f))
	}

	storeCmd := c.client.Store(uidSet, &imap.StoreFlags{
		Op:     storeOp,
		Silent: true,
		Flags:  imapFlags,
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return NewError(FailureOperationFailed, "store", err).WithAccount(c.cfg.ID)
	}

	return nil
}

// MarkDeleted flags the given UIDs \Deleted without expunging. This
// backs the two-step "mark then expunge" tool pair so a caller can
// undo a deletion (UndeleteMessages) before the folder is expunged.
func (c *Client) MarkDeleted(ctx context.Context, folder string, uids []uint32) error {
	return c.StoreFlags(ctx, folder, uids, FlagAdd, []string{string(imap.FlagDeleted)})
}

// UndeleteMessages removes the \Deleted flag from the given UIDs.
func (c *Client) UndeleteMessages(ctx context.Context, folder string, uids []uint32) error {
	return c.StoreFlags(ctx, folder, uids, FlagRemove, []string{string(imap.FlagDeleted)})
}

// DeleteMessages marks the given UIDs \Deleted and immediately
// expunges the folder, permanently removing them.
func (c *Client) DeleteMessages(ctx context.Context, folder string, uids []uint32) error {
	if err := c.MarkDeleted(ctx, folder, uids); err != nil {
		return err
	}
	return c.ExpungeFolder(ctx, folder)
}

// ExpungeFolder permanently removes all messages flagged \Deleted in
// folder.
func (c *Client) ExpungeFolder(ctx context.Context, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.selectFolder(folder); err != nil {
		return err
	}

	expungeCmd := c.client.Expunge()
	if err := expungeCmd.Close(); err != nil {
		return NewError(FailureOperationFailed, "expunge", err).WithAccount(c.cfg.ID)
	}
	return nil
}
