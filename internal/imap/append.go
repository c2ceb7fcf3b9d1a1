package imap

import (
	"context"

	"github.com/emersion/go-imap/v2"
)

// AppendMessage appends a raw RFC 5322 message to folder. IMAP APPEND
// does not require the destination folder to be selected or even
// pre-created by a prior CREATE in well-behaved servers; go-imap
// issues APPEND directly against the mailbox name.
func (c *Client) AppendMessage(ctx context.Context, opts AppendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}

	appendOpts := &imap.AppendOptions{Time: opts.Date}
	for _, f := range opts.Flags {
		appendOpts.Flags = append(appendOpts.Flags, imap.Flag(f))
	}

	appendCmd := c.client.Append(folder, int64(len(opts.Content)), appendOpts)
	if _, err := appendCmd.Write(opts.Content); err != nil {
		_ = appendCmd.Close()
		return NewError(FailureOperationFailed, "append", err).WithAccount(c.cfg.ID)
	}
	if err := appendCmd.Close(); err != nil {
		return NewError(FailureOperationFailed, "append", err).WithAccount(c.cfg.ID)
	}
	if _, err := appendCmd.Wait(); err != nil {
		return NewError(FailureOperationFailed, "append", err).WithAccount(c.cfg.ID)
	}

	return nil
}
