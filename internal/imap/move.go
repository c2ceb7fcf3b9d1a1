package imap

import (
	"context"

	"github.com/emersion/go-imap/v2"
)

// MoveMessages moves the given UIDs from folder to destination. The
// underlying client issues the IMAP MOVE extension first and falls
// back to COPY + STORE \Deleted + EXPUNGE automatically when the
// server doesn't support MOVE, matching the two-phase behavior
// required when a server predates RFC 6851.
func (c *Client) MoveMessages(ctx context.Context, folder string, uids []uint32, destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	if len(uids) == 0 {
		return NewError(FailureOperationFailed, "move", errNoUIDs).WithAccount(c.cfg.ID)
	}
	if destination == "" {
		return NewError(FailureOperationFailed, "move", errNoDestination).WithAccount(c.cfg.ID)
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

	moveCmd := c.client.Move(uidSet, destination)
	if _, err := moveCmd.Wait(); err != nil {
		return NewError(FailureOperationFailed, "move", err).WithAccount(c.cfg.ID)
	}

	// MOVE deselects the mailbox implicitly on some servers (it behaves
	// like EXPUNGE for the moved messages); force a re-select on next use.
	c.selected = ""
	c.selectedData = nil
	c.state = StateAuthenticated

	return nil
}

// BatchMoveResult reports the outcome of moving one group of UIDs that
// share a destination, as part of a batch move across multiple
// destinations. Each group is moved independently, so one result can
// report a failure while others succeed.
type BatchMoveResult struct {
	Destination string
	UIDs        []uint32
	Err         error
}

// BatchMove moves different groups of UIDs to different destination
// folders in one call, continuing past a failed group so one bad
// destination doesn't block the rest. Each group's result (including
// any error) is reported individually.
func (c *Client) BatchMove(ctx context.Context, folder string, groups map[string][]uint32) []BatchMoveResult {
	results := make([]BatchMoveResult, 0, len(groups))
	for dest, uids := range groups {
		err := c.MoveMessages(ctx, folder, uids, dest)
		results = append(results, BatchMoveResult{Destination: dest, UIDs: uids, Err: err})
	}
	return results
}
