package imap

import (
	"context"
	"sort"

	"github.com/emersion/go-imap/v2"
)

// ListFolders returns all mailboxes for the account with their message
// and unseen counts. Results are sorted alphabetically by name.
func (c *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	listCmd := c.client.List("", "*", nil)
	mailboxes, err := listCmd.Collect()
	if err != nil {
		return nil, NewError(FailureOperationFailed, "list", err).WithAccount(c.cfg.ID)
	}

	var folders []Folder
	for _, mbox := range mailboxes {
		name := mbox.Mailbox

		hasNoselect := false
		attrs := make([]string, 0, len(mbox.Attrs))
		for _, attr := range mbox.Attrs {
			s := string(attr)
			attrs = append(attrs, s)
			if attr == imap.MailboxAttrNoSelect {
				hasNoselect = true
			}
		}

		folder := Folder{
			Name:       name,
			Delimiter:  string(mbox.Delim),
			Attributes: attrs,
		}

		if !hasNoselect {
			statusOpts := &imap.StatusOptions{
				NumMessages: true,
				NumUnseen:   true,
			}
			statusCmd := c.client.Status(name, statusOpts)
			statusData, err := statusCmd.Wait()
			if err != nil {
				c.logger.Debug("status failed for mailbox", "mailbox", name, "error", err)
			} else {
				if statusData.NumMessages != nil {
					folder.Messages = *statusData.NumMessages
				}
				if statusData.NumUnseen != nil {
					folder.Unseen = *statusData.NumUnseen
				}
			}
		}

		folders = append(folders, folder)
	}

	sort.Slice(folders, func(i, j int) bool {
		return folders[i].Name < folders[j].Name
	})

	return folders, nil
}

// ListFoldersHierarchical returns folders grouped under their parents
// by splitting on each mailbox's hierarchy delimiter. Flat results from
// ListFolders are reorganized client-side since IMAP LIST itself
// returns a flat namespace.
func (c *Client) ListFoldersHierarchical(ctx context.Context) ([]FolderNode, error) {
	flat, err := c.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	return buildFolderTree(flat), nil
}

// FolderNode is one node of a hierarchical folder listing.
type FolderNode struct {
	Folder
	Children []FolderNode
}

func buildFolderTree(flat []Folder) []FolderNode {
	byPath := make(map[string]*FolderNode, len(flat))
	kids := make(map[string][]*FolderNode, len(flat))
	var roots []*FolderNode

	for _, f := range flat {
		node := &FolderNode{Folder: f}
		byPath[f.Name] = node
	}

	for _, f := range flat {
		node := byPath[f.Name]
		delim := f.Delimiter
		if delim == "" {
			roots = append(roots, node)
			continue
		}
		idx := lastIndex(f.Name, delim)
		if idx < 0 {
			roots = append(roots, node)
			continue
		}
		parentName := f.Name[:idx]
		if _, ok := byPath[parentName]; ok {
			kids[parentName] = append(kids[parentName], node)
		} else {
			roots = append(roots, node)
		}
	}

	// Copy nodes into values only once every child list is complete, so
	// grandchildren are not lost to an early copy of their parent.
	var materialize func(n *FolderNode) FolderNode
	materialize = func(n *FolderNode) FolderNode {
		out := *n
		for _, child := range kids[n.Name] {
			out.Children = append(out.Children, materialize(child))
		}
		return out
	}

	result := make([]FolderNode, 0, len(roots))
	for _, r := range roots {
		result = append(result, materialize(r))
	}
	return result
}

func lastIndex(s, sep string) int {
	if sep == "" {
		return -1
	}
	for i := len(s) - len(sep); i >= 0; i-- {
		if s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}

// CreateFolder creates a new mailbox.
func (c *Client) CreateFolder(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	if err := c.client.Create(name, nil).Wait(); err != nil {
		if containsFold(err.Error(), "already exists") {
			return NewError(FailureFolderExists, "create", err).WithAccount(c.cfg.ID)
		}
		return NewError(FailureOperationFailed, "create", err).WithAccount(c.cfg.ID)
	}
	return nil
}

// DeleteFolder deletes a mailbox.
func (c *Client) DeleteFolder(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	if err := c.client.Delete(name).Wait(); err != nil {
		return NewError(classifySelectError(err), "delete", err).WithAccount(c.cfg.ID)
	}
	if c.selected == name {
		c.selected = ""
		c.selectedData = nil
		c.state = StateAuthenticated
	}
	return nil
}

// RenameFolder renames a mailbox.
func (c *Client) RenameFolder(ctx context.Context, from, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	if err := c.client.Rename(from, to).Wait(); err != nil {
		return NewError(classifySelectError(err), "rename", err).WithAccount(c.cfg.ID)
	}
	if c.selected == from {
		c.selected = to
	}
	return nil
}

// SelectFolder selects a mailbox and returns its post-SELECT metadata.
func (c *Client) SelectFolder(ctx context.Context, name string) (*MailboxInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	data, err := c.selectFolder(name)
	if err != nil {
		return nil, err
	}

	info := &MailboxInfo{
		Name:    name,
		Exists:  data.NumMessages,
		UIDNext: uint32(data.UIDNext),
	}
	if data.UIDValidity != 0 {
		info.UIDValidity = data.UIDValidity
	}
	for _, f := range data.Flags {
		info.Flags = append(info.Flags, string(f))
	}
	for _, f := range data.PermanentFlags {
		info.PermanentFlags = append(info.PermanentFlags, string(f))
	}
	return info, nil
}
