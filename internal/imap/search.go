package imap

import (
	"context"

	"github.com/emersion/go-imap/v2"
)

// encodeSearchCriteria translates our transport-agnostic SearchCriteria
// into a go-imap/v2 SearchCriteria. Kept as a pure function so the
// encoding can be tested without a live IMAP connection.
func encodeSearchCriteria(c SearchCriteria) *imap.SearchCriteria {
	out := &imap.SearchCriteria{}

	if c.Text != "" {
		out.Text = append(out.Text, c.Text)
	}
	if c.Body != "" {
		out.Body = append(out.Body, c.Body)
	}
	if c.From != "" {
		out.Header = append(out.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: c.From})
	}
	if c.To != "" {
		out.Header = append(out.Header, imap.SearchCriteriaHeaderField{Key: "To", Value: c.To})
	}
	if c.Subject != "" {
		out.Header = append(out.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: c.Subject})
	}
	if !c.Since.IsZero() {
		out.Since = c.Since
	}
	if !c.Before.IsZero() {
		out.Before = c.Before
	}
	if c.Unseen {
		out.NotFlag = append(out.NotFlag, imap.FlagSeen)
	}
	if c.Seen {
		out.Flag = append(out.Flag, imap.FlagSeen)
	}
	if c.Flagged {
		out.Flag = append(out.Flag, imap.FlagFlagged)
	}
	if len(c.UIDs) > 0 {
		uidSet := imap.UIDSet{}
		for _, uid := range c.UIDs {
			uidSet.AddNum(imap.UID(uid))
		}
		out.UID = []imap.UIDSet{uidSet}
	}

	return out
}

// SearchMessages searches for messages matching the given criteria in
// the specified folder. Results are returned newest-first, limited to
// limit messages (0 means use the default of 20).
func (c *Client) SearchMessages(ctx context.Context, folder string, criteria SearchCriteria, limit int) ([]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if folder == "" {
		folder = "INBOX"
	}
	if limit <= 0 {
		limit = 20
	}

	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	imapCriteria := encodeSearchCriteria(criteria)

	searchCmd := c.client.UIDSearch(imapCriteria, nil)
	searchData, err := searchCmd.Wait()
	if err != nil {
		return nil, NewError(FailureInvalidCriteria, "search", err).WithAccount(c.cfg.ID)
	}

	allUIDs := searchData.AllUIDs()
	if len(allUIDs) == 0 {
		return nil, nil
	}

	start := 0
	if len(allUIDs) > limit {
		start = len(allUIDs) - limit
	}
	recentUIDs := allUIDs[start:]

	uidSet := imap.UIDSet{}
	for _, uid := range recentUIDs {
		uidSet.AddNum(uid)
	}

	return c.fetchEnvelopes(uidSet)
}
