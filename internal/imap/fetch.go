package imap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// maxBodySize is the maximum body size to include in a decoded
// message. Larger bodies are truncated with a note.
const maxBodySize = 32 * 1024

// maxRawMessageSize bounds how much of a BODY.PEEK[] literal is
// buffered. Messages larger than this (e.g. with huge attachments)
// have their remainder drained to keep the IMAP stream in sync; the
// parsed text body is further truncated at maxBodySize.
const maxRawMessageSize = 5 * 1024 * 1024

// ListMessages returns recent message envelopes from folder, newest
// first. When opts.Unseen is true, only unseen messages are returned.
// When opts.SinceUID is set, only UIDs strictly greater than that
// value are returned, ignoring Limit — this is the incremental sync
// access pattern.
func (c *Client) ListMessages(ctx context.Context, opts ListOptions) ([]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{}
	if opts.Unseen {
		criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
	}
	if opts.SinceUID > 0 {
		criteria.UID = []imap.UIDSet{
			{imap.UIDRange{Start: imap.UID(opts.SinceUID + 1), Stop: 0}},
		}
	}

	searchCmd := c.client.UIDSearch(criteria, nil)
	searchData, err := searchCmd.Wait()
	if err != nil {
		return nil, NewError(FailureOperationFailed, "search", err).WithAccount(c.cfg.ID)
	}

	allUIDs := searchData.AllUIDs()
	if opts.SinceUID > 0 {
		// "N:*" also matches the highest UID when that UID is below N,
		// so drop anything at or under the watermark.
		newer := allUIDs[:0]
		for _, uid := range allUIDs {
			if uint32(uid) > opts.SinceUID {
				newer = append(newer, uid)
			}
		}
		allUIDs = newer
	}
	if len(allUIDs) == 0 {
		return nil, nil
	}

	recentUIDs := allUIDs
	if opts.SinceUID == 0 {
		start := 0
		if len(allUIDs) > limit {
			start = len(allUIDs) - limit
		}
		recentUIDs = allUIDs[start:]
	}

	uidSet := imap.UIDSet{}
	for _, uid := range recentUIDs {
		uidSet.AddNum(uid)
	}

	return c.fetchEnvelopes(uidSet)
}

// fetchEnvelopes fetches envelope data for the given UIDs and returns
// them newest-first. Caller must hold c.mu and have a selected folder.
func (c *Client) fetchEnvelopes(uidSet imap.UIDSet) ([]Envelope, error) {
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		Flags:        true,
		RFC822Size:   true,
		InternalDate: true,
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	var envelopes []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		env, err := c.parseEnvelopeData(msg)
		if err != nil {
			c.logger.Debug("skipping message", "error", err)
			continue
		}
		envelopes = append(envelopes, env)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, NewError(FailureOperationFailed, "fetch", err).WithAccount(c.cfg.ID)
	}

	for i, j := 0, len(envelopes)-1; i < j; i, j = i+1, j-1 {
		envelopes[i], envelopes[j] = envelopes[j], envelopes[i]
	}

	return envelopes, nil
}

func (c *Client) parseEnvelopeData(msg *imapclient.FetchMessageData) (Envelope, error) {
	var env Envelope

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			env.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				env.Flags = append(env.Flags, string(f))
			}
		case imapclient.FetchItemDataRFC822Size:
			env.Size = uint32(data.Size)
		case imapclient.FetchItemDataInternalDate:
			env.InternalDate = data.Time
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				env.Date = data.Envelope.Date
				env.Subject = data.Envelope.Subject
				if len(data.Envelope.From) > 0 {
					env.From = formatAddress(data.Envelope.From[0])
					env.FromName = data.Envelope.From[0].Name
				}
				for _, addr := range data.Envelope.To {
					env.To = append(env.To, formatAddress(addr))
				}
			}
		case imapclient.FetchItemDataBodySection:
			drainLiteral(data.Literal)
		}
	}

	if env.UID == 0 {
		return env, fmt.Errorf("message missing UID")
	}

	return env, nil
}

// formatAddress formats an IMAP address as "Name <user@host>" or just
// "user@host" if no name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}

// FetchMessages fetches full messages (envelope + body) for the given
// UIDs from folder. A UID that fails to fetch individually is retried
// once on its own before being skipped, so one bad message doesn't
// sink a whole batch fetch.
func (c *Client) FetchMessages(ctx context.Context, folder string, uids []uint32) ([]*Message, error) {
	if folder == "" {
		folder = "INBOX"
	}
	if len(uids) == 0 {
		return nil, nil
	}

	var results []*Message
	var missing []uint32

	batch, err := c.fetchBatch(ctx, folder, uids)
	if err != nil {
		return nil, err
	}
	found := make(map[uint32]bool, len(batch))
	for _, m := range batch {
		found[m.UID] = true
		results = append(results, m)
	}
	for _, uid := range uids {
		if !found[uid] {
			missing = append(missing, uid)
		}
	}

	for _, uid := range missing {
		msg, err := c.ReadMessage(ctx, folder, uid)
		if err != nil {
			c.logger.Debug("fetch retry failed for UID", "uid", uid, "folder", folder, "error", err)
			continue
		}
		results = append(results, msg)
	}

	return results, nil
}

// fetchBatch performs a single multi-UID FETCH with BODY.PEEK[] so
// reading a message never implicitly sets \Seen.
func (c *Client) fetchBatch(ctx context.Context, folder string, uids []uint32) ([]*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		Flags:        true,
		RFC822Size:   true,
		InternalDate: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true},
		},
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	var messages []*Message
	for {
		fm := fetchCmd.Next()
		if fm == nil {
			break
		}
		msg, rawBody := c.parseFetchMessage(fm)
		if rawBody != nil {
			if err := c.parseBody(msg, bytes.NewReader(rawBody)); err != nil {
				c.logger.Debug("body parse error", "uid", msg.UID, "error", err)
			}
		}
		if msg.UID != 0 {
			messages = append(messages, msg)
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, NewError(FailureOperationFailed, "fetch", err).WithAccount(c.cfg.ID)
	}

	return messages, nil
}

// ReadMessage fetches and parses a single message by UID using
// BODY.PEEK[], so reading a message for display never marks it
// \Seen — that remains an explicit StoreFlags call.
func (c *Client) ReadMessage(ctx context.Context, folder string, uid uint32) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		Flags:        true,
		RFC822Size:   true,
		InternalDate: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true},
		},
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	fm := fetchCmd.Next()
	if fm == nil {
		_ = fetchCmd.Close()
		return nil, NewError(FailureMessageNotFound, "fetch", fmt.Errorf("message UID %d not found in %s", uid, folder)).WithAccount(c.cfg.ID)
	}

	result, rawBody := c.parseFetchMessage(fm)
	if rawBody != nil {
		if err := c.parseBody(result, bytes.NewReader(rawBody)); err != nil {
			c.logger.Debug("body parse error", "uid", uid, "error", err)
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, NewError(FailureOperationFailed, "fetch", err).WithAccount(c.cfg.ID)
	}

	return result, nil
}

// parseFetchMessage consumes one FETCH response's items and returns
// the partially built Message plus its raw body bytes (nil if no body
// section was requested/returned). Caller must hold c.mu.
func (c *Client) parseFetchMessage(msg *imapclient.FetchMessageData) (*Message, []byte) {
	result := &Message{}
	var rawBody []byte

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			result.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				result.Flags = append(result.Flags, string(f))
			}
		case imapclient.FetchItemDataRFC822Size:
			result.Size = uint32(data.Size)
		case imapclient.FetchItemDataInternalDate:
			result.InternalDate = data.Time
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				result.Date = data.Envelope.Date
				result.Subject = data.Envelope.Subject
				result.MessageID = data.Envelope.MessageID
				result.InReplyTo = data.Envelope.InReplyTo
				if len(data.Envelope.From) > 0 {
					result.From = formatAddress(data.Envelope.From[0])
					result.FromName = data.Envelope.From[0].Name
				}
				for _, addr := range data.Envelope.To {
					result.To = append(result.To, formatAddress(addr))
				}
				for _, addr := range data.Envelope.Cc {
					result.Cc = append(result.Cc, formatAddress(addr))
				}
				if len(data.Envelope.ReplyTo) > 0 {
					result.ReplyTo = formatAddress(data.Envelope.ReplyTo[0])
				}
			}
		case imapclient.FetchItemDataBodySection:
			if data.Literal == nil {
				c.logger.Debug("nil body literal", "uid", result.UID)
				continue
			}
			var readErr error
			rawBody, readErr = io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, data.Literal)
			if readErr != nil {
				c.logger.Debug("error reading body literal", "uid", result.UID, "error", readErr)
				rawBody = nil
			}
		}
	}

	return result, rawBody
}

// parseBody walks the MIME structure and extracts text content, the
// References header, and attachment metadata.
//
// go-message's mail.CreateReader and NextPart may return both a valid
// reader/part AND an error when the message uses an unknown charset
// or transfer encoding. Those are treated as non-fatal — the content
// may be slightly garbled but still useful.
func (c *Client) parseBody(msg *Message, r io.Reader) error {
	mailReader, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mailReader == nil {
		if err != nil {
			return fmt.Errorf("create mail reader returned nil: %w", err)
		}
		return fmt.Errorf("create mail reader returned nil")
	}
	if err != nil {
		c.logger.Debug("mail reader created with charset warning", "error", err)
	}

	if refs, err := mailReader.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		msg.References = refs
	}

	msg.Headers = make(map[string]string)
	for field := range mailReader.Header.Fields() {
		msg.Headers[field.Key] = field.Value
	}

	for {
		part, err := mailReader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}
		if err != nil {
			c.logger.Debug("part has charset warning", "error", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			switch {
			case contentType == "text/plain" && msg.TextBody == "":
				msg.TextBody = readTruncated(part.Body)
			case contentType == "text/html" && msg.HTMLBody == "":
				msg.HTMLBody = readTruncated(part.Body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			data, _ := io.ReadAll(part.Body)
			msg.Attachments = append(msg.Attachments, AttachmentInfo{
				Filename:    filename,
				ContentType: contentType,
				Size:        len(data),
				Data:        data,
			})
		}
	}

	return nil
}

func readTruncated(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return ""
	}
	text := string(body)
	if len(body) > maxBodySize {
		text = text[:maxBodySize] + "\n\n[truncated — message exceeds 32KB]"
	}
	return strings.TrimSpace(text)
}
