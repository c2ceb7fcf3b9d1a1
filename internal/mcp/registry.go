package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/textfortress/mailgw/internal/attachments"
	"github.com/textfortress/mailgw/internal/imap"
)

// AttachmentStore is the subset of *attachments.Store the registry
// needs to back the saveAttachments tool. nil is legal: the tool is
// simply omitted from the catalog when no store is wired in.
type AttachmentStore interface {
	Save(ctx context.Context, account, messageID string, part attachments.Part) (*attachments.Info, error)
}

// ExecuteFunc runs one tool call against a live IMAP session and the
// port state it was dispatched on. params is the raw "params" object
// from the JSON-RPC request, still encoded — each tool decodes its own
// shape. The returned value is marshaled into the response's "result".
type ExecuteFunc func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error)

// ValidateFunc checks a tool call's arguments for presence/shape before
// any IMAP session is acquired from the pool. It must not touch sess or
// the network — only decode params and inspect port state.
type ValidateFunc func(port *PortState, params json.RawMessage) error

// Tool is one entry in the MCP tool catalog: a method name bound to an
// executor, plus the schema metadata surfaced to clients that ask for
// the catalog (e.g. an agent executor converting tools to a model's
// wire format).
type Tool struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
	// Validate, when set, runs before the dispatcher acquires a pooled
	// session. It should reject missing/empty required arguments so a
	// malformed call never touches the pool. Nil means the tool has no
	// pool-free precondition to check (e.g. no required arguments).
	Validate ValidateFunc
	Execute  ExecuteFunc
}

// Registry is the dispatcher's method table: a mapping from JSON-RPC
// method name to the tool object that serves it.
type Registry struct {
	tools       map[string]*Tool
	attachments AttachmentStore
}

// NewRegistry builds the registry with the required tool catalog:
// listFolders, createFolder, deleteFolder, renameFolder, selectFolder,
// searchEmails, fetchEmails, moveEmails, storeFlags, appendEmail, and
// expungeFolder.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	r.registerFolderTools()
	r.registerMessageTools()
	return r
}

// NewRegistryWithAttachments builds the registry with the same catalog
// as NewRegistry plus saveAttachments, backed by store.
func NewRegistryWithAttachments(store AttachmentStore) *Registry {
	r := &Registry{tools: make(map[string]*Tool), attachments: store}
	r.registerFolderTools()
	r.registerMessageTools()
	r.registerAttachmentTools()
	return r
}

// Register adds or replaces a tool. Exported so callers (tests, or an
// operator wiring in a custom tool) can extend the catalog.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Lookup returns the tool bound to method, if any.
func (r *Registry) Lookup(method string) (*Tool, bool) {
	t, ok := r.tools[method]
	return t, ok
}

// Names returns the registered method names, for catalog introspection.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// resolveFolder returns the folder a tool call should target: an
// explicit folder argument wins, otherwise the port's currently
// selected folder. Returns a requires-selection error if neither is set.
func resolveFolder(explicit string, port *PortState) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	_, folder := port.Snapshot()
	if folder == "" {
		return "", imap.NewError(imap.FailureRequiresSelection, "resolveFolder", fmt.Errorf("no folder selected and none supplied"))
	}
	return folder, nil
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, imap.NewError(imap.FailureValidation, "decodeParams", err)
	}
	return v, nil
}

// --- folder management tools ---

type createFolderParams struct {
	Name string `json:"name"`
}

type deleteFolderParams struct {
	Name string `json:"name"`
}

type renameFolderParams struct {
	FromName string `json:"from_name"`
	ToName   string `json:"to_name"`
}

type selectFolderParams struct {
	Name string `json:"name"`
}

func (r *Registry) registerFolderTools() {
	r.Register(&Tool{
		Name:        "listFolders",
		Description: "List all mailboxes in the account, with message and unseen counts.",
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"folders": map[string]any{"type": "array"},
			},
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			folders, err := sess.ListFolders(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"folders": folders}, nil
		},
	})

	r.Register(&Tool{
		Name:        "createFolder",
		Description: "Create a new mailbox.",
		InputSchema: map[string]any{
			"type":       "object",
			"required":   []string{"name"},
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
		},
		Validate: func(port *PortState, params json.RawMessage) error {
			p, err := decodeParams[createFolderParams](params)
			if err != nil {
				return err
			}
			if strings.TrimSpace(p.Name) == "" {
				return imap.NewError(imap.FailureValidation, "createFolder", fmt.Errorf("name is required"))
			}
			return nil
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			p, err := decodeParams[createFolderParams](params)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(p.Name) == "" {
				return nil, imap.NewError(imap.FailureValidation, "createFolder", fmt.Errorf("name is required"))
			}
			if err := sess.CreateFolder(ctx, p.Name); err != nil {
				return nil, err
			}
			return map[string]any{"created": p.Name}, nil
		},
	})

	r.Register(&Tool{
		Name:        "deleteFolder",
		Description: "Delete a mailbox.",
		InputSchema: map[string]any{
			"type":       "object",
			"required":   []string{"name"},
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
		},
		Validate: func(port *PortState, params json.RawMessage) error {
			p, err := decodeParams[deleteFolderParams](params)
			if err != nil {
				return err
			}
			if strings.TrimSpace(p.Name) == "" {
				return imap.NewError(imap.FailureValidation, "deleteFolder", fmt.Errorf("name is required"))
			}
			return nil
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			p, err := decodeParams[deleteFolderParams](params)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(p.Name) == "" {
				return nil, imap.NewError(imap.FailureValidation, "deleteFolder", fmt.Errorf("name is required"))
			}
			if err := sess.DeleteFolder(ctx, p.Name); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": p.Name}, nil
		},
	})

	r.Register(&Tool{
		Name:        "renameFolder",
		Description: "Rename a mailbox.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"from_name", "to_name"},
			"properties": map[string]any{
				"from_name": map[string]any{"type": "string"},
				"to_name":   map[string]any{"type": "string"},
			},
		},
		Validate: func(port *PortState, params json.RawMessage) error {
			p, err := decodeParams[renameFolderParams](params)
			if err != nil {
				return err
			}
			if strings.TrimSpace(p.FromName) == "" || strings.TrimSpace(p.ToName) == "" {
				return imap.NewError(imap.FailureValidation, "renameFolder", fmt.Errorf("from_name and to_name are required"))
			}
			return nil
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			p, err := decodeParams[renameFolderParams](params)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(p.FromName) == "" || strings.TrimSpace(p.ToName) == "" {
				return nil, imap.NewError(imap.FailureValidation, "renameFolder", fmt.Errorf("from_name and to_name are required"))
			}
			if err := sess.RenameFolder(ctx, p.FromName, p.ToName); err != nil {
				return nil, err
			}
			return map[string]any{"renamed_to": p.ToName}, nil
		},
	})

	r.Register(&Tool{
		Name:        "selectFolder",
		Description: "Select a mailbox as the target of subsequent folder-scoped calls on this connection.",
		InputSchema: map[string]any{
			"type":       "object",
			"required":   []string{"name"},
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
		},
		Validate: func(port *PortState, params json.RawMessage) error {
			p, err := decodeParams[selectFolderParams](params)
			if err != nil {
				return err
			}
			if strings.TrimSpace(p.Name) == "" {
				return imap.NewError(imap.FailureValidation, "selectFolder", fmt.Errorf("name is required"))
			}
			return nil
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			p, err := decodeParams[selectFolderParams](params)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(p.Name) == "" {
				return nil, imap.NewError(imap.FailureValidation, "selectFolder", fmt.Errorf("name is required"))
			}
			info, err := sess.SelectFolder(ctx, p.Name)
			if err != nil {
				return nil, err
			}
			port.SetSelection(sess.AccountID(), p.Name)
			return info, nil
		},
	})

	r.Register(&Tool{
		Name:        "expungeFolder",
		Description: "Permanently remove messages marked \\Deleted from the selected (or named) mailbox.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"folder": map[string]any{"type": "string"}},
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			p, err := decodeParams[struct {
				Folder string `json:"folder"`
			}](params)
			if err != nil {
				return nil, err
			}
			folder, err := resolveFolder(p.Folder, port)
			if err != nil {
				return nil, err
			}
			if err := sess.ExpungeFolder(ctx, folder); err != nil {
				return nil, err
			}
			return map[string]any{"expunged": folder}, nil
		},
	})
}

// --- message tools ---

type searchEmailsParams struct {
	Folder  string   `json:"folder"`
	Limit   int      `json:"limit"`
	Text    string   `json:"text"`
	From    string   `json:"from"`
	To      string   `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	Since   string   `json:"since"`
	Before  string   `json:"before"`
	Unseen  bool     `json:"unseen"`
	Seen    bool     `json:"seen"`
	Flagged bool     `json:"flagged"`
	UIDs    []uint32 `json:"uids"`
}

type fetchEmailsParams struct {
	Folder    string   `json:"folder"`
	UIDs      []uint32 `json:"uids"`
	FetchBody bool     `json:"fetch_body"`
}

type moveEmailsParams struct {
	Folder            string   `json:"folder"`
	UIDs              []uint32 `json:"uids"`
	DestinationFolder string   `json:"destination_folder"`
}

type storeFlagsParams struct {
	Folder    string   `json:"folder"`
	UIDs      []uint32 `json:"uids"`
	Operation string   `json:"operation"`
	Flags     []string `json:"flags"`
}

type appendEmailParams struct {
	Folder string          `json:"folder"`
	Email  appendEmailBody `json:"email"`
}

type appendEmailBody struct {
	// Raw is the full RFC 5322 message, already composed. Preferred
	// when the caller already has wire bytes.
	Raw string `json:"raw"`

	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`

	Flags []string `json:"flags"`
}

const dateLayout = "2006-01-02"

func parseOptionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, imap.NewError(imap.FailureInvalidCriteria, "parseOptionalDate", fmt.Errorf("expected YYYY-MM-DD: %w", err))
	}
	return t, nil
}

func parseFlagOperation(s string) (imap.FlagOperation, error) {
	switch strings.ToLower(s) {
	case "add", "":
		return imap.FlagAdd, nil
	case "remove":
		return imap.FlagRemove, nil
	case "set":
		return imap.FlagSet, nil
	default:
		return 0, imap.NewError(imap.FailureValidation, "parseFlagOperation", fmt.Errorf("unknown operation %q, want Add/Remove/Set", s))
	}
}

func (r *Registry) registerMessageTools() {
	r.Register(&Tool{
		Name:        "searchEmails",
		Description: "Search the selected (or named) mailbox by criteria and return matching envelopes.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"folder":  map[string]any{"type": "string"},
				"limit":   map[string]any{"type": "integer"},
				"text":    map[string]any{"type": "string"},
				"from":    map[string]any{"type": "string"},
				"to":      map[string]any{"type": "string"},
				"subject": map[string]any{"type": "string"},
				"unseen":  map[string]any{"type": "boolean"},
			},
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			p, err := decodeParams[searchEmailsParams](params)
			if err != nil {
				return nil, err
			}
			folder, err := resolveFolder(p.Folder, port)
			if err != nil {
				return nil, err
			}
			since, err := parseOptionalDate(p.Since)
			if err != nil {
				return nil, err
			}
			before, err := parseOptionalDate(p.Before)
			if err != nil {
				return nil, err
			}
			criteria := imap.SearchCriteria{
				Text:    p.Text,
				From:    p.From,
				To:      p.To,
				Subject: p.Subject,
				Body:    p.Body,
				Since:   since,
				Before:  before,
				Unseen:  p.Unseen,
				Seen:    p.Seen,
				Flagged: p.Flagged,
				UIDs:    p.UIDs,
			}
			limit := p.Limit
			if limit <= 0 {
				limit = 100
			}
			envelopes, err := sess.SearchMessages(ctx, folder, criteria, limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"folder": folder, "messages": envelopes}, nil
		},
	})

	r.Register(&Tool{
		Name:        "fetchEmails",
		Description: "Fetch one or more messages by UID from the selected (or named) mailbox, optionally including the decoded body.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"uids"},
			"properties": map[string]any{
				"folder":     map[string]any{"type": "string"},
				"uids":       map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
				"fetch_body": map[string]any{"type": "boolean"},
			},
		},
		Validate: func(port *PortState, params json.RawMessage) error {
			p, err := decodeParams[fetchEmailsParams](params)
			if err != nil {
				return err
			}
			if len(p.UIDs) == 0 {
				return imap.NewError(imap.FailureValidation, "fetchEmails", fmt.Errorf("uid list cannot be empty"))
			}
			return nil
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			p, err := decodeParams[fetchEmailsParams](params)
			if err != nil {
				return nil, err
			}
			if len(p.UIDs) == 0 {
				return nil, imap.NewError(imap.FailureValidation, "fetchEmails", fmt.Errorf("uid list cannot be empty"))
			}
			folder, err := resolveFolder(p.Folder, port)
			if err != nil {
				return nil, err
			}
			if !p.FetchBody {
				envelopes, err := sess.SearchMessages(ctx, folder, imap.SearchCriteria{UIDs: p.UIDs}, len(p.UIDs))
				if err != nil {
					return nil, err
				}
				return map[string]any{"folder": folder, "messages": envelopes}, nil
			}
			messages, err := sess.FetchMessages(ctx, folder, p.UIDs)
			if err != nil {
				return nil, err
			}
			return map[string]any{"folder": folder, "messages": messages}, nil
		},
	})

	r.Register(&Tool{
		Name:        "moveEmails",
		Description: "Move messages by UID to another mailbox. Falls back to COPY+STORE+EXPUNGE when the server lacks MOVE.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"uids", "destination_folder"},
			"properties": map[string]any{
				"folder":             map[string]any{"type": "string"},
				"uids":               map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
				"destination_folder": map[string]any{"type": "string"},
			},
		},
		Validate: func(port *PortState, params json.RawMessage) error {
			p, err := decodeParams[moveEmailsParams](params)
			if err != nil {
				return err
			}
			if len(p.UIDs) == 0 {
				return imap.NewError(imap.FailureValidation, "moveEmails", fmt.Errorf("uid list cannot be empty"))
			}
			if strings.TrimSpace(p.DestinationFolder) == "" {
				return imap.NewError(imap.FailureValidation, "moveEmails", fmt.Errorf("destination_folder is required"))
			}
			return nil
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			p, err := decodeParams[moveEmailsParams](params)
			if err != nil {
				return nil, err
			}
			if len(p.UIDs) == 0 {
				return nil, imap.NewError(imap.FailureValidation, "moveEmails", fmt.Errorf("uid list cannot be empty"))
			}
			if strings.TrimSpace(p.DestinationFolder) == "" {
				return nil, imap.NewError(imap.FailureValidation, "moveEmails", fmt.Errorf("destination_folder is required"))
			}
			folder, err := resolveFolder(p.Folder, port)
			if err != nil {
				return nil, err
			}
			if err := sess.MoveMessages(ctx, folder, p.UIDs, p.DestinationFolder); err != nil {
				return nil, err
			}
			return map[string]any{"moved": len(p.UIDs), "destination_folder": p.DestinationFolder}, nil
		},
	})

	r.Register(&Tool{
		Name:        "storeFlags",
		Description: "Add, remove, or set IMAP flags on one or more messages.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"uids", "flags"},
			"properties": map[string]any{
				"folder":    map[string]any{"type": "string"},
				"uids":      map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
				"operation": map[string]any{"type": "string", "enum": []string{"Add", "Remove", "Set"}},
				"flags":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
		Validate: func(port *PortState, params json.RawMessage) error {
			p, err := decodeParams[storeFlagsParams](params)
			if err != nil {
				return err
			}
			if len(p.UIDs) == 0 {
				return imap.NewError(imap.FailureValidation, "storeFlags", fmt.Errorf("uid list cannot be empty"))
			}
			if len(p.Flags) == 0 {
				return imap.NewError(imap.FailureValidation, "storeFlags", fmt.Errorf("flags is required"))
			}
			if _, err := parseFlagOperation(p.Operation); err != nil {
				return err
			}
			return nil
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			p, err := decodeParams[storeFlagsParams](params)
			if err != nil {
				return nil, err
			}
			if len(p.UIDs) == 0 {
				return nil, imap.NewError(imap.FailureValidation, "storeFlags", fmt.Errorf("uid list cannot be empty"))
			}
			if len(p.Flags) == 0 {
				return nil, imap.NewError(imap.FailureValidation, "storeFlags", fmt.Errorf("flags is required"))
			}
			op, err := parseFlagOperation(p.Operation)
			if err != nil {
				return nil, err
			}
			folder, err := resolveFolder(p.Folder, port)
			if err != nil {
				return nil, err
			}
			if err := sess.StoreFlags(ctx, folder, p.UIDs, op, p.Flags); err != nil {
				return nil, err
			}
			return map[string]any{"updated": len(p.UIDs)}, nil
		},
	})

	r.Register(&Tool{
		Name:        "appendEmail",
		Description: "Compose (or accept raw bytes for) a message and append it to a mailbox.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"folder", "email"},
			"properties": map[string]any{
				"folder": map[string]any{"type": "string"},
				"email":  map[string]any{"type": "object"},
			},
		},
		Validate: func(port *PortState, params json.RawMessage) error {
			p, err := decodeParams[appendEmailParams](params)
			if err != nil {
				return err
			}
			if p.Email.Raw == "" && (strings.TrimSpace(p.Email.From) == "" || len(p.Email.To) == 0) {
				return imap.NewError(imap.FailureValidation, "appendEmail", fmt.Errorf("email.from and email.to are required when raw is omitted"))
			}
			return nil
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			p, err := decodeParams[appendEmailParams](params)
			if err != nil {
				return nil, err
			}
			folder, err := resolveFolder(p.Folder, port)
			if err != nil {
				return nil, err
			}

			var content []byte
			if p.Email.Raw != "" {
				content = []byte(p.Email.Raw)
			} else {
				if strings.TrimSpace(p.Email.From) == "" || len(p.Email.To) == 0 {
					return nil, imap.NewError(imap.FailureValidation, "appendEmail", fmt.Errorf("email.from and email.to are required when raw is omitted"))
				}
				composed, err := imap.ComposeMessage(imap.ComposeOptions{
					From:    p.Email.From,
					To:      p.Email.To,
					Cc:      p.Email.Cc,
					Subject: p.Email.Subject,
					Body:    p.Email.Body,
				})
				if err != nil {
					return nil, imap.NewError(imap.FailureOperationFailed, "appendEmail", err)
				}
				content = composed
			}

			if err := sess.AppendMessage(ctx, imap.AppendOptions{
				Folder:  folder,
				Content: content,
				Flags:   p.Email.Flags,
				Date:    time.Now(),
			}); err != nil {
				return nil, err
			}
			return map[string]any{"appended_to": folder, "size": len(content)}, nil
		},
	})
}

type saveAttachmentsParams struct {
	Folder string `json:"folder"`
	UID    uint32 `json:"uid"`
}

// registerAttachmentTools adds saveAttachments, which materializes the
// spec's save_attachment operation: fetch one message's attachment
// parts and persist them through the Attachment Store, per §4.6. Only
// registered when an AttachmentStore was wired into the registry.
func (r *Registry) registerAttachmentTools() {
	r.Register(&Tool{
		Name:        "saveAttachments",
		Description: "Fetch a message by UID and persist its attachment parts to the attachment store, returning what was saved.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"uid"},
			"properties": map[string]any{
				"folder": map[string]any{"type": "string"},
				"uid":    map[string]any{"type": "integer"},
			},
		},
		Validate: func(port *PortState, params json.RawMessage) error {
			p, err := decodeParams[saveAttachmentsParams](params)
			if err != nil {
				return err
			}
			if p.UID == 0 {
				return imap.NewError(imap.FailureValidation, "saveAttachments", fmt.Errorf("uid is required"))
			}
			return nil
		},
		Execute: func(ctx context.Context, sess imap.Session, port *PortState, params json.RawMessage) (any, error) {
			p, err := decodeParams[saveAttachmentsParams](params)
			if err != nil {
				return nil, err
			}
			if p.UID == 0 {
				return nil, imap.NewError(imap.FailureValidation, "saveAttachments", fmt.Errorf("uid is required"))
			}
			folder, err := resolveFolder(p.Folder, port)
			if err != nil {
				return nil, err
			}
			messages, err := sess.FetchMessages(ctx, folder, []uint32{p.UID})
			if err != nil {
				return nil, err
			}
			if len(messages) == 0 {
				return nil, imap.NewError(imap.FailureOperationFailed, "saveAttachments", fmt.Errorf("uid %d not found in %s", p.UID, folder))
			}
			msg := messages[0]
			messageID := attachments.EnsureMessageID(msg.MessageID, sess.AccountID(), msg.UID, msg.Date)

			saved := make([]*attachments.Info, 0, len(msg.Attachments))
			for _, a := range msg.Attachments {
				if len(a.Data) == 0 {
					continue
				}
				info, err := r.attachments.Save(ctx, sess.AccountID(), messageID, attachments.Part{
					Filename:    a.Filename,
					ContentType: a.ContentType,
					Body:        a.Data,
				})
				if err != nil {
					return nil, imap.NewError(imap.FailureOperationFailed, "saveAttachments", err)
				}
				saved = append(saved, info)
			}
			return map[string]any{"folder": folder, "uid": p.UID, "message_id": messageID, "saved": saved}, nil
		},
	})
}
