package mcp

import "sync"

// PortState is the per-connection context for a JSON-RPC channel: the
// folder and account a bare tool call without explicit parameters
// should apply to, plus whatever session affinity the transport
// assigned. One PortState exists per stdio process or per HTTP
// session id; it is created when the channel opens and discarded when
// it closes.
type PortState struct {
	mu sync.Mutex

	// AccountID is the account tool calls apply to when a call omits
	// an explicit account_id parameter. Set by selectFolder or by an
	// explicit switch-account call; starts empty, in which case the
	// dispatcher falls back to the configured default account.
	AccountID string

	// SelectedFolder mirrors the underlying session's currently
	// selected mailbox, so tools that omit a folder parameter operate
	// on whatever the port last selected.
	SelectedFolder string

	// SessionID identifies this port across reconnects on transports
	// that support session affinity (HTTP's Mcp-Session header). Empty
	// for stdio, which is inherently single-session.
	SessionID string
}

// NewPortState creates an empty port state for a freshly opened channel.
func NewPortState() *PortState {
	return &PortState{}
}

// Snapshot returns a copy of the current account id and selected
// folder under lock, for tools that need a consistent read without
// holding the port's lock themselves.
func (p *PortState) Snapshot() (accountID, folder string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.AccountID, p.SelectedFolder
}

// SetSelection records the account and folder a selectFolder call
// bound this port to. Mutations are serialized per port, as required
// for concurrent tool calls sharing one channel.
func (p *PortState) SetSelection(accountID, folder string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AccountID = accountID
	p.SelectedFolder = folder
}
