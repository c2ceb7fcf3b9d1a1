package imap

import (
	"context"
	"errors"
)

// ErrIdleUnsupported is returned by Idle until push notification
// support is implemented. The sync engine falls back to periodic
// polling rather than calling Idle at all; this method exists so the
// Session interface has a stable home for IDLE once a server-side
// implementation lands, without forcing every caller through a type
// assertion first.
var ErrIdleUnsupported = errors.New("imap: IDLE not implemented, use periodic sync")

// Idle is a placeholder for IMAP IDLE support. It returns
// ErrIdleUnsupported immediately; callers should treat that as "fall
// back to periodic polling", not a fatal error.
func (c *Client) Idle(ctx context.Context, folder string, onUpdate func()) error {
	return ErrIdleUnsupported
}
