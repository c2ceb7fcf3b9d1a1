package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/textfortress/mailgw/internal/config"
)

// Client is a single-account IMAP client that wraps go-imap/v2 with
// automatic reconnection, mutex-serialized access, and explicit state
// tracking through the connection lifecycle. All public methods are
// goroutine-safe; the pool layer serializes per-session use on top of
// this, but a bare Client is still safe to call concurrently.
type Client struct {
	cfg    config.AccountConfig
	logger *slog.Logger

	mu           sync.Mutex
	client       *imapclient.Client
	state        State
	selected     string
	selectedData *goimap.SelectData
}

// NewClient creates an IMAP client for the given account configuration.
// The connection is established lazily on first use.
func NewClient(cfg config.AccountConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("account", cfg.ID),
		state:  StateDisconnected,
	}
}

// AccountID returns the account identifier this client was configured
// with.
func (c *Client) AccountID() string {
	return c.cfg.ID
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the IMAP connection and authenticates. It is
// called automatically by ensureConnected but can be called explicitly
// for eager initialization (e.g. pool warm-up).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller must hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	c.state = StateConnecting

	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.selected = ""
	c.selectedData = nil

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	var opts imapclient.Options
	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{
			ServerName: c.cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
	}

	c.logger.Debug("connecting to IMAP server", "host", c.cfg.Host, "port", c.cfg.Port, "tls", c.cfg.TLS)

	var client *imapclient.Client
	var err error
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		c.state = StateDisconnected
		return NewError(FailureConnection, "dial", err).WithAccount(c.cfg.ID)
	}

	loginCmd := client.Login(c.cfg.Username, c.cfg.Password)
	if err := loginCmd.Wait(); err != nil {
		_ = client.Close()
		c.state = StateDisconnected
		return NewError(FailureAuthentication, "login", err).WithAccount(c.cfg.ID)
	}

	c.client = client
	c.state = StateAuthenticated
	c.logger.Info("IMAP connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// ensureConnected checks the connection and reconnects if needed.
// Caller must hold c.mu.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.client != nil && c.state != StateDisconnected {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "host", c.cfg.Host)
	}
	return c.connectLocked(ctx)
}

// Ping checks that the IMAP connection is alive, reconnecting if
// necessary. Used by the connection pool's health checker and by
// connwatch for startup reachability gating.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected(ctx)
}

// Close logs out and closes the IMAP connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		c.state = StateDisconnected
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.state = StateDisconnected
	c.selected = ""
	c.selectedData = nil
	return err
}

// selectFolder selects a mailbox, skipping the round trip if it is
// already selected. Caller must hold c.mu.
func (c *Client) selectFolder(folder string) (*goimap.SelectData, error) {
	if folder == "" {
		folder = "INBOX"
	}
	if c.state == StateSelected && c.selected == folder && c.selectedData != nil {
		return c.selectedData, nil
	}

	cmd := c.client.Select(folder, nil)
	data, err := cmd.Wait()
	if err != nil {
		return nil, NewError(classifySelectError(err), "select", err).WithAccount(c.cfg.ID)
	}
	c.state = StateSelected
	c.selected = folder
	c.selectedData = data
	return data, nil
}

// classifySelectError makes a best-effort guess at whether a SELECT
// failure means the mailbox doesn't exist versus some other server
// rejection. go-imap surfaces NO/BAD responses without a machine
// readable reason code, so this is necessarily text-based.
func classifySelectError(err error) FailureClass {
	if err == nil {
		return FailureOperationFailed
	}
	msg := err.Error()
	if containsFold(msg, "does not exist") || containsFold(msg, "no such mailbox") || containsFold(msg, "not found") {
		return FailureFolderNotFound
	}
	return FailureOperationFailed
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	// Small ASCII-only case-fold search; avoids pulling in strings.ToLower
	// allocations on the hot error path.
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		match := true
		for j := 0; j < m; j++ {
			a, b := s[i+j], substr[j]
			if 'A' <= a && a <= 'Z' {
				a += 'a' - 'A'
			}
			if 'A' <= b && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
