// Package pool manages per-account IMAP connection pools: a bounded
// set of imap.Session handles, checked out for the duration of a
// single operation and returned when the caller is done. It maintains
// a minimum warm pool, expires idle connections, and periodically
// health-checks connections sitting available in the pool.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/textfortress/mailgw/internal/config"
	"github.com/textfortress/mailgw/internal/imap"
)

// Pool errors. Acquire returns ErrShuttingDown and ErrAcquireTimeout;
// ErrPoolExhausted is not returned by Acquire.
var (
	ErrPoolExhausted = errors.New("pool: exhausted, no connections available")
	ErrShuttingDown  = errors.New("pool: shutting down")
	ErrAcquireTimeout = errors.New("pool: timed out waiting for a connection")
)

// Factory creates and validates imap.Session connections. Production
// code uses sessionFactory (below), wrapping imap.NewClient; tests
// substitute a fake factory backed by imap.Fake.
type Factory interface {
	Create(ctx context.Context) (imap.Session, error)
	Validate(ctx context.Context, s imap.Session) bool
}

// sessionFactory is the production Factory, dialing real IMAP
// connections for one account.
type sessionFactory struct {
	cfg    config.AccountConfig
	logger *slog.Logger
}

// NewSessionFactory returns a Factory that dials real IMAP connections
// for the given account.
func NewSessionFactory(cfg config.AccountConfig, logger *slog.Logger) Factory {
	return &sessionFactory{cfg: cfg, logger: logger}
}

func (f *sessionFactory) Create(ctx context.Context) (imap.Session, error) {
	c := imap.NewClient(f.cfg, f.logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (f *sessionFactory) Validate(ctx context.Context, s imap.Session) bool {
	return s.Ping(ctx) == nil
}

// entry is a single pooled connection with lifecycle bookkeeping.
type entry struct {
	id        string
	session   imap.Session
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	healthy   bool
}

func (e *entry) expired(idleTimeout time.Duration) bool {
	return !e.inUse && time.Since(e.lastUsed) > idleTimeout
}

// Stats is a point-in-time snapshot of pool activity, suitable for
// health endpoints and metrics scraping.
type Stats struct {
	Available      int `json:"available_connections"`
	Active         int `json:"active_connections"`
	Total          int `json:"total_connections"`
	MaxConnections int `json:"max_connections"`
	TotalCreated   int `json:"total_created"`
	TotalAcquired  int `json:"total_acquired"`
	TotalReleased  int `json:"total_released"`
}

// Handle wraps a checked-out session. Callers must call Release when
// finished, ideally via defer immediately after Acquire succeeds.
type Handle struct {
	id      string
	session imap.Session
	pool    *Pool
	once    sync.Once
}

// Session returns the underlying IMAP session for this checkout.
func (h *Handle) Session() imap.Session { return h.session }

// Release returns the connection to the pool. Safe to call multiple
// times; only the first call has effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.pool.release(h.id)
	})
}

// Pool manages a bounded set of connections for a single IMAP account.
type Pool struct {
	account string
	factory Factory
	cfg     config.PoolConfig
	logger  *slog.Logger

	mu           sync.Mutex
	entries      map[string]*entry
	available    *list.List // of entry ids (string), front = most recently released
	shuttingDown bool

	totalCreated  int
	totalAcquired int
	totalReleased int
	active        int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a connection pool for one account and starts its
// background maintenance and health-check loops. Callers should call
// Warm to pre-populate the minimum connection count, and Close when
// the pool is no longer needed.
func New(account string, factory Factory, cfg config.PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		account:   account,
		factory:   factory,
		cfg:       cfg,
		logger:    logger.With("account", account),
		entries:   make(map[string]*entry),
		available: list.New(),
		stopCh:    make(chan struct{}),
	}

	p.wg.Add(2)
	go p.maintainLoop()
	go p.healthCheckLoop()

	return p
}

// Warm creates up to cfg.MinConnections connections synchronously,
// logging (but not failing on) individual dial errors so a single bad
// account doesn't block startup of the others.
func (p *Pool) Warm(ctx context.Context) {
	p.mu.Lock()
	need := p.cfg.MinConnections - len(p.entries)
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		if _, err := p.createConnection(ctx); err != nil {
			p.logger.Warn("failed to pre-warm connection", "error", err)
		}
	}
}

// createConnection dials a new connection via the factory and adds it
// to the pool in the available state.
func (p *Pool) createConnection(ctx context.Context) (string, error) {
	session, err := p.factory.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("create connection: %w", err)
	}

	id := uuid.NewString()
	now := time.Now()
	e := &entry{id: id, session: session, createdAt: now, lastUsed: now, healthy: true}

	p.mu.Lock()
	p.entries[id] = e
	p.available.PushBack(id)
	p.totalCreated++
	p.mu.Unlock()

	p.logger.Debug("created connection", "id", id)
	return id, nil
}

// Acquire checks out a connection, creating one if the pool has spare
// capacity and none are idle-available. Blocks up to
// cfg.AcquireTimeout waiting for capacity to free up.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)

	for {
		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			return nil, ErrShuttingDown
		}

		// Try an available connection first.
		for el := p.available.Front(); el != nil; el = el.Next() {
			id := el.Value.(string)
			e, ok := p.entries[id]
			if !ok {
				next := el.Next()
				p.available.Remove(el)
				el = next
				continue
			}
			if e.expired(p.cfg.IdleTimeout) || !e.healthy {
				delete(p.entries, id)
				p.available.Remove(el)
				continue
			}

			e.inUse = true
			e.lastUsed = time.Now()
			p.available.Remove(el)
			p.totalAcquired++
			p.active++
			p.mu.Unlock()

			p.logger.Debug("acquired connection", "id", id)
			return &Handle{id: id, session: e.session, pool: p}, nil
		}

		total := len(p.entries)
		canCreate := total < p.cfg.MaxConnections
		p.mu.Unlock()

		if canCreate {
			if _, err := p.createConnection(ctx); err != nil {
				return nil, err
			}
			continue
		}

		if time.Now().After(deadline) {
			return nil, ErrAcquireTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// release returns a checked-out connection to the available queue.
func (p *Pool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		p.logger.Warn("released unknown connection", "id", id)
		return
	}
	e.inUse = false
	e.lastUsed = time.Now()
	p.available.PushBack(id)
	p.totalReleased++
	p.active--
}

// Stats returns a point-in-time snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Available:      p.available.Len(),
		Active:         p.active,
		Total:          len(p.entries),
		MaxConnections: p.cfg.MaxConnections,
		TotalCreated:   p.totalCreated,
		TotalAcquired:  p.totalAcquired,
		TotalReleased:  p.totalReleased,
	}
}

// maintainLoop tops up the pool to MinConnections and evicts expired,
// unused connections. Runs every 10 seconds until Close.
func (p *Pool) maintainLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictExpired()
			p.Warm(context.Background())
		}
	}
}

func (p *Pool) evictExpired() {
	p.mu.Lock()
	var expired []string
	for el := p.available.Front(); el != nil; {
		next := el.Next()
		id := el.Value.(string)
		if e, ok := p.entries[id]; ok && e.expired(p.cfg.IdleTimeout) {
			expired = append(expired, id)
			p.available.Remove(el)
			delete(p.entries, id)
		}
		el = next
	}
	p.mu.Unlock()

	for _, id := range expired {
		p.logger.Debug("evicted idle connection", "id", id)
	}
}

// healthCheckLoop periodically validates idle connections and
// reconnects any that fail validation, matching the background
// reconnection behavior the gateway relies on to survive transient
// server restarts without callers observing a failed Acquire.
func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.mu.Lock()
	var toCheck []string
	for el := p.available.Front(); el != nil; el = el.Next() {
		id := el.Value.(string)
		if e, ok := p.entries[id]; ok && time.Since(e.lastUsed) > 30*time.Second {
			toCheck = append(toCheck, id)
		}
	}
	p.mu.Unlock()

	for _, id := range toCheck {
		p.mu.Lock()
		e, ok := p.entries[id]
		p.mu.Unlock()
		if !ok {
			continue
		}

		if p.factory.Validate(ctx, e.session) {
			p.logger.Debug("connection passed health check", "id", id)
			continue
		}

		p.logger.Warn("connection failed health check, reconnecting", "id", id)
		p.reconnect(ctx, id)
	}
}

// reconnect replaces a failed connection with a freshly dialed one,
// reusing the same id so in-flight references in the available queue
// remain valid. Retries up to 3 times with a short exponential
// backoff before giving up and leaving the slot empty.
func (p *Pool) reconnect(ctx context.Context, id string) {
	p.mu.Lock()
	_, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.removeFromAvailable(id)
	p.mu.Unlock()

	if !ok {
		return
	}

	delay := 2 * time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		session, err := p.factory.Create(ctx)
		if err == nil {
			now := time.Now()
			p.mu.Lock()
			p.entries[id] = &entry{id: id, session: session, createdAt: now, lastUsed: now, healthy: true}
			p.available.PushBack(id)
			p.mu.Unlock()
			p.logger.Info("reconnected", "id", id, "attempt", attempt)
			return
		}

		p.logger.Warn("reconnect attempt failed", "id", id, "attempt", attempt, "error", err)
		if attempt < 3 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	p.logger.Error("giving up reconnecting connection", "id", id)
}

// removeFromAvailable removes id from the available queue if present.
// Caller must hold p.mu.
func (p *Pool) removeFromAvailable(id string) {
	for el := p.available.Front(); el != nil; el = el.Next() {
		if el.Value.(string) == id {
			p.available.Remove(el)
			return
		}
	}
}

// Close stops the background loops and releases all pooled
// connections. Does not error on already-closed connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil
	}
	p.shuttingDown = true
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry)
	p.available.Init()
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	var firstErr error
	for _, e := range entries {
		if err := e.session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
