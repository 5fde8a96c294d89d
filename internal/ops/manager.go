package ops

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenforum/livesync/internal/visibility"
)

// entry is one tracked operation.
type entry struct {
	key       string
	token     *Token
	createdAt time.Time
	deadline  time.Time
	timer     *time.Timer
}

// Manager tracks in-flight operations. At most one live entry exists
// per key at any instant: admitting a duplicate cancels and evicts the
// live one first, under the manager lock, so no interleaving window
// exists where two share a key.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an operation manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Start launches the periodic stale-entry sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.sweepLoop()

	return nil
}

// Stop cancels every tracked operation and halts the sweep.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout for operation sweep")
	}

	m.CancelExcept()
	return nil
}

// Tracked returns the number of live operations.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// WithTimeout runs op with a deadline and a cancellation token. The
// result is op's own, unless the deadline fires (TimeoutError) or the
// token is cancelled externally (CancelledError). Cleanup runs on
// every settle path.
func WithTimeout[T any](m *Manager, ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, error) {
	var zero T

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = m.cfg.DefaultTimeout
	}
	key := opts.Key
	if key == "" {
		key = "op-" + uuid.NewString()
	}

	e := m.admit(ctx, key, timeout, opts.ErrorMessage)
	defer m.release(e)

	type result struct {
		val T
		err error
	}
	resCh := make(chan result, 1)

	go func() {
		val, err := op(e.token.Context())
		resCh <- result{val, err}
	}()

	select {
	case r := <-resCh:
		return r.val, r.err
	case <-e.token.Done():
		return zero, e.token.Cause()
	}
}

// admit registers a new entry, cancelling any live duplicate and
// making room under the cap.
func (m *Manager) admit(parent context.Context, key string, timeout time.Duration, errMsg string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok {
		m.evictLocked(old, &CancelledError{Key: key, Reason: "replaced by duplicate key"})
	}

	if len(m.entries) >= m.cfg.MaxTracked {
		m.evictOlderThanLocked(m.cfg.EvictAfter, "cap exceeded")
	}
	if len(m.entries) >= m.cfg.MaxTracked {
		// Nothing old enough to evict. Admit anyway: blocking the
		// caller would be worse than briefly exceeding the cap.
		m.logger.Warn("operation cap exceeded",
			"tracked", len(m.entries),
			"max", m.cfg.MaxTracked,
		)
	}

	token := NewToken(parent)
	e := &entry{
		key:       key,
		token:     token,
		createdAt: time.Now(),
		deadline:  time.Now().Add(timeout),
	}
	e.timer = time.AfterFunc(timeout, func() {
		token.Cancel(&TimeoutError{Key: key, Timeout: timeout, Message: errMsg})
	})
	m.entries[key] = e

	return e
}

// release removes an entry on settle. Safe when the entry was already
// evicted by a duplicate or a sweep.
func (m *Manager) release(e *entry) {
	e.timer.Stop()

	m.mu.Lock()
	if cur, ok := m.entries[e.key]; ok && cur == e {
		delete(m.entries, e.key)
	}
	m.mu.Unlock()
}

// evictLocked cancels and removes one entry. Caller holds the lock.
func (m *Manager) evictLocked(e *entry, cause error) {
	e.timer.Stop()
	e.token.Cancel(cause)
	delete(m.entries, e.key)
}

// evictOlderThanLocked cancels entries older than age. Caller holds
// the lock.
func (m *Manager) evictOlderThanLocked(age time.Duration, reason string) {
	cutoff := time.Now().Add(-age)
	for _, e := range m.entries {
		if e.createdAt.Before(cutoff) {
			m.evictLocked(e, &CancelledError{Key: e.key, Reason: reason})
		}
	}
}

// CancelExcept cancels every tracked operation whose key does not
// start with one of the given prefixes.
func (m *Manager) CancelExcept(keepPrefixes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cancelled int
	for _, e := range m.entries {
		if hasAnyPrefix(e.key, keepPrefixes) {
			continue
		}
		m.evictLocked(e, &CancelledError{Key: e.key, Reason: "bulk cancel"})
		cancelled++
	}

	if cancelled > 0 {
		m.logger.Debug("bulk cancelled operations",
			"cancelled", cancelled,
			"kept", len(m.entries),
		)
	}
}

// BindVisibility cancels all non-excluded operations whenever the
// application moves to the background. Returns an unbind function.
func (m *Manager) BindVisibility(tracker *visibility.Tracker) func() {
	return tracker.Subscribe(func(visible bool) {
		if !visible {
			m.CancelExcept(m.cfg.KeepPrefixes...)
		}
	})
}

// sweepLoop periodically evicts stale entries as a safety net against
// leaks the settle paths did not catch.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			before := len(m.entries)
			m.evictOlderThanLocked(m.cfg.StaleAfter, "stale sweep")
			evicted := before - len(m.entries)
			m.mu.Unlock()

			if evicted > 0 {
				m.logger.Warn("swept stale operations", "evicted", evicted)
			}
		}
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
