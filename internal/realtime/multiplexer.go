package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenforum/livesync/internal/backoff"
	"github.com/lumenforum/livesync/internal/cache"
	"github.com/lumenforum/livesync/internal/transport"
)

// ClientSource provides the current transport and swap notifications.
// Satisfied by connection.Core.
type ClientSource interface {
	Client() transport.Transport
	OnClientChange(func(transport.Transport)) func()
}

// Callbacks is one consumer's interest in channel events.
type Callbacks struct {
	// ConversationID restricts message events to one conversation.
	// Empty receives every message event.
	ConversationID string

	// OnMessage receives matching events from the messages table.
	OnMessage func(transport.ChangeEvent)

	// OnStatusChange receives every event from the status table.
	OnStatusChange func(transport.ChangeEvent)
}

// Config holds multiplexer settings.
type Config struct {
	// MessagesTable is the owner-scoped message stream
	// (default: "messages").
	MessagesTable string

	// StatusTable carries member presence/status updates and is
	// subscribed wildcard (default: "member_status").
	StatusTable string

	// Backoff governs channel setup retries.
	Backoff backoff.Policy
}

func (cfg *Config) applyDefaults() {
	if cfg.MessagesTable == "" {
		cfg.MessagesTable = "messages"
	}
	if cfg.StatusTable == "" {
		cfg.StatusTable = "member_status"
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.DefaultPolicy()
	}
}

// Multiplexer multiplexes many consumers onto one physical channel
// per owner.
type Multiplexer struct {
	cfg    Config
	source ClientSource
	logger *slog.Logger

	mu         sync.Mutex
	active     bool
	ownerID    string
	bridge     *cache.Bridge
	callbacks  map[string]Callbacks
	subs       []transport.Subscription
	retryCount int
	retryTimer *time.Timer
	unsubCore  func()

	// gen invalidates in-flight setups and pending retries whenever
	// the channel is torn down.
	gen int
}

// NewMultiplexer creates a multiplexer over the given client source.
func NewMultiplexer(cfg Config, source ClientSource, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Multiplexer{
		cfg:       cfg,
		source:    source,
		logger:    logger,
		callbacks: make(map[string]Callbacks),
	}
}

// Initialize opens the physical channel for ownerID. Idempotent for
// the same owner; a different owner tears the old channel down first.
func (m *Multiplexer) Initialize(ctx context.Context, ownerID string, bridge *cache.Bridge) error {
	m.mu.Lock()

	if m.active && m.ownerID == ownerID {
		m.mu.Unlock()
		return nil
	}

	var stale []transport.Subscription
	if m.active {
		stale = m.teardownLocked()
	}

	m.active = true
	m.ownerID = ownerID
	m.bridge = bridge
	m.callbacks = make(map[string]Callbacks)
	m.retryCount = 0
	m.gen++
	gen := m.gen

	if m.unsubCore == nil {
		m.unsubCore = m.source.OnClientChange(func(transport.Transport) {
			m.onClientChange()
		})
	}
	m.mu.Unlock()

	// Old channel teardown completes before the new setup starts.
	for _, sub := range stale {
		sub.Unsubscribe()
	}

	m.logger.Info("realtime channel initializing", "owner", ownerID)

	m.setup(ctx, gen)
	return nil
}

// IsActive reports whether a channel is initialized.
func (m *Multiplexer) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// RegisterCallback adds a consumer. Re-registering a consumerID
// replaces its callbacks.
func (m *Multiplexer) RegisterCallback(consumerID string, cb Callbacks) {
	m.mu.Lock()
	m.callbacks[consumerID] = cb
	m.mu.Unlock()
}

// UnregisterCallback removes a consumer. Unknown ids are a no-op.
func (m *Multiplexer) UnregisterCallback(consumerID string) {
	m.mu.Lock()
	delete(m.callbacks, consumerID)
	m.mu.Unlock()
}

// Cleanup tears the channel down and clears all state. Safe to call
// multiple times.
func (m *Multiplexer) Cleanup() {
	m.mu.Lock()
	if !m.active && m.unsubCore == nil {
		m.mu.Unlock()
		return
	}
	stale := m.teardownLocked()
	m.active = false
	m.ownerID = ""
	m.bridge = nil
	m.callbacks = make(map[string]Callbacks)
	unsubCore := m.unsubCore
	m.unsubCore = nil
	m.mu.Unlock()

	for _, sub := range stale {
		sub.Unsubscribe()
	}
	if unsubCore != nil {
		unsubCore()
	}

	m.logger.Debug("realtime channel cleaned up")
}

// teardownLocked detaches the current channel and invalidates pending
// retries. Caller holds the lock and unsubscribes the returned
// subscriptions after releasing it.
func (m *Multiplexer) teardownLocked() []transport.Subscription {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	subs := m.subs
	m.subs = nil
	m.gen++
	return subs
}

// setup opens the owner's physical channel: a filtered subscription on
// the messages table plus a wildcard one on the status table.
func (m *Multiplexer) setup(ctx context.Context, gen int) {
	m.mu.Lock()
	if !m.active || gen != m.gen {
		m.mu.Unlock()
		return
	}
	ownerID := m.ownerID
	m.mu.Unlock()

	client := m.source.Client()
	if client == nil {
		m.logger.Debug("no transport yet, deferring channel setup", "owner", ownerID)
		m.scheduleRetry(ctx, gen)
		return
	}

	requests := []transport.SubscribeRequest{
		{
			Table:  m.cfg.MessagesTable,
			Filter: "recipient_id=" + ownerID,
			Events: []transport.EventType{transport.EventInsert, transport.EventUpdate},
			OnEvent: func(ev transport.ChangeEvent) {
				m.dispatchMessage(ev)
			},
			OnStatus: func(st transport.ChannelStatus, err error) {
				m.onChannelStatus(ctx, gen, st, err)
			},
		},
		{
			Table:  m.cfg.StatusTable,
			Events: []transport.EventType{transport.EventAll},
			OnEvent: func(ev transport.ChangeEvent) {
				m.dispatchStatus(ev)
			},
			OnStatus: func(st transport.ChannelStatus, err error) {
				m.onChannelStatus(ctx, gen, st, err)
			},
		},
	}

	opened := make([]transport.Subscription, 0, len(requests))
	for _, req := range requests {
		sub, err := client.Subscribe(ctx, req)
		if err != nil {
			m.logger.Warn("channel setup failed",
				"owner", ownerID,
				"table", req.Table,
				"error", err,
			)
			for _, s := range opened {
				s.Unsubscribe()
			}
			m.scheduleRetry(ctx, gen)
			return
		}
		opened = append(opened, sub)
	}

	m.mu.Lock()
	if !m.active || gen != m.gen {
		m.mu.Unlock()
		// Torn down while we were subscribing.
		for _, s := range opened {
			s.Unsubscribe()
		}
		return
	}
	m.subs = opened
	m.mu.Unlock()

	m.logger.Info("realtime channel established", "owner", ownerID)
}

// onChannelStatus reacts to subscription lifecycle transitions.
func (m *Multiplexer) onChannelStatus(ctx context.Context, gen int, st transport.ChannelStatus, err error) {
	switch st {
	case transport.StatusSubscribed:
		m.mu.Lock()
		if m.active && gen == m.gen {
			m.retryCount = 0
		}
		m.mu.Unlock()

	case transport.StatusChannelError:
		m.logger.Warn("channel error", "error", err)
		m.scheduleRetry(ctx, gen)
	}
}

// scheduleRetry arms the backoff timer for one rebuild attempt. Past
// the retry budget it goes quiet until a transport swap resets the
// count.
func (m *Multiplexer) scheduleRetry(ctx context.Context, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active || gen != m.gen {
		return
	}
	if m.retryTimer != nil {
		// A rebuild is already pending; both table listeners erroring
		// at once must not double-schedule.
		return
	}
	if m.cfg.Backoff.Exhausted(m.retryCount) {
		m.logger.Warn("channel retries exhausted, waiting for reconnect signal",
			"owner", m.ownerID,
			"retries", m.retryCount,
		)
		return
	}

	delay := m.cfg.Backoff.Delay(m.retryCount)
	m.retryCount++

	m.logger.Debug("scheduling channel retry",
		"owner", m.ownerID,
		"attempt", m.retryCount,
		"delay", delay,
	)

	m.retryTimer = time.AfterFunc(delay, func() {
		m.rebuild(ctx, gen)
	})
}

// rebuild tears the channel down and runs setup again. The old
// teardown always completes before the new setup starts.
func (m *Multiplexer) rebuild(ctx context.Context, gen int) {
	m.mu.Lock()
	if !m.active || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	subs := m.subs
	m.subs = nil
	m.gen++
	newGen := m.gen
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	m.setup(ctx, newGen)
}

// onClientChange handles a transport swap: reset the retry budget and
// rebuild the channel on the new transport.
func (m *Multiplexer) onClientChange() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.retryCount = 0
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	subs := m.subs
	m.subs = nil
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.logger.Info("transport swapped, re-establishing channel")

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	m.setup(context.Background(), gen)
}

// dispatchMessage fans a messages-table event out to interested
// consumers and the cache bridge.
func (m *Multiplexer) dispatchMessage(ev transport.ChangeEvent) {
	m.mu.Lock()
	cbs := make([]Callbacks, 0, len(m.callbacks))
	for _, cb := range m.callbacks {
		cbs = append(cbs, cb)
	}
	bridge := m.bridge
	m.mu.Unlock()

	convo := ""
	if row := ev.Record(); row != nil {
		if v, ok := row["conversation_id"]; ok {
			convo = fmt.Sprint(v)
		}
	}

	for _, cb := range cbs {
		if cb.OnMessage == nil {
			continue
		}
		if cb.ConversationID != "" && cb.ConversationID != convo {
			continue
		}
		cb.OnMessage(ev)
	}

	if bridge != nil {
		bridge.HandleEvent(ev)
	}
}

// dispatchStatus fans a status-table event out to every consumer and
// the cache bridge.
func (m *Multiplexer) dispatchStatus(ev transport.ChangeEvent) {
	m.mu.Lock()
	cbs := make([]Callbacks, 0, len(m.callbacks))
	for _, cb := range m.callbacks {
		cbs = append(cbs, cb)
	}
	bridge := m.bridge
	m.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnStatusChange != nil {
			cb.OnStatusChange(ev)
		}
	}

	if bridge != nil {
		bridge.HandleEvent(ev)
	}
}
