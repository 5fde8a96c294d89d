package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenforum/livesync/internal/session"
	"github.com/lumenforum/livesync/internal/transport"
	"github.com/lumenforum/livesync/internal/visibility"
)

// Factory builds a transport from credentials. The core calls it on
// startup, on manual reconnect, and on credential refresh.
type Factory func(creds session.Credentials) (transport.Transport, error)

// Core owns the process's transport instance and its status.
type Core struct {
	cfg     Config
	factory Factory
	sess    *session.Source
	tracker *visibility.Tracker
	logger  *slog.Logger

	// reconnectMu serializes transport teardown/rebuild so swaps never
	// overlap.
	reconnectMu sync.Mutex

	mu        sync.Mutex
	status    Status
	client    transport.Transport
	nextID    int
	statusLs  map[int]func(Status)
	clientLs  map[int]func(transport.Transport)
	probeFail int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()
	started bool
}

// NewCore creates a connection core. The session source and visibility
// tracker are optional.
func NewCore(cfg Config, factory Factory, sess *session.Source, tracker *visibility.Tracker, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	visible := true
	if tracker != nil {
		visible = tracker.IsVisible()
	}

	return &Core{
		cfg:      cfg,
		factory:  factory,
		sess:     sess,
		tracker:  tracker,
		logger:   logger,
		status:   Status{State: StateDisconnected, IsVisible: visible},
		statusLs: make(map[int]func(Status)),
		clientLs: make(map[int]func(transport.Transport)),
	}
}

// Start builds the initial transport and launches the health probe.
// A failed initial connect leaves the core in the error state; the
// probe loop keeps retrying, so Start itself does not fail for
// transient backend outages.
func (c *Core) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true

	if c.sess != nil {
		c.unsubs = append(c.unsubs, c.sess.OnRefresh(func(creds session.Credentials) {
			c.logger.Info("credential refresh, swapping transport")
			c.swap(c.ctx)
		}))
	}
	if c.tracker != nil {
		c.unsubs = append(c.unsubs, c.tracker.Subscribe(func(visible bool) {
			c.mu.Lock()
			c.status.IsVisible = visible
			status := c.status
			ls := c.statusListenersLocked()
			c.mu.Unlock()
			notifyStatus(ls, status)
		}))
	}

	c.connect(c.ctx)

	c.wg.Add(1)
	go c.probeLoop()

	return nil
}

// Stop tears the transport down and halts the probe.
func (c *Core) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("shutdown timeout, forcing close")
	}

	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil

	c.mu.Lock()
	client := c.client
	c.client = nil
	c.setStateLocked(StateDisconnected, nil)
	status := c.status
	ls := c.statusListenersLocked()
	c.mu.Unlock()
	notifyStatus(ls, status)

	if client != nil {
		client.Close()
	}

	c.logger.Info("connection core stopped")
	return nil
}

// Status returns the current connection status.
func (c *Core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Client returns the current transport, or nil before the first
// successful connect.
func (c *Core) Client() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Subscribe registers a status listener and returns an unsubscribe
// function.
func (c *Core) Subscribe(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.statusLs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.statusLs, id)
		c.mu.Unlock()
	}
}

// OnClientChange registers a listener fired whenever the transport
// instance is replaced. Dependents use it to reset retry counters and
// re-establish channels.
func (c *Core) OnClientChange(fn func(transport.Transport)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.clientLs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.clientLs, id)
		c.mu.Unlock()
	}
}

// Reconnect tears down and recreates the transport. Failure is
// reported through the returned bool and the status, never a panic or
// an error that callers must not miss.
func (c *Core) Reconnect(ctx context.Context) bool {
	return c.swap(ctx)
}

// connect performs the initial transport build without tearing
// anything down.
func (c *Core) connect(ctx context.Context) bool {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	return c.buildLocked(ctx)
}

// swap serializes teardown of the old transport before building the
// new one, then notifies client-change listeners.
func (c *Core) swap(ctx context.Context) bool {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.mu.Lock()
	old := c.client
	c.client = nil
	c.mu.Unlock()

	// Teardown always completes before the new transport exists.
	if old != nil {
		old.Close()
	}

	return c.buildLocked(ctx)
}

// buildLocked builds and connects a transport. Caller holds
// reconnectMu.
func (c *Core) buildLocked(ctx context.Context) bool {
	c.mu.Lock()
	c.setStateLocked(StateConnecting, nil)
	status := c.status
	ls := c.statusListenersLocked()
	c.mu.Unlock()
	notifyStatus(ls, status)

	var creds session.Credentials
	if c.sess != nil {
		creds = c.sess.Current()
	}

	client, err := c.factory(creds)
	if err == nil {
		err = client.Connect(ctx)
		if err != nil {
			client.Close()
		}
	}

	c.mu.Lock()
	if err != nil {
		c.status.ReconnectAttempts++
		c.setStateLocked(StateError, err)
		status = c.status
		ls = c.statusListenersLocked()
		c.mu.Unlock()
		notifyStatus(ls, status)

		c.logger.Warn("transport connect failed",
			"attempts", status.ReconnectAttempts,
			"error", err,
		)
		return false
	}

	c.client = client
	c.probeFail = 0
	c.status.ReconnectAttempts = 0
	c.setStateLocked(StateConnected, nil)
	status = c.status
	ls = c.statusListenersLocked()
	cls := make([]func(transport.Transport), 0, len(c.clientLs))
	for _, fn := range c.clientLs {
		cls = append(cls, fn)
	}
	c.mu.Unlock()

	notifyStatus(ls, status)
	for _, fn := range cls {
		fn(client)
	}

	c.logger.Info("transport connected")
	return true
}

// setStateLocked records a state transition. Caller holds mu.
func (c *Core) setStateLocked(state State, err error) {
	if c.status.State != state {
		c.logger.Debug("connection state change",
			"from", c.status.State,
			"to", state,
		)
	}
	c.status.State = state
	if err != nil {
		c.status.LastError = err
	}
}

func (c *Core) statusListenersLocked() []func(Status) {
	ls := make([]func(Status), 0, len(c.statusLs))
	for _, fn := range c.statusLs {
		ls = append(ls, fn)
	}
	return ls
}

func notifyStatus(ls []func(Status), status Status) {
	for _, fn := range ls {
		fn(status)
	}
}

// probeLoop pings the backend on an interval. A single failure only
// updates latency stats; FailureThreshold consecutive failures flip
// the state to error and trigger a reconnect.
func (c *Core) probeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.probe()
		}
	}
}

func (c *Core) probe() {
	c.mu.Lock()
	client := c.client
	state := c.status.State
	c.mu.Unlock()

	if client == nil || state == StateConnecting {
		if state == StateError || state == StateDisconnected {
			// Recovery attempt for a core that never connected.
			c.swap(c.ctx)
		}
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ProbeTimeout)
	start := time.Now()
	err := client.Ping(ctx)
	cancel()

	if err == nil {
		c.mu.Lock()
		c.probeFail = 0
		c.status.Latency = time.Since(start)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.probeFail++
	fails := c.probeFail
	c.mu.Unlock()

	c.logger.Warn("health probe failed",
		"consecutive", fails,
		"threshold", c.cfg.FailureThreshold,
		"error", err,
	)

	if fails < c.cfg.FailureThreshold {
		return
	}

	c.mu.Lock()
	c.setStateLocked(StateError, err)
	status := c.status
	ls := c.statusListenersLocked()
	c.mu.Unlock()
	notifyStatus(ls, status)

	c.swap(c.ctx)
}
