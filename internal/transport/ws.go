package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSConfig holds websocket transport settings.
type WSConfig struct {
	RealtimeURL string // wss:// endpoint for the change feed
	RestURL     string // https:// endpoint for queries/mutations
	AccessToken string

	HandshakeTimeout time.Duration // Default: 10s
	WriteTimeout     time.Duration // Default: 5s
	PingInterval     time.Duration // Default: 30s
	PingTimeout      time.Duration // Stale threshold (default: 90s)
	SubscribeTimeout time.Duration // Ack wait (default: 10s)
}

func (cfg *WSConfig) applyDefaults() {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 90 * time.Second
	}
	if cfg.SubscribeTimeout == 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
}

// wsFrame is the wire format: one JSON object per message.
type wsFrame struct {
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// Frame events.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameReply       = "reply"
	frameChange      = "change"
	frameError       = "error"
)

// wsReply is the payload of a "reply" frame.
type wsReply struct {
	Status  string `json:"status"` // "ok" or "error"
	Message string `json:"message,omitempty"`
}

// wsChange is the payload of a "change" frame.
type wsChange struct {
	Table string `json:"table"`
	Type  string `json:"type"`
	New   Row    `json:"new,omitempty"`
	Old   Row    `json:"old,omitempty"`
}

// subscribePayload is sent with a "subscribe" frame.
type subscribePayload struct {
	Table  string   `json:"table"`
	Filter string   `json:"filter,omitempty"`
	Events []string `json:"events,omitempty"`
}

// WS is the websocket Transport implementation. Realtime events arrive
// over one long-lived connection; queries and mutations go through the
// REST client.
type WS struct {
	cfg    WSConfig
	rest   *RestClient
	logger *slog.Logger

	conn *websocket.Conn

	// Write serialization
	writeMu sync.Mutex

	// Command/response correlation
	pendingMu sync.Mutex
	pending   map[string]chan wsReply

	// Active subscriptions by id
	subsMu sync.Mutex
	subs   map[string]*wsSub

	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastPingAt time.Time
	done       chan struct{}
}

// wsSub is one live subscription on a WS transport.
type wsSub struct {
	id   string
	req  SubscribeRequest
	w    *WS
	once sync.Once
}

func (s *wsSub) Topic() string {
	return fmt.Sprintf("realtime:%s:%s", s.req.Table, s.id)
}

func (s *wsSub) Unsubscribe() {
	s.once.Do(func() {
		s.w.removeSub(s.id)

		payload, _ := json.Marshal(subscribePayload{Table: s.req.Table, Filter: s.req.Filter})
		// Best effort: the server drops the topic on disconnect anyway.
		s.w.sendFrame(wsFrame{
			Topic:   s.Topic(),
			Event:   frameUnsubscribe,
			Payload: payload,
		})
	})
}

// NewWS creates a websocket transport.
func NewWS(cfg WSConfig, rest *RestClient, logger *slog.Logger) *WS {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &WS{
		cfg:     cfg,
		rest:    rest,
		logger:  logger,
		pending: make(map[string]chan wsReply),
		subs:    make(map[string]*wsSub),
		done:    make(chan struct{}),
	}
}

// Connect establishes the websocket connection.
func (w *WS) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrAlreadyClosed
	}
	w.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")
	if w.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: w.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, w.cfg.RealtimeURL, header)
	if err != nil {
		return &NetworkError{Op: "dial", Err: err}
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.lastPingAt = time.Now()
	w.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		w.mu.Lock()
		w.lastPingAt = time.Now()
		w.mu.Unlock()

		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	conn.SetPongHandler(func(string) error {
		w.mu.Lock()
		w.lastPingAt = time.Now()
		w.mu.Unlock()
		return nil
	})

	go w.readLoop(conn)
	go w.heartbeatLoop(conn)

	w.logger.Debug("websocket connected", "url", w.cfg.RealtimeURL)

	return nil
}

// Close tears the transport down.
func (w *WS) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.connected = false
	conn := w.conn
	w.mu.Unlock()

	close(w.done)

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}

	return nil
}

// Query fetches rows via the REST API.
func (w *WS) Query(ctx context.Context, table, filter string) ([]Row, error) {
	if w.rest == nil {
		return nil, ErrNotConnected
	}
	return w.rest.Query(ctx, table, filter)
}

// Mutate applies a mutation via the REST API.
func (w *WS) Mutate(ctx context.Context, table, op string, row Row) (Row, error) {
	if w.rest == nil {
		return nil, ErrNotConnected
	}
	return w.rest.Mutate(ctx, table, op, row)
}

// Ping checks the realtime connection and the REST API.
func (w *WS) Ping(ctx context.Context) error {
	w.mu.RLock()
	connected := w.connected
	conn := w.conn
	w.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(w.cfg.WriteTimeout)
	if err := conn.WriteControl(websocket.PingMessage, []byte("probe"), deadline); err != nil {
		return &NetworkError{Op: "ping", Err: err}
	}

	if w.rest == nil {
		return nil
	}
	return w.rest.Ping(ctx)
}

// Subscribe opens a filtered realtime subscription. The subscribe frame
// is ref-correlated: Subscribe blocks until the server acks or the
// timeout fires.
func (w *WS) Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	w.mu.RLock()
	connected := w.connected
	w.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}

	sub := &wsSub{
		id:  uuid.NewString(),
		req: req,
		w:   w,
	}

	ref := uuid.NewString()
	respCh := make(chan wsReply, 1)

	w.pendingMu.Lock()
	w.pending[ref] = respCh
	w.pendingMu.Unlock()

	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, ref)
		w.pendingMu.Unlock()
	}()

	events := make([]string, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, string(e))
	}
	payload, err := json.Marshal(subscribePayload{
		Table:  req.Table,
		Filter: req.Filter,
		Events: events,
	})
	if err != nil {
		return nil, fmt.Errorf("encode subscribe payload: %w", err)
	}

	if err := w.sendFrame(wsFrame{
		Topic:   sub.Topic(),
		Event:   frameSubscribe,
		Payload: payload,
		Ref:     ref,
	}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(w.cfg.SubscribeTimeout):
		return nil, ErrSubscribeTimeout
	case resp := <-respCh:
		if resp.Status != "ok" {
			return nil, &ChannelError{Topic: sub.Topic(), Reason: resp.Message}
		}
	}

	w.subsMu.Lock()
	w.subs[sub.id] = sub
	w.subsMu.Unlock()

	if req.OnStatus != nil {
		req.OnStatus(StatusSubscribed, nil)
	}

	w.logger.Debug("subscribed",
		"table", req.Table,
		"filter", req.Filter,
		"topic", sub.Topic(),
	)

	return sub, nil
}

// sendFrame writes one frame to the connection.
func (w *WS) sendFrame(f wsFrame) error {
	w.mu.RLock()
	connected := w.connected
	conn := w.conn
	w.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &NetworkError{Op: "write", Err: err}
	}
	return nil
}

func (w *WS) removeSub(id string) {
	w.subsMu.Lock()
	delete(w.subs, id)
	w.subsMu.Unlock()
}

// readLoop reads frames and fans change events out to subscriptions.
func (w *WS) readLoop(conn *websocket.Conn) {
	defer func() {
		w.mu.Lock()
		w.connected = false
		w.mu.Unlock()
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-w.done:
				return
			default:
				w.failSubs(&NetworkError{Op: "read", Err: err})
				return
			}
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.logger.Warn("unparseable frame", "error", err)
			continue
		}

		switch frame.Event {
		case frameReply:
			w.routeReply(frame)

		case frameChange:
			w.routeChange(frame, receivedAt)

		case frameError:
			var reply wsReply
			json.Unmarshal(frame.Payload, &reply)
			w.logger.Warn("server error frame",
				"topic", frame.Topic,
				"message", reply.Message,
			)
			w.failTopic(frame.Topic, reply.Message)

		default:
			w.logger.Debug("unknown frame event", "event", frame.Event)
		}
	}
}

// routeReply delivers an ack to the waiting Subscribe call.
func (w *WS) routeReply(frame wsFrame) {
	if frame.Ref == "" {
		return
	}

	var reply wsReply
	if err := json.Unmarshal(frame.Payload, &reply); err != nil {
		reply = wsReply{Status: "error", Message: "unparseable reply"}
	}

	w.pendingMu.Lock()
	ch, ok := w.pending[frame.Ref]
	if ok {
		delete(w.pending, frame.Ref)
	}
	w.pendingMu.Unlock()

	if ok {
		select {
		case ch <- reply:
		default:
		}
	}
}

// routeChange fans a change event out to matching subscriptions.
func (w *WS) routeChange(frame wsFrame, receivedAt time.Time) {
	var change wsChange
	if err := json.Unmarshal(frame.Payload, &change); err != nil {
		w.logger.Warn("unparseable change payload", "error", err)
		return
	}

	ev := ChangeEvent{
		Table:      change.Table,
		Type:       EventType(change.Type),
		New:        change.New,
		Old:        change.Old,
		ReceivedAt: receivedAt,
	}

	w.subsMu.Lock()
	targets := make([]*wsSub, 0, len(w.subs))
	for _, sub := range w.subs {
		if sub.req.Table != ev.Table {
			continue
		}
		if !wantsEvent(sub.req.Events, ev.Type) {
			continue
		}
		if !MatchFilter(sub.req.Filter, ev.Record()) {
			continue
		}
		targets = append(targets, sub)
	}
	w.subsMu.Unlock()

	for _, sub := range targets {
		if sub.req.OnEvent != nil {
			sub.req.OnEvent(ev)
		}
	}
}

// failSubs notifies every subscription of a transport-level failure.
func (w *WS) failSubs(err error) {
	w.subsMu.Lock()
	subs := make([]*wsSub, 0, len(w.subs))
	for _, sub := range w.subs {
		subs = append(subs, sub)
	}
	w.subsMu.Unlock()

	for _, sub := range subs {
		if sub.req.OnStatus != nil {
			sub.req.OnStatus(StatusChannelError, err)
		}
	}
}

// failTopic notifies one subscription of a server-side channel error.
func (w *WS) failTopic(topic, reason string) {
	w.subsMu.Lock()
	var target *wsSub
	for _, sub := range w.subs {
		if sub.Topic() == topic {
			target = sub
			break
		}
	}
	w.subsMu.Unlock()

	if target != nil && target.req.OnStatus != nil {
		target.req.OnStatus(StatusChannelError, &ChannelError{Topic: topic, Reason: reason})
	}
}

// heartbeatLoop monitors for stale connections.
func (w *WS) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(w.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				w.logger.Debug("failed to send ping", "error", err)
			}

			w.mu.RLock()
			lastPing := w.lastPingAt
			w.mu.RUnlock()

			if time.Since(lastPing) > w.cfg.PingTimeout {
				w.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", w.cfg.PingTimeout,
				)
				w.mu.Lock()
				w.connected = false
				w.mu.Unlock()
				w.failSubs(ErrStaleConnection)
				return
			}
		}
	}
}
