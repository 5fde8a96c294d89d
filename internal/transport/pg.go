package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig holds Postgres transport settings for self-hosted
// deployments that consume the change feed over LISTEN/NOTIFY.
type PGConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int

	// NotifyChannel is the NOTIFY channel carrying change payloads
	// (default: "livesync_changes").
	NotifyChannel string
}

func (cfg *PGConfig) applyDefaults() {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "prefer"
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = 2
	}
	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = "livesync_changes"
	}
}

// BuildConnString builds a postgres:// connection string.
func BuildConnString(cfg PGConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode,
	)
}

// pgNotifyPayload is the JSON body of one NOTIFY message, emitted by a
// row-level trigger on the watched tables.
type pgNotifyPayload struct {
	Table string `json:"table"`
	Type  string `json:"type"`
	New   Row    `json:"new,omitempty"`
	Old   Row    `json:"old,omitempty"`
}

// PG is the Postgres Transport implementation.
type PG struct {
	cfg    PGConfig
	logger *slog.Logger

	pool *pgxpool.Pool

	subsMu sync.Mutex
	subs   map[string]*pgSub

	mu        sync.RWMutex
	connected bool
	closed    bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// pgSub is one live subscription on a PG transport.
type pgSub struct {
	id   string
	req  SubscribeRequest
	p    *PG
	once sync.Once
}

func (s *pgSub) Topic() string {
	return fmt.Sprintf("pg:%s:%s", s.req.Table, s.id)
}

func (s *pgSub) Unsubscribe() {
	s.once.Do(func() {
		s.p.subsMu.Lock()
		delete(s.p.subs, s.id)
		s.p.subsMu.Unlock()
	})
}

// NewPG creates a Postgres transport.
func NewPG(cfg PGConfig, logger *slog.Logger) *PG {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &PG{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]*pgSub),
		done:   make(chan struct{}),
	}
}

// Connect creates the pool and starts the notification listener.
func (p *PG) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrAlreadyClosed
	}
	p.mu.Unlock()

	poolCfg, err := pgxpool.ParseConfig(BuildConnString(p.cfg))
	if err != nil {
		return fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(p.cfg.MinConns)
	poolCfg.MaxConns = int32(p.cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return &NetworkError{Op: "ping", Err: err}
	}

	p.mu.Lock()
	p.pool = pool
	p.connected = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.listenLoop()

	p.logger.Debug("postgres connected",
		"host", p.cfg.Host,
		"database", p.cfg.Name,
		"channel", p.cfg.NotifyChannel,
	)

	return nil
}

// Close tears the transport down.
func (p *PG) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.connected = false
	pool := p.pool
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	if pool != nil {
		pool.Close()
	}
	return nil
}

// Ping checks database health.
func (p *PG) Ping(ctx context.Context) error {
	p.mu.RLock()
	pool := p.pool
	connected := p.connected
	p.mu.RUnlock()

	if !connected || pool == nil {
		return ErrNotConnected
	}
	if err := pool.Ping(ctx); err != nil {
		return &NetworkError{Op: "ping", Err: err}
	}
	return nil
}

// Query fetches rows from a table, optionally filtered by a
// "column=value" equality predicate.
func (p *PG) Query(ctx context.Context, table, filter string) ([]Row, error) {
	p.mu.RLock()
	pool := p.pool
	p.mu.RUnlock()
	if pool == nil {
		return nil, ErrNotConnected
	}

	sql := "SELECT * FROM " + pgx.Identifier{table}.Sanitize()
	var args []any
	if filter != "" {
		col, val, ok := strings.Cut(filter, "=")
		if !ok {
			return nil, fmt.Errorf("malformed filter %q", filter)
		}
		sql += " WHERE " + pgx.Identifier{col}.Sanitize() + " = $1"
		args = append(args, val)
	}

	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, &ServerError{StatusCode: 500, Code: "query_failed", Message: err.Error()}
	}
	defer rows.Close()

	var out []Row
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make(Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &NetworkError{Op: "query", Err: err}
	}

	return out, nil
}

// Mutate applies a single-row mutation. update and delete require an
// "id" field in the row.
func (p *PG) Mutate(ctx context.Context, table, op string, row Row) (Row, error) {
	p.mu.RLock()
	pool := p.pool
	p.mu.RUnlock()
	if pool == nil {
		return nil, ErrNotConnected
	}

	ident := pgx.Identifier{table}.Sanitize()

	var sql string
	var args []any
	switch op {
	case "insert":
		cols := make([]string, 0, len(row))
		holders := make([]string, 0, len(row))
		for col, val := range row {
			args = append(args, val)
			cols = append(cols, pgx.Identifier{col}.Sanitize())
			holders = append(holders, fmt.Sprintf("$%d", len(args)))
		}
		sql = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
			ident, strings.Join(cols, ", "), strings.Join(holders, ", "))

	case "update":
		id, ok := row["id"]
		if !ok {
			return nil, fmt.Errorf("update requires an id field")
		}
		sets := make([]string, 0, len(row))
		for col, val := range row {
			if col == "id" {
				continue
			}
			args = append(args, val)
			sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), len(args)))
		}
		args = append(args, id)
		sql = fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d RETURNING *",
			ident, strings.Join(sets, ", "), len(args))

	case "delete":
		id, ok := row["id"]
		if !ok {
			return nil, fmt.Errorf("delete requires an id field")
		}
		args = append(args, id)
		sql = fmt.Sprintf("DELETE FROM %s WHERE id = $1 RETURNING *", ident)

	default:
		return nil, fmt.Errorf("unknown mutation op %q", op)
	}

	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, &ServerError{StatusCode: 500, Code: "mutation_failed", Message: err.Error()}
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("read mutation result: %w", err)
	}
	fields := rows.FieldDescriptions()
	result := make(Row, len(fields))
	for i, fd := range fields {
		result[fd.Name] = values[i]
	}
	return result, nil
}

// Subscribe opens a filtered subscription over the NOTIFY feed. The
// listener is shared: one LISTEN serves every subscription.
func (p *PG) Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}

	sub := &pgSub{
		id:  uuid.NewString(),
		req: req,
		p:   p,
	}

	p.subsMu.Lock()
	p.subs[sub.id] = sub
	p.subsMu.Unlock()

	if req.OnStatus != nil {
		req.OnStatus(StatusSubscribed, nil)
	}

	p.logger.Debug("subscribed", "table", req.Table, "filter", req.Filter, "topic", sub.Topic())

	return sub, nil
}

// listenLoop holds a dedicated connection on LISTEN and fans
// notifications out. Reacquires the connection on failure until the
// transport is closed.
func (p *PG) listenLoop() {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.done
		cancel()
	}()

	for {
		select {
		case <-p.done:
			return
		default:
		}

		if err := p.listenOnce(ctx); err != nil {
			select {
			case <-p.done:
				return
			default:
			}

			p.logger.Warn("notification listener failed", "error", err)
			p.failSubs(&NetworkError{Op: "listen", Err: err})

			select {
			case <-p.done:
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// listenOnce acquires a connection, LISTENs, and dispatches
// notifications until the connection breaks.
func (p *PG) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{p.cfg.NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		p.dispatch(n.Payload)
	}
}

// dispatch decodes one NOTIFY payload and fans it out.
func (p *PG) dispatch(payload string) {
	var body pgNotifyPayload
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		p.logger.Warn("unparseable notify payload", "error", err)
		return
	}

	ev := ChangeEvent{
		Table:      body.Table,
		Type:       EventType(body.Type),
		New:        body.New,
		Old:        body.Old,
		ReceivedAt: time.Now(),
	}

	p.subsMu.Lock()
	targets := make([]*pgSub, 0, len(p.subs))
	for _, sub := range p.subs {
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
	p.subsMu.Unlock()

	for _, sub := range targets {
		if sub.req.OnEvent != nil {
			sub.req.OnEvent(ev)
		}
	}
}

// failSubs notifies every subscription of a listener failure.
func (p *PG) failSubs(err error) {
	p.subsMu.Lock()
	subs := make([]*pgSub, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.subsMu.Unlock()

	for _, sub := range subs {
		if sub.req.OnStatus != nil {
			sub.req.OnStatus(StatusChannelError, err)
		}
	}
}
