package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrSubscribeTimeout = errors.New("subscribe ack timeout")
)

// NetworkError indicates the backend was unreachable at the transport
// level (dial failure, broken pipe, stale connection).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ChannelError indicates a realtime subscription failed to set up or
// was rejected by the backend.
type ChannelError struct {
	Topic  string
	Reason string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel error on %s: %s", e.Topic, e.Reason)
}

// ServerError is a backend-reported failure on a query or mutation.
// Never retried automatically for mutations.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *ServerError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Row is a single record as delivered by the backend.
type Row map[string]any

// EventType classifies a change event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
	EventAll    EventType = "*"
)

// ChangeEvent is a server-pushed row change. Transient: consumed by
// registered callbacks and the cache bridge, never persisted.
type ChangeEvent struct {
	Table      string
	Type       EventType
	New        Row // Populated for insert/update
	Old        Row // Populated for update/delete
	ReceivedAt time.Time
}

// Record returns the row most representative of the event: the new row
// when present, otherwise the old one.
func (e ChangeEvent) Record() Row {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// ChannelStatus reports subscription lifecycle transitions.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusClosed       ChannelStatus = "CLOSED"
)

// SubscribeRequest describes one filtered realtime subscription.
type SubscribeRequest struct {
	Table  string
	Filter string      // "column=value" equality, empty matches all rows
	Events []EventType // Empty means all event types

	OnEvent  func(ChangeEvent)
	OnStatus func(ChannelStatus, error)
}

// Subscription is a live realtime subscription handle.
type Subscription interface {
	// Topic identifies the subscription for logging.
	Topic() string

	// Unsubscribe tears the subscription down. Safe to call twice.
	Unsubscribe()
}

// Transport is the backend interface consumed by the runtime.
type Transport interface {
	// Connect establishes the underlying connection.
	Connect(ctx context.Context) error

	// Query fetches rows from a table, optionally filtered.
	Query(ctx context.Context, table, filter string) ([]Row, error)

	// Mutate applies an insert/update/delete and returns the resulting row.
	Mutate(ctx context.Context, table, op string, row Row) (Row, error)

	// Subscribe opens a filtered realtime subscription.
	Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error)

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close tears the transport down. Safe to call twice.
	Close() error
}

// wantsEvent reports whether a subscription's event list covers typ.
func wantsEvent(events []EventType, typ EventType) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == EventAll || e == typ {
			return true
		}
	}
	return false
}

// MatchFilter evaluates a "column=value" equality filter against a row.
// An empty filter matches everything. Values are compared as strings.
func MatchFilter(filter string, row Row) bool {
	if filter == "" {
		return true
	}
	col, want, ok := strings.Cut(filter, "=")
	if !ok {
		return false
	}
	if row == nil {
		return false
	}
	got, ok := row[col]
	if !ok {
		return false
	}
	return fmt.Sprint(got) == want
}
