package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenforum/livesync/internal/transport"
)

// Errors
var (
	ErrNoEntry   = errors.New("no cache entry")
	ErrNoFetcher = errors.New("no fetcher registered")
)

// Key identifies one cached query result: an ordered tuple of values
// encoded into a stable string.
type Key string

// NewKey builds a Key from tuple parts. Encoding is JSON so that
// ("a", 1) and ("a1",) never collide.
func NewKey(parts ...any) Key {
	data, err := json.Marshal(parts)
	if err != nil {
		// Marshal only fails on unsupported types; fall back to a
		// printable form rather than panic.
		return Key(fmt.Sprint(parts...))
	}
	return Key(data)
}

// FetchFunc loads the value for a cache entry from the backend.
type FetchFunc func(ctx context.Context) (any, error)

// entry is one cached query result.
type entry struct {
	value     any
	hasValue  bool
	stale     bool
	fetch     FetchFunc
	fetches   int
	updatedAt time.Time

	observers int
	watchers  map[int]func(any)
	teardown  map[int]func()
}

// Store is the reactive query cache.
type Store struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Key]*entry
	nextID  int
}

// NewStore creates an empty cache.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:  logger,
		entries: make(map[Key]*entry),
	}
}

func (s *Store) entryLocked(key Key) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{
			watchers: make(map[int]func(any)),
			teardown: make(map[int]func()),
		}
		s.entries[key] = e
	}
	return e
}

// Register installs the fetcher used to (re)load the entry.
func (s *Store) Register(key Key, fetch FetchFunc) {
	s.mu.Lock()
	s.entryLocked(key).fetch = fetch
	s.mu.Unlock()
}

// Observe refcounts the entry as actively watched. The returned
// release function runs the entry's teardown hooks when the last
// observer goes away; calling it twice is safe.
func (s *Store) Observe(key Key) func() {
	s.mu.Lock()
	e := s.entryLocked(key)
	e.observers++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			e.observers--
			var hooks []func()
			if e.observers <= 0 {
				for _, fn := range e.teardown {
					hooks = append(hooks, fn)
				}
				e.teardown = make(map[int]func())
			}
			s.mu.Unlock()

			for _, fn := range hooks {
				fn()
			}
		})
	}
}

// OnRelease registers a hook run when the entry's last observer
// releases it. Returns a removal function.
func (s *Store) OnRelease(key Key, fn func()) func() {
	s.mu.Lock()
	e := s.entryLocked(key)
	id := s.nextID
	s.nextID++
	e.teardown[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(e.teardown, id)
		s.mu.Unlock()
	}
}

// Get returns the cached value, refetching when the entry is stale or
// has never been loaded.
func (s *Store) Get(ctx context.Context, key Key) (any, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNoEntry
	}
	if e.hasValue && !e.stale {
		value := e.value
		s.mu.Unlock()
		return value, nil
	}
	fetch := e.fetch
	s.mu.Unlock()

	if fetch == nil {
		return nil, ErrNoFetcher
	}

	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	e.fetches++
	s.mu.Unlock()

	s.Set(key, value)
	return value, nil
}

// Peek returns the cached value without triggering a fetch, along with
// whether a fresh value exists.
func (s *Store) Peek(key Key) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.hasValue {
		return nil, false
	}
	return e.value, !e.stale
}

// Set stores a value, marks the entry fresh, and notifies watchers.
func (s *Store) Set(key Key, value any) {
	s.mu.Lock()
	e := s.entryLocked(key)
	e.value = value
	e.hasValue = true
	e.stale = false
	e.updatedAt = time.Now()
	watchers := watchersLocked(e)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(value)
	}
}

// Invalidate marks the entry stale so the next Get refetches.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		e.stale = true
	}
	s.mu.Unlock()

	if ok {
		s.logger.Debug("cache invalidated", "key", string(key))
	}
}

// Patch merges changed fields into the cached value without a round
// trip. Works when the cached value is a row map; anything else falls
// back to invalidation.
func (s *Store) Patch(key Key, fields transport.Row) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !e.hasValue {
		e.stale = true
		s.mu.Unlock()
		return
	}

	merged, ok := mergeRow(e.value, fields)
	if !ok {
		e.stale = true
		s.mu.Unlock()
		s.logger.Debug("cache patch fell back to invalidate", "key", string(key))
		return
	}

	e.value = merged
	e.updatedAt = time.Now()
	watchers := watchersLocked(e)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(merged)
	}
}

// Remove evicts the entry entirely.
func (s *Store) Remove(key Key) {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if ok {
		s.logger.Debug("cache entry removed", "key", string(key))
	}
}

// Watch registers a data-change listener for the entry, fired on Set
// and Patch. Returns an unsubscribe function.
func (s *Store) Watch(key Key, fn func(any)) func() {
	s.mu.Lock()
	e := s.entryLocked(key)
	id := s.nextID
	s.nextID++
	e.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(e.watchers, id)
		s.mu.Unlock()
	}
}

// Fetches returns how many times the entry's fetcher has run. Used by
// callers reasoning about refetch behavior.
func (s *Store) Fetches(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.fetches
	}
	return 0
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func watchersLocked(e *entry) []func(any) {
	fns := make([]func(any), 0, len(e.watchers))
	for _, fn := range e.watchers {
		fns = append(fns, fn)
	}
	return fns
}

// mergeRow merges fields into a copy of value when value is a row map.
func mergeRow(value any, fields transport.Row) (any, bool) {
	switch cur := value.(type) {
	case transport.Row:
		merged := make(transport.Row, len(cur)+len(fields))
		for k, v := range cur {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		return merged, true
	case map[string]any:
		merged := make(map[string]any, len(cur)+len(fields))
		for k, v := range cur {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		return merged, true
	default:
		return nil, false
	}
}
