package cache

import (
	"log/slog"
	"sync"

	"github.com/lumenforum/livesync/internal/transport"
)

// Strategy is the policy applied to a cache entry on a matching change
// event.
type Strategy string

const (
	// StrategyInvalidate marks the entry stale; the next read refetches.
	StrategyInvalidate Strategy = "invalidate"

	// StrategyPatch merges the event's changed fields in place.
	StrategyPatch Strategy = "patch"

	// StrategyRemove evicts the entry, e.g. on delete.
	StrategyRemove Strategy = "remove"
)

// FilterSpec selects which events a rule matches. Exactly one of
// Static or Derive should be set; Derive recomputes the filter from
// the owning query's current cached value whenever that value changes.
type FilterSpec struct {
	Static string
	Derive func(current any) string
}

// Rule maps change events on a table to cache operations.
type Rule struct {
	Table  string
	Events []transport.EventType
	Filter FilterSpec

	// Keys returns the cache keys the strategy applies to, evaluated
	// per event so dynamic key sets stay correct.
	Keys func() []Key

	Strategy Strategy
}

// boundRule is one active rule with its current effective filter.
type boundRule struct {
	ownerKey Key
	rule     Rule
	filter   string

	unwatch   func()
	unrelease func()

	// rebinds counts filter recomputations that changed the effective
	// filter, which re-registers the event match.
	rebinds int
}

// Bridge reconciles the store against change events.
type Bridge struct {
	store  *Store
	logger *slog.Logger

	mu     sync.Mutex
	rules  map[int]*boundRule
	nextID int
}

// NewBridge creates a bridge over the given store.
func NewBridge(store *Store, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store:  store,
		logger: logger,
		rules:  make(map[int]*boundRule),
	}
}

// AddRule activates a rule owned by ownerKey. The rule is removed
// automatically when the owning query's last observer releases it; the
// returned function removes it explicitly and is safe to call twice.
func (b *Bridge) AddRule(ownerKey Key, rule Rule) func() {
	bound := &boundRule{
		ownerKey: ownerKey,
		rule:     rule,
	}
	bound.filter = b.effectiveFilter(ownerKey, rule)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.rules[id] = bound
	b.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.rules, id)
			b.mu.Unlock()
			if bound.unwatch != nil {
				bound.unwatch()
			}
			if bound.unrelease != nil {
				bound.unrelease()
			}
		})
	}

	// Derived filters track the owning query's data.
	if rule.Filter.Derive != nil {
		bound.unwatch = b.store.Watch(ownerKey, func(value any) {
			next := rule.Filter.Derive(value)
			b.mu.Lock()
			changed := next != bound.filter
			if changed {
				bound.filter = next
				bound.rebinds++
			}
			b.mu.Unlock()

			if changed {
				b.logger.Debug("derived filter changed, rebinding rule",
					"table", rule.Table,
					"filter", next,
				)
			}
		})
	}

	// Teardown when the owning query is no longer observed.
	bound.unrelease = b.store.OnRelease(ownerKey, remove)

	return remove
}

// Rules returns the number of active rules.
func (b *Bridge) Rules() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rules)
}

// HandleEvent applies every matching rule's strategy. This is the
// entry point the subscription multiplexer fans events into.
func (b *Bridge) HandleEvent(ev transport.ChangeEvent) {
	b.mu.Lock()
	matched := make([]*boundRule, 0, len(b.rules))
	for _, bound := range b.rules {
		if bound.rule.Table != ev.Table {
			continue
		}
		if !wantsEvent(bound.rule.Events, ev.Type) {
			continue
		}
		if !transport.MatchFilter(bound.filter, ev.Record()) {
			continue
		}
		matched = append(matched, bound)
	}
	b.mu.Unlock()

	for _, bound := range matched {
		b.apply(bound, ev)
	}
}

func (b *Bridge) apply(bound *boundRule, ev transport.ChangeEvent) {
	var keys []Key
	if bound.rule.Keys != nil {
		keys = bound.rule.Keys()
	} else {
		keys = []Key{bound.ownerKey}
	}

	for _, key := range keys {
		switch bound.rule.Strategy {
		case StrategyInvalidate:
			b.store.Invalidate(key)
		case StrategyPatch:
			b.store.Patch(key, ev.New)
		case StrategyRemove:
			b.store.Remove(key)
		default:
			b.logger.Warn("unknown cache strategy",
				"strategy", string(bound.rule.Strategy),
				"table", ev.Table,
			)
		}
	}
}

func (b *Bridge) effectiveFilter(ownerKey Key, rule Rule) string {
	if rule.Filter.Derive == nil {
		return rule.Filter.Static
	}
	current, _ := b.store.Peek(ownerKey)
	return rule.Filter.Derive(current)
}

func wantsEvent(events []transport.EventType, typ transport.EventType) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == transport.EventAll || e == typ {
			return true
		}
	}
	return false
}
