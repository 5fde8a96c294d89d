package cache

import (
	"context"
	"testing"
	"time"

	"github.com/lumenforum/livesync/internal/transport"
)

func insertEvent(table string, row transport.Row) transport.ChangeEvent {
	return transport.ChangeEvent{
		Table:      table,
		Type:       transport.EventInsert,
		New:        row,
		ReceivedAt: time.Now(),
	}
}

func TestBridge_InvalidateStrategyForcesRefetch(t *testing.T) {
	s := NewStore(nil)
	b := NewBridge(s, nil)
	key := NewKey("messages", "c1")

	var fetches int
	s.Register(key, func(ctx context.Context) (any, error) {
		fetches++
		return fetches, nil
	})
	s.Get(context.Background(), key)

	b.AddRule(key, Rule{
		Table:    "messages",
		Events:   []transport.EventType{transport.EventInsert},
		Strategy: StrategyInvalidate,
	})

	b.HandleEvent(insertEvent("messages", transport.Row{"conversation_id": "c1"}))

	v, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != 2 {
		t.Errorf("Get after invalidation = %v, want refetched value 2", v)
	}
}

func TestBridge_FilterAndEventMatching(t *testing.T) {
	s := NewStore(nil)
	b := NewBridge(s, nil)
	key := NewKey("messages", "c1")

	var fetches int
	s.Register(key, func(ctx context.Context) (any, error) {
		fetches++
		return fetches, nil
	})
	s.Get(context.Background(), key)

	b.AddRule(key, Rule{
		Table:    "messages",
		Events:   []transport.EventType{transport.EventInsert},
		Filter:   FilterSpec{Static: "conversation_id=c1"},
		Strategy: StrategyInvalidate,
	})

	// None of these match.
	b.HandleEvent(insertEvent("messages", transport.Row{"conversation_id": "c2"}))
	b.HandleEvent(insertEvent("posts", transport.Row{"conversation_id": "c1"}))
	b.HandleEvent(transport.ChangeEvent{
		Table: "messages",
		Type:  transport.EventDelete,
		Old:   transport.Row{"conversation_id": "c1"},
	})

	if v, _ := s.Get(context.Background(), key); v != 1 {
		t.Errorf("entry refetched (%v) after non-matching events", v)
	}

	b.HandleEvent(insertEvent("messages", transport.Row{"conversation_id": "c1"}))
	if v, _ := s.Get(context.Background(), key); v != 2 {
		t.Errorf("entry not refetched after matching event: %v", v)
	}
}

func TestBridge_PatchStrategy(t *testing.T) {
	s := NewStore(nil)
	b := NewBridge(s, nil)
	key := NewKey("profile", "u1")

	s.Set(key, transport.Row{"id": "u1", "status": "offline"})

	b.AddRule(key, Rule{
		Table:    "member_status",
		Events:   []transport.EventType{transport.EventUpdate},
		Filter:   FilterSpec{Static: "id=u1"},
		Strategy: StrategyPatch,
	})

	b.HandleEvent(transport.ChangeEvent{
		Table: "member_status",
		Type:  transport.EventUpdate,
		New:   transport.Row{"id": "u1", "status": "online"},
	})

	v, fresh := s.Peek(key)
	if !fresh {
		t.Fatal("entry went stale; patch should update in place")
	}
	if v.(transport.Row)["status"] != "online" {
		t.Errorf("row = %v, want status online", v)
	}
}

func TestBridge_RemoveStrategy(t *testing.T) {
	s := NewStore(nil)
	b := NewBridge(s, nil)
	key := NewKey("posts", "p1")
	s.Set(key, transport.Row{"id": "p1"})

	b.AddRule(key, Rule{
		Table:    "posts",
		Events:   []transport.EventType{transport.EventDelete},
		Filter:   FilterSpec{Static: "id=p1"},
		Strategy: StrategyRemove,
	})

	b.HandleEvent(transport.ChangeEvent{
		Table: "posts",
		Type:  transport.EventDelete,
		Old:   transport.Row{"id": "p1"},
	})

	if s.Len() != 0 {
		t.Error("entry survived a remove-strategy event")
	}
}

func TestBridge_DerivedFilterTracksOwnerData(t *testing.T) {
	s := NewStore(nil)
	b := NewBridge(s, nil)
	owner := NewKey("active-conversation")
	target := NewKey("messages", "active")

	s.Set(owner, transport.Row{"conversation_id": "c1"})
	s.Set(target, "cached")

	b.AddRule(owner, Rule{
		Table:  "messages",
		Events: []transport.EventType{transport.EventInsert},
		Filter: FilterSpec{Derive: func(current any) string {
			row, ok := current.(transport.Row)
			if !ok {
				return ""
			}
			return "conversation_id=" + row["conversation_id"].(string)
		}},
		Keys:     func() []Key { return []Key{target} },
		Strategy: StrategyInvalidate,
	})

	// Matches the filter derived from c1.
	b.HandleEvent(insertEvent("messages", transport.Row{"conversation_id": "c1"}))
	if _, fresh := s.Peek(target); fresh {
		t.Fatal("target not invalidated for derived filter c1")
	}

	// Switch the active conversation: the derived filter must rebind.
	s.Set(target, "cached again")
	s.Set(owner, transport.Row{"conversation_id": "c9"})

	b.HandleEvent(insertEvent("messages", transport.Row{"conversation_id": "c1"}))
	if _, fresh := s.Peek(target); !fresh {
		t.Fatal("stale filter still matching after owner data changed")
	}

	b.HandleEvent(insertEvent("messages", transport.Row{"conversation_id": "c9"}))
	if _, fresh := s.Peek(target); fresh {
		t.Fatal("rebound filter c9 not matching")
	}
}

func TestBridge_RuleRemovedOnOwnerRelease(t *testing.T) {
	s := NewStore(nil)
	b := NewBridge(s, nil)
	key := NewKey("messages", "c1")

	release := s.Observe(key)
	b.AddRule(key, Rule{
		Table:    "messages",
		Strategy: StrategyInvalidate,
	})

	if b.Rules() != 1 {
		t.Fatalf("rules = %d, want 1", b.Rules())
	}

	release()

	if b.Rules() != 0 {
		t.Errorf("rules = %d after owner release, want 0", b.Rules())
	}
}

func TestBridge_ExplicitRemoveIsIdempotent(t *testing.T) {
	s := NewStore(nil)
	b := NewBridge(s, nil)
	key := NewKey("messages", "c1")

	remove := b.AddRule(key, Rule{Table: "messages", Strategy: StrategyInvalidate})
	remove()
	remove()

	if b.Rules() != 0 {
		t.Errorf("rules = %d, want 0", b.Rules())
	}
}
