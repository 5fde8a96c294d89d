package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/lumenforum/livesync/internal/transport"
)

func TestNewKey_Distinct(t *testing.T) {
	a := NewKey("conversation", "a1")
	b := NewKey("conversationa", "1")
	if a == b {
		t.Errorf("keys collide: %s", a)
	}

	if NewKey("posts", 1) != NewKey("posts", 1) {
		t.Error("identical tuples must produce identical keys")
	}
}

func TestStore_GetFetchesOnce(t *testing.T) {
	s := NewStore(nil)
	key := NewKey("posts", "p1")

	var fetches int
	s.Register(key, func(ctx context.Context) (any, error) {
		fetches++
		return transport.Row{"id": "p1", "title": "hello"}, nil
	})

	for i := 0; i < 3; i++ {
		v, err := s.Get(context.Background(), key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if v.(transport.Row)["id"] != "p1" {
			t.Errorf("value = %v", v)
		}
	}

	if fetches != 1 {
		t.Errorf("fetches = %d, want 1", fetches)
	}
}

func TestStore_InvalidateTriggersRefetch(t *testing.T) {
	s := NewStore(nil)
	key := NewKey("posts", "p1")

	var fetches int
	s.Register(key, func(ctx context.Context) (any, error) {
		fetches++
		return fetches, nil
	})

	if v, _ := s.Get(context.Background(), key); v != 1 {
		t.Errorf("first Get = %v, want 1", v)
	}

	s.Invalidate(key)

	v, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get after invalidate failed: %v", err)
	}
	if v != 2 {
		t.Errorf("Get after invalidate = %v, want refetched value 2", v)
	}
}

func TestStore_GetErrors(t *testing.T) {
	s := NewStore(nil)

	if _, err := s.Get(context.Background(), NewKey("missing")); !errors.Is(err, ErrNoEntry) {
		t.Errorf("error = %v, want ErrNoEntry", err)
	}

	key := NewKey("nofetch")
	s.Invalidate(key) // no entry: no-op
	s.Observe(key)
	if _, err := s.Get(context.Background(), key); !errors.Is(err, ErrNoFetcher) {
		t.Errorf("error = %v, want ErrNoFetcher", err)
	}

	failing := NewKey("failing")
	wantErr := errors.New("backend down")
	s.Register(failing, func(ctx context.Context) (any, error) { return nil, wantErr })
	if _, err := s.Get(context.Background(), failing); !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want fetch error", err)
	}
}

func TestStore_PatchMergesWithoutFetch(t *testing.T) {
	s := NewStore(nil)
	key := NewKey("profile", "u1")

	var fetches int
	s.Register(key, func(ctx context.Context) (any, error) {
		fetches++
		return transport.Row{"id": "u1", "name": "Ada", "status": "offline"}, nil
	})
	s.Get(context.Background(), key)

	s.Patch(key, transport.Row{"status": "online"})

	v, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	row := v.(transport.Row)
	if row["status"] != "online" || row["name"] != "Ada" {
		t.Errorf("patched row = %v", row)
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1 (patch must not refetch)", fetches)
	}
}

func TestStore_PatchNonMapInvalidates(t *testing.T) {
	s := NewStore(nil)
	key := NewKey("count")
	s.Set(key, 42)

	s.Patch(key, transport.Row{"x": 1})

	if _, fresh := s.Peek(key); fresh {
		t.Error("expected entry stale after unpatchable value")
	}
}

func TestStore_Remove(t *testing.T) {
	s := NewStore(nil)
	key := NewKey("posts", "p1")
	s.Set(key, transport.Row{"id": "p1"})

	s.Remove(key)

	if _, err := s.Get(context.Background(), key); !errors.Is(err, ErrNoEntry) {
		t.Errorf("error = %v, want ErrNoEntry after remove", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestStore_WatchFiresOnSetAndPatch(t *testing.T) {
	s := NewStore(nil)
	key := NewKey("convo", "c1")

	var seen []any
	unsub := s.Watch(key, func(v any) { seen = append(seen, v) })

	s.Set(key, transport.Row{"id": "c1"})
	s.Patch(key, transport.Row{"unread": 2})
	s.Invalidate(key) // not a data change, no notification

	if len(seen) != 2 {
		t.Fatalf("watcher fired %d times, want 2", len(seen))
	}
	if seen[1].(transport.Row)["unread"] != 2 {
		t.Errorf("second notification = %v", seen[1])
	}

	unsub()
	s.Set(key, transport.Row{"id": "c1"})
	if len(seen) != 2 {
		t.Error("watcher fired after unsubscribe")
	}
}

func TestStore_ObserveReleaseRunsTeardown(t *testing.T) {
	s := NewStore(nil)
	key := NewKey("feed")

	var torndown int
	s.OnRelease(key, func() { torndown++ })

	release1 := s.Observe(key)
	release2 := s.Observe(key)

	release1()
	if torndown != 0 {
		t.Error("teardown ran while still observed")
	}

	release2()
	release2() // double release is safe
	if torndown != 1 {
		t.Errorf("teardown ran %d times, want 1", torndown)
	}
}
