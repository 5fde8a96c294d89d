package ops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumenforum/livesync/internal/visibility"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

// block returns an op that never settles on its own and reports the
// cancellation cause of its context.
func block(started chan<- struct{}, cause chan<- error) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		if cause != nil {
			cause <- context.Cause(ctx)
		}
		return 0, ctx.Err()
	}
}

func TestWithTimeout_Success(t *testing.T) {
	m := newTestManager(t, Config{})

	got, err := WithTimeout(m, context.Background(), Options{Timeout: time.Second}, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("WithTimeout failed: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want ok", got)
	}
	if n := m.Tracked(); n != 0 {
		t.Errorf("tracked = %d after settle, want 0", n)
	}
}

func TestWithTimeout_TimeoutError(t *testing.T) {
	m := newTestManager(t, Config{})

	const timeout = 100 * time.Millisecond
	start := time.Now()

	_, err := WithTimeout(m, context.Background(), Options{Timeout: timeout, Key: "slow"}, block(nil, nil))
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TimeoutError", err)
	}
	if te.Key != "slow" || te.Timeout != timeout {
		t.Errorf("TimeoutError = %+v", te)
	}
	if !IsTimeout(err) || IsCancelled(err) {
		t.Error("classification helpers disagree with error type")
	}

	if elapsed < timeout || elapsed > timeout+500*time.Millisecond {
		t.Errorf("rejected after %v, want within [%v, %v+eps]", elapsed, timeout, timeout)
	}
	if n := m.Tracked(); n != 0 {
		t.Errorf("tracked = %d after timeout, want 0 (leak)", n)
	}
}

func TestWithTimeout_DuplicateKeyCancelsFirst(t *testing.T) {
	m := newTestManager(t, Config{})

	started := make(chan struct{})
	cause := make(chan error, 1)
	firstErr := make(chan error, 1)

	go func() {
		_, err := WithTimeout(m, context.Background(), Options{Timeout: 5 * time.Second, Key: "k"}, block(started, cause))
		firstErr <- err
	}()
	<-started

	got, err := WithTimeout(m, context.Background(), Options{Timeout: time.Second, Key: "k"}, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("second call = (%d, %v), want (42, nil)", got, err)
	}

	select {
	case err := <-firstErr:
		if !IsCancelled(err) {
			t.Errorf("first call error = %v, want CancelledError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first call did not settle after duplicate-key cancel")
	}

	select {
	case c := <-cause:
		if !IsCancelled(c) {
			t.Errorf("first op's token cause = %v, want CancelledError", c)
		}
	case <-time.After(time.Second):
		t.Fatal("first op's token never fired")
	}
}

func TestWithTimeout_CallerContextCancel(t *testing.T) {
	m := newTestManager(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := WithTimeout(m, ctx, Options{Timeout: 5 * time.Second}, block(started, nil))
		errCh <- err
	}()
	<-started
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("operation did not settle on caller cancel")
	}
}

func TestManager_BackgroundCancelRespectsExclusions(t *testing.T) {
	m := newTestManager(t, Config{KeepPrefixes: []string{"recovery-"}})
	tracker := visibility.NewTracker(nil)
	unbind := m.BindVisibility(tracker)
	defer unbind()

	type tracked struct {
		started chan struct{}
		cause   chan error
		err     chan error
	}
	run := func(key string) tracked {
		tr := tracked{
			started: make(chan struct{}),
			cause:   make(chan error, 1),
			err:     make(chan error, 1),
		}
		go func() {
			_, err := WithTimeout(m, context.Background(), Options{Timeout: 5 * time.Second, Key: key}, block(tr.started, tr.cause))
			tr.err <- err
		}()
		<-tr.started
		return tr
	}

	doomed := run("refresh-feed")
	survivor := run("recovery-session")

	tracker.SetVisible(false)

	select {
	case err := <-doomed.err:
		if !IsCancelled(err) {
			t.Errorf("doomed error = %v, want CancelledError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("non-excluded operation was not cancelled on background")
	}

	// The survivor's token must remain unfired.
	select {
	case c := <-survivor.cause:
		t.Fatalf("excluded operation was cancelled: %v", c)
	case <-time.After(100 * time.Millisecond):
	}
	if n := m.Tracked(); n != 1 {
		t.Errorf("tracked = %d, want 1 survivor", n)
	}
}

func TestManager_CapEvictsOldEntries(t *testing.T) {
	m := newTestManager(t, Config{MaxTracked: 2, EvictAfter: time.Nanosecond})

	var wg sync.WaitGroup
	start := func(key string) chan struct{} {
		started := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			WithTimeout(m, context.Background(), Options{Timeout: 5 * time.Second, Key: key}, block(started, nil))
		}()
		<-started
		return started
	}

	start("a")
	start("b")
	time.Sleep(10 * time.Millisecond) // let a and b age past EvictAfter

	start("c")

	if n := m.Tracked(); n > 2 {
		t.Errorf("tracked = %d, want <= 2 after cap eviction", n)
	}

	m.CancelExcept()
	wg.Wait()
}

func TestManager_SweepEvictsStaleEntries(t *testing.T) {
	m := newTestManager(t, Config{
		SweepInterval: 10 * time.Millisecond,
		StaleAfter:    20 * time.Millisecond,
	})

	started := make(chan struct{})
	cause := make(chan error, 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := WithTimeout(m, context.Background(), Options{Timeout: 5 * time.Second, Key: "lingering"}, block(started, cause))
		errCh <- err
	}()
	<-started

	// The timeout is far away; only the sweep can settle this.
	select {
	case err := <-errCh:
		if !IsCancelled(err) {
			t.Errorf("error = %v, want CancelledError", err)
		}
		if IsTimeout(err) {
			t.Errorf("error = %v, sweep eviction must not read as a timeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stale operation was not swept")
	}

	select {
	case c := <-cause:
		if !IsCancelled(c) {
			t.Errorf("token cause = %v, want CancelledError", c)
		}
	case <-time.After(time.Second):
		t.Fatal("swept op's token never fired")
	}

	if n := m.Tracked(); n != 0 {
		t.Errorf("tracked = %d after sweep, want 0", n)
	}
}

func TestWithTimeout_GeneratedKeysAreUnique(t *testing.T) {
	m := newTestManager(t, Config{})

	started1 := make(chan struct{})
	started2 := make(chan struct{})
	done := make(chan struct{}, 2)

	for _, ch := range []chan struct{}{started1, started2} {
		ch := ch
		go func() {
			WithTimeout(m, context.Background(), Options{Timeout: 5 * time.Second}, block(ch, nil))
			done <- struct{}{}
		}()
	}
	<-started1
	<-started2

	if n := m.Tracked(); n != 2 {
		t.Errorf("tracked = %d, want 2 (generated keys must not collide)", n)
	}

	m.CancelExcept()
	<-done
	<-done
}

func TestManager_StopCancelsEverything(t *testing.T) {
	m := NewManager(Config{}, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := WithTimeout(m, context.Background(), Options{Timeout: time.Minute, Key: "x"}, block(started, nil))
		errCh <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !IsCancelled(err) {
			t.Errorf("error = %v, want CancelledError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("operation survived Stop")
	}
}
