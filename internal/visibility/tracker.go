// Package visibility tracks whether the application is in the
// foreground. Host integrations (mobile bindings, an embedding UI, a
// network monitor) push transitions in via SetVisible; the rest of the
// runtime subscribes to react to background/foreground changes.
package visibility

import (
	"log/slog"
	"sync"
)

// Tracker exposes a subscribable foreground/background boolean.
// The zero state is visible: headless and non-interactive contexts
// never report a transition, and the runtime must behave as if
// foregrounded.
type Tracker struct {
	logger *slog.Logger

	mu        sync.Mutex
	visible   bool
	nextID    int
	listeners map[int]func(bool)
}

// NewTracker creates a Tracker that starts visible.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:    logger,
		visible:   true,
		listeners: make(map[int]func(bool)),
	}
}

// IsVisible returns the current foreground state.
func (t *Tracker) IsVisible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible
}

// Subscribe registers a listener for visibility transitions and
// returns an unsubscribe function. Listeners fire only on actual
// changes, never for duplicate sets.
func (t *Tracker) Subscribe(fn func(visible bool)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// SetVisible records a foreground/background transition. Setting the
// current value again is a no-op.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	if t.visible == visible {
		t.mu.Unlock()
		return
	}
	t.visible = visible

	fns := make([]func(bool), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	t.logger.Debug("visibility changed", "visible", visible)

	for _, fn := range fns {
		fn(visible)
	}
}
