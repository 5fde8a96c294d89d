package visibility

import "testing"

func TestTracker_DefaultsVisible(t *testing.T) {
	tr := NewTracker(nil)
	if !tr.IsVisible() {
		t.Error("expected new tracker to be visible")
	}
}

func TestTracker_DuplicateSetFiresOnce(t *testing.T) {
	tr := NewTracker(nil)
	tr.SetVisible(false)

	var calls int
	unsub := tr.Subscribe(func(visible bool) {
		calls++
		if !visible {
			t.Error("expected transition to visible")
		}
	})
	defer unsub()

	tr.SetVisible(true)
	tr.SetVisible(true)

	if calls != 1 {
		t.Errorf("listener fired %d times, want 1", calls)
	}
}

func TestTracker_Unsubscribe(t *testing.T) {
	tr := NewTracker(nil)

	var calls int
	unsub := tr.Subscribe(func(bool) { calls++ })

	tr.SetVisible(false)
	unsub()
	tr.SetVisible(true)

	if calls != 1 {
		t.Errorf("listener fired %d times after unsubscribe, want 1", calls)
	}
}

func TestTracker_MultipleListeners(t *testing.T) {
	tr := NewTracker(nil)

	var a, b int
	tr.Subscribe(func(bool) { a++ })
	tr.Subscribe(func(bool) { b++ })

	tr.SetVisible(false)
	tr.SetVisible(true)

	if a != 2 || b != 2 {
		t.Errorf("listeners fired a=%d b=%d, want 2 each", a, b)
	}
}
