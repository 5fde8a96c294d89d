package backoff

import (
	"testing"
	"time"
)

func TestPolicy_DelaySchedule(t *testing.T) {
	p := Policy{
		Base:       1000 * time.Millisecond,
		Cap:        30000 * time.Millisecond,
		MaxRetries: 5,
	}

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}

	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestPolicy_DelayCapped(t *testing.T) {
	p := Policy{
		Base:       1 * time.Second,
		Cap:        30 * time.Second,
		MaxRetries: 5,
	}

	// 2^5 = 32s exceeds the cap.
	if got := p.Delay(5); got != 30*time.Second {
		t.Errorf("Delay(5) = %v, want 30s", got)
	}

	// Huge retry counts must not overflow the shift.
	if got := p.Delay(200); got != 30*time.Second {
		t.Errorf("Delay(200) = %v, want 30s", got)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := DefaultPolicy()

	for i := 0; i < 5; i++ {
		if p.Exhausted(i) {
			t.Errorf("Exhausted(%d) = true, want false", i)
		}
	}

	if !p.Exhausted(5) {
		t.Error("Exhausted(5) = false, want true")
	}
}

func TestPolicy_ZeroValueUsesDefaults(t *testing.T) {
	var p Policy

	if got := p.Delay(0); got != DefaultBase {
		t.Errorf("Delay(0) = %v, want %v", got, DefaultBase)
	}
	if !p.Exhausted(DefaultMaxRetries) {
		t.Errorf("Exhausted(%d) = false, want true", DefaultMaxRetries)
	}
}

func TestPolicy_NegativeRetry(t *testing.T) {
	p := DefaultPolicy()
	if got := p.Delay(-3); got != p.Base {
		t.Errorf("Delay(-3) = %v, want %v", got, p.Base)
	}
}
