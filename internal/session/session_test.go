package session

import (
	"testing"
	"time"
)

func TestSource_RefreshNotifies(t *testing.T) {
	s := NewSource(Credentials{AccessToken: "a"}, nil)

	var got []string
	unsub := s.OnRefresh(func(c Credentials) {
		got = append(got, c.AccessToken)
	})
	defer unsub()

	s.SetCredentials(Credentials{AccessToken: "b"})
	s.SetCredentials(Credentials{AccessToken: "b"}) // duplicate, no-op
	s.SetCredentials(Credentials{AccessToken: "c"})

	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("notifications = %v, want [b c]", got)
	}
	if s.Current().AccessToken != "c" {
		t.Errorf("Current = %q, want c", s.Current().AccessToken)
	}
}

func TestSource_Unsubscribe(t *testing.T) {
	s := NewSource(Credentials{}, nil)

	var calls int
	unsub := s.OnRefresh(func(Credentials) { calls++ })
	unsub()

	s.SetCredentials(Credentials{AccessToken: "x"})
	if calls != 0 {
		t.Errorf("listener fired %d times after unsubscribe", calls)
	}
}

func TestCredentials_Expired(t *testing.T) {
	if (Credentials{}).Expired() {
		t.Error("zero expiry should never count as expired")
	}
	if !(Credentials{ExpiresAt: time.Now().Add(-time.Minute)}).Expired() {
		t.Error("past expiry should be expired")
	}
	if (Credentials{ExpiresAt: time.Now().Add(time.Minute)}).Expired() {
		t.Error("future expiry should not be expired")
	}
}
