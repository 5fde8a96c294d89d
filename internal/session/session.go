// Package session holds the current backend credentials and notifies
// the runtime when they rotate. The auth layer that actually issues
// tokens lives outside this module; it pushes refreshed credentials in
// via SetCredentials.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// Credentials is one issued session.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the access token is past its expiry.
func (c Credentials) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Source is the process-wide credential holder.
type Source struct {
	logger *slog.Logger

	mu        sync.Mutex
	creds     Credentials
	nextID    int
	listeners map[int]func(Credentials)
}

// NewSource creates a Source with initial credentials.
func NewSource(creds Credentials, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		logger:    logger,
		creds:     creds,
		listeners: make(map[int]func(Credentials)),
	}
}

// Current returns the current credentials.
func (s *Source) Current() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// SetCredentials replaces the credentials and notifies listeners.
// Setting an identical access token is a no-op.
func (s *Source) SetCredentials(creds Credentials) {
	s.mu.Lock()
	if s.creds.AccessToken == creds.AccessToken {
		s.mu.Unlock()
		return
	}
	s.creds = creds

	fns := make([]func(Credentials), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.logger.Debug("credentials rotated", "expires_at", creds.ExpiresAt)

	for _, fn := range fns {
		fn(creds)
	}
}

// OnRefresh registers a listener for credential rotation and returns
// an unsubscribe function.
func (s *Source) OnRefresh(fn func(Credentials)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
