package ops

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports that a managed operation's deadline fired
// before the operation settled.
type TimeoutError struct {
	Key     string
	Timeout time.Duration
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (after %v)", e.Message, e.Timeout)
	}
	return fmt.Sprintf("operation %s timed out after %v", e.Key, e.Timeout)
}

// CancelledError reports that a managed operation was aborted before
// settling: by a duplicate key, a background transition, or shutdown.
// Callers treating it as fatal is almost always a bug.
type CancelledError struct {
	Key    string
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("operation %s cancelled: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("operation %s cancelled", e.Key)
}

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsCancelled reports whether err is a benign cancellation.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// Options configures a single WithTimeout call.
type Options struct {
	// Timeout bounds the operation (default: Config.DefaultTimeout).
	Timeout time.Duration

	// Key deduplicates: starting an operation with a live key cancels
	// the live one first. Empty generates a unique key.
	Key string

	// ErrorMessage overrides the TimeoutError text.
	ErrorMessage string
}

// Config holds operation manager settings.
type Config struct {
	// MaxTracked caps concurrently tracked operations (default: 100).
	MaxTracked int

	// EvictAfter is the minimum age an entry must have to be evicted
	// when the cap is hit (default: 5s).
	EvictAfter time.Duration

	// SweepInterval is how often the safety-net sweep runs
	// (default: 30s).
	SweepInterval time.Duration

	// StaleAfter is the age past which the sweep cancels an entry
	// regardless of state (default: 60s).
	StaleAfter time.Duration

	// DefaultTimeout applies when Options.Timeout is zero
	// (default: 10s).
	DefaultTimeout time.Duration

	// KeepPrefixes lists key prefixes that survive background
	// cancellation (default: ["recovery-"]).
	KeepPrefixes []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTracked:     100,
		EvictAfter:     5 * time.Second,
		SweepInterval:  30 * time.Second,
		StaleAfter:     60 * time.Second,
		DefaultTimeout: 10 * time.Second,
		KeepPrefixes:   []string{"recovery-"},
	}
}

func (cfg *Config) applyDefaults() {
	def := DefaultConfig()
	if cfg.MaxTracked == 0 {
		cfg.MaxTracked = def.MaxTracked
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = def.EvictAfter
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.KeepPrefixes == nil {
		cfg.KeepPrefixes = def.KeepPrefixes
	}
}
