package connection

import (
	"time"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Status is the single live connection status for the process. Mutated
// only by the Core; read by every other component.
type Status struct {
	State             State
	LastError         error
	ReconnectAttempts int
	IsVisible         bool

	// Latency is the most recent health probe round-trip estimate.
	Latency time.Duration
}

// Config holds connection core settings.
type Config struct {
	// ProbeInterval is how often the health probe pings the backend
	// (default: 30s).
	ProbeInterval time.Duration

	// ProbeTimeout bounds one probe (default: 5s).
	ProbeTimeout time.Duration

	// FailureThreshold is how many consecutive probe failures flip the
	// state to error and trigger a reconnect (default: 3).
	FailureThreshold int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 3,
	}
}

func (cfg *Config) applyDefaults() {
	def := DefaultConfig()
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
}
