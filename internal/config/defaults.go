package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDriver            = "ws"
	DefaultBackendTimeout    = 10 * time.Second
	DefaultBackendRetries    = 3
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultMessagesTable     = "messages"
	DefaultStatusTable       = "member_status"
	DefaultSubscribeTimeout  = 10 * time.Second
	DefaultHeartbeat         = 30 * time.Second
	DefaultRetryBaseDelay    = 1 * time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultChannelRetries    = 5
	DefaultMaxTracked        = 100
	DefaultOperationTimeout  = 10 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultStaleAfter        = 60 * time.Second
	DefaultProbeInterval     = 30 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultFailureThreshold  = 3
	DefaultRecoveryKeyPrefix = "recovery-"
)

func (c *SyncConfig) applyDefaults() {
	// Backend defaults
	if c.Backend.Driver == "" {
		c.Backend.Driver = DefaultDriver
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = DefaultBackendTimeout
	}
	if c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = DefaultBackendRetries
	}

	// Postgres defaults
	if c.Postgres.Port == 0 {
		c.Postgres.Port = DefaultDBPort
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = DefaultDBSSLMode
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = DefaultMaxConns
	}
	if c.Postgres.MinConns == 0 {
		c.Postgres.MinConns = DefaultMinConns
	}

	// Realtime defaults
	if c.Realtime.MessagesTable == "" {
		c.Realtime.MessagesTable = DefaultMessagesTable
	}
	if c.Realtime.StatusTable == "" {
		c.Realtime.StatusTable = DefaultStatusTable
	}
	if c.Realtime.SubscribeTimeout == 0 {
		c.Realtime.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Realtime.HeartbeatInterval == 0 {
		c.Realtime.HeartbeatInterval = DefaultHeartbeat
	}
	if c.Realtime.RetryBaseDelay == 0 {
		c.Realtime.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.Realtime.RetryMaxDelay == 0 {
		c.Realtime.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.Realtime.MaxRetries == 0 {
		c.Realtime.MaxRetries = DefaultChannelRetries
	}

	// Operations defaults
	if c.Operations.MaxTracked == 0 {
		c.Operations.MaxTracked = DefaultMaxTracked
	}
	if c.Operations.DefaultTimeout == 0 {
		c.Operations.DefaultTimeout = DefaultOperationTimeout
	}
	if c.Operations.SweepInterval == 0 {
		c.Operations.SweepInterval = DefaultSweepInterval
	}
	if c.Operations.StaleAfter == 0 {
		c.Operations.StaleAfter = DefaultStaleAfter
	}
	if len(c.Operations.KeepPrefixes) == 0 {
		c.Operations.KeepPrefixes = []string{DefaultRecoveryKeyPrefix}
	}

	// Probe defaults
	if c.Probe.Interval == 0 {
		c.Probe.Interval = DefaultProbeInterval
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = DefaultProbeTimeout
	}
	if c.Probe.FailureThreshold == 0 {
		c.Probe.FailureThreshold = DefaultFailureThreshold
	}
}
