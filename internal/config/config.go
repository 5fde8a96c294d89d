package config

import "time"

// SyncConfig is the root configuration for a sync daemon instance.
type SyncConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Backend    BackendConfig    `yaml:"backend"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Operations OperationsConfig `yaml:"operations"`
	Probe      ProbeConfig      `yaml:"probe"`
}

// InstanceConfig identifies this daemon.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// BackendConfig holds the hosted backend endpoints and the transport
// driver selection.
type BackendConfig struct {
	// Driver picks the change-feed transport: "ws" for the hosted
	// websocket feed, "postgres" for a direct LISTEN/NOTIFY feed.
	Driver string `yaml:"driver"`

	RestURL     string        `yaml:"rest_url"`
	RealtimeURL string        `yaml:"realtime_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// PostgresConfig holds the direct database connection, used when the
// driver is "postgres".
type PostgresConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Name          string `yaml:"name"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	SSLMode       string `yaml:"ssl_mode"`
	MaxConns      int    `yaml:"max_conns"`
	MinConns      int    `yaml:"min_conns"`
	NotifyChannel string `yaml:"notify_channel"`
}

// RealtimeConfig holds channel and subscription settings.
type RealtimeConfig struct {
	MessagesTable string `yaml:"messages_table"`
	StatusTable   string `yaml:"status_table"`

	SubscribeTimeout  time.Duration `yaml:"subscribe_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	MaxRetries     int           `yaml:"max_retries"`
}

// OperationsConfig holds async operation tracking settings.
type OperationsConfig struct {
	MaxTracked     int           `yaml:"max_tracked"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StaleAfter     time.Duration `yaml:"stale_after"`

	// KeepPrefixes are operation key prefixes exempt from
	// background cancellation.
	KeepPrefixes []string `yaml:"keep_prefixes"`
}

// ProbeConfig holds connection health probe settings.
type ProbeConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}
