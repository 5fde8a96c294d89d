package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *SyncConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Backend.Driver {
	case "ws":
		if c.Backend.RestURL == "" {
			return errors.New("backend.rest_url is required")
		}
		if c.Backend.RealtimeURL == "" {
			return errors.New("backend.realtime_url is required")
		}
	case "postgres":
		if err := c.Postgres.validate("postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("backend.driver must be \"ws\" or \"postgres\", got %q", c.Backend.Driver)
	}

	if c.Realtime.MaxRetries < 1 {
		return errors.New("realtime.max_retries must be >= 1")
	}
	if c.Realtime.RetryBaseDelay > c.Realtime.RetryMaxDelay {
		return fmt.Errorf("realtime.retry_base_delay (%v) cannot exceed retry_max_delay (%v)",
			c.Realtime.RetryBaseDelay, c.Realtime.RetryMaxDelay)
	}

	if c.Operations.MaxTracked < 1 {
		return errors.New("operations.max_tracked must be >= 1")
	}
	if c.Operations.StaleAfter < c.Operations.SweepInterval {
		return fmt.Errorf("operations.stale_after (%v) cannot be shorter than sweep_interval (%v)",
			c.Operations.StaleAfter, c.Operations.SweepInterval)
	}

	if c.Probe.FailureThreshold < 1 {
		return errors.New("probe.failure_threshold must be >= 1")
	}

	return nil
}

func (db *PostgresConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
