package worker

import (
	"fmt"
	"time"

	"github.com/meridian-au/commandbus/internal/command"
)

// Config controls one domain worker. The timeout fields form a strict
// hierarchy validated before the worker starts: the database statement
// timeout must expire before the message visibility timeout so SQL issued by
// a handler aborts before PGMQ can redeliver the message to another worker.
type Config struct {
	Domain            string
	VisibilityTimeout time.Duration // PGMQ VT for claimed messages
	StatementTimeout  time.Duration // DB-enforced per-statement limit in worker sessions
	Concurrency       int           // Bounded dispatch slots
	BatchSize         int           // Max messages per read
	PollInterval      time.Duration // Fallback poll cadence when no NOTIFY arrives
	UseNotify         bool          // LISTEN fast path
	UseStoredProcs    bool          // Claim via commandbus.sp_receive_command
	RetryPolicy       command.RetryPolicy
	PoolTimeout       time.Duration // Max wait to acquire a connection
	WatchdogInterval  time.Duration // Stuck-task scan period
	StuckBuffer       time.Duration // Grace over VT before flagging a task stuck
	ShutdownGrace     time.Duration // Wait for outstanding dispatches on stop
}

// DefaultConfig returns the standard worker configuration for a domain
func DefaultConfig(domain string) Config {
	return Config{
		Domain:            domain,
		VisibilityTimeout: 30 * time.Second,
		StatementTimeout:  25 * time.Second,
		Concurrency:       10,
		BatchSize:         10,
		PollInterval:      5 * time.Second,
		UseNotify:         true,
		RetryPolicy:       command.DefaultRetryPolicy(),
		PoolTimeout:       30 * time.Second,
		WatchdogInterval:  10 * time.Second,
		StuckBuffer:       5 * time.Second,
		ShutdownGrace:     30 * time.Second,
	}
}

// Validate enforces the timeout hierarchy and basic sanity of the config
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("worker domain is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("visibility timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.StatementTimeout >= c.VisibilityTimeout {
		return fmt.Errorf("statement timeout (%s) must be strictly below visibility timeout (%s)",
			c.StatementTimeout, c.VisibilityTimeout)
	}
	if c.RetryPolicy.MaxAttempts < 1 {
		return fmt.Errorf("retry policy must allow at least one attempt")
	}
	return nil
}
