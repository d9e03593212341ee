package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meridian-au/commandbus/internal/command"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		mutate        func(*Config)
		expectedError string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:          "missing domain",
			mutate:        func(c *Config) { c.Domain = "" },
			expectedError: "domain is required",
		},
		{
			name:          "statement timeout equal to visibility timeout",
			mutate:        func(c *Config) { c.StatementTimeout = c.VisibilityTimeout },
			expectedError: "statement timeout",
		},
		{
			name: "statement timeout above visibility timeout",
			mutate: func(c *Config) {
				c.VisibilityTimeout = 10 * time.Second
				c.StatementTimeout = 20 * time.Second
			},
			expectedError: "statement timeout",
		},
		{
			name:          "zero concurrency",
			mutate:        func(c *Config) { c.Concurrency = 0 },
			expectedError: "concurrency",
		},
		{
			name:          "zero batch size",
			mutate:        func(c *Config) { c.BatchSize = 0 },
			expectedError: "batch size",
		},
		{
			name:          "zero visibility timeout",
			mutate:        func(c *Config) { c.VisibilityTimeout = 0; c.StatementTimeout = 0 },
			expectedError: "visibility timeout",
		},
		{
			name:          "zero poll interval",
			mutate:        func(c *Config) { c.PollInterval = 0 },
			expectedError: "poll interval",
		},
		{
			name:          "empty retry policy",
			mutate:        func(c *Config) { c.RetryPolicy = command.RetryPolicy{} },
			expectedError: "retry policy",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig("payments")
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.expectedError == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.expectedError)
			}
		})
	}
}

func TestDefaultConfigTimeoutHierarchy(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("payments")
	assert.Less(t, cfg.StatementTimeout, cfg.VisibilityTimeout)
}
