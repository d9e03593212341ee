package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusInProgress, false},
		{StatusWaitingForReply, false},
		{StatusWaitingForTSQ, false},
		{StatusCompleted, true},
		{StatusCanceled, true},
		{StatusCompensated, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.status.IsTerminal(), "status %s", tt.status)
	}
}

func TestRouterConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*RouterConfig)
		wantErr string
	}{
		{"defaults valid", func(c *RouterConfig) {}, ""},
		{"zero visibility timeout", func(c *RouterConfig) { c.VisibilityTimeout = 0 }, "visibility timeout"},
		{"statement timeout not below vt", func(c *RouterConfig) { c.StatementTimeout = c.VisibilityTimeout }, "statement timeout"},
		{"zero batch size", func(c *RouterConfig) { c.BatchSize = 0 }, "batch size"},
		{"zero poll interval", func(c *RouterConfig) { c.PollInterval = 0 }, "poll interval"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultRouterConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestDefaultRouterConfigTimeoutHierarchy(t *testing.T) {
	t.Parallel()

	cfg := DefaultRouterConfig()
	assert.Less(t, cfg.StatementTimeout, cfg.VisibilityTimeout)
	assert.Greater(t, cfg.PollInterval, time.Duration(0))
	assert.NoError(t, cfg.Validate())
}
