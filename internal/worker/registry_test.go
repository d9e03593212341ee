package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-au/commandbus/internal/command"
)

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, cmd *Command, hctx *HandlerContext) (any, error) {
		return map[string]any{"echo": string(cmd.Data)}, nil
	})
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register("payments", "Debit", echoHandler()))

	err := registry.Register("payments", "Debit", echoHandler())
	var dup *command.HandlerAlreadyRegisteredError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "payments", dup.Domain)
	assert.Equal(t, "Debit", dup.CommandType)

	// Same type in another domain is a separate key
	assert.NoError(t, registry.Register("billing", "Debit", echoHandler()))
}

func TestRegistryLookupNotFound(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	_, _, err := registry.Lookup("payments", "Unknown")
	var notFound *command.HandlerNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "Unknown", notFound.CommandType)
}

func TestRegistryLookupOptions(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register("payments", "Debit", echoHandler(),
		HandlerOptions{ReplyOnTSQ: true}))
	require.NoError(t, registry.Register("payments", "Credit", echoHandler()))

	_, opts, err := registry.Lookup("payments", "Debit")
	require.NoError(t, err)
	assert.True(t, opts.ReplyOnTSQ)

	_, opts, err = registry.Lookup("payments", "Credit")
	require.NoError(t, err)
	assert.False(t, opts.ReplyOnTSQ)
}

func TestRegistryDispatch(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	var got *Command
	require.NoError(t, registry.Register("payments", "Debit", HandlerFunc(
		func(ctx context.Context, cmd *Command, hctx *HandlerContext) (any, error) {
			got = cmd
			return "ok", nil
		})))

	result, err := registry.Dispatch(context.Background(), &Command{
		Domain:      "payments",
		CommandType: "Debit",
		CommandID:   "cmd-1",
		Data:        json.RawMessage(`{"amount":100}`),
	}, &HandlerContext{Attempt: 1, MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	require.NotNil(t, got)
	assert.Equal(t, "cmd-1", got.CommandID)

	_, err = registry.Dispatch(context.Background(), &Command{
		Domain:      "payments",
		CommandType: "Refund",
	}, &HandlerContext{})
	var notFound *command.HandlerNotFoundError
	assert.True(t, errors.As(err, &notFound))
}
