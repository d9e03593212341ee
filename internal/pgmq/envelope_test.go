package pgmq

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{
		"domain": "payments",
		"command_type": "Debit",
		"command_id": "a1b2",
		"data": {"amount": 100},
		"correlation_id": "proc-1",
		"reply_to": "payments__replies"
	}`)

	env, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, "payments", env.Domain)
	assert.Equal(t, "Debit", env.CommandType)
	assert.Equal(t, "a1b2", env.CommandID)
	assert.Equal(t, "proc-1", env.CorrelationID)
	assert.Equal(t, "payments__replies", env.ReplyTo)
	assert.JSONEq(t, `{"amount": 100}`, string(env.Data))
}

func TestDecodeEnvelopeInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"missing command_id", `{"domain": "payments", "command_type": "Debit"}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeEnvelope(json.RawMessage(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestDecodeReply(t *testing.T) {
	t.Parallel()

	reply, err := DecodeReply(json.RawMessage(`{
		"command_id": "a1b2",
		"correlation_id": "proc-1",
		"outcome": "SUCCESS",
		"data": {"balance": 50}
	}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, reply.Outcome)
	assert.JSONEq(t, `{"balance": 50}`, string(reply.Payload()))
}

func TestDecodeReplyUnknownOutcome(t *testing.T) {
	t.Parallel()

	_, err := DecodeReply(json.RawMessage(`{"command_id": "a1b2", "outcome": "MAYBE"}`))
	assert.Error(t, err)
}

func TestReplyPayloadPrefersData(t *testing.T) {
	t.Parallel()

	// Both payload field conventions appear on reply queues; data wins when
	// both are present, result is the fallback.
	both := &Reply{
		Data:   json.RawMessage(`{"from": "data"}`),
		Result: json.RawMessage(`{"from": "result"}`),
	}
	assert.JSONEq(t, `{"from": "data"}`, string(both.Payload()))

	resultOnly, err := DecodeReply(json.RawMessage(`{
		"command_id": "a1b2",
		"outcome": "SUCCESS",
		"result": {"from": "result"}
	}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"from": "result"}`, string(resultOnly.Payload()))
}

func TestQueueNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "payments__commands", CommandQueueName("payments"))
	assert.Equal(t, "payments__replies", ReplyQueueName("payments"))
	assert.Equal(t, "pgmq_notify_payments__commands", NotifyChannel(CommandQueueName("payments")))
}
