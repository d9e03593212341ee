package pgmq

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome is the terminal result of a command as seen by its producer
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeCanceled Outcome = "CANCELED"
)

// CommandEnvelope is the JSON message enqueued on <domain>__commands
type CommandEnvelope struct {
	Domain        string          `json:"domain"`
	CommandType   string          `json:"command_type"`
	CommandID     string          `json:"command_id"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DecodeEnvelope parses a queue payload into a CommandEnvelope
func DecodeEnvelope(payload json.RawMessage) (*CommandEnvelope, error) {
	var env CommandEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode command envelope: %w", err)
	}
	if env.CommandID == "" {
		return nil, fmt.Errorf("command envelope missing command_id")
	}
	return &env, nil
}

// Reply is the JSON message published on a reply queue. Two success-payload
// field conventions exist in the wild (data and result); we emit data and
// accept either on ingest.
type Reply struct {
	CommandID     string          `json:"command_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Outcome       Outcome         `json:"outcome"`
	Data          json.RawMessage `json:"data,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// Payload returns the success payload regardless of which field carried it
func (r *Reply) Payload() json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Result
}

// DecodeReply parses a queue payload into a Reply
func DecodeReply(payload json.RawMessage) (*Reply, error) {
	var r Reply
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	switch r.Outcome {
	case OutcomeSuccess, OutcomeFailed, OutcomeCanceled:
	default:
		return nil, fmt.Errorf("reply has unknown outcome %q", r.Outcome)
	}
	return &r, nil
}
