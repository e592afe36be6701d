// Package messaging is the verb-based messaging service between repair
// participants. Every message travels inside an Envelope; responses are
// correlated to their request through InReplyTo.
package messaging

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the current envelope version.
const ProtocolVersion = 1

// Verb selects the handler an envelope is delivered to.
type Verb string

const (
	// VerbRepairMessage carries a repair protocol message.
	VerbRepairMessage Verb = "REPAIR_MESSAGE"

	// VerbInternalResponse answers an earlier request; it is routed to the
	// waiting callback, never to a handler.
	VerbInternalResponse Verb = "INTERNAL_RESPONSE"

	// VerbStreamPush carries rows the sender wants the receiver to store.
	VerbStreamPush Verb = "STREAM_PUSH"

	// VerbStreamPull asks the receiver for its rows in a set of ranges.
	VerbStreamPull Verb = "STREAM_PULL"
)

// Envelope is the frame exchanged between endpoints.
type Envelope struct {
	Version   int             `json:"version"`
	ID        string          `json:"id"`
	Verb      Verb            `json:"verb"`
	From      string          `json:"from"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
	Error     string          `json:"error,omitempty"` // set on failure responses
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsFailure reports whether the envelope is a failure response.
func (e *Envelope) IsFailure() bool {
	return e.Error != ""
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Verb, err)
	}
	return nil
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a frame received from the wire.
func UnmarshalEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	if env.Verb == "" {
		return nil, fmt.Errorf("envelope %s has no verb", env.ID)
	}
	return &env, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
