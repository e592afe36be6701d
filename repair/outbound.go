package repair

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adamgarcia4/goLearning/antientropy/messaging"
)

// Outbound is the messaging service as seen by the repair layer.
type Outbound interface {
	LocalEndpoint() string
	SendOneWay(ctx context.Context, to string, verb messaging.Verb, payload any) error
	SendReply(ctx context.Context, to, inReplyTo string, payload any) error
	SendWithCallback(ctx context.Context, to string, verb messaging.Verb, payload any, timeout time.Duration) (*messaging.Envelope, error)
}

// sendMessage sends a repair message one-way.
func sendMessage(ctx context.Context, out Outbound, to string, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return out.SendOneWay(ctx, to, messaging.VerbRepairMessage, json.RawMessage(data))
}

// request sends a repair message and waits for its acknowledgement.
func request(ctx context.Context, out Outbound, to string, msg Message, timeout time.Duration) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = out.SendWithCallback(ctx, to, messaging.VerbRepairMessage, json.RawMessage(data), timeout)
	return err
}
