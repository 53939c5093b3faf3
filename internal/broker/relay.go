package broker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Envelope is an event on the wire between processes.
type Envelope struct {
	Origin  string `json:"origin"`
	Channel string `json:"channel"`
	Event   Event  `json:"event"`
}

// Relay moves events between broker instances in different processes.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe returns once the subscription is active. The channel is
	// closed when ctx ends or the relay is closed.
	Subscribe(ctx context.Context) (<-chan Envelope, error)
	Close() error
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Channel == "" {
		return Envelope{}, fmt.Errorf("envelope without channel")
	}
	return env, nil
}
