package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	natsSubjectPrefix = "events."
	flushTimeout      = 5 * time.Second
)

// NATSRelay carries events over core NATS subjects events.<domain>.<id>.
type NATSRelay struct {
	nc     *nats.Conn
	logger *slog.Logger
}

func NewNATSRelay(nc *nats.Conn, logger *slog.Logger) *NATSRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSRelay{nc: nc, logger: logger}
}

// Subject maps a broker channel to its NATS subject.
func Subject(channel string) string {
	return natsSubjectPrefix + strings.NewReplacer(":", ".", " ", "_").Replace(channel)
}

func (r *NATSRelay) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return r.nc.Publish(Subject(env.Channel), raw)
}

func (r *NATSRelay) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	msgs := make(chan *nats.Msg, 256)
	sub, err := r.nc.ChanSubscribe(natsSubjectPrefix+">", msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s>: %w", natsSubjectPrefix, err)
	}
	if err := r.nc.FlushTimeout(flushTimeout); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				env, err := decodeEnvelope(msg.Data)
				if err != nil {
					r.logger.Warn("dropping malformed relay message", "subject", msg.Subject, "error", err)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close drains the connection so in-flight publishes are delivered.
func (r *NATSRelay) Close() error {
	if r.nc == nil || r.nc.IsClosed() {
		return nil
	}
	return r.nc.Drain()
}
