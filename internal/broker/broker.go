package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"ai-review-orchestrator/internal/telemetry"
)

// Event is the transport-agnostic progress message, serialized as
// {"type": ..., "data": {...}}.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func NewEvent(eventType string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: eventType, Data: data}
}

// Callback receives events on the subscriber's own delivery goroutine.
type Callback func(Event)

type SubscriptionID string

type subscriber struct {
	id      SubscriptionID
	channel string
	cb      Callback
	mailbox chan Event
	done    chan struct{}
}

// Broker fans events out to in-process subscribers and, when a Relay is
// attached, to brokers in other processes.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]map[SubscriptionID]*subscriber
	byID     map[SubscriptionID]*subscriber
	closed   bool

	bufSize int
	origin  string
	relay   Relay
	logger  *slog.Logger
}

type Option func(*Broker)

// WithRelay forwards every publish to relay and delivers relayed events
// from other processes once Start is called.
func WithRelay(r Relay) Option { return func(b *Broker) { b.relay = r } }

func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

func New(opts ...Option) *Broker {
	b := &Broker{
		channels: make(map[string]map[SubscriptionID]*subscriber),
		byID:     make(map[SubscriptionID]*subscriber),
		bufSize:  256,
		origin:   uuid.NewString(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin identifies this broker on the relay.
func (b *Broker) Origin() string { return b.origin }

// Start consumes relayed events until ctx ends. It returns once the relay
// subscription is active. Without a relay it is a no-op.
func (b *Broker) Start(ctx context.Context) error {
	if b.relay == nil {
		return nil
	}
	envs, err := b.relay.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}
	go func() {
		for env := range envs {
			if env.Origin == b.origin {
				continue
			}
			b.deliver(env.Channel, env.Event)
		}
	}()
	return nil
}

// Subscribe registers cb for events published on channel from now on.
func (b *Broker) Subscribe(channel string, cb Callback) SubscriptionID {
	s := &subscriber{
		id:      SubscriptionID(uuid.NewString()),
		channel: channel,
		cb:      cb,
		mailbox: make(chan Event, b.bufSize),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		return s.id
	}
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[SubscriptionID]*subscriber)
		b.channels[channel] = subs
	}
	subs[s.id] = s
	b.byID[s.id] = s
	b.mu.Unlock()

	telemetry.SubscriberGauge.Inc()
	go b.run(s)
	return s.id
}

// Unsubscribe removes a subscription. Unknown or already removed ids are ignored.
func (b *Broker) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	s, ok := b.byID[id]
	if ok {
		b.remove(s)
	}
	b.mu.Unlock()
	if ok {
		close(s.done)
		telemetry.SubscriberGauge.Dec()
	}
}

// remove must be called with mu held.
func (b *Broker) remove(s *subscriber) {
	delete(b.byID, s.id)
	if subs, ok := b.channels[s.channel]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.channels, s.channel)
		}
	}
}

// Publish delivers ev to the subscribers registered on channel at call time
// and forwards it to the relay, if any.
func (b *Broker) Publish(channel string, ev Event) {
	b.deliver(channel, ev)
	if b.relay != nil {
		env := Envelope{Origin: b.origin, Channel: channel, Event: ev}
		if err := b.relay.Publish(context.Background(), env); err != nil {
			b.logger.Warn("relay publish failed", "channel", channel, "type", ev.Type, "error", err)
		}
	}
}

// Broadcast is Publish for channels with many viewers; delivery is identical.
func (b *Broker) Broadcast(channel string, ev Event) {
	b.Publish(channel, ev)
}

func (b *Broker) deliver(channel string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.channels[channel] {
		select {
		case s.mailbox <- ev:
		default:
			telemetry.DroppedEvents.Inc()
			b.logger.Warn("subscriber mailbox full, dropping event", "channel", channel, "type", ev.Type, "subscription", s.id)
		}
	}
}

func (b *Broker) run(s *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.mailbox:
			select {
			case <-s.done:
				return
			default:
			}
			b.invoke(s, ev)
		}
	}
}

func (b *Broker) invoke(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber callback panicked", "channel", s.channel, "type", ev.Type, "panic", r)
		}
	}()
	s.cb(ev)
}

// SubscriberCount returns the number of live subscriptions on channel.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Close drops every subscription and closes the relay.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.byID))
	for _, s := range b.byID {
		subs = append(subs, s)
	}
	for _, s := range subs {
		b.remove(s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
		telemetry.SubscriberGauge.Dec()
	}
	if b.relay != nil {
		return b.relay.Close()
	}
	return nil
}
