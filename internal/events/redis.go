package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus publishes events to a Redis pub/sub channel so that every
// instance sees them, and relays received events to a LocalBus.
type RedisBus struct {
	client  *redis.Client
	channel string
	source  string
	local   *LocalBus
	logger  *zap.Logger
}

// NewRedisBus creates a bus publishing on channel. source identifies this
// instance so that Run does not deliver its own events twice.
func NewRedisBus(client *redis.Client, channel, source string, local *LocalBus, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, channel: channel, source: source, local: local, logger: logger}
}

// Publish dispatches locally, then broadcasts the event.
func (b *RedisBus) Publish(ctx context.Context, name string, payload any) error {
	evt, err := NewEvent(name, payload)
	if err != nil {
		return err
	}
	evt.Source = b.source
	b.local.Dispatch(ctx, evt)

	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", name, err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("events: redis publish %s: %w", name, err)
	}
	return nil
}

// Run relays events published by other instances to the local bus until ctx
// is cancelled. ready, when non-nil, is closed once the subscription is live.
func (b *RedisBus) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("events: subscribe %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.logger.Warn("dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if evt.Source == b.source {
				continue
			}
			b.local.Dispatch(ctx, evt)
		}
	}
}
