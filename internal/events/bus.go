// Package events publishes domain events raised by pipelines. The local bus
// fans events out in-process; the Redis bus additionally broadcasts them to
// other instances over pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

// Event is a published domain event.
type Event struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Source      string          `json:"source,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// Handler consumes events. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(ctx context.Context, evt Event)

// NewEvent builds an event with a fresh id.
func NewEvent(name string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal %s payload: %w", name, err)
	}
	return Event{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     raw,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// LocalBus is an in-process event bus. It implements model.EventBus.
type LocalBus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus(logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBus{logger: logger, handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers h for events named name (or Wildcard) and returns a
// function that removes the subscription.
func (b *LocalBus) Subscribe(name string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[int]Handler)
	}
	b.handlers[name][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[name], id)
	}
}

// Publish wraps payload in an Event and dispatches it.
func (b *LocalBus) Publish(ctx context.Context, name string, payload any) error {
	evt, err := NewEvent(name, payload)
	if err != nil {
		return err
	}
	b.Dispatch(ctx, evt)
	return nil
}

// Dispatch delivers evt to its subscribers. A panicking handler is logged
// and does not affect the others.
func (b *LocalBus) Dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	var targets []Handler
	for _, h := range b.handlers[evt.Name] {
		targets = append(targets, h)
	}
	for _, h := range b.handlers[Wildcard] {
		targets = append(targets, h)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.call(ctx, h, evt)
	}
}

func (b *LocalBus) call(ctx context.Context, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", evt.Name),
				zap.String("event_id", evt.ID),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, evt)
}
