package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/observability"
	"github.com/pitabwire/contentflow/model"
)

// DefaultDeliveryTTL is how long processed deliveries are remembered.
const DefaultDeliveryTTL = 24 * time.Hour

// DeliveryStore remembers the outcome of processed webhook deliveries so
// redelivered events are not applied twice. Keys have the form
// "webhook:{deliveryId}".
type DeliveryStore interface {
	// Check returns the recorded result of a delivery. A delivery recorded
	// with a different payload hash is a CONFLICT.
	Check(ctx context.Context, key, payloadHash string) (result *Result, found bool, err error)

	// Store records a delivery result with a TTL.
	Store(ctx context.Context, key, payloadHash string, result Result, ttl time.Duration) error
}

// DeliveryKey builds the store key of a delivery id.
func DeliveryKey(deliveryID string) string {
	return fmt.Sprintf("webhook:%s", deliveryID)
}

// PayloadHash fingerprints a raw webhook body.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type deliveryEntry struct {
	PayloadHash string `json:"payload_hash"`
	Result      Result `json:"result"`
}

func hashMismatch(key string) error {
	return model.NewConflictError(fmt.Sprintf("delivery %q already processed with a different payload", key))
}

// Deliver runs handle once per delivery id. Redeliveries with the same
// payload return the recorded result. Deliveries without an id, or a bridge
// without a DeliveryStore, always run handle.
func (b *Bridge) Deliver(ctx context.Context, deliveryID string, body []byte, handle func(context.Context) Result) Result {
	ctx, span := observability.StartSpan(ctx, "webhook.deliver", observability.AttrDeliveryID.String(deliveryID))
	defer span.End()

	if b.deliveries == nil || deliveryID == "" {
		return handle(ctx)
	}
	key := DeliveryKey(deliveryID)
	hash := PayloadHash(body)

	prev, found, err := b.deliveries.Check(ctx, key, hash)
	switch {
	case model.IsCode(err, model.ErrConflict):
		return failed("%v", err)
	case err != nil:
		b.logger.Warn("delivery lookup failed, processing anyway", zap.String("delivery_id", deliveryID), zap.Error(err))
	case found:
		b.logger.Debug("duplicate delivery", zap.String("delivery_id", deliveryID))
		return *prev
	}

	res := handle(ctx)
	// Unhandled deliveries stay retryable.
	if res.Handled {
		if err := b.deliveries.Store(ctx, key, hash, res, b.deliveryTTL); err != nil {
			b.logger.Warn("record delivery", zap.String("delivery_id", deliveryID), zap.Error(err))
		}
	}
	return res
}

// --- MemoryDeliveryStore ---

// MemoryDeliveryStore is an in-memory DeliveryStore with TTL support.
type MemoryDeliveryStore struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	entries map[string]*memDelivery
}

type memDelivery struct {
	data      deliveryEntry
	expiresAt time.Time
}

// NewMemoryDeliveryStore creates an in-memory delivery store. A nil clock
// uses the real clock.
func NewMemoryDeliveryStore(clock clockwork.Clock) *MemoryDeliveryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryDeliveryStore{clock: clock, entries: make(map[string]*memDelivery)}
}

func (s *MemoryDeliveryStore) Check(_ context.Context, key, payloadHash string) (*Result, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()
	if !exists {
		return nil, false, nil
	}

	if s.clock.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if entry.data.PayloadHash != payloadHash {
		return nil, true, hashMismatch(key)
	}
	result := entry.data.Result
	return &result, true, nil
}

func (s *MemoryDeliveryStore) Store(_ context.Context, key, payloadHash string, result Result, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memDelivery{
		data:      deliveryEntry{PayloadHash: payloadHash, Result: result},
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryDeliveryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisDeliveryStore ---

// RedisDeliveryStore is a Redis-backed DeliveryStore shared by all
// replicas.
type RedisDeliveryStore struct {
	client redis.Cmdable
}

// NewRedisDeliveryStore creates a Redis-backed delivery store.
func NewRedisDeliveryStore(client redis.Cmdable) *RedisDeliveryStore {
	return &RedisDeliveryStore{client: client}
}

func (s *RedisDeliveryStore) Check(ctx context.Context, key, payloadHash string) (*Result, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry deliveryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal delivery %q: %w", key, err)
	}
	if entry.PayloadHash != payloadHash {
		return nil, true, hashMismatch(key)
	}
	return &entry.Result, true, nil
}

func (s *RedisDeliveryStore) Store(ctx context.Context, key, payloadHash string, result Result, ttl time.Duration) error {
	data, err := json.Marshal(deliveryEntry{PayloadHash: payloadHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
