package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/contentflow/model"
)

func handledResult() Result {
	return Result{Handled: true, Action: ActionSignaled}
}

// --- MemoryDeliveryStore ---

func TestMemoryDeliveryStore_CheckNotFound(t *testing.T) {
	store := NewMemoryDeliveryStore(nil)

	result, found, err := store.Check(context.Background(), DeliveryKey("d-1"), "hash")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || result != nil {
		t.Errorf("Check = (%+v, %v), want (nil, false)", result, found)
	}
}

func TestMemoryDeliveryStore_StoreAndCheck(t *testing.T) {
	store := NewMemoryDeliveryStore(nil)
	ctx := context.Background()

	if err := store.Store(ctx, "webhook:d-1", "hash", handledResult(), time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	result, found, err := store.Check(ctx, "webhook:d-1", "hash")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || result == nil {
		t.Fatal("found = false, want true")
	}
	if *result != handledResult() {
		t.Errorf("result = %+v", result)
	}
}

func TestMemoryDeliveryStore_ConflictOnHashMismatch(t *testing.T) {
	store := NewMemoryDeliveryStore(nil)
	ctx := context.Background()
	_ = store.Store(ctx, "webhook:d-1", "hash-a", handledResult(), time.Minute)

	_, _, err := store.Check(ctx, "webhook:d-1", "hash-b")
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestMemoryDeliveryStore_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryDeliveryStore(clock)
	ctx := context.Background()
	_ = store.Store(ctx, "webhook:d-1", "hash", handledResult(), time.Minute)

	clock.Advance(2 * time.Minute)

	_, found, err := store.Check(ctx, "webhook:d-1", "hash")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true after expiry")
	}
	if store.Len() != 0 {
		t.Errorf("Len = %d, want 0", store.Len())
	}
}

// --- RedisDeliveryStore ---

func newRedisStore(t *testing.T) (*RedisDeliveryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDeliveryStore(client), mr
}

func TestRedisDeliveryStore_StoreAndCheck(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	if err := store.Store(ctx, "webhook:d-1", "hash", handledResult(), time.Hour); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	if ttl := mr.TTL("webhook:d-1"); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	result, found, err := store.Check(ctx, "webhook:d-1", "hash")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || *result != handledResult() {
		t.Fatalf("Check = (%+v, %v)", result, found)
	}

	if _, _, err := store.Check(ctx, "webhook:d-1", "other"); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("err = %v, want CONFLICT", err)
	}
}

func TestRedisDeliveryStore_Expiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	_ = store.Store(ctx, "webhook:d-1", "hash", handledResult(), time.Minute)

	mr.FastForward(2 * time.Minute)

	_, found, err := store.Check(ctx, "webhook:d-1", "hash")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true after expiry")
	}
}

func TestRedisDeliveryStore_CorruptEntry(t *testing.T) {
	store, mr := newRedisStore(t)
	if err := mr.Set("webhook:d-1", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := store.Check(context.Background(), "webhook:d-1", "hash"); err == nil {
		t.Fatal("expected decode error")
	}
}

// --- Deliver ---

func TestDeliver_runsOncePerDelivery(t *testing.T) {
	f := newFixture(t, WithDeliveryStore(NewMemoryDeliveryStore(nil), 0))
	calls := 0
	handle := func(context.Context) Result {
		calls++
		return handledResult()
	}
	body := []byte(`{"action":"submitted"}`)

	first := f.bridge.Deliver(context.Background(), "d-1", body, handle)
	second := f.bridge.Deliver(context.Background(), "d-1", body, handle)

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if first != second {
		t.Errorf("redelivery result = %+v, want %+v", second, first)
	}
}

func TestDeliver_unhandledStaysRetryable(t *testing.T) {
	f := newFixture(t, WithDeliveryStore(NewMemoryDeliveryStore(nil), 0))
	calls := 0
	handle := func(context.Context) Result {
		calls++
		return failed("not yet")
	}

	f.bridge.Deliver(context.Background(), "d-1", nil, handle)
	f.bridge.Deliver(context.Background(), "d-1", nil, handle)

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestDeliver_payloadMismatchIsRejected(t *testing.T) {
	f := newFixture(t, WithDeliveryStore(NewMemoryDeliveryStore(nil), 0))
	handle := func(context.Context) Result { return handledResult() }

	f.bridge.Deliver(context.Background(), "d-1", []byte("a"), handle)
	res := f.bridge.Deliver(context.Background(), "d-1", []byte("b"), handle)

	if res.Handled || res.Error == "" {
		t.Errorf("result = %+v, want unhandled conflict", res)
	}
}

func TestDeliver_withoutStoreAlwaysRuns(t *testing.T) {
	f := newFixture(t)
	calls := 0
	handle := func(context.Context) Result {
		calls++
		return handledResult()
	}

	f.bridge.Deliver(context.Background(), "d-1", nil, handle)
	f.bridge.Deliver(context.Background(), "d-1", nil, handle)

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}
