package invoker

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pitabwire/contentflow/internal/config"
)

func newTestBreaker(failures, successes int, coolDown time.Duration) (*CircuitBreaker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          coolDown,
	}, clock)
	return cb, clock
}

func TestCircuitBreaker_startsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, 2, time.Second)

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if !cb.Allow() {
		t.Error("Allow() = false, want true")
	}
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 2, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if cb.Allow() {
		t.Error("Allow() = true while open")
	}
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, 2, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestCircuitBreaker_halfOpenAfterCoolDown(t *testing.T) {
	cb, clock := newTestBreaker(1, 1, 10*time.Second)

	cb.RecordFailure()
	clock.Advance(9 * time.Second)
	if s := cb.State(); s != BreakerOpen {
		t.Fatalf("state before cool-down = %v, want open", s)
	}

	clock.Advance(time.Second)
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state after cool-down = %v, want half-open", s)
	}
	if !cb.Allow() {
		t.Error("Allow() = false in half-open")
	}
}

func TestCircuitBreaker_halfOpenClosesOnSuccesses(t *testing.T) {
	cb, clock := newTestBreaker(1, 2, time.Second)

	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.Allow()

	cb.RecordSuccess()
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 probe success = %v, want half-open", s)
	}
	cb.RecordSuccess()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 probe successes = %v, want closed", s)
	}
}

func TestCircuitBreaker_halfOpenReopensOnFailure(t *testing.T) {
	cb, clock := newTestBreaker(1, 2, time.Second)

	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.Allow()

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open after probe failure", s)
	}
}

func TestCircuitBreaker_defaults(t *testing.T) {
	cb, clock := newTestBreaker(0, 0, 0)

	for range 4 {
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 4 failures = %v, want closed (default threshold 5)", s)
	}
	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Fatalf("state after 5 failures = %v, want open", s)
	}

	clock.Advance(29 * time.Second)
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state at 29s = %v, want open (default cool-down 30s)", s)
	}
}

func TestCircuitBreaker_stateChangeCallback(t *testing.T) {
	cb, clock := newTestBreaker(1, 1, time.Second)

	var seen []BreakerState
	cb.OnStateChange(func(s BreakerState) { seen = append(seen, s) })

	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.State()
	cb.RecordSuccess()

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

// --- Error rate ---

func TestCircuitBreaker_errorRateTrips(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	}, clockwork.NewFakeClock())

	for range 6 {
		cb.RecordSuccess()
	}
	for range 5 {
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state at 5/11 errors = %v, want closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state at 6/12 errors = %v, want open", s)
	}
}

func TestCircuitBreaker_errorRateNeedsMinimumSamples(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.1,
		ErrorRateWindow:    time.Minute,
	}, clockwork.NewFakeClock())

	for range minErrorRateSamples - 1 {
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state below minimum samples = %v, want closed", s)
	}
	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state at minimum samples = %v, want open", s)
	}
}

func TestCircuitBreaker_errorRateWindowRolls(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	}, clock)

	for range 8 {
		cb.RecordFailure()
	}
	if rate, total := cb.ErrorRate(); total != 8 || rate != 1 {
		t.Errorf("ErrorRate() = (%v, %d), want (1, 8)", rate, total)
	}

	clock.Advance(2 * time.Minute)
	if _, total := cb.ErrorRate(); total != 0 {
		t.Errorf("total after window = %d, want 0", total)
	}
	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after window rolled", s)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
