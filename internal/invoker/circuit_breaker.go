package invoker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pitabwire/contentflow/internal/config"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen allows probe requests through.
	BreakerHalfOpen
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// CircuitBreaker trips from Closed to Open on consecutive failures or on the
// error rate within a tumbling window, probes in HalfOpen after a cool-down,
// and closes again after enough probe successes. Safe for concurrent use.
type CircuitBreaker struct {
	clock clockwork.Clock

	failureThreshold   int
	successThreshold   int
	coolDown           time.Duration
	errorRateThreshold float64
	errorRateWindow    time.Duration

	mu             sync.Mutex
	state          BreakerState
	failures       int
	successes      int
	openedAt       time.Time
	windowStart    time.Time
	windowTotal    int
	windowFailures int

	onChange func(BreakerState)
}

// NewCircuitBreaker creates a breaker from per-service configuration. Zero
// values fall back to 5 failures, 2 successes and a 30s cool-down; the error
// rate check is disabled unless both rate and window are set.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, clock clockwork.Clock) *CircuitBreaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cb := &CircuitBreaker{
		clock:              clock,
		failureThreshold:   cfg.FailureThreshold,
		successThreshold:   cfg.SuccessThreshold,
		coolDown:           cfg.Timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		errorRateWindow:    cfg.ErrorRateWindow,
		state:              BreakerClosed,
		windowStart:        clock.Now(),
	}
	if cb.failureThreshold < 1 {
		cb.failureThreshold = 5
	}
	if cb.successThreshold < 1 {
		cb.successThreshold = 2
	}
	if cb.coolDown <= 0 {
		cb.coolDown = 30 * time.Second
	}
	return cb
}

// OnStateChange registers fn to be called (with the lock held released) on
// every state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(BreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != BreakerOpen
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var changed bool
	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.countLocked(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			changed = cb.setLocked(BreakerClosed)
		}
	}
	cb.unlockNotify(changed)
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var changed bool
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.countLocked(true)
		if cb.failures >= cb.failureThreshold || cb.errorRateExceededLocked() {
			changed = cb.setLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		changed = cb.setLocked(BreakerOpen)
	}
	cb.unlockNotify(changed)
}

// State returns the current state, moving Open to HalfOpen once the cool-down
// has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	var changed bool
	if cb.state == BreakerOpen && cb.clock.Since(cb.openedAt) >= cb.coolDown {
		changed = cb.setLocked(BreakerHalfOpen)
	}
	state := cb.state
	cb.unlockNotify(changed)
	return state
}

// ErrorRate returns the error rate and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollWindowLocked()
	if cb.windowTotal == 0 {
		return 0, 0
	}
	return float64(cb.windowFailures) / float64(cb.windowTotal), cb.windowTotal
}

func (cb *CircuitBreaker) setLocked(s BreakerState) bool {
	if cb.state == s {
		return false
	}
	cb.state = s
	cb.failures = 0
	cb.successes = 0
	switch s {
	case BreakerOpen:
		cb.openedAt = cb.clock.Now()
		cb.resetWindowLocked()
	case BreakerClosed:
		cb.resetWindowLocked()
	}
	return true
}

func (cb *CircuitBreaker) unlockNotify(changed bool) {
	state, fn := cb.state, cb.onChange
	cb.mu.Unlock()
	if changed && fn != nil {
		fn(state)
	}
}

func (cb *CircuitBreaker) countLocked(failure bool) {
	if cb.errorRateWindow <= 0 {
		return
	}
	cb.rollWindowLocked()
	cb.windowTotal++
	if failure {
		cb.windowFailures++
	}
}

func (cb *CircuitBreaker) rollWindowLocked() {
	if cb.errorRateWindow > 0 && cb.clock.Since(cb.windowStart) > cb.errorRateWindow {
		cb.resetWindowLocked()
	}
}

func (cb *CircuitBreaker) resetWindowLocked() {
	cb.windowStart = cb.clock.Now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) errorRateExceededLocked() bool {
	if cb.errorRateThreshold <= 0 || cb.errorRateWindow <= 0 || cb.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowTotal) >= cb.errorRateThreshold
}
