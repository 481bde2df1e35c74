package workflow

import (
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/model"
)

// RetryPolicy controls how a failed activity attempt is retried.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	// MaximumAttempts counts the first attempt; 1 disables retries.
	MaximumAttempts int
	// NonRetryableErrorTypes lists model.ErrorEnvelope codes that end the
	// retry loop immediately.
	NonRetryableErrorTypes []string
}

// ActivityOptions configure a single ExecuteActivity call. Zero fields fall
// back to the engine defaults.
type ActivityOptions struct {
	StartToCloseTimeout time.Duration
	TaskQueue           string
	RetryPolicy         *RetryPolicy
}

// DefaultActivityOptions converts the engine configuration into options.
func DefaultActivityOptions(cfg config.ActivityConfig) ActivityOptions {
	return ActivityOptions{
		StartToCloseTimeout: cfg.StartToCloseTimeout,
		RetryPolicy: &RetryPolicy{
			InitialInterval:    cfg.InitialInterval,
			BackoffCoefficient: cfg.BackoffCoefficient,
			MaximumInterval:    cfg.MaximumInterval,
			MaximumAttempts:    cfg.MaximumAttempts,
		},
	}
}

// merge fills unset fields of o from defaults.
func (o ActivityOptions) merge(defaults ActivityOptions) ActivityOptions {
	if o.StartToCloseTimeout <= 0 {
		o.StartToCloseTimeout = defaults.StartToCloseTimeout
	}
	if o.TaskQueue == "" {
		o.TaskQueue = defaults.TaskQueue
	}
	if o.RetryPolicy == nil {
		o.RetryPolicy = defaults.RetryPolicy
	}
	if o.RetryPolicy == nil {
		o.RetryPolicy = &RetryPolicy{MaximumAttempts: 1}
	}
	return o
}

// backoff returns an exponential go-retry backoff honouring the policy's
// interval cap and attempt limit.
func (p RetryPolicy) backoff() retry.Backoff {
	coefficient := p.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}
	next := p.InitialInterval
	if next <= 0 {
		next = time.Second
	}

	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		d := next
		next = time.Duration(float64(next) * coefficient)
		return d, false
	})
	if p.MaximumInterval > 0 {
		b = retry.WithCappedDuration(p.MaximumInterval, b)
	}
	if p.MaximumAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaximumAttempts-1), b)
	}
	return b
}

// retryable reports whether err may be retried under the policy.
func (p RetryPolicy) retryable(err error) bool {
	if IsNonRetryable(err) {
		return false
	}
	code := model.ErrorCode(err)
	if code == "" {
		return true
	}
	for _, t := range p.NonRetryableErrorTypes {
		if t == code {
			return false
		}
	}
	return true
}
