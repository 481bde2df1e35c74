package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pitabwire/contentflow/internal/observability"
)

// runActivity executes one activity with retries under the task queue's
// concurrency limit. It returns the encoded result and the number of
// attempts made.
func (e *Engine) runActivity(ctx context.Context, info Info, name string, input json.RawMessage, opts ActivityOptions) (json.RawMessage, int, error) {
	opts = opts.merge(e.defaults)
	if opts.TaskQueue == "" {
		opts.TaskQueue = info.TaskQueue
	}

	fn, ok := e.registry.activity(name)
	if !ok {
		return nil, 0, fmt.Errorf("activity %q is not registered", name)
	}

	sem := e.queue(opts.TaskQueue)
	policy := *opts.RetryPolicy
	logger := e.logger.With(append(observability.RunFields(info.WorkflowID, info.RunID, info.WorkflowType),
		zap.String("activity", name))...)

	var result json.RawMessage
	attempts := 0
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		e.metrics.AddTaskQueueInFlight(opts.TaskQueue, 1)
		attempts++

		var actx context.Context
		var cancel context.CancelFunc
		if opts.StartToCloseTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, opts.StartToCloseTimeout)
		} else {
			actx, cancel = context.WithCancel(ctx)
		}
		actx = withActivityInfo(actx, ActivityInfo{
			WorkflowID: info.WorkflowID,
			RunID:      info.RunID,
			Activity:   name,
			Attempt:    attempts,
		})
		actx, span := observability.StartSpan(actx, "activity."+name,
			observability.AttrWorkflowID.String(info.WorkflowID),
			observability.AttrRunID.String(info.RunID),
			observability.AttrActivity.String(name),
			observability.AttrAttempt.Int(attempts),
			observability.AttrTaskQueue.String(opts.TaskQueue),
		)

		start := time.Now()
		out, err := invokeActivity(actx, fn, input)
		if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("start-to-close timeout %s exceeded: %w", opts.StartToCloseTimeout, err)
		}
		observability.EndSpanWithError(span, err)
		cancel()
		sem.Release(1)
		e.metrics.AddTaskQueueInFlight(opts.TaskQueue, -1)

		switch {
		case err == nil:
			e.metrics.RecordActivityAttempt(name, "success", time.Since(start))
			result = out
			return nil
		case ctx.Err() != nil:
			e.metrics.RecordActivityAttempt(name, "cancelled", time.Since(start))
			return err
		case !policy.retryable(err):
			e.metrics.RecordActivityAttempt(name, "non_retryable", time.Since(start))
			logger.Warn("activity failed permanently", zap.Int("attempt", attempts), zap.Error(err))
			return err
		default:
			e.metrics.RecordActivityAttempt(name, "retryable_error", time.Since(start))
			logger.Debug("activity attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			return retry.RetryableError(err)
		}
	})
	return result, attempts, err
}

func invokeActivity(ctx context.Context, fn activityFunc, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NonRetryable(fmt.Errorf("activity panic: %v", r))
		}
	}()
	return fn(ctx, input)
}

func (e *Engine) queue(name string) *semaphore.Weighted {
	if sem, ok := e.queues[name]; ok {
		return sem
	}
	return e.queues[e.defaultQueue]
}

// ActivityInfo identifies the activity attempt executing in a context.
type ActivityInfo struct {
	WorkflowID string
	RunID      string
	Activity   string
	Attempt    int
}

type activityInfoKey struct{}

func withActivityInfo(ctx context.Context, info ActivityInfo) context.Context {
	return context.WithValue(ctx, activityInfoKey{}, info)
}

// ActivityInfoFrom returns the activity attempt executing in ctx.
func ActivityInfoFrom(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}
