package workflow

import (
	"errors"
	"fmt"

	"github.com/pitabwire/contentflow/model"
)

var (
	errTerminated        = errors.New("workflow terminated")
	errExecutionTimedOut = errors.New("workflow execution timed out")
	errEngineStopped     = errors.New("engine stopped")
)

// ActivityError is returned by ExecuteActivity once every attempt failed or
// the failure was marked non-retryable. It reads the same live and on replay.
type ActivityError struct {
	Name     string
	Attempts int
	Cause    error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempt(s): %v", e.Name, e.Attempts, e.Cause)
}

func (e *ActivityError) Unwrap() error { return e.Cause }

// ChildWorkflowError is returned by ExecuteChildWorkflow when the child run
// did not complete successfully.
type ChildWorkflowError struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	Status       model.RunStatus
	Cause        error
}

func (e *ChildWorkflowError) Error() string {
	return fmt.Sprintf("child workflow %s (%s) %s: %v", e.WorkflowID, e.WorkflowType, e.Status, e.Cause)
}

func (e *ChildWorkflowError) Unwrap() error { return e.Cause }

// ContinueAsNewError closes the current run and starts a fresh run of the
// same workflow id with Input. Return it from a workflow function.
type ContinueAsNewError struct {
	Input []byte
}

func (e *ContinueAsNewError) Error() string { return "continue as new" }

// nonRetryableError marks an activity failure as final.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so the activity is not attempted again.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// nonDeterministicError reports a replay that diverged from recorded history.
func nonDeterministicError(seq int64, want string, got model.HistoryEvent) error {
	return &model.ErrorEnvelope{
		Code: model.ErrNonDeterministic,
		Message: fmt.Sprintf("command %d: workflow issued %s but history recorded %s %q",
			seq, want, got.Type, got.Name),
	}
}
