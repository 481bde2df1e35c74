package pipeline

import (
	"context"
	"slices"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/pitabwire/contentflow/model"
)

// QA check states.
const (
	checkStateChecking = "checking"
	checkStatePassed   = "passed"
	checkStateFailed   = "failed"
	checkStateFixing   = "fixing"
)

const (
	triggerPass    = "pass"
	triggerFail    = "fail"
	triggerFix     = "fix"
	triggerRecheck = "recheck"
)

// qaCheck tracks one check of a gate run. attempts counts completed
// checks; a failed check may move to fixing only while another check is
// still allowed after the fix and a fixer agent is configured.
type qaCheck struct {
	name        string
	checkTask   string
	fixTask     string
	fixer       string
	maxAttempts int

	attempts int
	fixes    int
	issues   []string
	fsm      *stateless.StateMachine
}

func newQACheck(name, checkTask, fixTask, fixer string, maxAttempts int) *qaCheck {
	c := &qaCheck{
		name:        name,
		checkTask:   checkTask,
		fixTask:     fixTask,
		fixer:       fixer,
		maxAttempts: maxAttempts,
	}

	fsm := stateless.NewStateMachine(checkStateChecking)
	fsm.Configure(checkStateChecking).
		Permit(triggerPass, checkStatePassed).
		Permit(triggerFail, checkStateFailed)
	fsm.Configure(checkStatePassed).
		OnEntry(func(_ context.Context, _ ...any) error {
			c.attempts++
			c.issues = nil
			return nil
		})
	fsm.Configure(checkStateFailed).
		OnEntry(func(_ context.Context, args ...any) error {
			c.attempts++
			if len(args) > 0 {
				c.issues, _ = args[0].([]string)
			}
			return nil
		}).
		Permit(triggerFix, checkStateFixing, func(_ context.Context, _ ...any) bool {
			return c.fixer != "" && c.attempts < c.maxAttempts
		})
	fsm.Configure(checkStateFixing).
		Permit(triggerRecheck, checkStateChecking)

	c.fsm = fsm
	return c
}

func (c *qaCheck) state() string {
	return c.fsm.MustState().(string)
}

// record applies the outcome of one check.
func (c *qaCheck) record(passed bool, issues []string) error {
	if passed {
		return c.fsm.Fire(triggerPass)
	}
	if len(issues) == 0 {
		issues = []string{"check reported failure without issues"}
	}
	return c.fsm.Fire(triggerFail, slices.Clone(issues))
}

// canFix reports whether the failed check may be handed to its fixer.
func (c *qaCheck) canFix() bool {
	ok, err := c.fsm.CanFire(triggerFix)
	return err == nil && ok
}

func (c *qaCheck) beginFix() error { return c.fsm.Fire(triggerFix) }

func (c *qaCheck) recheck() error { return c.fsm.Fire(triggerRecheck) }

func (c *qaCheck) passed() bool { return c.state() == checkStatePassed }

func (c *qaCheck) result() model.QACheckResult {
	return model.QACheckResult{
		Name:        c.name,
		Passed:      c.passed(),
		Issues:      slices.Clone(c.issues),
		FixAttempts: c.attempts,
		State:       c.state(),
	}
}

// qaStatus is the snapshot served by the qa-status query. Queries run on
// other goroutines than the workflow, so it only ever holds copies.
type qaStatus struct {
	mu     sync.Mutex
	checks []model.QACheckResult
}

func newQAStatus(names ...string) *qaStatus {
	s := &qaStatus{}
	for _, name := range names {
		s.checks = append(s.checks, model.QACheckResult{Name: name, State: "pending"})
	}
	return s
}

func (s *qaStatus) update(r model.QACheckResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.checks {
		if s.checks[i].Name == r.Name {
			s.checks[i] = r
			return
		}
	}
	s.checks = append(s.checks, r)
}

func (s *qaStatus) snapshot() []model.QACheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QACheckResult, len(s.checks))
	for i, r := range s.checks {
		r.Issues = slices.Clone(r.Issues)
		out[i] = r
	}
	return out
}
