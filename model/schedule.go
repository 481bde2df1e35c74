package model

import (
	"encoding/json"
	"time"
)

// OverlapPolicy controls what happens when a schedule fires while the previous
// run it started is still running.
type OverlapPolicy string

// Overlap policies.
const (
	OverlapSkip           OverlapPolicy = "SKIP"
	OverlapAllowAll       OverlapPolicy = "ALLOW_ALL"
	OverlapTerminateOther OverlapPolicy = "TERMINATE_OTHER"
)

// Valid reports whether p is a known overlap policy.
func (p OverlapPolicy) Valid() bool {
	switch p {
	case OverlapSkip, OverlapAllowAll, OverlapTerminateOther:
		return true
	}
	return false
}

// DefaultCatchupWindow is how far back a missed fire time is still executed.
const DefaultCatchupWindow = time.Hour

// MaxRecentActions bounds Schedule.RecentActions.
const MaxRecentActions = 10

// Schedule binds a cron expression to a workflow start. ScheduleID is derived
// from (EntityID, ScheduleType) so creation is idempotent.
type Schedule struct {
	ScheduleID     string           `json:"schedule_id"`
	EntityID       string           `json:"entity_id"`
	ScheduleType   string           `json:"schedule_type"`
	CronExpression string           `json:"cron_expression"`
	WorkflowType   string           `json:"workflow_type"`
	TaskQueue      string           `json:"task_queue"`
	Args           json.RawMessage  `json:"args,omitempty"`
	OverlapPolicy  OverlapPolicy    `json:"overlap_policy"`
	CatchupWindow  time.Duration    `json:"catchup_window"`
	Paused         bool             `json:"paused"`
	Note           string           `json:"note,omitempty"`
	NextRunTime    time.Time        `json:"next_run_time"`
	LastRunTime    *time.Time       `json:"last_run_time,omitempty"`
	RecentActions  []ScheduleAction `json:"recent_actions,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Version        int              `json:"version"`
}

// ScheduleAction records one fire of a schedule.
type ScheduleAction struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	ActualAt    time.Time `json:"actual_at"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	Outcome     string    `json:"outcome"`
}

// Schedule action outcomes.
const (
	ActionStarted   = "started"
	ActionSkipped   = "skipped"
	ActionMissed    = "missed"
	ActionFailed    = "failed"
	ActionTriggered = "triggered"
)

// ScheduleIDFor returns the deterministic schedule ID.
func ScheduleIDFor(entityID, scheduleType string) string {
	return entityID + "-" + scheduleType
}

// RecordAction appends a to the bounded action history, dropping the oldest.
func (s *Schedule) RecordAction(a ScheduleAction) {
	s.RecentActions = append(s.RecentActions, a)
	if n := len(s.RecentActions); n > MaxRecentActions {
		s.RecentActions = append([]ScheduleAction(nil), s.RecentActions[n-MaxRecentActions:]...)
	}
}

// LastStarted returns the most recent action that started a run.
func (s *Schedule) LastStarted() (ScheduleAction, bool) {
	for i := len(s.RecentActions) - 1; i >= 0; i-- {
		a := s.RecentActions[i]
		if a.Outcome == ActionStarted || a.Outcome == ActionTriggered {
			return a, true
		}
	}
	return ScheduleAction{}, false
}
