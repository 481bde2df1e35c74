// Package schedule starts maintenance workflows on cron schedules.
//
// Schedules are keyed by (entityId, scheduleType) and stored through a
// Store. A tick loop on an injectable clock fires due schedules, applying
// each schedule's overlap policy and catch-up window.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/internal/observability"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// maxFiresPerTick bounds how many missed fire times one tick walks through.
const maxFiresPerTick = 100

// Engine is the part of the workflow engine schedules drive.
type Engine interface {
	Start(ctx context.Context, workflowType string, input any, opts workflow.StartOptions) (model.RunRef, error)
	Describe(ctx context.Context, workflowID string) (model.WorkflowRun, error)
	Terminate(ctx context.Context, workflowID, reason string) error
}

// CreateRequest creates a schedule. Empty fields take the catalogue and
// scheduler defaults.
type CreateRequest struct {
	EntityID       string              `json:"entity_id"`
	ScheduleType   string              `json:"schedule_type"`
	CronExpression string              `json:"cron_expression,omitempty"`
	OverlapPolicy  model.OverlapPolicy `json:"overlap_policy,omitempty"`
	CatchupWindow  time.Duration       `json:"catchup_window,omitempty"`
	Args           json.RawMessage     `json:"args,omitempty"`
	Paused         bool                `json:"paused,omitempty"`
	Note           string              `json:"note,omitempty"`
}

// Scheduler manages schedules and fires them.
type Scheduler struct {
	store      Store
	engine     Engine
	catalogue  Catalogue
	cfg        config.SchedulerConfig
	parser     cron.Parser
	clock      clockwork.Clock
	logger     *zap.Logger
	metrics    *observability.Metrics
	thresholds map[string]int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving fire times.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithCatalogue replaces the default schedule type catalogue.
func WithCatalogue(c Catalogue) Option {
	return func(s *Scheduler) { s.catalogue = c }
}

// New creates a Scheduler.
func New(store Store, engine Engine, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		engine:     engine,
		catalogue:  DefaultCatalogue(),
		cfg:        cfg,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
		thresholds: cfg.StalenessThresholds,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create creates a schedule. Creating an existing (entityId, scheduleType)
// returns the stored schedule unchanged.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (model.Schedule, error) {
	if req.EntityID == "" {
		return model.Schedule{}, model.NewBadRequestError("entity_id is required")
	}
	entry, ok := s.catalogue[req.ScheduleType]
	if !ok {
		return model.Schedule{}, model.NewBadRequestError(fmt.Sprintf("unknown schedule type %q", req.ScheduleType))
	}
	expr := orDefault(req.CronExpression, entry.DefaultCron)
	sched, err := s.parse(expr)
	if err != nil {
		return model.Schedule{}, err
	}
	policy := orDefault(req.OverlapPolicy, model.OverlapSkip)
	if !policy.Valid() {
		return model.Schedule{}, model.NewBadRequestError(fmt.Sprintf("unknown overlap policy %q", policy))
	}
	args := req.Args
	if len(args) == 0 {
		if args, err = s.catalogue.args(req.ScheduleType, req.EntityID, s.thresholds); err != nil {
			return model.Schedule{}, fmt.Errorf("build schedule args: %w", err)
		}
	}

	now := s.clock.Now().UTC()
	stored, created, err := s.store.Create(ctx, model.Schedule{
		ScheduleID:     model.ScheduleIDFor(req.EntityID, req.ScheduleType),
		EntityID:       req.EntityID,
		ScheduleType:   req.ScheduleType,
		CronExpression: expr,
		WorkflowType:   entry.WorkflowType,
		TaskQueue:      entry.TaskQueue,
		Args:           args,
		OverlapPolicy:  policy,
		CatchupWindow:  orDefault(req.CatchupWindow, orDefault(s.cfg.CatchupWindow, model.DefaultCatchupWindow)),
		Paused:         req.Paused,
		Note:           req.Note,
		NextRunTime:    sched.Next(now),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return model.Schedule{}, err
	}
	if created {
		s.logger.Info("schedule created",
			zap.String("schedule_id", stored.ScheduleID),
			zap.String("cron", stored.CronExpression),
			zap.Time("next_run_time", stored.NextRunTime),
		)
	}
	return stored, nil
}

// Get returns a schedule.
func (s *Scheduler) Get(ctx context.Context, entityID, scheduleType string) (model.Schedule, error) {
	return s.store.Get(ctx, model.ScheduleIDFor(entityID, scheduleType))
}

// List returns the schedules of an entity, or all schedules when entityID
// is empty.
func (s *Scheduler) List(ctx context.Context, entityID string) ([]model.Schedule, error) {
	return s.store.List(ctx, entityID)
}

// Delete removes a schedule. Runs it started are not affected.
func (s *Scheduler) Delete(ctx context.Context, entityID, scheduleType string) error {
	return s.store.Delete(ctx, model.ScheduleIDFor(entityID, scheduleType))
}

// Pause stops a schedule from firing.
func (s *Scheduler) Pause(ctx context.Context, entityID, scheduleType, note string) (model.Schedule, error) {
	return s.mutate(ctx, model.ScheduleIDFor(entityID, scheduleType), func(sched *model.Schedule) error {
		sched.Paused = true
		sched.Note = note
		return nil
	})
}

// Resume re-enables a schedule. Fire times missed while paused are not
// caught up.
func (s *Scheduler) Resume(ctx context.Context, entityID, scheduleType, note string) (model.Schedule, error) {
	return s.mutate(ctx, model.ScheduleIDFor(entityID, scheduleType), func(sched *model.Schedule) error {
		cs, err := s.parse(sched.CronExpression)
		if err != nil {
			return err
		}
		sched.Paused = false
		sched.Note = note
		sched.NextRunTime = cs.Next(s.clock.Now().UTC())
		return nil
	})
}

// UpdateCron replaces a schedule's cron expression and recomputes its next
// run time.
func (s *Scheduler) UpdateCron(ctx context.Context, entityID, scheduleType, expr string) (model.Schedule, error) {
	cs, err := s.parse(expr)
	if err != nil {
		return model.Schedule{}, err
	}
	return s.mutate(ctx, model.ScheduleIDFor(entityID, scheduleType), func(sched *model.Schedule) error {
		sched.CronExpression = expr
		sched.NextRunTime = cs.Next(s.clock.Now().UTC())
		return nil
	})
}

// Trigger fires a schedule immediately, paused or not, subject to its
// overlap policy. The regular cadence is unchanged.
func (s *Scheduler) Trigger(ctx context.Context, entityID, scheduleType string) (model.ScheduleAction, error) {
	var action model.ScheduleAction
	_, err := s.mutate(ctx, model.ScheduleIDFor(entityID, scheduleType), func(sched *model.Schedule) error {
		now := s.clock.Now().UTC()
		action = s.fire(ctx, sched, now, now, model.ActionTriggered)
		return nil
	})
	return action, err
}

// Tick fires every due schedule and returns the number of actions
// recorded.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	due, err := s.store.Due(ctx, now)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, sched := range due {
		n, err := s.process(ctx, sched, now)
		if model.IsCode(err, model.ErrConflict) {
			// Another scheduler instance advanced it.
			continue
		}
		if err != nil {
			s.logger.Error("schedule tick failed", zap.String("schedule_id", sched.ScheduleID), zap.Error(err))
			continue
		}
		total += n
	}
	return total, nil
}

// Run ticks every cfg.TickInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("tick_interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// process walks the fire times of sched up to now. Fire times older than
// the catch-up window are recorded as missed.
func (s *Scheduler) process(ctx context.Context, sched model.Schedule, now time.Time) (int, error) {
	cs, err := s.parse(sched.CronExpression)
	if err != nil {
		return 0, err
	}
	window := orDefault(sched.CatchupWindow, model.DefaultCatchupWindow)

	fired := 0
	at := sched.NextRunTime.UTC()
	for i := 0; i < maxFiresPerTick && !at.After(now); i++ {
		if now.Sub(at) > window {
			sched.RecordAction(model.ScheduleAction{ScheduledAt: at, ActualAt: now, Outcome: model.ActionMissed})
			s.metrics.RecordScheduleAction(sched.ScheduleType, model.ActionMissed)
		} else {
			s.fire(ctx, &sched, at, now, model.ActionStarted)
		}
		fired++
		at = cs.Next(at)
	}
	if !at.After(now) {
		at = cs.Next(now)
	}
	sched.NextRunTime = at
	sched.UpdatedAt = now
	if _, err := s.store.Update(ctx, sched); err != nil {
		return 0, err
	}
	return fired, nil
}

// fire applies the overlap policy and starts a run. The outcome is
// recorded on sched.
func (s *Scheduler) fire(ctx context.Context, sched *model.Schedule, scheduledAt, now time.Time, outcome string) model.ScheduleAction {
	ctx, span := observability.StartSpan(ctx, "schedule.fire",
		observability.AttrScheduleID.String(sched.ScheduleID),
		observability.AttrWorkflowType.String(sched.WorkflowType),
	)
	defer span.End()

	action := model.ScheduleAction{ScheduledAt: scheduledAt, ActualAt: now}
	log := s.logger.With(zap.String("schedule_id", sched.ScheduleID), zap.Time("scheduled_at", scheduledAt))

	if prev, ok := sched.LastStarted(); ok && sched.OverlapPolicy != model.OverlapAllowAll {
		run, err := s.engine.Describe(ctx, prev.WorkflowID)
		if err == nil && run.Status == model.RunStatusRunning {
			switch sched.OverlapPolicy {
			case model.OverlapTerminateOther:
				if err := s.engine.Terminate(ctx, prev.WorkflowID, "superseded by schedule "+sched.ScheduleID); err != nil {
					log.Warn("terminate overlapping run", zap.String("workflow_id", prev.WorkflowID), zap.Error(err))
				}
			default:
				action.Outcome = model.ActionSkipped
				action.WorkflowID = prev.WorkflowID
				return s.record(sched, action)
			}
		}
	}

	action.WorkflowID = fmt.Sprintf("%s-%d", sched.ScheduleID, scheduledAt.Unix())
	ref, err := s.engine.Start(ctx, sched.WorkflowType, sched.Args, workflow.StartOptions{
		WorkflowID:    action.WorkflowID,
		TaskQueue:     sched.TaskQueue,
		IDReusePolicy: workflow.IDReuseReject,
	})
	if err != nil {
		log.Warn("scheduled start failed", zap.Error(err))
		action.Outcome = model.ActionFailed
		return s.record(sched, action)
	}
	action.RunID = ref.RunID
	action.Outcome = outcome
	last := now
	sched.LastRunTime = &last
	log.Info("scheduled workflow started", zap.String("workflow_id", ref.WorkflowID), zap.String("run_id", ref.RunID))
	return s.record(sched, action)
}

func (s *Scheduler) record(sched *model.Schedule, action model.ScheduleAction) model.ScheduleAction {
	sched.RecordAction(action)
	s.metrics.RecordScheduleAction(sched.ScheduleType, action.Outcome)
	return action
}

func (s *Scheduler) mutate(ctx context.Context, scheduleID string, fn func(*model.Schedule) error) (model.Schedule, error) {
	sched, err := s.store.Get(ctx, scheduleID)
	if err != nil {
		return model.Schedule{}, err
	}
	if err := fn(&sched); err != nil {
		return model.Schedule{}, err
	}
	sched.UpdatedAt = s.clock.Now().UTC()
	return s.store.Update(ctx, sched)
}

func (s *Scheduler) parse(expr string) (cron.Schedule, error) {
	cs, err := s.parser.Parse(expr)
	if err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}
	return cs, nil
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
