package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/contentflow/model"
)

const scheduleColumns = `schedule_id, entity_id, schedule_type, cron_expression, workflow_type, task_queue,
	args, overlap_policy, catchup_window_ms, paused, note, next_run_time, last_run_time,
	recent_actions, created_at, updated_at, version`

// PgStore is a PostgreSQL-backed Store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL schedule store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, sched model.Schedule) (model.Schedule, bool, error) {
	actions, err := json.Marshal(orEmpty(sched.RecentActions))
	if err != nil {
		return model.Schedule{}, false, fmt.Errorf("marshal schedule actions: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (schedule_id) DO NOTHING`,
		sched.ScheduleID, sched.EntityID, sched.ScheduleType, sched.CronExpression, sched.WorkflowType,
		sched.TaskQueue, nullJSON(sched.Args), sched.OverlapPolicy, sched.CatchupWindow.Milliseconds(),
		sched.Paused, sched.Note, sched.NextRunTime, sched.LastRunTime, actions,
		sched.CreatedAt, sched.UpdatedAt, sched.Version,
	)
	if err != nil {
		return model.Schedule{}, false, fmt.Errorf("insert schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Get(ctx, sched.ScheduleID)
		return existing, false, err
	}
	return sched, true, nil
}

func (s *PgStore) Get(ctx context.Context, scheduleID string) (model.Schedule, error) {
	sched, err := scanSchedule(s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE schedule_id = $1`, scheduleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Schedule{}, model.NewScheduleNotFoundError(scheduleID)
	}
	if err != nil {
		return model.Schedule{}, fmt.Errorf("query schedule: %w", err)
	}
	return sched, nil
}

func (s *PgStore) List(ctx context.Context, entityID string) ([]model.Schedule, error) {
	if entityID == "" {
		return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY schedule_id`)
	}
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE entity_id = $1 ORDER BY schedule_id`, entityID)
}

func (s *PgStore) Due(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE NOT paused AND next_run_time <= $1 ORDER BY schedule_id`, now)
}

func (s *PgStore) Update(ctx context.Context, sched model.Schedule) (model.Schedule, error) {
	actions, err := json.Marshal(orEmpty(sched.RecentActions))
	if err != nil {
		return model.Schedule{}, fmt.Errorf("marshal schedule actions: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET
			cron_expression = $1,
			args = $2,
			overlap_policy = $3,
			catchup_window_ms = $4,
			paused = $5,
			note = $6,
			next_run_time = $7,
			last_run_time = $8,
			recent_actions = $9,
			updated_at = $10,
			version = version + 1
		WHERE schedule_id = $11 AND version = $12`,
		sched.CronExpression, nullJSON(sched.Args), sched.OverlapPolicy, sched.CatchupWindow.Milliseconds(),
		sched.Paused, sched.Note, sched.NextRunTime, sched.LastRunTime, actions, sched.UpdatedAt,
		sched.ScheduleID, sched.Version,
	)
	if err != nil {
		return model.Schedule{}, fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, sched.ScheduleID); err != nil {
			return model.Schedule{}, err
		}
		return model.Schedule{}, versionConflict(sched)
	}
	sched.Version++
	return sched, nil
}

func (s *PgStore) Delete(ctx context.Context, scheduleID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewScheduleNotFoundError(scheduleID)
	}
	return nil
}

func (s *PgStore) query(ctx context.Context, query string, args ...any) ([]model.Schedule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []model.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

func scanSchedule(row pgx.Row) (model.Schedule, error) {
	var (
		sched     model.Schedule
		args      []byte
		catchupMs int64
		actions   []byte
	)
	err := row.Scan(&sched.ScheduleID, &sched.EntityID, &sched.ScheduleType, &sched.CronExpression,
		&sched.WorkflowType, &sched.TaskQueue, &args, &sched.OverlapPolicy, &catchupMs, &sched.Paused,
		&sched.Note, &sched.NextRunTime, &sched.LastRunTime, &actions, &sched.CreatedAt,
		&sched.UpdatedAt, &sched.Version)
	if err != nil {
		return model.Schedule{}, err
	}
	if len(args) > 0 {
		sched.Args = json.RawMessage(args)
	}
	sched.CatchupWindow = time.Duration(catchupMs) * time.Millisecond
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &sched.RecentActions); err != nil {
			return model.Schedule{}, fmt.Errorf("decode schedule actions: %w", err)
		}
	}
	return sched, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func orEmpty(actions []model.ScheduleAction) []model.ScheduleAction {
	if actions == nil {
		return []model.ScheduleAction{}
	}
	return actions
}
