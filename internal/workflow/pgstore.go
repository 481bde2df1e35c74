package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/contentflow/model"
)

const runColumns = `run_id, workflow_id, workflow_type, task_queue, status,
	input, result, error, parent_workflow_id, parent_run_id,
	continued_from_run_id, continued_as_run_id, execution_timeout_ms,
	started_at, closed_at, version`

// PgHistoryStore is a PostgreSQL-backed HistoryStore using pgx/v5.
type PgHistoryStore struct {
	pool *pgxpool.Pool
}

// NewPgHistoryStore creates a new PostgreSQL history store.
func NewPgHistoryStore(pool *pgxpool.Pool) *PgHistoryStore {
	return &PgHistoryStore{pool: pool}
}

// CreateRun inserts a run and its initial events in one transaction.
func (s *PgHistoryStore) CreateRun(ctx context.Context, run model.WorkflowRun, policy IDReusePolicy, events []model.HistoryEvent) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		latest, err := scanRun(tx.QueryRow(ctx, `
			SELECT `+runColumns+`
			FROM workflow_runs
			WHERE workflow_id = $1
			ORDER BY started_at DESC, run_id DESC
			LIMIT 1
			FOR UPDATE`, run.WorkflowID))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("query latest run: %w", err)
		case !reuseAllowed(policy, latest):
			return model.NewWorkflowAlreadyRunningError(run.WorkflowID)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_runs (`+runColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			run.RunID, run.WorkflowID, run.WorkflowType, run.TaskQueue, run.Status,
			nullJSON(run.Input), nullJSON(run.Result), run.Error, run.ParentWorkflowID, run.ParentRunID,
			run.ContinuedFromRunID, run.ContinuedAsRunID, run.ExecutionTimeout.Milliseconds(),
			run.StartedAt, run.ClosedAt, run.Version,
		)
		if isUniqueViolation(err) {
			return model.NewWorkflowAlreadyRunningError(run.WorkflowID)
		}
		if err != nil {
			return fmt.Errorf("insert workflow run: %w", err)
		}

		_, err = insertEvents(ctx, tx, run.RunID, events)
		return err
	})
}

// GetRun retrieves a run by id.
func (s *PgHistoryStore) GetRun(ctx context.Context, runID string) (model.WorkflowRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowRun{}, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("query workflow run: %w", err)
	}
	return run, nil
}

// CurrentRun returns the latest run of a workflow id.
func (s *PgHistoryStore) CurrentRun(ctx context.Context, workflowID string) (model.WorkflowRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE workflow_id = $1
		ORDER BY started_at DESC, run_id DESC
		LIMIT 1`, workflowID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowRun{}, model.NewWorkflowNotFoundError(workflowID)
	}
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("query current run: %w", err)
	}
	return run, nil
}

// UpdateRun persists run metadata with optimistic locking and appends events.
func (s *PgHistoryStore) UpdateRun(ctx context.Context, run model.WorkflowRun, events ...model.HistoryEvent) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if len(events) > 0 {
			if err := lockRunning(ctx, tx, run.RunID); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE workflow_runs SET
				status = $1,
				result = $2,
				error = $3,
				continued_as_run_id = $4,
				closed_at = $5,
				version = $6
			WHERE run_id = $7 AND version = $8`,
			run.Status, nullJSON(run.Result), run.Error, run.ContinuedAsRunID, run.ClosedAt,
			run.Version+1, run.RunID, run.Version,
		)
		if err != nil {
			return fmt.Errorf("update workflow run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("run %q version conflict (expected %d)", run.RunID, run.Version),
			)
		}

		_, err = insertEvents(ctx, tx, run.RunID, events)
		return err
	})
}

// AppendEvents appends events to a running run.
func (s *PgHistoryStore) AppendEvents(ctx context.Context, runID string, events ...model.HistoryEvent) ([]model.HistoryEvent, error) {
	var out []model.HistoryEvent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockRunning(ctx, tx, runID); err != nil {
			return err
		}
		var err error
		out, err = insertEvents(ctx, tx, runID, events)
		return err
	})
	return out, err
}

// Events returns a run's history ordered by event id.
func (s *PgHistoryStore) Events(ctx context.Context, runID string) ([]model.HistoryEvent, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_id, run_id, event_type, seq, name, payload, error, attempt,
		       ref_event_id, child_workflow_id, child_run_id, fire_at, created_at
		FROM workflow_history
		WHERE run_id = $1
		ORDER BY event_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query workflow history: %w", err)
	}
	defer rows.Close()

	var events []model.HistoryEvent
	for rows.Next() {
		var evt model.HistoryEvent
		var payload []byte
		if err := rows.Scan(
			&evt.EventID, &evt.RunID, &evt.Type, &evt.Seq, &evt.Name, &payload, &evt.Error, &evt.Attempt,
			&evt.RefEventID, &evt.ChildWorkflowID, &evt.ChildRunID, &evt.FireAt, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		evt.Payload = payload
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ListRuns returns runs matching the filters, newest first.
func (s *PgHistoryStore) ListRuns(ctx context.Context, filters RunFilters) ([]model.WorkflowRun, error) {
	var where []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filters.WorkflowID != "" {
		add("workflow_id", filters.WorkflowID)
	}
	if filters.WorkflowType != "" {
		add("workflow_type", filters.WorkflowType)
	}
	if filters.Status != "" {
		add("status", filters.Status)
	}
	if filters.ParentWorkflowID != "" {
		add("parent_workflow_id", filters.ParentWorkflowID)
	}

	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, run_id DESC"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []model.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// HealthCheck pings the database.
func (s *PgHistoryStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// lockRunning takes a row lock on the run and rejects closed runs.
func lockRunning(ctx context.Context, tx pgx.Tx, runID string) error {
	var workflowID string
	var status model.RunStatus
	err := tx.QueryRow(ctx, `SELECT workflow_id, status FROM workflow_runs WHERE run_id = $1 FOR UPDATE`, runID).
		Scan(&workflowID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	if err != nil {
		return fmt.Errorf("lock workflow run: %w", err)
	}
	if status.Closed() {
		return model.NewWorkflowNotRunningError(workflowID, status)
	}
	return nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, runID string, events []model.HistoryEvent) ([]model.HistoryEvent, error) {
	out := make([]model.HistoryEvent, len(events))
	for i, evt := range events {
		evt.RunID = runID
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now().UTC()
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO workflow_history (
				run_id, event_type, seq, name, payload, error, attempt,
				ref_event_id, child_workflow_id, child_run_id, fire_at, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING event_id`,
			runID, evt.Type, evt.Seq, evt.Name, nullJSON(evt.Payload), evt.Error, evt.Attempt,
			evt.RefEventID, evt.ChildWorkflowID, evt.ChildRunID, evt.FireAt, evt.Timestamp,
		).Scan(&evt.EventID)
		if err != nil {
			return nil, fmt.Errorf("insert history event: %w", err)
		}
		out[i] = evt
	}
	return out, nil
}

func scanRun(row pgx.Row) (model.WorkflowRun, error) {
	var run model.WorkflowRun
	var input, result []byte
	var timeoutMs int64
	err := row.Scan(
		&run.RunID, &run.WorkflowID, &run.WorkflowType, &run.TaskQueue, &run.Status,
		&input, &result, &run.Error, &run.ParentWorkflowID, &run.ParentRunID,
		&run.ContinuedFromRunID, &run.ContinuedAsRunID, &timeoutMs,
		&run.StartedAt, &run.ClosedAt, &run.Version,
	)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	run.Input = input
	run.Result = result
	run.ExecutionTimeout = time.Duration(timeoutMs) * time.Millisecond
	return run, nil
}

// nullJSON maps an empty payload to SQL NULL so JSONB columns never receive
// an empty string.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
