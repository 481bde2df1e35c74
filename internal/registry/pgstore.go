package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/contentflow/model"
)

const entryColumns = `workflow_id, run_id, content_id, workflow_type, status, attempt, created_at, updated_at, version`

// PgStore is a PostgreSQL-backed Store. The single-running invariant is
// enforced by a partial unique index on (content_id, workflow_type).
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL registry store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Register inserts a running entry.
func (s *PgStore) Register(ctx context.Context, entry model.RegistryEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_registry (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.WorkflowID, entry.RunID, entry.ContentID, entry.WorkflowType, model.RegistryRunning,
		entry.Attempt, entry.CreatedAt, entry.UpdatedAt, entry.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf(
			"content %q already has a running %s workflow", entry.ContentID, entry.WorkflowType))
	}
	if err != nil {
		return fmt.Errorf("insert registry entry: %w", err)
	}
	return nil
}

// Get retrieves an entry by workflow id.
func (s *PgStore) Get(ctx context.Context, workflowID string) (model.RegistryEntry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM workflow_registry WHERE workflow_id = $1`, workflowID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RegistryEntry{}, model.NewNotFoundError(fmt.Sprintf("registry entry %q not found", workflowID))
	}
	if err != nil {
		return model.RegistryEntry{}, fmt.Errorf("query registry entry: %w", err)
	}
	return entry, nil
}

// FindRunning returns running entries for contentID.
func (s *PgStore) FindRunning(ctx context.Context, contentID string, types ...string) ([]model.RegistryEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM workflow_registry WHERE content_id = $1 AND status = $2`
	args := []any{contentID, model.RegistryRunning}
	if len(types) > 0 {
		query += ` AND workflow_type = ANY($3)`
		args = append(args, types)
	}
	return s.query(ctx, query+` ORDER BY created_at DESC`, args...)
}

// ListByContent returns every entry for contentID.
func (s *PgStore) ListByContent(ctx context.Context, contentID string) ([]model.RegistryEntry, error) {
	return s.query(ctx, `SELECT `+entryColumns+` FROM workflow_registry
		WHERE content_id = $1 ORDER BY created_at DESC`, contentID)
}

// ListRunning returns all running entries.
func (s *PgStore) ListRunning(ctx context.Context) ([]model.RegistryEntry, error) {
	return s.query(ctx, `SELECT `+entryColumns+` FROM workflow_registry
		WHERE status = $1 ORDER BY created_at DESC`, model.RegistryRunning)
}

// Update persists entry with optimistic locking.
func (s *PgStore) Update(ctx context.Context, entry model.RegistryEntry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_registry SET
			run_id = $1,
			status = $2,
			updated_at = $3,
			version = $4
		WHERE workflow_id = $5 AND version = $6`,
		entry.RunID, entry.Status, entry.UpdatedAt, entry.Version+1, entry.WorkflowID, entry.Version,
	)
	if err != nil {
		return fmt.Errorf("update registry entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, entry.WorkflowID); err != nil {
			return err
		}
		return model.NewConflictError(
			fmt.Sprintf("registry entry %q version conflict (expected %d)", entry.WorkflowID, entry.Version),
		)
	}
	return nil
}

// CountAttempts returns the number of entries for (contentID, workflowType).
func (s *PgStore) CountAttempts(ctx context.Context, contentID, workflowType string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM workflow_registry WHERE content_id = $1 AND workflow_type = $2`,
		contentID, workflowType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count registry entries: %w", err)
	}
	return n, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) query(ctx context.Context, query string, args ...any) ([]model.RegistryEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query registry: %w", err)
	}
	defer rows.Close()

	var out []model.RegistryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registry entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registry: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (model.RegistryEntry, error) {
	var e model.RegistryEntry
	err := row.Scan(&e.WorkflowID, &e.RunID, &e.ContentID, &e.WorkflowType, &e.Status,
		&e.Attempt, &e.CreatedAt, &e.UpdatedAt, &e.Version)
	return e, err
}
