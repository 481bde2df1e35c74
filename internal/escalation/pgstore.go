package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/contentflow/model"
)

const escalationColumns = `ticket_id, content_id, workflow_id, issue_number, question, status,
	answer, answered_by, decision, created_at, answered_at`

// PgStore is a PostgreSQL-backed Store. Ticket numbers come from the
// escalation_ticket_seq sequence.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL escalation store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, esc model.Escalation) (model.Escalation, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('escalation_ticket_seq')`).Scan(&n); err != nil {
		return model.Escalation{}, fmt.Errorf("allocate ticket id: %w", err)
	}
	esc.TicketID = TicketID(n)
	esc.Status = model.EscalationOpen
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO escalations (ticket_id, content_id, workflow_id, issue_number, question, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		esc.TicketID, esc.ContentID, esc.WorkflowID, esc.IssueNumber, esc.Question, esc.Status, esc.CreatedAt,
	)
	if err != nil {
		return model.Escalation{}, fmt.Errorf("insert escalation: %w", err)
	}
	return esc, nil
}

func (s *PgStore) SetIssue(ctx context.Context, ticketID string, number int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE escalations SET issue_number = $1 WHERE ticket_id = $2`, number, ticketID)
	if err != nil {
		return fmt.Errorf("update escalation issue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(ticketID)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, ticketID string) (model.Escalation, error) {
	esc, err := scanEscalation(s.pool.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE ticket_id = $1`, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Escalation{}, notFound(ticketID)
	}
	if err != nil {
		return model.Escalation{}, fmt.Errorf("query escalation: %w", err)
	}
	return esc, nil
}

// Answer updates the ticket in a transaction holding a row lock so
// concurrent comments cannot both claim the decision.
func (s *PgStore) Answer(ctx context.Context, ticketID string, ans Answer) (model.Escalation, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Escalation{}, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	esc, err := scanEscalation(tx.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE ticket_id = $1 FOR UPDATE`, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Escalation{}, false, notFound(ticketID)
	}
	if err != nil {
		return model.Escalation{}, false, fmt.Errorf("lock escalation: %w", err)
	}

	claimed := applyAnswer(&esc, ans)
	_, err = tx.Exec(ctx, `
		UPDATE escalations SET status = $1, answer = $2, answered_by = $3, decision = $4, answered_at = $5
		WHERE ticket_id = $6`,
		esc.Status, esc.Answer, esc.AnsweredBy, esc.Decision, esc.AnsweredAt, ticketID,
	)
	if err != nil {
		return model.Escalation{}, false, fmt.Errorf("update escalation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Escalation{}, false, fmt.Errorf("commit: %w", err)
	}
	return esc, claimed, nil
}

func (s *PgStore) ListOpen(ctx context.Context, contentID string) ([]model.Escalation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+escalationColumns+` FROM escalations
		WHERE content_id = $1 AND status = $2 ORDER BY created_at`, contentID, model.EscalationOpen)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var out []model.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}

func scanEscalation(row pgx.Row) (model.Escalation, error) {
	var e model.Escalation
	err := row.Scan(&e.TicketID, &e.ContentID, &e.WorkflowID, &e.IssueNumber, &e.Question, &e.Status,
		&e.Answer, &e.AnsweredBy, &e.Decision, &e.CreatedAt, &e.AnsweredAt)
	return e, err
}
