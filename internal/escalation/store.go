// Package escalation persists questions that workflows raise to human
// decision makers and the answers they receive.
package escalation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/contentflow/model"
)

// Store persists escalations.
type Store interface {
	// Create assigns the next ESC-<n> ticket id and stores esc as open.
	Create(ctx context.Context, esc model.Escalation) (model.Escalation, error)

	// SetIssue records the review-system issue number of a ticket.
	SetIssue(ctx context.Context, ticketID string, number int) error

	// Get retrieves an escalation by ticket id. Returns NOT_FOUND.
	Get(ctx context.Context, ticketID string) (model.Escalation, error)

	// Answer records a human answer. Answering an answered ticket again
	// overwrites the answer and keeps the first decision that was not none.
	// decided reports whether this call recorded that decision; at most one
	// call per ticket ever does.
	Answer(ctx context.Context, ticketID string, ans Answer) (esc model.Escalation, decided bool, err error)

	// ListOpen returns open escalations for contentID, oldest first.
	ListOpen(ctx context.Context, contentID string) ([]model.Escalation, error)
}

// Answer is a human response to an escalation.
type Answer struct {
	Text       string
	AnsweredBy string
	Decision   string
	At         time.Time
}

// TicketID formats a ticket number.
func TicketID(n int64) string {
	return fmt.Sprintf("ESC-%d", n)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.Mutex
	next    int64
	tickets map[string]model.Escalation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]model.Escalation)}
}

func (s *MemoryStore) Create(_ context.Context, esc model.Escalation) (model.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	esc.TicketID = TicketID(s.next)
	esc.Status = model.EscalationOpen
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now().UTC()
	}
	s.tickets[esc.TicketID] = esc
	return esc, nil
}

func (s *MemoryStore) SetIssue(_ context.Context, ticketID string, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.tickets[ticketID]
	if !ok {
		return notFound(ticketID)
	}
	esc.IssueNumber = number
	s.tickets[ticketID] = esc
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ticketID string) (model.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.tickets[ticketID]
	if !ok {
		return model.Escalation{}, notFound(ticketID)
	}
	return esc, nil
}

func (s *MemoryStore) Answer(_ context.Context, ticketID string, ans Answer) (model.Escalation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.tickets[ticketID]
	if !ok {
		return model.Escalation{}, false, notFound(ticketID)
	}
	claimed := applyAnswer(&esc, ans)
	s.tickets[ticketID] = esc
	return esc, claimed, nil
}

func (s *MemoryStore) ListOpen(_ context.Context, contentID string) ([]model.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Escalation
	for _, esc := range s.tickets {
		if esc.ContentID == contentID && esc.Status == model.EscalationOpen {
			out = append(out, esc)
		}
	}
	slices.SortFunc(out, func(a, b model.Escalation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// applyAnswer reports whether ans set the ticket's decision.
func applyAnswer(esc *model.Escalation, ans Answer) bool {
	at := ans.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	esc.Status = model.EscalationAnswered
	esc.Answer = ans.Text
	esc.AnsweredBy = ans.AnsweredBy
	esc.AnsweredAt = &at
	if isDecision(esc.Decision) {
		return false
	}
	esc.Decision = ans.Decision
	return isDecision(ans.Decision)
}

func isDecision(decision string) bool {
	return decision == model.DecisionApprove || decision == model.DecisionReject
}

func notFound(ticketID string) error {
	return model.NewNotFoundError(fmt.Sprintf("escalation %q not found", ticketID))
}
