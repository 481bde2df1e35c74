package model

import (
	"regexp"
	"time"
)

// EscalationStatus tracks whether a human has answered an escalation.
type EscalationStatus string

// Escalation statuses.
const (
	EscalationOpen     EscalationStatus = "open"
	EscalationAnswered EscalationStatus = "answered"
)

// Escalation decisions parsed from ticket comments.
const (
	DecisionNone    = "none"
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// LabelEscalation marks issues that are escalation tickets.
const LabelEscalation = "escalation"

// Escalation is a question raised by a workflow to a human decision maker.
type Escalation struct {
	TicketID    string           `json:"ticket_id"`
	ContentID   string           `json:"content_id"`
	WorkflowID  string           `json:"workflow_id"`
	IssueNumber int              `json:"issue_number"`
	Question    string           `json:"question"`
	Status      EscalationStatus `json:"status"`
	Answer      string           `json:"answer,omitempty"`
	AnsweredBy  string           `json:"answered_by,omitempty"`
	Decision    string           `json:"decision,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	AnsweredAt  *time.Time       `json:"answered_at,omitempty"`
}

var ticketPattern = regexp.MustCompile(`\[(ESC-\d+)\]`)

// TicketIDFromTitle extracts the escalation ticket id from an issue title of
// the form "[ESC-<n>] ...".
func TicketIDFromTitle(title string) (string, bool) {
	m := ticketPattern.FindStringSubmatch(title)
	if m == nil {
		return "", false
	}
	return m[1], true
}
