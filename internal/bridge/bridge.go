// Package bridge turns review-system webhook events into workflow signals.
//
// Every handler fails closed: when the target workflow cannot be identified
// unambiguously, or is not running, no signal is sent and the Result says
// why. Handlers never panic and never return errors to the caller.
package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/escalation"
	"github.com/pitabwire/contentflow/internal/observability"
	"github.com/pitabwire/contentflow/internal/pipeline"
	"github.com/pitabwire/contentflow/internal/registry"
	"github.com/pitabwire/contentflow/model"
)

// Review states reported by the review system.
const (
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
	ReviewCommented        = "commented"
	ReviewDismissed        = "dismissed"
)

// Result actions.
const (
	ActionNone            = "none"
	ActionSignaled        = "approval_signaled"
	ActionAnswerRecorded  = "answer_recorded"
	ActionAlreadyDecided  = "already_decided"
	ActionLogged          = "logged"
	DefaultBranchPrefix   = "content/"
	escalationCommentKind = "issue_comment"
)

// SignalWorkflowTypes are the workflow types that wait for approval
// signals.
var SignalWorkflowTypes = []string{model.WorkflowEditorialReview}

var trustedAssociations = []string{"OWNER", "MEMBER", "COLLABORATOR"}

// Artifact is a review artifact (pull request).
type Artifact struct {
	Number     int    `json:"number"`
	Title      string `json:"title,omitempty"`
	HeadBranch string `json:"head_branch"`
	URL        string `json:"url,omitempty"`
}

// Review is a submitted review on an artifact.
type Review struct {
	State  string `json:"state"`
	Body   string `json:"body,omitempty"`
	Author string `json:"author"`
}

// IssueComment is a comment on an issue.
type IssueComment struct {
	IssueNumber       int      `json:"issue_number"`
	IssueTitle        string   `json:"issue_title"`
	Labels            []string `json:"labels,omitempty"`
	Body              string   `json:"body"`
	Author            string   `json:"author"`
	AuthorAssociation string   `json:"author_association"`
}

// Result reports what a handler did.
type Result struct {
	Handled bool   `json:"handled"`
	Action  string `json:"action,omitempty"`
	Error   string `json:"error,omitempty"`
}

func failed(format string, args ...any) Result {
	return Result{Handled: false, Error: fmt.Sprintf(format, args...)}
}

// Engine is the part of the workflow engine the bridge signals through.
type Engine interface {
	Describe(ctx context.Context, workflowID string) (model.WorkflowRun, error)
	Signal(ctx context.Context, workflowID, runID, name string, payload any) error
}

// Bridge routes review events to workflows.
type Bridge struct {
	registry     registry.Store
	engine       Engine
	escalations  escalation.Store
	deliveries   DeliveryStore
	deliveryTTL  time.Duration
	branchPrefix string
	clock        clockwork.Clock
	logger       *zap.Logger
	metrics      *observability.Metrics
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithBranchPrefix sets the head-branch prefix of content artifacts.
func WithBranchPrefix(prefix string) Option {
	return func(b *Bridge) {
		if prefix != "" {
			b.branchPrefix = prefix
		}
	}
}

// WithDeliveryStore enables delivery deduplication. Delivery records
// expire after ttl, or DefaultDeliveryTTL when ttl is zero.
func WithDeliveryStore(store DeliveryStore, ttl time.Duration) Option {
	return func(b *Bridge) {
		b.deliveries = store
		if ttl > 0 {
			b.deliveryTTL = ttl
		}
	}
}

// WithClock sets the clock used for answer timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Bridge) { b.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates a Bridge.
func New(reg registry.Store, engine Engine, escalations escalation.Store, opts ...Option) *Bridge {
	b := &Bridge{
		registry:     reg,
		engine:       engine,
		escalations:  escalations,
		deliveryTTL:  DefaultDeliveryTTL,
		branchPrefix: DefaultBranchPrefix,
		clock:        clockwork.NewRealClock(),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ContentIDFromBranch extracts the content id from "<prefix><id>" or
// "<prefix><id>/<suffix>".
func ContentIDFromBranch(prefix, branch string) (string, bool) {
	rest, ok := strings.CutPrefix(branch, prefix)
	if !ok {
		return "", false
	}
	id, _, _ := strings.Cut(rest, "/")
	return id, id != ""
}

// ParseDecision finds a /approve or /reject command on its own line.
func ParseDecision(body string) string {
	for line := range strings.Lines(body) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "/approve":
			return model.DecisionApprove
		case "/reject":
			return model.DecisionReject
		}
	}
	return model.DecisionNone
}

// HandleReviewSubmitted signals the workflow reviewing the artifact's
// content with the reviewer's decision.
func (b *Bridge) HandleReviewSubmitted(ctx context.Context, artifact Artifact, review Review) (res Result) {
	defer b.guard("pull_request_review", &res)

	contentID, ok := ContentIDFromBranch(b.branchPrefix, artifact.HeadBranch)
	if !ok {
		return failed("branch %q is not a content branch", artifact.HeadBranch)
	}

	state := strings.ToLower(review.State)
	switch state {
	case ReviewCommented, ReviewDismissed, ReviewApproved, ReviewChangesRequested:
	default:
		return failed("unsupported review state %q", review.State)
	}

	entries, err := b.registry.FindRunning(ctx, contentID, SignalWorkflowTypes...)
	if err != nil {
		return failed("registry lookup: %v", err)
	}
	switch len(entries) {
	case 0:
		return failed("no running workflow awaits review of content %q", contentID)
	case 1:
	default:
		return failed("%d running workflows claim content %q", len(entries), contentID)
	}

	if state == ReviewCommented || state == ReviewDismissed {
		return Result{Handled: true, Action: ActionNone}
	}
	signal := pipeline.ApprovalSignal{
		Approved:   state == ReviewApproved,
		Feedback:   review.Body,
		ReviewerID: review.Author,
	}

	if err := b.signal(ctx, entries[0].WorkflowID, signal); err != nil {
		return failed("%v", err)
	}
	b.logger.Info("review decision signaled",
		zap.String("content_id", contentID),
		zap.String("workflow_id", entries[0].WorkflowID),
		zap.Bool("approved", signal.Approved),
		zap.String("reviewer", review.Author),
	)
	return Result{Handled: true, Action: ActionSignaled}
}

// HandleIssueComment records a trusted answer on an escalation ticket and,
// when it carries the first decision, signals the waiting workflow.
func (b *Bridge) HandleIssueComment(ctx context.Context, c IssueComment) (res Result) {
	defer b.guard(escalationCommentKind, &res)

	if !slices.Contains(c.Labels, model.LabelEscalation) {
		return failed("issue #%d is not an escalation", c.IssueNumber)
	}
	if !slices.Contains(trustedAssociations, strings.ToUpper(c.AuthorAssociation)) {
		return failed("author association %q may not answer escalations", c.AuthorAssociation)
	}
	ticketID, ok := model.TicketIDFromTitle(c.IssueTitle)
	if !ok {
		return failed("issue title %q carries no ticket id", c.IssueTitle)
	}

	decision := ParseDecision(c.Body)
	esc, decided, err := b.escalations.Answer(ctx, ticketID, escalation.Answer{
		Text:       c.Body,
		AnsweredBy: c.Author,
		Decision:   decision,
		At:         b.clock.Now().UTC(),
	})
	if err != nil {
		return failed("record answer: %v", err)
	}

	if decision == model.DecisionNone {
		return Result{Handled: true, Action: ActionAnswerRecorded}
	}
	// Only the answer that recorded the decision signals.
	if !decided {
		return Result{Handled: true, Action: ActionAlreadyDecided}
	}

	err = b.signal(ctx, esc.WorkflowID, pipeline.ApprovalSignal{
		Approved:   decision == model.DecisionApprove,
		Feedback:   c.Body,
		ReviewerID: c.Author,
	})
	if err != nil {
		return failed("%v", err)
	}
	b.logger.Info("escalation decision signaled",
		zap.String("ticket_id", ticketID),
		zap.String("workflow_id", esc.WorkflowID),
		zap.String("decision", decision),
	)
	return Result{Handled: true, Action: ActionSignaled}
}

// HandleMerged logs a merged artifact.
func (b *Bridge) HandleMerged(_ context.Context, artifact Artifact) Result {
	b.logger.Info("review artifact merged", zap.Int("number", artifact.Number), zap.String("branch", artifact.HeadBranch))
	b.metrics.RecordWebhookEvent("pull_request", "merged", true)
	return Result{Handled: true, Action: ActionLogged}
}

// HandleClosed logs an artifact closed without merging.
func (b *Bridge) HandleClosed(_ context.Context, artifact Artifact) Result {
	b.logger.Info("review artifact closed", zap.Int("number", artifact.Number), zap.String("branch", artifact.HeadBranch))
	b.metrics.RecordWebhookEvent("pull_request", "closed", true)
	return Result{Handled: true, Action: ActionLogged}
}

// signal sends an approval signal after confirming the workflow's current
// run is still running.
func (b *Bridge) signal(ctx context.Context, workflowID string, payload pipeline.ApprovalSignal) error {
	if workflowID == "" {
		return fmt.Errorf("escalation is not linked to a workflow")
	}
	run, err := b.engine.Describe(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("describe workflow %s: %w", workflowID, err)
	}
	if run.Status != model.RunStatusRunning {
		return fmt.Errorf("workflow %s is %s", workflowID, run.Status)
	}
	if err := b.engine.Signal(ctx, workflowID, run.RunID, model.SignalApproval, payload); err != nil {
		return fmt.Errorf("signal workflow %s: %w", workflowID, err)
	}
	return nil
}

// guard converts a panic into a failed result and records the outcome.
func (b *Bridge) guard(event string, res *Result) {
	if r := recover(); r != nil {
		b.logger.Error("webhook handler panicked",
			zap.String("event", event),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
		*res = failed("internal error handling %s", event)
	}
	if !res.Handled {
		b.logger.Warn("webhook event not handled", zap.String("event", event), zap.String("reason", res.Error))
	}
	b.metrics.RecordWebhookEvent(event, res.Action, res.Handled)
}
