package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/bridge"
	"github.com/pitabwire/contentflow/internal/observability"
	"github.com/pitabwire/contentflow/model"
)

// ReviewBridge receives parsed review-system events.
type ReviewBridge interface {
	HandleReviewSubmitted(ctx context.Context, artifact bridge.Artifact, review bridge.Review) bridge.Result
	HandleIssueComment(ctx context.Context, c bridge.IssueComment) bridge.Result
	HandleMerged(ctx context.Context, artifact bridge.Artifact) bridge.Result
	HandleClosed(ctx context.Context, artifact bridge.Artifact) bridge.Result
	Deliver(ctx context.Context, deliveryID string, body []byte, handle func(context.Context) bridge.Result) bridge.Result
}

// handleGitHubWebhook verifies and dispatches GitHub deliveries. Verified
// deliveries always get 200 with the bridge Result so the sender does not
// retry events the bridge deliberately declined.
func handleGitHubWebhook(b ReviewBridge, secret []byte, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := observability.LoggerFrom(r.Context(), logger)
		if len(secret) == 0 {
			WriteError(w, model.NewBackendUnavailableError("webhook secret"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := github.ValidatePayload(r, secret)
		if err != nil {
			log.Warn("webhook rejected", zap.Error(err))
			WriteError(w, model.NewUnauthorizedError("invalid webhook signature"))
			return
		}

		eventType := github.WebHookType(r)
		event, err := github.ParseWebHook(eventType, body)
		if err != nil {
			WriteError(w, model.NewBadRequestError("unsupported or malformed webhook payload"))
			return
		}

		deliveryID := github.DeliveryID(r)
		res := b.Deliver(r.Context(), deliveryID, body, func(ctx context.Context) bridge.Result {
			return dispatchWebhook(ctx, b, event)
		})
		log.Info("webhook processed",
			zap.String("event", eventType),
			zap.String("delivery_id", deliveryID),
			zap.Bool("handled", res.Handled),
			zap.String("action", res.Action),
		)
		WriteJSON(w, http.StatusOK, res)
	}
}

func dispatchWebhook(ctx context.Context, b ReviewBridge, event any) bridge.Result {
	ignored := bridge.Result{Handled: true, Action: bridge.ActionNone}
	switch e := event.(type) {
	case *github.PingEvent:
		return ignored
	case *github.PullRequestReviewEvent:
		if e.GetAction() != "submitted" {
			return ignored
		}
		review := e.GetReview()
		return b.HandleReviewSubmitted(ctx, artifactFrom(e.GetPullRequest()), bridge.Review{
			State:  strings.ToLower(review.GetState()),
			Body:   review.GetBody(),
			Author: review.GetUser().GetLogin(),
		})
	case *github.IssueCommentEvent:
		if e.GetAction() != "created" {
			return ignored
		}
		issue := e.GetIssue()
		labels := make([]string, 0, len(issue.Labels))
		for _, l := range issue.Labels {
			labels = append(labels, l.GetName())
		}
		comment := e.GetComment()
		return b.HandleIssueComment(ctx, bridge.IssueComment{
			IssueNumber:       issue.GetNumber(),
			IssueTitle:        issue.GetTitle(),
			Labels:            labels,
			Body:              comment.GetBody(),
			Author:            comment.GetUser().GetLogin(),
			AuthorAssociation: comment.GetAuthorAssociation(),
		})
	case *github.PullRequestEvent:
		if e.GetAction() != "closed" {
			return ignored
		}
		pr := e.GetPullRequest()
		if pr.GetMerged() {
			return b.HandleMerged(ctx, artifactFrom(pr))
		}
		return b.HandleClosed(ctx, artifactFrom(pr))
	default:
		return ignored
	}
}

func artifactFrom(pr *github.PullRequest) bridge.Artifact {
	return bridge.Artifact{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		HeadBranch: pr.GetHead().GetRef(),
		URL:        pr.GetHTMLURL(),
	}
}
