package invoker

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pitabwire/contentflow/model"
)

// ReviewClient implements model.ReviewSync against the review sync service,
// which owns the mapping between content and pull requests or issues.
type ReviewClient struct {
	client *Client
}

// NewReviewClient wraps client as a review sync.
func NewReviewClient(client *Client) *ReviewClient {
	return &ReviewClient{client: client}
}

type feedbackBody struct {
	Feedback string `json:"feedback,omitempty"`
}

// SyncToReview opens or refreshes the review artifact for contentID.
func (r *ReviewClient) SyncToReview(ctx context.Context, contentID string) (model.ReviewMapping, error) {
	var out model.ReviewMapping
	err := r.client.Do(ctx, "review.sync", http.MethodPost, reviewPath(contentID)+"/sync", nil, &out)
	return out, err
}

// SyncApproval marks the review artifact approved.
func (r *ReviewClient) SyncApproval(ctx context.Context, contentID, feedback string) error {
	return r.client.Do(ctx, "review.approve", http.MethodPost, reviewPath(contentID)+"/approval",
		feedbackBody{Feedback: feedback}, nil)
}

// SyncRejection requests changes on the review artifact.
func (r *ReviewClient) SyncRejection(ctx context.Context, contentID, feedback string) error {
	return r.client.Do(ctx, "review.reject", http.MethodPost, reviewPath(contentID)+"/rejection",
		feedbackBody{Feedback: feedback}, nil)
}

// SyncPublish merges the review artifact.
func (r *ReviewClient) SyncPublish(ctx context.Context, contentID string) error {
	return r.client.Do(ctx, "review.publish", http.MethodPost, reviewPath(contentID)+"/publish", nil, nil)
}

// AddComment appends a comment to the pull request or issue with the given number.
func (r *ReviewClient) AddComment(ctx context.Context, number int, body string) error {
	return r.client.Do(ctx, "review.comment", http.MethodPost,
		"/reviews/"+strconv.Itoa(number)+"/comments", map[string]string{"body": body}, nil)
}

// CreateEscalation opens an escalation issue.
func (r *ReviewClient) CreateEscalation(ctx context.Context, esc model.Escalation) (model.ReviewMapping, error) {
	var out model.ReviewMapping
	err := r.client.Do(ctx, "review.escalate", http.MethodPost, "/escalations", esc, &out)
	return out, err
}

// GetMapping returns the review artifact mapped to (kind, id).
func (r *ReviewClient) GetMapping(ctx context.Context, kind, id string) (model.ReviewMapping, error) {
	var out model.ReviewMapping
	err := r.client.Do(ctx, "review.mapping", http.MethodGet,
		"/mappings/"+url.PathEscape(kind)+"/"+url.PathEscape(id), nil, &out)
	return out, err
}

func reviewPath(contentID string) string {
	return "/reviews/content/" + url.PathEscape(contentID)
}
