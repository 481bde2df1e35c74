package invoker

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pitabwire/contentflow/model"
)

// ContentClient implements model.ContentRepository against the content
// service's HTTP API.
type ContentClient struct {
	client *Client
}

// NewContentClient wraps client as a content repository.
func NewContentClient(client *Client) *ContentClient {
	return &ContentClient{client: client}
}

// FindByID loads a content record.
func (c *ContentClient) FindByID(ctx context.Context, contentID string) (model.Content, error) {
	var out model.Content
	err := c.client.Do(ctx, "content.find", http.MethodGet, contentPath(contentID), nil, &out)
	return out, err
}

// Update patches fields on a content record and returns the stored result.
func (c *ContentClient) Update(ctx context.Context, contentID string, fields map[string]any) (model.Content, error) {
	var out model.Content
	err := c.client.Do(ctx, "content.update", http.MethodPatch, contentPath(contentID), fields, &out)
	return out, err
}

// Transition requests a state machine transition. A transition the content
// service refuses is reported as Success=false rather than as an error.
func (c *ContentClient) Transition(ctx context.Context, req model.TransitionRequest) (model.TransitionResult, error) {
	var out model.TransitionResult
	err := c.client.Do(ctx, "content.transition", http.MethodPost,
		contentPath(req.ContentID)+"/transitions", req, &out)
	if model.IsCode(err, model.ErrInvalidTransition) || model.IsCode(err, model.ErrConflict) {
		return model.TransitionResult{Success: false, Error: err.Error()}, nil
	}
	return out, err
}

func contentPath(contentID string) string {
	return "/content/" + url.PathEscape(contentID)
}
