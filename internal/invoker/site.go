package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pitabwire/contentflow/model"
)

// SiteClient implements model.SiteBuilder against the build service.
type SiteClient struct {
	client *Client
}

// NewSiteClient wraps client as a site builder.
func NewSiteClient(client *Client) *SiteClient {
	return &SiteClient{client: client}
}

// Validate checks content for deploy readiness.
func (s *SiteClient) Validate(ctx context.Context, contentID string) (model.ValidationResult, error) {
	var out model.ValidationResult
	err := s.client.Do(ctx, "site.validate", http.MethodPost, "/validations",
		map[string]string{"content_id": contentID}, &out)
	return out, err
}

// BuildAndDeploy builds the site with contentID included and deploys it.
func (s *SiteClient) BuildAndDeploy(ctx context.Context, contentID string) (model.Deployment, error) {
	var out model.Deployment
	err := s.client.Do(ctx, "site.deploy", http.MethodPost, "/deployments",
		map[string]string{"content_id": contentID}, &out)
	return out, err
}

// BatchClient implements model.BatchService against the batch service.
type BatchClient struct {
	client *Client
}

// NewBatchClient wraps client as a batch service.
func NewBatchClient(client *Client) *BatchClient {
	return &BatchClient{client: client}
}

// Submit creates a batch job and returns its id.
func (b *BatchClient) Submit(ctx context.Context, batchType string, items []json.RawMessage) (string, error) {
	var out struct {
		BatchID string `json:"batch_id"`
	}
	err := b.client.Do(ctx, "batch.submit", http.MethodPost, "/batches",
		map[string]any{"type": batchType, "items": items}, &out)
	return out.BatchID, err
}

// Poll returns the current status of a batch job.
func (b *BatchClient) Poll(ctx context.Context, batchID string) (model.BatchStatus, error) {
	var out model.BatchStatus
	err := b.client.Do(ctx, "batch.poll", http.MethodGet, "/batches/"+url.PathEscape(batchID), nil, &out)
	return out, err
}

// Collect downloads the results of a completed batch job.
func (b *BatchClient) Collect(ctx context.Context, batchID string) ([]json.RawMessage, error) {
	var out struct {
		Results []json.RawMessage `json:"results"`
	}
	err := b.client.Do(ctx, "batch.collect", http.MethodGet, "/batches/"+url.PathEscape(batchID)+"/results", nil, &out)
	return out.Results, err
}

// FindStale lists published content under entityID older than the per-type
// thresholds (in days).
func (c *ContentClient) FindStale(ctx context.Context, entityID string, thresholds map[string]int) ([]model.StaleContent, error) {
	var out struct {
		Items []model.StaleContent `json:"items"`
	}
	q := url.Values{}
	q.Set("entity_id", entityID)
	for typ, days := range thresholds {
		q.Add("threshold", typ+":"+strconv.Itoa(days))
	}
	err := c.client.Do(ctx, "content.findStale", http.MethodGet, "/content/stale?"+q.Encode(), nil, &out)
	return out.Items, err
}
