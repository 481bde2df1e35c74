package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/contentflow/internal/activities"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// BatchProcessingInput submits items to the batch service.
type BatchProcessingInput struct {
	BatchType    string            `json:"batch_type"`
	Items        []json.RawMessage `json:"items"`
	PollInterval time.Duration     `json:"poll_interval,omitempty"`
	MaxPolls     int               `json:"max_polls,omitempty"`
}

// BatchProcessingResult carries the collected batch output.
type BatchProcessingResult struct {
	Success bool              `json:"success"`
	BatchID string            `json:"batch_id,omitempty"`
	Polls   int               `json:"polls"`
	Results []json.RawMessage `json:"results,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// BatchProcessing submits a batch, polls until it finishes and collects the
// results. A batch still running after MaxPolls fails the run with
// BATCH_TIMEOUT.
func (p *Pipelines) BatchProcessing(wctx *workflow.Context, in BatchProcessingInput) (BatchProcessingResult, error) {
	interval := orDefault(in.PollInterval, p.cfg.BatchPollInterval)
	maxPolls := orDefault(in.MaxPolls, p.cfg.BatchMaxPolls)
	result := BatchProcessingResult{}

	batchID, err := workflow.ExecuteActivity[string](wctx, activities.BatchSubmit, activities.BatchSubmission{
		BatchType: in.BatchType,
		Items:     in.Items,
	}, workflow.ActivityOptions{})
	if err != nil {
		result.Error = fmt.Sprintf("submit: %v", err)
		return result, halted(wctx)
	}
	result.BatchID = batchID

	for {
		if result.Polls >= maxPolls {
			return result, model.NewBatchTimeoutError(batchID, result.Polls)
		}
		if err := wctx.Sleep(interval); err != nil {
			return result, err
		}
		status, err := workflow.ExecuteActivity[model.BatchStatus](wctx, activities.BatchPoll, batchID, workflow.ActivityOptions{})
		result.Polls++
		if err != nil {
			if herr := halted(wctx); herr != nil {
				return result, herr
			}
			continue
		}
		switch status.State {
		case model.BatchCompleted:
			results, err := workflow.ExecuteActivity[[]json.RawMessage](wctx, activities.BatchCollect, batchID,
				workflow.ActivityOptions{StartToCloseTimeout: batchActivityTimeout})
			if err != nil {
				result.Error = fmt.Sprintf("collect: %v", err)
				return result, halted(wctx)
			}
			result.Results = results
			result.Success = true
			emit(wctx, model.EventBatchCompleted, map[string]any{
				"batch_id":   batchID,
				"batch_type": in.BatchType,
				"items":      len(results),
			})
			return result, nil
		case model.BatchFailed:
			result.Error = fmt.Sprintf("batch %s failed: %s", batchID, status.Error)
			return result, nil
		}
	}
}
