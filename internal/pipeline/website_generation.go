package pipeline

import (
	"fmt"
	"time"

	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// PageSpec describes one page of a generated site.
type PageSpec struct {
	ContentID string `json:"content_id"`
	Brief     string `json:"brief,omitempty"`
}

// WebsiteGenerationInput generates a site page by page.
type WebsiteGenerationInput struct {
	SiteID         string        `json:"site_id"`
	Pages          []PageSpec    `json:"pages"`
	InterItemDelay time.Duration `json:"inter_item_delay,omitempty"`
	RunQAGate      bool          `json:"run_qa_gate,omitempty"`
	Publish        bool          `json:"publish,omitempty"`
}

// PageOutcome is the result of generating one page.
type PageOutcome struct {
	ContentID string `json:"content_id"`
	Produced  bool   `json:"produced"`
	QAPassed  *bool  `json:"qa_passed,omitempty"`
	Published bool   `json:"published"`
	URL       string `json:"url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WebsiteGenerationResult lists the per-page outcomes.
type WebsiteGenerationResult struct {
	Success bool          `json:"success"`
	SiteID  string        `json:"site_id"`
	Pages   []PageOutcome `json:"pages"`
}

// WebsiteGeneration produces each page through child workflows, one page
// at a time with a pause between pages to spread agent load. Success is
// true when every page was produced.
func (p *Pipelines) WebsiteGeneration(wctx *workflow.Context, in WebsiteGenerationInput) (WebsiteGenerationResult, error) {
	delay := orDefault(in.InterItemDelay, p.cfg.InterItemDelay)
	parent := wctx.Info().WorkflowID
	result := WebsiteGenerationResult{SiteID: in.SiteID, Success: true}

	for i, page := range in.Pages {
		if i > 0 {
			if err := wctx.Sleep(delay); err != nil {
				return result, err
			}
		}
		outcome, err := p.generatePage(wctx, parent, in, page)
		if err != nil {
			return result, err
		}
		if !outcome.Produced {
			result.Success = false
		}
		result.Pages = append(result.Pages, outcome)
	}
	return result, nil
}

func (p *Pipelines) generatePage(wctx *workflow.Context, parent string, in WebsiteGenerationInput, page PageSpec) (PageOutcome, error) {
	outcome := PageOutcome{ContentID: page.ContentID}
	childID := func(workflowType string) string {
		return fmt.Sprintf("%s-%s-%s", parent, workflowType, page.ContentID)
	}

	produced, err := workflow.ExecuteChildWorkflow[ContentProductionResult](wctx, model.WorkflowContentProduction,
		ContentProductionInput{ContentID: page.ContentID, Brief: page.Brief},
		workflow.ChildWorkflowOptions{WorkflowID: childID(model.WorkflowContentProduction)})
	if err != nil {
		outcome.Error = err.Error()
		return outcome, halted(wctx)
	}
	if !produced.Success {
		outcome.Error = produced.Error
		return outcome, nil
	}
	outcome.Produced = true

	if in.RunQAGate {
		qa, err := workflow.ExecuteChildWorkflow[QAGateResult](wctx, model.WorkflowQAGate,
			QAGateInput{ContentID: page.ContentID},
			workflow.ChildWorkflowOptions{WorkflowID: childID(model.WorkflowQAGate)})
		if err != nil {
			outcome.Error = err.Error()
			return outcome, halted(wctx)
		}
		passed := qa.Passed
		outcome.QAPassed = &passed
		if !passed {
			return outcome, nil
		}
	}

	if in.Publish {
		pub, err := workflow.ExecuteChildWorkflow[PublishingResult](wctx, model.WorkflowPublishing,
			PublishingInput{ContentID: page.ContentID},
			workflow.ChildWorkflowOptions{WorkflowID: childID(model.WorkflowPublishing)})
		if err != nil {
			outcome.Error = err.Error()
			return outcome, halted(wctx)
		}
		outcome.Published = pub.Success
		outcome.URL = pub.DeploymentURL
		outcome.Error = pub.Error
	}
	return outcome, nil
}
