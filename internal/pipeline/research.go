package pipeline

import (
	"fmt"

	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// ResearchInput asks the researcher agent to gather material for a brief.
type ResearchInput struct {
	ContentID       string `json:"content_id"`
	ResearchAgentID string `json:"research_agent_id,omitempty"`
	Topic           string `json:"topic,omitempty"`
}

// ResearchResult carries the stored research notes.
type ResearchResult struct {
	Success   bool   `json:"success"`
	ContentID string `json:"content_id"`
	Notes     string `json:"notes,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Research gathers notes for a content item, stores them on the content
// record and completes the research step.
func (p *Pipelines) Research(wctx *workflow.Context, in ResearchInput) (ResearchResult, error) {
	result := ResearchResult{ContentID: in.ContentID}
	fail := func(step string, err error) (ResearchResult, error) {
		result.Error = fmt.Sprintf("%s: %v", step, err)
		note(wctx, in.ContentID, "❌ Research failed at %s: %v", step, err)
		return result, halted(wctx)
	}

	topic := in.Topic
	if topic == "" {
		content, err := findContent(wctx, in.ContentID)
		if err != nil {
			return fail("load content", err)
		}
		topic = content.Title
	}

	researcher := p.agent(in.ResearchAgentID, RoleResearcher)
	res, err := callAgent(wctx, researcher, "research", topic, map[string]any{"content_id": in.ContentID})
	if err != nil {
		return fail("research", err)
	}
	result.Notes = res.Content

	if err := updateContent(wctx, in.ContentID, map[string]any{"research_notes": res.Content}); err != nil {
		return fail("store notes", err)
	}
	if err := transition(wctx, in.ContentID, model.TransitionCompleteResearch, actorSystem, researcher, nil); err != nil {
		return fail("complete research", err)
	}

	result.Success = true
	emit(wctx, model.EventContentResearched, map[string]any{"content_id": in.ContentID, "topic": topic})
	note(wctx, in.ContentID, "📚 Research completed by %s", researcher)
	return result, nil
}
