package pipeline

import (
	"fmt"
	"time"

	"github.com/pitabwire/contentflow/internal/activities"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// Maintenance tasks.
const (
	TaskStalenessCheck = "staleness-check"
	TaskLinkAudit      = "link-audit"
	TaskSEORefresh     = "seo-refresh"
)

// ScheduledMaintenanceInput runs one maintenance pass for an entity. A
// continuous run repeats every Interval, continuing as new each pass so
// its history stays bounded.
type ScheduledMaintenanceInput struct {
	EntityID            string         `json:"entity_id"`
	Task                string         `json:"task"`
	StalenessThresholds map[string]int `json:"staleness_thresholds,omitempty"`
	Continuous          bool           `json:"continuous,omitempty"`
	Interval            time.Duration  `json:"interval,omitempty"`
	Iteration           int            `json:"iteration,omitempty"`
}

// ScheduledMaintenanceResult reports the items flagged by a pass.
type ScheduledMaintenanceResult struct {
	Success   bool                 `json:"success"`
	EntityID  string               `json:"entity_id"`
	Task      string               `json:"task"`
	Iteration int                  `json:"iteration"`
	Stale     []model.StaleContent `json:"stale,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// ScheduledMaintenance scans an entity's content. Staleness checks publish
// content.stale per item; link audits and SEO refreshes hand the stale set
// to the linker and SEO agents.
func (p *Pipelines) ScheduledMaintenance(wctx *workflow.Context, in ScheduledMaintenanceInput) (ScheduledMaintenanceResult, error) {
	task := orDefault(in.Task, TaskStalenessCheck)
	result := ScheduledMaintenanceResult{EntityID: in.EntityID, Task: task, Iteration: in.Iteration}

	stale, err := workflow.ExecuteActivity[[]model.StaleContent](wctx, activities.FindStale, activities.StaleQuery{
		EntityID:   in.EntityID,
		Thresholds: in.StalenessThresholds,
	}, workflow.ActivityOptions{})
	if err != nil {
		result.Error = fmt.Sprintf("find stale content: %v", err)
		if herr := halted(wctx); herr != nil {
			return result, herr
		}
	} else {
		result.Stale = stale
		result.Success = true
		p.maintain(wctx, in.EntityID, task, stale)
	}

	if in.Continuous && in.Interval > 0 {
		if err := wctx.Sleep(in.Interval); err != nil {
			return result, err
		}
		next := in
		next.Task = task
		next.Iteration = in.Iteration + 1
		return result, wctx.NewContinueAsNewError(next)
	}
	return result, nil
}

func (p *Pipelines) maintain(wctx *workflow.Context, entityID, task string, stale []model.StaleContent) {
	switch task {
	case TaskLinkAudit:
		for _, item := range stale {
			if _, err := callAgent(wctx, p.agent("", RoleLinker), "audit_links", "Check and repair outbound links",
				map[string]any{"content_id": item.ContentID, "entity_id": entityID}); err != nil {
				note(wctx, item.ContentID, "⚠️ Link audit failed: %v", err)
			}
		}
	case TaskSEORefresh:
		for _, item := range stale {
			if _, err := callAgent(wctx, p.agent("", RoleSEO), "refresh", "Refresh metadata for current search trends",
				map[string]any{"content_id": item.ContentID, "entity_id": entityID}); err != nil {
				note(wctx, item.ContentID, "⚠️ SEO refresh failed: %v", err)
			}
		}
	default:
		for _, item := range stale {
			emit(wctx, model.EventContentStale, map[string]any{
				"content_id": item.ContentID,
				"entity_id":  entityID,
				"type":       item.Type,
				"age_days":   item.AgeDays,
			})
		}
	}
}
