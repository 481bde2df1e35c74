package schedule

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/pitabwire/contentflow/internal/pipeline"
	"github.com/pitabwire/contentflow/model"
)

// Schedule types.
const (
	TypeStalenessCheck = pipeline.TaskStalenessCheck
	TypeLinkAudit      = pipeline.TaskLinkAudit
	TypeSEORefresh     = pipeline.TaskSEORefresh
)

const maintenanceQueue = "maintenance"

// TypeSpec describes how a schedule type starts its workflow.
type TypeSpec struct {
	WorkflowType string
	TaskQueue    string
	DefaultCron  string
	// Args builds the workflow input for an entity.
	Args func(entityID string, thresholds map[string]int) any
}

// Catalogue maps schedule types to their workflow bindings.
type Catalogue map[string]TypeSpec

// DefaultCatalogue returns the maintenance schedule types.
func DefaultCatalogue() Catalogue {
	maintenance := func(task string, withThresholds bool) func(string, map[string]int) any {
		return func(entityID string, thresholds map[string]int) any {
			in := pipeline.ScheduledMaintenanceInput{EntityID: entityID, Task: task}
			if withThresholds {
				in.StalenessThresholds = maps.Clone(thresholds)
			}
			return in
		}
	}
	return Catalogue{
		TypeStalenessCheck: {
			WorkflowType: model.WorkflowScheduledMaintenance,
			TaskQueue:    maintenanceQueue,
			DefaultCron:  "0 3 1 * *",
			Args:         maintenance(TypeStalenessCheck, true),
		},
		TypeLinkAudit: {
			WorkflowType: model.WorkflowScheduledMaintenance,
			TaskQueue:    maintenanceQueue,
			DefaultCron:  "0 4 * * 1",
			Args:         maintenance(TypeLinkAudit, false),
		},
		TypeSEORefresh: {
			WorkflowType: model.WorkflowScheduledMaintenance,
			TaskQueue:    maintenanceQueue,
			DefaultCron:  "0 5 * * 3",
			Args:         maintenance(TypeSEORefresh, false),
		},
	}
}

// Types returns the catalogued schedule types in sorted order.
func (c Catalogue) Types() []string {
	return slices.Sorted(maps.Keys(c))
}

func (c Catalogue) args(scheduleType, entityID string, thresholds map[string]int) (json.RawMessage, error) {
	entry := c[scheduleType]
	if entry.Args == nil {
		return nil, nil
	}
	return json.Marshal(entry.Args(entityID, thresholds))
}
