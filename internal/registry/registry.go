// Package registry tracks which workflow is processing which content item.
// It is the lookup the review bridge uses to route human decisions to the
// right run, and it enforces that at most one run per (content, workflow
// type) is active at a time.
package registry

import (
	"context"

	"github.com/pitabwire/contentflow/model"
)

// Store persists workflow registry entries.
type Store interface {
	// Register inserts a running entry. Returns CONFLICT if a running entry
	// already exists for the same (ContentID, WorkflowType) or the workflow
	// id is taken.
	Register(ctx context.Context, entry model.RegistryEntry) error

	// Get retrieves an entry by workflow id. Returns NOT_FOUND if missing.
	Get(ctx context.Context, workflowID string) (model.RegistryEntry, error)

	// FindRunning returns running entries for contentID whose workflow type
	// is one of types (all types when empty).
	FindRunning(ctx context.Context, contentID string, types ...string) ([]model.RegistryEntry, error)

	// ListByContent returns every entry for contentID, newest first.
	ListByContent(ctx context.Context, contentID string) ([]model.RegistryEntry, error)

	// ListRunning returns all running entries.
	ListRunning(ctx context.Context) ([]model.RegistryEntry, error)

	// Update persists status and run id changes with optimistic locking.
	// Returns CONFLICT if the stored version differs.
	Update(ctx context.Context, entry model.RegistryEntry) error

	// CountAttempts returns how many entries exist for (contentID,
	// workflowType), running or not.
	CountAttempts(ctx context.Context, contentID, workflowType string) (int, error)
}
