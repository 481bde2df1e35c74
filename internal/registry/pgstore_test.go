package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/contentflow/internal/storage/pgtest"
	"github.com/pitabwire/contentflow/model"
)

func TestPgStore_singleRunningInvariant(t *testing.T) {
	store := NewPgStore(pgtest.NewPool(t))
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, testEntry("wf-1", "c-1", model.WorkflowEditorialReview)))

	err := store.Register(ctx, testEntry("wf-2", "c-1", model.WorkflowEditorialReview))
	assert.True(t, model.IsCode(err, model.ErrConflict), "second running err = %v", err)

	running, err := store.FindRunning(ctx, "c-1", model.WorkflowEditorialReview)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "wf-1", running[0].WorkflowID)

	entry := running[0]
	entry.Status = model.RegistryCompleted
	require.NoError(t, store.Update(ctx, entry))

	err = store.Update(ctx, entry)
	assert.True(t, model.IsCode(err, model.ErrConflict), "stale update err = %v", err)

	require.NoError(t, store.Register(ctx, testEntry("wf-2", "c-1", model.WorkflowEditorialReview)))

	n, err := store.CountAttempts(ctx, "c-1", model.WorkflowEditorialReview)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := store.ListByContent(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = store.Get(ctx, "missing")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}
