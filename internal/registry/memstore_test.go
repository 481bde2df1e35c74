package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/contentflow/model"
)

func testEntry(workflowID, contentID, workflowType string) model.RegistryEntry {
	now := time.Now().UTC()
	return model.RegistryEntry{
		WorkflowID:   workflowID,
		RunID:        workflowID + "-run",
		ContentID:    contentID,
		WorkflowType: workflowType,
		Attempt:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// --- Register ---

func TestMemoryStore_Register(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Register(ctx, testEntry("wf-1", "c-1", model.WorkflowEditorialReview)); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	got, err := store.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != model.RegistryRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
}

func TestMemoryStore_Register_secondRunningRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Register(ctx, testEntry("wf-1", "c-1", model.WorkflowEditorialReview))

	err := store.Register(ctx, testEntry("wf-2", "c-1", model.WorkflowEditorialReview))
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want %s", err, model.ErrConflict)
	}

	// A different workflow type for the same content is independent.
	if err := store.Register(ctx, testEntry("wf-3", "c-1", model.WorkflowPublishing)); err != nil {
		t.Errorf("other type Register error: %v", err)
	}
}

func TestMemoryStore_Register_duplicateWorkflowID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Register(ctx, testEntry("wf-1", "c-1", model.WorkflowEditorialReview))

	err := store.Register(ctx, testEntry("wf-1", "c-2", model.WorkflowEditorialReview))
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want %s", err, model.ErrConflict)
	}
}

func TestMemoryStore_Register_afterTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Register(ctx, testEntry("wf-1", "c-1", model.WorkflowEditorialReview))

	entry, _ := store.Get(ctx, "wf-1")
	entry.Status = model.RegistryFailed
	if err := store.Update(ctx, entry); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	if err := store.Register(ctx, testEntry("wf-2", "c-1", model.WorkflowEditorialReview)); err != nil {
		t.Fatalf("Register after terminal error: %v", err)
	}
	all, _ := store.ListByContent(ctx, "c-1")
	if len(all) != 2 {
		t.Errorf("entries = %d, want 2 (terminal entry retained)", len(all))
	}
}

func TestMemoryStore_Register_concurrentSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Register(ctx, testEntry(fmt.Sprintf("wf-%d", i), "c-1", model.WorkflowQAGate)); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful registrations = %d, want 1", wins.Load())
	}
	running, _ := store.FindRunning(ctx, "c-1")
	if len(running) != 1 {
		t.Errorf("running = %d, want 1", len(running))
	}
}

// --- Lookups ---

func TestMemoryStore_FindRunning_filtersTypes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Register(ctx, testEntry("wf-1", "c-1", model.WorkflowEditorialReview))
	_ = store.Register(ctx, testEntry("wf-2", "c-1", model.WorkflowPublishing))
	_ = store.Register(ctx, testEntry("wf-3", "c-2", model.WorkflowEditorialReview))

	got, err := store.FindRunning(ctx, "c-1", model.WorkflowEditorialReview, model.WorkflowContentProduction)
	if err != nil {
		t.Fatalf("FindRunning error: %v", err)
	}
	if len(got) != 1 || got[0].WorkflowID != "wf-1" {
		t.Errorf("got = %+v", got)
	}

	all, _ := store.FindRunning(ctx, "c-1")
	if len(all) != 2 {
		t.Errorf("all running = %d, want 2", len(all))
	}
}

func TestMemoryStore_ListRunning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Register(ctx, testEntry("wf-1", "c-1", model.WorkflowEditorialReview))
	_ = store.Register(ctx, testEntry("wf-2", "c-2", model.WorkflowEditorialReview))

	entry, _ := store.Get(ctx, "wf-2")
	entry.Status = model.RegistryCompleted
	_ = store.Update(ctx, entry)

	running, _ := store.ListRunning(ctx)
	if len(running) != 1 || running[0].WorkflowID != "wf-1" {
		t.Errorf("running = %+v", running)
	}
}

func TestMemoryStore_Get_notFound(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "missing")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want %s", err, model.ErrNotFound)
	}
}

func TestMemoryStore_CountAttempts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Register(ctx, testEntry("wf-1", "c-1", model.WorkflowQAGate))
	entry, _ := store.Get(ctx, "wf-1")
	entry.Status = model.RegistryFailed
	_ = store.Update(ctx, entry)
	_ = store.Register(ctx, testEntry("wf-2", "c-1", model.WorkflowQAGate))

	n, err := store.CountAttempts(ctx, "c-1", model.WorkflowQAGate)
	if err != nil {
		t.Fatalf("CountAttempts error: %v", err)
	}
	if n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

// --- Update ---

func TestMemoryStore_Update_versionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Register(ctx, testEntry("wf-1", "c-1", model.WorkflowQAGate))

	entry, _ := store.Get(ctx, "wf-1")
	entry.RunID = "run-2"
	if err := store.Update(ctx, entry); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	err := store.Update(ctx, entry)
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want %s", err, model.ErrConflict)
	}

	got, _ := store.Get(ctx, "wf-1")
	if got.RunID != "run-2" || got.Version != entry.Version+1 {
		t.Errorf("got = %+v", got)
	}
}
