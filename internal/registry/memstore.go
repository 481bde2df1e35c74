package registry

import (
	"context"
	"fmt"
	"slices"

	"github.com/hashicorp/go-memdb"

	"github.com/pitabwire/contentflow/model"
)

const entriesTable = "entries"

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		entriesTable: {
			Name: entriesTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"},
				},
				"content": {
					Name:    "content",
					Indexer: &memdb.StringFieldIndex{Field: "ContentID"},
				},
				"content_type": {
					Name: "content_type",
					Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "ContentID"},
						&memdb.StringFieldIndex{Field: "WorkflowType"},
					}},
				},
				"status": {
					Name:    "status",
					Indexer: &memdb.StringFieldIndex{Field: "Status"},
				},
			},
		},
	},
}

// MemoryStore is a Store backed by go-memdb. Writes run in a single write
// transaction, so the single-running check and the insert are atomic.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore creates an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		panic(fmt.Sprintf("registry: invalid memdb schema: %v", err))
	}
	return &MemoryStore{db: db}
}

// Register inserts a running entry.
func (s *MemoryStore) Register(_ context.Context, entry model.RegistryEntry) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(entriesTable, "id", entry.WorkflowID)
	if err != nil {
		return fmt.Errorf("registry lookup: %w", err)
	}
	if existing != nil {
		return model.NewConflictError(fmt.Sprintf("workflow %q is already registered", entry.WorkflowID))
	}

	running, err := collect(txn.Get(entriesTable, "content_type", entry.ContentID, entry.WorkflowType))
	if err != nil {
		return err
	}
	for _, e := range running {
		if e.Status == model.RegistryRunning {
			return model.NewConflictError(fmt.Sprintf(
				"content %q already has a running %s workflow (%s)", entry.ContentID, entry.WorkflowType, e.WorkflowID))
		}
	}

	entry.Status = model.RegistryRunning
	if err := txn.Insert(entriesTable, &entry); err != nil {
		return fmt.Errorf("registry insert: %w", err)
	}
	txn.Commit()
	return nil
}

// Get retrieves an entry by workflow id.
func (s *MemoryStore) Get(_ context.Context, workflowID string) (model.RegistryEntry, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(entriesTable, "id", workflowID)
	if err != nil {
		return model.RegistryEntry{}, fmt.Errorf("registry lookup: %w", err)
	}
	if raw == nil {
		return model.RegistryEntry{}, model.NewNotFoundError(fmt.Sprintf("registry entry %q not found", workflowID))
	}
	return *raw.(*model.RegistryEntry), nil
}

// FindRunning returns running entries for contentID.
func (s *MemoryStore) FindRunning(_ context.Context, contentID string, types ...string) ([]model.RegistryEntry, error) {
	entries, err := collect(s.db.Txn(false).Get(entriesTable, "content", contentID))
	if err != nil {
		return nil, err
	}
	var out []model.RegistryEntry
	for _, e := range entries {
		if e.Status == model.RegistryRunning && (len(types) == 0 || slices.Contains(types, e.WorkflowType)) {
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ListByContent returns every entry for contentID.
func (s *MemoryStore) ListByContent(_ context.Context, contentID string) ([]model.RegistryEntry, error) {
	entries, err := collect(s.db.Txn(false).Get(entriesTable, "content", contentID))
	if err != nil {
		return nil, err
	}
	sortNewestFirst(entries)
	return entries, nil
}

// ListRunning returns all running entries.
func (s *MemoryStore) ListRunning(_ context.Context) ([]model.RegistryEntry, error) {
	entries, err := collect(s.db.Txn(false).Get(entriesTable, "status", string(model.RegistryRunning)))
	if err != nil {
		return nil, err
	}
	sortNewestFirst(entries)
	return entries, nil
}

// Update persists entry with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, entry model.RegistryEntry) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(entriesTable, "id", entry.WorkflowID)
	if err != nil {
		return fmt.Errorf("registry lookup: %w", err)
	}
	if raw == nil {
		return model.NewNotFoundError(fmt.Sprintf("registry entry %q not found", entry.WorkflowID))
	}
	existing := raw.(*model.RegistryEntry)
	if existing.Version != entry.Version {
		return model.NewConflictError(fmt.Sprintf(
			"registry entry %q version conflict (expected %d, got %d)", entry.WorkflowID, entry.Version, existing.Version))
	}

	entry.Version++
	if err := txn.Insert(entriesTable, &entry); err != nil {
		return fmt.Errorf("registry update: %w", err)
	}
	txn.Commit()
	return nil
}

// CountAttempts returns the number of entries for (contentID, workflowType).
func (s *MemoryStore) CountAttempts(_ context.Context, contentID, workflowType string) (int, error) {
	entries, err := collect(s.db.Txn(false).Get(entriesTable, "content_type", contentID, workflowType))
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func collect(it memdb.ResultIterator, err error) ([]model.RegistryEntry, error) {
	if err != nil {
		return nil, fmt.Errorf("registry query: %w", err)
	}
	var out []model.RegistryEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*model.RegistryEntry))
	}
	return out, nil
}

func sortNewestFirst(entries []model.RegistryEntry) {
	slices.SortFunc(entries, func(a, b model.RegistryEntry) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
