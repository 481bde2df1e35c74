package schedule

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/contentflow/model"
)

// Store persists schedules.
type Store interface {
	// Create inserts s unless a schedule with the same id exists, in which
	// case the stored schedule is returned with created=false.
	Create(ctx context.Context, s model.Schedule) (stored model.Schedule, created bool, err error)

	// Get returns SCHEDULE_NOT_FOUND for unknown ids.
	Get(ctx context.Context, scheduleID string) (model.Schedule, error)

	// List returns schedules of entityID, or all schedules when entityID is
	// empty, ordered by id.
	List(ctx context.Context, entityID string) ([]model.Schedule, error)

	// Due returns unpaused schedules whose next run time is at or before now.
	Due(ctx context.Context, now time.Time) ([]model.Schedule, error)

	// Update persists s when its Version matches the stored one and bumps
	// the version. A mismatch is a CONFLICT.
	Update(ctx context.Context, s model.Schedule) (model.Schedule, error)

	Delete(ctx context.Context, scheduleID string) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.Mutex
	schedules map[string]model.Schedule
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[string]model.Schedule)}
}

func (m *MemoryStore) Create(_ context.Context, s model.Schedule) (model.Schedule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.schedules[s.ScheduleID]; ok {
		return clone(existing), false, nil
	}
	m.schedules[s.ScheduleID] = clone(s)
	return clone(s), true, nil
}

func (m *MemoryStore) Get(_ context.Context, scheduleID string) (model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return model.Schedule{}, model.NewScheduleNotFoundError(scheduleID)
	}
	return clone(s), nil
}

func (m *MemoryStore) List(_ context.Context, entityID string) ([]model.Schedule, error) {
	return m.filter(func(s model.Schedule) bool {
		return entityID == "" || s.EntityID == entityID
	}), nil
}

func (m *MemoryStore) Due(_ context.Context, now time.Time) ([]model.Schedule, error) {
	return m.filter(func(s model.Schedule) bool {
		return !s.Paused && !s.NextRunTime.After(now)
	}), nil
}

func (m *MemoryStore) Update(_ context.Context, s model.Schedule) (model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.schedules[s.ScheduleID]
	if !ok {
		return model.Schedule{}, model.NewScheduleNotFoundError(s.ScheduleID)
	}
	if current.Version != s.Version {
		return model.Schedule{}, versionConflict(s)
	}
	s.Version++
	m.schedules[s.ScheduleID] = clone(s)
	return clone(s), nil
}

func (m *MemoryStore) Delete(_ context.Context, scheduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[scheduleID]; !ok {
		return model.NewScheduleNotFoundError(scheduleID)
	}
	delete(m.schedules, scheduleID)
	return nil
}

func (m *MemoryStore) filter(keep func(model.Schedule) bool) []model.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Schedule
	for _, s := range m.schedules {
		if keep(s) {
			out = append(out, clone(s))
		}
	}
	slices.SortFunc(out, func(a, b model.Schedule) int {
		if a.ScheduleID < b.ScheduleID {
			return -1
		}
		if a.ScheduleID > b.ScheduleID {
			return 1
		}
		return 0
	})
	return out
}

func clone(s model.Schedule) model.Schedule {
	s.Args = slices.Clone(s.Args)
	s.RecentActions = slices.Clone(s.RecentActions)
	if s.LastRunTime != nil {
		t := *s.LastRunTime
		s.LastRunTime = &t
	}
	return s
}

func versionConflict(s model.Schedule) error {
	return model.NewConflictError(fmt.Sprintf("schedule %q version conflict (expected %d)", s.ScheduleID, s.Version))
}
