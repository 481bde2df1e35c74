package workflow

import (
	"context"
	"sync"

	"github.com/pitabwire/contentflow/model"
)

// runState is the in-process state of a run executing on this engine.
type runState struct {
	run    model.WorkflowRun
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	signals  []model.HistoryEvent // SignalReceived, ordered by event id
	seen     map[int64]bool
	consumed map[int64]bool
	notify   chan struct{}
	queries  map[string]QueryHandler
}

func newRunState(parent context.Context, run model.WorkflowRun) *runState {
	ctx, cancel := context.WithCancelCause(parent)
	return &runState{
		run:      run,
		ctx:      ctx,
		cancel:   cancel,
		seen:     make(map[int64]bool),
		consumed: make(map[int64]bool),
		notify:   make(chan struct{}),
		queries:  make(map[string]QueryHandler),
	}
}

// seed loads received and consumed signals from persisted history.
func (rs *runState) seed(history []model.HistoryEvent) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, evt := range history {
		switch evt.Type {
		case model.EventSignalReceived:
			rs.addLocked(evt)
		case model.EventSignalConsumed:
			rs.consumed[evt.RefEventID] = true
		}
	}
}

// deliver adds a newly appended signal and wakes any waiter.
func (rs *runState) deliver(evt model.HistoryEvent) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.addLocked(evt)
}

func (rs *runState) addLocked(evt model.HistoryEvent) {
	if rs.seen[evt.EventID] {
		return
	}
	rs.seen[evt.EventID] = true

	// Keep event-id order even when a live delivery races the history load.
	i := len(rs.signals)
	for i > 0 && rs.signals[i-1].EventID > evt.EventID {
		i--
	}
	rs.signals = append(rs.signals, model.HistoryEvent{})
	copy(rs.signals[i+1:], rs.signals[i:])
	rs.signals[i] = evt

	close(rs.notify)
	rs.notify = make(chan struct{})
}

// takeSignal marks the oldest unconsumed signal called name as consumed.
// When none is available it returns a channel closed on the next delivery.
func (rs *runState) takeSignal(name string) (model.HistoryEvent, <-chan struct{}, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, evt := range rs.signals {
		if evt.Name == name && !rs.consumed[evt.EventID] {
			rs.consumed[evt.EventID] = true
			return evt, nil, true
		}
	}
	return model.HistoryEvent{}, rs.notify, false
}

func (rs *runState) setQuery(name string, handler QueryHandler) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.queries[name] = handler
}

func (rs *runState) query(name string) (QueryHandler, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	h, ok := rs.queries[name]
	return h, ok
}
