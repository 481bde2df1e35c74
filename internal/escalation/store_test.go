package escalation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/contentflow/internal/storage/pgtest"
	"github.com/pitabwire/contentflow/model"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	first, err := store.Create(ctx, model.Escalation{ContentID: "c-1", WorkflowID: "wf-1", Question: "Publish?"})
	require.NoError(t, err)
	second, err := store.Create(ctx, model.Escalation{ContentID: "c-1", WorkflowID: "wf-1", Question: "Again?"})
	require.NoError(t, err)
	assert.Equal(t, model.EscalationOpen, first.Status)
	assert.NotEqual(t, first.TicketID, second.TicketID)
	assert.Regexp(t, `^ESC-\d+$`, first.TicketID)

	require.NoError(t, store.SetIssue(ctx, first.TicketID, 42))

	open, err := store.ListOpen(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	answered, decided, err := store.Answer(ctx, first.TicketID, Answer{Text: "/approve looks good", AnsweredBy: "alice", Decision: model.DecisionApprove})
	require.NoError(t, err)
	assert.True(t, decided)
	assert.Equal(t, model.EscalationAnswered, answered.Status)
	assert.Equal(t, 42, answered.IssueNumber)
	require.NotNil(t, answered.AnsweredAt)

	// A later comment updates the answer but not the recorded decision.
	again, decided, err := store.Answer(ctx, first.TicketID, Answer{Text: "/reject", AnsweredBy: "bob", Decision: model.DecisionReject})
	require.NoError(t, err)
	assert.False(t, decided)
	assert.Equal(t, model.DecisionApprove, again.Decision)
	assert.Equal(t, "bob", again.AnsweredBy)

	got, err := store.Get(ctx, first.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprove, got.Decision)

	open, err = store.ListOpen(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.TicketID, open[0].TicketID)

	_, err = store.Get(ctx, "ESC-999999")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
	_, _, err = store.Answer(ctx, "ESC-999999", Answer{})
	assert.True(t, model.IsCode(err, model.ErrNotFound))
	assert.True(t, model.IsCode(store.SetIssue(ctx, "ESC-999999", 1), model.ErrNotFound))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestPgStore(t *testing.T) {
	exerciseStore(t, NewPgStore(pgtest.NewPool(t)))
}

func TestMemoryStore_noneDecisionCanBeReplaced(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	esc, _ := store.Create(ctx, model.Escalation{ContentID: "c-1"})

	_, decided, _ := store.Answer(ctx, esc.TicketID, Answer{Text: "thinking", Decision: model.DecisionNone})
	if decided {
		t.Error("an answer without a decision should not report decided")
	}
	got, decided, _ := store.Answer(ctx, esc.TicketID, Answer{Text: "/reject", Decision: model.DecisionReject})

	if got.Decision != model.DecisionReject {
		t.Errorf("Decision = %q, want reject", got.Decision)
	}
	if !decided {
		t.Error("first decision should report decided")
	}
}

func exerciseConcurrentDecisions(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	esc, err := store.Create(ctx, model.Escalation{ContentID: "c-race", WorkflowID: "wf-race"})
	require.NoError(t, err)

	const answers = 8
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		claims  atomic.Int32
		claimed = make([]string, answers)
	)
	for i := range answers {
		decision := model.DecisionApprove
		if i%2 == 1 {
			decision = model.DecisionReject
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, decided, err := store.Answer(ctx, esc.TicketID, Answer{Text: "/" + decision, Decision: decision})
			if err != nil {
				t.Errorf("Answer() error = %v", err)
				return
			}
			if decided {
				claims.Add(1)
				claimed[i] = decision
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), claims.Load(), "exactly one answer claims the decision")
	got, err := store.Get(ctx, esc.TicketID)
	require.NoError(t, err)
	assert.Contains(t, claimed, got.Decision, "stored decision matches the claiming answer")
}

func TestMemoryStore_concurrentDecisions(t *testing.T) {
	exerciseConcurrentDecisions(t, NewMemoryStore())
}

func TestPgStore_concurrentDecisions(t *testing.T) {
	exerciseConcurrentDecisions(t, NewPgStore(pgtest.NewPool(t)))
}
