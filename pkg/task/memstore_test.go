package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAsking(t *testing.T, s *MemStore) *Task {
	t.Helper()
	created, err := s.Create(context.Background(), &Task{
		Kind:   KindAsking,
		Status: StatusUnderstanding,
		Input:  Input{Question: "top 10 customers by revenue"},
	})
	require.NoError(t, err)
	return created
}

func TestMemStoreCreateAssignsIdentity(t *testing.T) {
	s := NewMemStore()
	created := newAsking(t, s)

	assert.NotEmpty(t, created.ID)
	assert.EqualValues(t, 1, created.Token)
	assert.False(t, created.CreatedAt.IsZero())

	_, err := s.Create(context.Background(), &Task{Kind: KindAsking, Status: StatusGenerating})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMemStoreAdvanceBumpsToken(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	created := newAsking(t, s)

	next, err := s.Advance(ctx, created.ID, created.Token, Transition{To: StatusSearching, TraceID: "trace-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusSearching, next.Status)
	assert.Equal(t, created.Token+1, next.Token)
	assert.Equal(t, "trace-1", next.TraceID)

	// a second writer holding the old token loses
	_, err = s.Advance(ctx, created.ID, created.Token, Transition{To: StatusPlanning})
	require.ErrorIs(t, err, ErrStaleToken)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSearching, got.Status)
}

func TestMemStoreCancelThenStaleCallback(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	created := newAsking(t, s)

	ok, stopped, err := s.Cancel(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusStopped, stopped.Status)

	_, err = s.Advance(ctx, created.ID, created.Token, Transition{To: StatusFinished, Result: &Result{SQL: "select 1"}})
	require.ErrorIs(t, err, ErrStaleToken)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Nil(t, got.Result)
}

func TestMemStoreCancelTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	created := newAsking(t, s)

	done, err := s.Advance(ctx, created.ID, created.Token, Transition{To: StatusFinished, Result: &Result{Type: AskingGeneral}})
	require.NoError(t, err)

	ok, after, err := s.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StatusFinished, after.Status)
	assert.Equal(t, done.Token, after.Token)
}

func TestMemStoreRetriesCountCorrecting(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	cur := newAsking(t, s)

	steps := []Status{StatusSearching, StatusPlanning, StatusGenerating, StatusCorrecting, StatusGenerating, StatusCorrecting}
	for _, to := range steps {
		var err error
		cur, err = s.Advance(ctx, cur.ID, cur.Token, Transition{To: to})
		require.NoError(t, err, "to %s", to)
	}
	assert.Equal(t, 2, cur.Retries)
}

func TestMemStoreConcurrentCancelAndAdvance(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	created := newAsking(t, s)

	var wg sync.WaitGroup
	var advanced, cancelled bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.Advance(ctx, created.ID, created.Token, Transition{To: StatusSearching})
		advanced = err == nil
	}()
	go func() {
		defer wg.Done()
		ok, _, err := s.Cancel(ctx, created.ID)
		cancelled = err == nil && ok
	}()
	wg.Wait()

	require.True(t, cancelled, "cancel from a non-terminal state always wins eventually")
	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	if advanced {
		assert.EqualValues(t, 3, got.Token)
	} else {
		assert.EqualValues(t, 2, got.Token)
	}
}

func TestMemStoreByResponse(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	rid := 7
	for i := 0; i < 2; i++ {
		_, err := s.Create(ctx, &Task{Kind: KindAsking, Status: StatusUnderstanding, Input: Input{ResponseID: &rid}})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, &Task{Kind: KindChart, Status: StatusFetching, Input: Input{ResponseID: &rid}})
	require.NoError(t, err)

	asking, err := s.ByResponse(ctx, rid, KindAsking)
	require.NoError(t, err)
	assert.Len(t, asking, 2)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

// slowJournal records changes, pausing on entries into SEARCHING so a racing
// Cancel has every chance to overtake.
type slowJournal struct {
	mu      sync.Mutex
	changes []Change
	entered chan struct{}
	err     error
}

func (j *slowJournal) Record(_ context.Context, c Change) error {
	if c.Task.Status == StatusSearching && j.entered != nil {
		close(j.entered)
		time.Sleep(50 * time.Millisecond)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.changes = append(j.changes, c)
	return nil
}

func (j *slowJournal) statuses() []Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Status, len(j.changes))
	for i, c := range j.changes {
		out[i] = c.Task.Status
	}
	return out
}

func TestMemStoreJournalOrderedWithCancel(t *testing.T) {
	ctx := context.Background()
	j := &slowJournal{entered: make(chan struct{})}
	s := NewMemStore().WithJournal(j)
	created := newAsking(t, s)

	done := make(chan error, 1)
	go func() {
		_, err := s.Advance(ctx, created.ID, created.Token, Transition{To: StatusSearching})
		done <- err
	}()
	<-j.entered
	ok, _, err := s.Cancel(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, <-done)

	assert.Equal(t, []Status{StatusUnderstanding, StatusSearching, StatusStopped}, j.statuses())
	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Equal(t, got.Token, j.changes[2].Task.Token)
	assert.Equal(t, StatusSearching, j.changes[2].From)
}

func TestMemStoreJournalErrorAbortsChange(t *testing.T) {
	ctx := context.Background()
	j := &slowJournal{}
	s := NewMemStore().WithJournal(j)
	created := newAsking(t, s)

	j.err = errors.New("disk full")
	_, err := s.Advance(ctx, created.ID, created.Token, Transition{To: StatusSearching})
	require.Error(t, err)
	_, _, err = s.Cancel(ctx, created.ID)
	require.Error(t, err)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderstanding, got.Status)
	assert.Equal(t, created.Token, got.Token)
}
