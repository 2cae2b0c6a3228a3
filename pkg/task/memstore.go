package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Store. Every call holds one mutex, so a poll
// racing a cancel or a stage completion always observes a whole transition,
// and the journal sees changes in the order they were applied.
type MemStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	journal Journal
	now     func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]*Task), now: time.Now}
}

// WithJournal makes the store record every applied change in j.
func (s *MemStore) WithJournal(j Journal) *MemStore {
	s.journal = j
	return s
}

// commit records c in the journal and then stores its task. Callers hold mu.
func (s *MemStore) commit(ctx context.Context, c Change) error {
	if s.journal != nil {
		if err := s.journal.Record(ctx, Change{From: c.From, Task: cloneTask(c.Task)}); err != nil {
			return fmt.Errorf("journal task %s: %w", c.Task.ID, err)
		}
	}
	s.tasks[c.Task.ID] = c.Task
	return nil
}

// EnsureTable is a no-op for the in-memory store.
func (s *MemStore) EnsureTable(context.Context) error { return nil }

// Create stores a copy of t.
func (s *MemStore) Create(ctx context.Context, t *Task) (*Task, error) {
	if !InitialStatus(t.Kind, t.Status) {
		return nil, fmt.Errorf("create task: %w: %s cannot start in %s", ErrInvalidTransition, t.Kind, t.Status)
	}
	now := s.now()
	cp := cloneTask(t)
	cp.ID = uuid.Must(uuid.NewV7()).String()
	cp.Token = 1
	cp.Retries = 0
	cp.Result = nil
	cp.Error = nil
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commit(ctx, Change{Task: cp}); err != nil {
		return nil, err
	}
	return cloneTask(cp), nil
}

// Get returns a copy of the stored task.
func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	return cloneTask(t), nil
}

// Advance applies tr when token matches the stored token.
func (s *MemStore) Advance(ctx context.Context, id string, token int64, tr Transition) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("advance task %s: %w", id, ErrNotFound)
	}
	if t.Token != token {
		return nil, fmt.Errorf("advance task %s: %w (have %d, want %d)", id, ErrStaleToken, token, t.Token)
	}
	if err := tr.validate(t.Kind, t.Status); err != nil {
		return nil, fmt.Errorf("advance task %s: %w", id, err)
	}
	next := cloneTask(t)
	tr.apply(next, s.now())
	if err := s.commit(ctx, Change{From: t.Status, Task: next}); err != nil {
		return nil, err
	}
	return cloneTask(next), nil
}

// Cancel stops a non-terminal task.
func (s *MemStore) Cancel(ctx context.Context, id string) (bool, *Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, nil, fmt.Errorf("cancel task %s: %w", id, ErrNotFound)
	}
	if t.Status.IsTerminal() {
		return false, cloneTask(t), nil
	}
	next := cloneTask(t)
	Transition{To: StopStatus(t.Kind)}.apply(next, s.now())
	if err := s.commit(ctx, Change{From: t.Status, Task: next}); err != nil {
		return false, nil, err
	}
	return true, cloneTask(next), nil
}

// ByResponse lists tasks of kind linked to a thread response, oldest first.
func (s *MemStore) ByResponse(_ context.Context, responseID int, kind Kind) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Kind == kind && t.Input.ResponseID != nil && *t.Input.ResponseID == responseID {
			out = append(out, *cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneTask(t *Task) *Task {
	cp := *t
	if t.Result != nil {
		r := *t.Result
		r.Candidates = append([]Candidate(nil), t.Result.Candidates...)
		r.RetrievedTables = append([]string(nil), t.Result.RetrievedTables...)
		r.Questions = append([]RecommendedQuestion(nil), t.Result.Questions...)
		cp.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	if t.Input.Adjustment != nil {
		a := *t.Input.Adjustment
		a.Tables = append([]string(nil), t.Input.Adjustment.Tables...)
		cp.Input.Adjustment = &a
	}
	cp.Input.PreviousQuestions = append([]string(nil), t.Input.PreviousQuestions...)
	if t.Input.Chart != nil {
		c := *t.Input.Chart
		cp.Input.Chart = &c
	}
	return &cp
}
