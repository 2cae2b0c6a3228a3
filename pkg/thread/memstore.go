package thread

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-process thread response Store.
type MemStore struct {
	mu     sync.Mutex
	nextID int
	byID   map[int]*Response
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{nextID: 1, byID: make(map[int]*Response)}
}

// EnsureTable is a no-op for the in-memory store.
func (s *MemStore) EnsureTable(context.Context) error { return nil }

// Create stores r with a fresh ID.
func (s *MemStore) Create(_ context.Context, r *Response) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.ID = s.nextID
	s.nextID++
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.byID[cp.ID] = &cp
	out := cp
	return &out, nil
}

// Get returns a copy of the response.
func (s *MemStore) Get(_ context.Context, id int) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("get response %d: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// Update applies updates to a response.
func (s *MemStore) Update(_ context.Context, id int, updates map[string]any) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("update response %d: %w", id, ErrNotFound)
	}
	for k, v := range updates {
		switch k {
		case "sql":
			r.SQL = v.(string)
		case "asking_task_id":
			r.AskingTaskID = v.(string)
		case "adjustment_task_id":
			r.AdjustmentTaskID = v.(string)
		case "chart_task_id":
			r.ChartTaskID = v.(string)
		case "answer_task_id":
			r.AnswerTaskID = v.(string)
		case "adjustment":
			r.Adjustment = v.(*Adjustment)
		}
	}
	r.UpdatedAt = time.Now()
	cp := *r
	return &cp, nil
}
