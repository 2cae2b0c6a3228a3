package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wrenflow/pkg/task"
)

// MemStore is an in-process history Store.
type MemStore struct {
	mu     sync.Mutex
	byTask map[string][]Event
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{byTask: make(map[string][]Event)}
}

// EnsureTable is a no-op for the in-memory store.
func (s *MemStore) EnsureTable(context.Context) error { return nil }

// Append stores e at the head of its task's chain.
func (s *MemStore) Append(_ context.Context, e *Event) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	cp.ID = uuid.Must(uuid.NewV7()).String()
	cp.Timestamp = time.Now()
	chain := s.byTask[cp.TaskID]
	if n := len(chain); n > 0 {
		cp.PrevHash = chain[n-1].Hash
	} else {
		cp.PrevHash = ""
	}
	cp.Hash = computeHash(cp.PrevHash, &cp)
	s.byTask[cp.TaskID] = append(chain, cp)
	out := cp
	return &out, nil
}

// Record implements task.Journal.
func (s *MemStore) Record(ctx context.Context, c task.Change) error {
	_, err := s.Append(ctx, FromChange(c))
	return err
}

// ByTask returns a task's events in append order.
func (s *MemStore) ByTask(_ context.Context, taskID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.byTask[taskID]...), nil
}

// Since returns the events after afterID.
func (s *MemStore) Since(_ context.Context, taskID, afterID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.byTask[taskID]
	start := 0
	if afterID != "" {
		start = -1
		for i := range chain {
			if chain[i].ID == afterID {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, fmt.Errorf("since %s: unknown event %s", taskID, afterID)
		}
	}
	end := len(chain)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return append([]Event(nil), chain[start:end]...), nil
}

// Verify checks the hash chain of a task.
func (s *MemStore) Verify(ctx context.Context, taskID string) error {
	events, _ := s.ByTask(ctx, taskID)
	return verifyChain(events)
}
