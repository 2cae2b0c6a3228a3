package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-process cache Store.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	puts    int
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]*Entry)}
}

// EnsureTable is a no-op for the in-memory store.
func (s *MemStore) EnsureTable(context.Context) error { return nil }

// Get returns a copy of the entry for key.
func (s *MemStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("get cache %s: %w", key, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

// Put stores a copy of e.
func (s *MemStore) Put(_ context.Context, e *Entry) error {
	cp := *e
	s.mu.Lock()
	s.entries[e.Key] = &cp
	s.puts++
	s.mu.Unlock()
	return nil
}

// Puts returns how many writes the store has accepted.
func (s *MemStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// ByDashboard lists a dashboard's entries ordered by item.
func (s *MemStore) ByDashboard(_ context.Context, dashboardID int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.DashboardID == dashboardID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// DeleteByItem drops every entry of an item.
func (s *MemStore) DeleteByItem(_ context.Context, itemID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.ItemID == itemID {
			delete(s.entries, k)
		}
	}
	return nil
}
