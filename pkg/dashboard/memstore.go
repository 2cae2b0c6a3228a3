package dashboard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wrenflow/pkg/cache"
)

// MemStore is an in-process dashboard Store.
type MemStore struct {
	mu         sync.Mutex
	nextID     int
	dashboards map[int]*Dashboard
	items      map[int]*Item
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		nextID:     1,
		dashboards: make(map[int]*Dashboard),
		items:      make(map[int]*Item),
	}
}

// EnsureTable is a no-op for the in-memory store.
func (s *MemStore) EnsureTable(context.Context) error { return nil }

func (s *MemStore) id() int {
	id := s.nextID
	s.nextID++
	return id
}

// Create stores a dashboard.
func (s *MemStore) Create(_ context.Context, d *Dashboard) (*Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	cp.ID = s.id()
	s.dashboards[cp.ID] = &cp
	out := cp
	return &out, nil
}

// Get returns a dashboard.
func (s *MemStore) Get(_ context.Context, id int) (*Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dashboards[id]
	if !ok {
		return nil, fmt.Errorf("get dashboard %d: %w", id, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

// List returns every dashboard ordered by ID.
func (s *MemStore) List(context.Context) ([]Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Dashboard, 0, len(s.dashboards))
	for _, d := range s.dashboards {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetSchedule replaces the cache configuration of a dashboard.
func (s *MemStore) SetSchedule(_ context.Context, id int, cacheEnabled bool, sched cache.Schedule, next *time.Time) (*Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dashboards[id]
	if !ok {
		return nil, fmt.Errorf("set schedule %d: %w", id, ErrNotFound)
	}
	d.CacheEnabled = cacheEnabled
	d.Schedule = sched
	d.NextScheduledAt = next
	cp := *d
	return &cp, nil
}

// SetNextScheduledAt records the next planned refresh.
func (s *MemStore) SetNextScheduledAt(_ context.Context, id int, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dashboards[id]
	if !ok {
		return fmt.Errorf("set next schedule %d: %w", id, ErrNotFound)
	}
	d.NextScheduledAt = next
	return nil
}

// CreateItem stores an item on an existing dashboard.
func (s *MemStore) CreateItem(_ context.Context, it *Item) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dashboards[it.DashboardID]; !ok {
		return nil, fmt.Errorf("create item on dashboard %d: %w", it.DashboardID, ErrNotFound)
	}
	cp := *it
	cp.ID = s.id()
	s.items[cp.ID] = &cp
	out := cp
	return &out, nil
}

// Item returns one item.
func (s *MemStore) Item(_ context.Context, id int) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("get item %d: %w", id, ErrNotFound)
	}
	cp := *it
	return &cp, nil
}

// Items returns a dashboard's items ordered by ID.
func (s *MemStore) Items(_ context.Context, dashboardID int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, it := range s.items {
		if it.DashboardID == dashboardID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteItem removes an item.
func (s *MemStore) DeleteItem(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("delete item %d: %w", id, ErrNotFound)
	}
	delete(s.items, id)
	return nil
}
