package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"wrenflow/pkg/cache"
	"wrenflow/pkg/sqlexec"
)

// ErrInvalidInput is wrapped by errors caused by malformed caller input.
var ErrInvalidInput = errors.New("invalid input")

// ComputeError reports a failed recomputation of an item. The cache entry is
// left untouched when it is returned.
type ComputeError struct {
	ItemID int
	Err    error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute item %d: %v", e.ItemID, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// Preview is the answer to a preview request.
type Preview struct {
	Data            *sqlexec.Result `json:"data"`
	CacheHit        bool            `json:"cache_hit"`
	CacheCreatedAt  *time.Time      `json:"cache_created_at,omitempty"`
	CacheOverrodeAt *time.Time      `json:"cache_overrode_at,omitempty"`
	Override        bool            `json:"override"`
}

// Detailed is a dashboard together with its items.
type Detailed struct {
	Dashboard
	Items []Item `json:"items"`
}

type refreshMode int

const (
	refreshMiss refreshMode = iota
	refreshForce
	refreshScheduled
)

// Service is the read path over cached item results plus the dashboard
// operations that affect caching.
type Service struct {
	dashboards   Store
	cache        cache.Store
	exec         sqlexec.Executor
	defaultLimit int
	logger       *zap.Logger
	now          func() time.Time
	flight       singleflight.Group

	computeTimeout time.Duration
}

// DefaultComputeTimeout bounds one item recomputation.
const DefaultComputeTimeout = 2 * time.Minute

// NewService creates a Service. defaultLimit caps preview rows and is the
// row count stored per cache entry.
func NewService(dashboards Store, c cache.Store, exec sqlexec.Executor, defaultLimit int, logger *zap.Logger) *Service {
	return &Service{
		dashboards:   dashboards,
		cache:        c,
		exec:         exec,
		defaultLimit: defaultLimit,
		logger:       logger,
		now:          time.Now,

		computeTimeout: DefaultComputeTimeout,
	}
}

// WithComputeTimeout sets how long a shared recomputation may run. Zero or
// negative values keep the default.
func (s *Service) WithComputeTimeout(d time.Duration) *Service {
	if d > 0 {
		s.computeTimeout = d
	}
	return s
}

// PreviewItem returns an item's data. It never waits for the Scheduler:
// without a usable entry it computes synchronously.
func (s *Service) PreviewItem(ctx context.Context, itemID, limit int, refresh bool) (*Preview, error) {
	if limit <= 0 || limit > s.defaultLimit {
		limit = s.defaultLimit
	}
	item, err := s.dashboards.Item(ctx, itemID)
	if err != nil {
		return nil, err
	}
	d, err := s.dashboards.Get(ctx, item.DashboardID)
	if err != nil {
		return nil, err
	}

	if !d.CacheEnabled {
		data, err := s.exec.Query(ctx, item.SQL, limit)
		if err != nil {
			return nil, &ComputeError{ItemID: item.ID, Err: err}
		}
		return &Preview{Data: data}, nil
	}

	if refresh {
		e, err := s.refresh(ctx, d, item, refreshForce)
		if err != nil {
			return nil, err
		}
		return &Preview{
			Data:            e.Data.Truncate(limit),
			CacheCreatedAt:  &e.CreatedAt,
			CacheOverrodeAt: e.OverriddenAt,
			Override:        true,
		}, nil
	}

	e, err := s.cache.Get(ctx, item.CacheKey())
	switch {
	case err == nil:
		return &Preview{
			Data:            e.Data.Truncate(limit),
			CacheHit:        true,
			CacheCreatedAt:  &e.CreatedAt,
			CacheOverrodeAt: e.OverriddenAt,
		}, nil
	case !errors.Is(err, cache.ErrNotFound):
		s.logger.Warn("cache read failed, recomputing", zap.Int("item_id", item.ID), zap.Error(err))
	}

	e, err = s.refresh(ctx, d, item, refreshMiss)
	if err != nil {
		return nil, err
	}
	return &Preview{
		Data:            e.Data.Truncate(limit),
		CacheCreatedAt:  &e.CreatedAt,
		CacheOverrodeAt: e.OverriddenAt,
	}, nil
}

// refresh recomputes an item and writes its entry. Concurrent refreshes of
// the same key and mode share one execution, which runs detached from any
// single caller so one client going away does not fail the others. A
// non-forced write never replaces an entry forced after it started.
func (s *Service) refresh(ctx context.Context, d *Dashboard, item *Item, mode refreshMode) (*cache.Entry, error) {
	key := item.CacheKey()
	ch := s.flight.DoChan(fmt.Sprintf("%s|%d", key, mode), func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.computeTimeout)
		defer cancel()

		started := s.now()
		data, err := s.exec.Query(cctx, item.SQL, s.defaultLimit)
		if err != nil {
			return nil, &ComputeError{ItemID: item.ID, Err: err}
		}

		now := s.now()
		e := &cache.Entry{
			Key:         key,
			ItemID:      item.ID,
			DashboardID: d.ID,
			Data:        data,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		prev, err := s.cache.Get(cctx, key)
		if err == nil {
			if mode == refreshForce {
				e.CreatedAt = prev.CreatedAt
			} else if prev.OverriddenAt != nil && !prev.OverriddenAt.Before(started) {
				s.logger.Debug("keeping newer forced entry", zap.String("key", key))
				return prev, nil
			}
		}
		if mode == refreshForce {
			e.OverriddenAt = &now
		}

		if err := s.cache.Put(cctx, e); err != nil {
			s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
		return e, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Entry), nil
	}
}

// CreateDashboard stores a new dashboard with caching enabled and no schedule.
func (s *Service) CreateDashboard(ctx context.Context, name string) (*Dashboard, error) {
	return s.dashboards.Create(ctx, &Dashboard{
		Name:         name,
		CacheEnabled: true,
		Schedule:     cache.Schedule{Frequency: cache.Never},
	})
}

// Dashboard returns a dashboard with its items.
func (s *Service) Dashboard(ctx context.Context, id int) (*Detailed, error) {
	d, err := s.dashboards.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.dashboards.Items(ctx, id)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []Item{}
	}
	return &Detailed{Dashboard: *d, Items: items}, nil
}

// SetSchedule updates a dashboard's cache configuration. A nil sched keeps
// the current schedule and only toggles caching.
func (s *Service) SetSchedule(ctx context.Context, dashboardID int, cacheEnabled bool, sched *cache.Schedule) (*Dashboard, error) {
	d, err := s.dashboards.Get(ctx, dashboardID)
	if err != nil {
		return nil, err
	}
	next := d.Schedule
	if sched != nil {
		if err := sched.Validate(); err != nil {
			return nil, fmt.Errorf("%w: schedule: %v", ErrInvalidInput, err)
		}
		next = *sched
	}

	var nextAt *time.Time
	if cacheEnabled {
		if t, ok := next.Next(s.now()); ok {
			nextAt = &t
		}
	}
	return s.dashboards.SetSchedule(ctx, dashboardID, cacheEnabled, next, nextAt)
}

// CreateItem adds an item to a dashboard.
func (s *Service) CreateItem(ctx context.Context, it *Item) (*Item, error) {
	if strings.TrimSpace(it.SQL) == "" {
		return nil, fmt.Errorf("%w: item sql is required", ErrInvalidInput)
	}
	if it.Type == "" {
		it.Type = ItemTable
	}
	return s.dashboards.CreateItem(ctx, it)
}

// DeleteItem removes an item and its cache entries.
func (s *Service) DeleteItem(ctx context.Context, id int) error {
	if err := s.dashboards.DeleteItem(ctx, id); err != nil {
		return err
	}
	return s.cache.DeleteByItem(ctx, id)
}
