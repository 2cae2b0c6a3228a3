package dashboard

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scheduler refreshes cached item results on each dashboard's schedule,
// independent of preview traffic.
type Scheduler struct {
	svc         *Service
	tick        time.Duration
	concurrency int
	logger      *zap.Logger
}

// NewScheduler creates a Scheduler. concurrency bounds how many dashboards
// refresh at once; items of one dashboard always refresh one at a time.
func NewScheduler(svc *Service, tick time.Duration, concurrency int, logger *zap.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{svc: svc, tick: tick, concurrency: concurrency, logger: logger}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler running", zap.Duration("tick", s.tick), zap.Int("concurrency", s.concurrency))

	// Catch up immediately on startup
	s.poll(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduler tick", zap.Any("panic", r))
		}
	}()
	s.Tick(ctx)
}

// Tick runs one pass: every due item of every scheduled dashboard is
// recomputed. It returns how many entries were refreshed.
func (s *Scheduler) Tick(ctx context.Context) int {
	dashboards, err := s.svc.dashboards.List(ctx)
	if err != nil {
		s.logger.Error("list dashboards", zap.Error(err))
		return 0
	}

	now := s.svc.now()
	refreshed := make([]int, len(dashboards))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range dashboards {
		d := &dashboards[i]
		if !d.Scheduled() {
			continue
		}
		g.Go(func() error {
			refreshed[i] = s.refreshDashboard(ctx, d, now)
			return nil
		})
	}
	g.Wait()

	total := 0
	for _, n := range refreshed {
		total += n
	}
	if total > 0 {
		s.logger.Info("scheduler tick", zap.Int("refreshed", total))
	}
	return total
}

// refreshDashboard recomputes the due items of d sequentially. A failed
// item is logged and keeps its last good entry.
func (s *Scheduler) refreshDashboard(ctx context.Context, d *Dashboard, now time.Time) int {
	log := s.logger.With(zap.Int("dashboard_id", d.ID))
	items, err := s.svc.dashboards.Items(ctx, d.ID)
	if err != nil {
		log.Error("list dashboard items", zap.Error(err))
		return 0
	}

	entries, err := s.svc.cache.ByDashboard(ctx, d.ID)
	if err != nil {
		log.Error("list cache entries", zap.Error(err))
		return 0
	}
	computed := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		computed[e.Key] = e.CreatedAt
	}

	n := 0
	for i := range items {
		if ctx.Err() != nil {
			return n
		}
		item := &items[i]
		if at, ok := computed[item.CacheKey()]; ok && !d.Schedule.Due(at, now) {
			continue
		}
		if _, err := s.svc.refresh(ctx, d, item, refreshScheduled); err != nil {
			log.Warn("scheduled refresh failed, serving last known data", zap.Int("item_id", item.ID), zap.Error(err))
			continue
		}
		n++
	}

	var next *time.Time
	if t, ok := d.Schedule.Next(now); ok {
		next = &t
	}
	if err := s.svc.dashboards.SetNextScheduledAt(ctx, d.ID, next); err != nil {
		log.Warn("record next scheduled refresh", zap.Error(err))
	}
	return n
}
