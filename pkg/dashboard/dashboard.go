// Package dashboard serves dashboard item previews from the cache and keeps
// that cache fresh on each dashboard's schedule.
package dashboard

import (
	"context"
	"errors"
	"time"

	"wrenflow/pkg/cache"
)

// ErrNotFound is returned for unknown dashboards or items.
var ErrNotFound = errors.New("dashboard not found")

// ItemType is the visualization of an item.
type ItemType string

const (
	ItemBar        ItemType = "BAR"
	ItemPie        ItemType = "PIE"
	ItemLine       ItemType = "LINE"
	ItemMultiLine  ItemType = "MULTI_LINE"
	ItemArea       ItemType = "AREA"
	ItemGroupedBar ItemType = "GROUPED_BAR"
	ItemStackedBar ItemType = "STACKED_BAR"
	ItemTable      ItemType = "TABLE"
	ItemNumber     ItemType = "NUMBER"
)

// Dashboard owns the cache configuration of its items.
type Dashboard struct {
	ID              int            `json:"id"`
	Name            string         `json:"name"`
	CacheEnabled    bool           `json:"cache_enabled"`
	Schedule        cache.Schedule `json:"schedule"`
	NextScheduledAt *time.Time     `json:"next_scheduled_at,omitempty"`
}

// Scheduled reports whether the Scheduler should refresh the dashboard.
func (d *Dashboard) Scheduled() bool {
	return d.CacheEnabled && d.Schedule.Frequency != "" && d.Schedule.Frequency != cache.Never
}

// Item is one visualization on a dashboard.
type Item struct {
	ID          int            `json:"id"`
	DashboardID int            `json:"dashboard_id"`
	Type        ItemType       `json:"type"`
	DisplayName string         `json:"display_name,omitempty"`
	SQL         string         `json:"sql"`
	ChartSchema map[string]any `json:"chart_schema,omitempty"`
}

// CacheKey is the cache key of the item's current query definition.
func (it *Item) CacheKey() string {
	return cache.Key(it.ID, it.SQL)
}

// Store is the contract for dashboard persistence.
type Store interface {
	Create(ctx context.Context, d *Dashboard) (*Dashboard, error)
	Get(ctx context.Context, id int) (*Dashboard, error)
	List(ctx context.Context) ([]Dashboard, error)
	SetSchedule(ctx context.Context, id int, cacheEnabled bool, sched cache.Schedule, next *time.Time) (*Dashboard, error)
	SetNextScheduledAt(ctx context.Context, id int, next *time.Time) error

	CreateItem(ctx context.Context, it *Item) (*Item, error)
	Item(ctx context.Context, id int) (*Item, error)
	Items(ctx context.Context, dashboardID int) ([]Item, error)
	DeleteItem(ctx context.Context, id int) error

	EnsureTable(ctx context.Context) error
}
