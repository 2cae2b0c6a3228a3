// Package cache stores the last computed result of each dashboard item.
package cache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"wrenflow/pkg/sqlexec"
)

// ErrNotFound is returned when no entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Entry is the cached result of one item's query definition.
type Entry struct {
	Key          string          `json:"key"`
	ItemID       int             `json:"item_id"`
	DashboardID  int             `json:"dashboard_id"`
	Data         *sqlexec.Result `json:"data"`
	CreatedAt    time.Time       `json:"created_at"`              // when Data was computed
	OverriddenAt *time.Time      `json:"overridden_at,omitempty"` // last forced recompute
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Key identifies an item plus its query definition. Editing the SQL yields a
// new key, so entries for an old definition are never served.
func Key(itemID int, sql string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(sql)))
	return fmt.Sprintf("item:%d:%x", itemID, sum[:8])
}

// Store is the contract for cache persistence. Each key is an independent
// unit of mutation.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Put creates or replaces the entry for e.Key.
	Put(ctx context.Context, e *Entry) error
	ByDashboard(ctx context.Context, dashboardID int) ([]Entry, error)
	DeleteByItem(ctx context.Context, itemID int) error
	EnsureTable(ctx context.Context) error
}
