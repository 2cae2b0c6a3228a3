package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed cache store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const entryColumns = `key, item_id, dashboard_id, data, created_at, overridden_at, updated_at`

// EnsureTable creates the item_cache table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS item_cache (
			key           TEXT PRIMARY KEY,
			item_id       INTEGER NOT NULL,
			dashboard_id  INTEGER NOT NULL,
			data          JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			overridden_at TIMESTAMPTZ,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_item_cache_dashboard ON item_cache(dashboard_id, item_id)`)
	return err
}

// Get retrieves the entry for key.
func (s *PgStore) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM item_cache WHERE key = $1`, key)
	e, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("get cache %s: %w", key, err)
	}
	return e, nil
}

// Put upserts e.
func (s *PgStore) Put(ctx context.Context, e *Entry) error {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO item_cache (`+entryColumns+`)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			data = EXCLUDED.data,
			created_at = EXCLUDED.created_at,
			overridden_at = EXCLUDED.overridden_at,
			updated_at = EXCLUDED.updated_at`,
		e.Key, e.ItemID, e.DashboardID, string(dataJSON), e.CreatedAt, e.OverriddenAt, updated)
	if err != nil {
		return fmt.Errorf("put cache %s: %w", e.Key, err)
	}
	return nil
}

// ByDashboard lists a dashboard's entries ordered by item.
func (s *PgStore) ByDashboard(ctx context.Context, dashboardID int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM item_cache WHERE dashboard_id = $1 ORDER BY item_id`, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("cache by dashboard: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return entries, nil
}

// DeleteByItem drops every entry of an item.
func (s *PgStore) DeleteByItem(ctx context.Context, itemID int) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM item_cache WHERE item_id = $1`, itemID); err != nil {
		return fmt.Errorf("delete cache for item %d: %w", itemID, err)
	}
	return nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var dataJSON []byte
	err := row.Scan(&e.Key, &e.ItemID, &e.DashboardID, &dataJSON, &e.CreatedAt, &e.OverriddenAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return &e, nil
}
