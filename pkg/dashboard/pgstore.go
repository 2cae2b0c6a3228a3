package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wrenflow/pkg/cache"
)

// PgStore is a PostgreSQL-backed dashboard store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const (
	dashboardColumns = `id, name, cache_enabled, schedule, next_scheduled_at`
	itemColumns      = `id, dashboard_id, type, display_name, sql, chart_schema`
)

// EnsureTable creates the dashboards and dashboard_items tables if they don't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dashboards (
			id                SERIAL PRIMARY KEY,
			name              TEXT NOT NULL DEFAULT '',
			cache_enabled     BOOLEAN NOT NULL DEFAULT TRUE,
			schedule          JSONB NOT NULL DEFAULT '{"frequency":"NEVER"}',
			next_scheduled_at TIMESTAMPTZ
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dashboard_items (
			id           SERIAL PRIMARY KEY,
			dashboard_id INTEGER NOT NULL REFERENCES dashboards(id) ON DELETE CASCADE,
			type         TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			sql          TEXT NOT NULL,
			chart_schema JSONB
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_dashboard_items_dashboard ON dashboard_items(dashboard_id)`)
	return err
}

// Create inserts a dashboard.
func (s *PgStore) Create(ctx context.Context, d *Dashboard) (*Dashboard, error) {
	schedJSON, err := json.Marshal(d.Schedule)
	if err != nil {
		return nil, fmt.Errorf("marshal schedule: %w", err)
	}
	out, err := scanDashboard(s.pool.QueryRow(ctx, `
		INSERT INTO dashboards (name, cache_enabled, schedule, next_scheduled_at)
		VALUES ($1, $2, $3::jsonb, $4)
		RETURNING `+dashboardColumns,
		d.Name, d.CacheEnabled, string(schedJSON), d.NextScheduledAt))
	if err != nil {
		return nil, fmt.Errorf("create dashboard: %w", err)
	}
	return out, nil
}

// Get retrieves a dashboard by ID.
func (s *PgStore) Get(ctx context.Context, id int) (*Dashboard, error) {
	out, err := scanDashboard(s.pool.QueryRow(ctx, `SELECT `+dashboardColumns+` FROM dashboards WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get dashboard %d: %w", id, err)
	}
	return out, nil
}

// List returns every dashboard ordered by ID.
func (s *PgStore) List(ctx context.Context) ([]Dashboard, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+dashboardColumns+` FROM dashboards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list dashboards: %w", err)
	}
	defer rows.Close()
	var out []Dashboard
	for rows.Next() {
		d, err := scanDashboard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

// SetSchedule replaces the cache configuration of a dashboard.
func (s *PgStore) SetSchedule(ctx context.Context, id int, cacheEnabled bool, sched cache.Schedule, next *time.Time) (*Dashboard, error) {
	schedJSON, err := json.Marshal(sched)
	if err != nil {
		return nil, fmt.Errorf("marshal schedule: %w", err)
	}
	out, err := scanDashboard(s.pool.QueryRow(ctx, `
		UPDATE dashboards SET cache_enabled = $1, schedule = $2::jsonb, next_scheduled_at = $3
		WHERE id = $4
		RETURNING `+dashboardColumns,
		cacheEnabled, string(schedJSON), next, id))
	if err != nil {
		return nil, fmt.Errorf("set schedule %d: %w", id, err)
	}
	return out, nil
}

// SetNextScheduledAt records the next planned refresh.
func (s *PgStore) SetNextScheduledAt(ctx context.Context, id int, next *time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE dashboards SET next_scheduled_at = $1 WHERE id = $2`, next, id)
	if err != nil {
		return fmt.Errorf("set next schedule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set next schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

// CreateItem inserts an item.
func (s *PgStore) CreateItem(ctx context.Context, it *Item) (*Item, error) {
	schemaJSON, err := marshalSchema(it.ChartSchema)
	if err != nil {
		return nil, err
	}
	out, err := scanItem(s.pool.QueryRow(ctx, `
		INSERT INTO dashboard_items (dashboard_id, type, display_name, sql, chart_schema)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		RETURNING `+itemColumns,
		it.DashboardID, it.Type, it.DisplayName, it.SQL, schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}
	return out, nil
}

// Item retrieves one item.
func (s *PgStore) Item(ctx context.Context, id int) (*Item, error) {
	out, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM dashboard_items WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	return out, nil
}

// Items returns a dashboard's items ordered by ID.
func (s *PgStore) Items(ctx context.Context, dashboardID int) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM dashboard_items WHERE dashboard_id = $1 ORDER BY id`, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

// DeleteItem removes an item.
func (s *PgStore) DeleteItem(ctx context.Context, id int) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dashboard_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete item %d: %w", id, ErrNotFound)
	}
	return nil
}

func marshalSchema(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal chart schema: %w", err)
	}
	s := string(b)
	return &s, nil
}

func scanDashboard(row pgx.Row) (*Dashboard, error) {
	var d Dashboard
	var schedJSON []byte
	err := row.Scan(&d.ID, &d.Name, &d.CacheEnabled, &schedJSON, &d.NextScheduledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(schedJSON, &d.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	return &d, nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	var schemaJSON []byte
	err := row.Scan(&it.ID, &it.DashboardID, &it.Type, &it.DisplayName, &it.SQL, &schemaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if schemaJSON != nil {
		if err := json.Unmarshal(schemaJSON, &it.ChartSchema); err != nil {
			return nil, fmt.Errorf("unmarshal chart schema: %w", err)
		}
	}
	return &it, nil
}
