package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wrenflow/pkg/task"
)

// PgStore is a PostgreSQL-backed history Store with per-task hash chains.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const eventColumns = `id, task_id, kind, from_status, to_status, token, timestamp, detail, hash, prev_hash`

// EnsureTable creates the task_events table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_events (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			from_status TEXT NOT NULL DEFAULT '',
			to_status   TEXT NOT NULL,
			token       BIGINT NOT NULL,
			timestamp   TIMESTAMPTZ NOT NULL,
			detail      JSONB NOT NULL DEFAULT '{}',
			hash        TEXT NOT NULL,
			prev_hash   TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, timestamp, id)`)
	return err
}

// Append stores e at the head of its task's chain.
func (s *PgStore) Append(ctx context.Context, e *Event) (*Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stored, err := s.AppendTx(ctx, tx, e)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	return stored, nil
}

// AppendTx stores e inside the caller's transaction, so the event commits or
// rolls back with the change it describes.
func (s *PgStore) AppendTx(ctx context.Context, tx pgx.Tx, e *Event) (*Event, error) {
	cp := *e
	if cp.Detail == nil {
		cp.Detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(cp.Detail)
	if err != nil {
		return nil, fmt.Errorf("marshal detail: %w", err)
	}
	cp.ID = uuid.Must(uuid.NewV7()).String()
	cp.Timestamp = time.Now().Truncate(time.Microsecond)

	// Serialize appends per task so two writers cannot fork the chain.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, cp.TaskID); err != nil {
		return nil, fmt.Errorf("lock chain %s: %w", cp.TaskID, err)
	}
	var prevHash string
	err = tx.QueryRow(ctx, `
		SELECT hash FROM task_events WHERE task_id = $1
		ORDER BY timestamp DESC, id DESC LIMIT 1`, cp.TaskID).Scan(&prevHash)
	if errors.Is(err, pgx.ErrNoRows) {
		prevHash = ""
	} else if err != nil {
		return nil, fmt.Errorf("read chain head %s: %w", cp.TaskID, err)
	}
	cp.PrevHash = prevHash
	cp.Hash = computeHash(prevHash, &cp)

	_, err = tx.Exec(ctx, `
		INSERT INTO task_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)`,
		cp.ID, cp.TaskID, cp.Kind, cp.From, cp.To, cp.Token, cp.Timestamp, string(detailJSON), cp.Hash, cp.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return &cp, nil
}

// Record implements task.Journal.
func (s *PgStore) Record(ctx context.Context, c task.Change) error {
	_, err := s.Append(ctx, FromChange(c))
	return err
}

// RecordTx implements task.TxJournal.
func (s *PgStore) RecordTx(ctx context.Context, tx pgx.Tx, c task.Change) (func(), error) {
	_, err := s.AppendTx(ctx, tx, FromChange(c))
	return nil, err
}

// ByTask returns a task's events in chronological order.
func (s *PgStore) ByTask(ctx context.Context, taskID string) ([]Event, error) {
	return s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM task_events
		WHERE task_id = $1 ORDER BY timestamp ASC, id ASC`, taskID)
}

// Since returns events created after the given ID, for polling/SSE. A zero
// limit returns them all.
func (s *PgStore) Since(ctx context.Context, taskID, afterID string, limit int) ([]Event, error) {
	if afterID == "" {
		return s.scanMany(ctx, `
			SELECT `+eventColumns+` FROM task_events
			WHERE task_id = $1 ORDER BY timestamp ASC, id ASC LIMIT NULLIF($2::int, 0)`, taskID, limit)
	}
	return s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM task_events
		WHERE task_id = $1 AND (timestamp, id) > (SELECT timestamp, id FROM task_events WHERE id = $2)
		ORDER BY timestamp ASC, id ASC LIMIT NULLIF($3::int, 0)`, taskID, afterID, limit)
}

// Verify walks a task's chain and checks hash integrity.
func (s *PgStore) Verify(ctx context.Context, taskID string) error {
	events, err := s.ByTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("verify chain %s: %w", taskID, err)
	}
	return verifyChain(events)
}

func (s *PgStore) scanMany(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.From, &e.To, &e.Token, &e.Timestamp, &detailJSON, &e.Hash, &e.PrevHash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal detail: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return events, nil
}
