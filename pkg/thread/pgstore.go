package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed thread response store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const responseColumns = `id, thread_id, question, sql, asking_task_id, adjustment_task_id, chart_task_id, answer_task_id, adjustment, created_at, updated_at`

// EnsureTable creates the thread_responses table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS thread_responses (
			id                 SERIAL PRIMARY KEY,
			thread_id          INTEGER NOT NULL,
			question           TEXT NOT NULL DEFAULT '',
			sql                TEXT NOT NULL DEFAULT '',
			asking_task_id     TEXT NOT NULL DEFAULT '',
			adjustment_task_id TEXT NOT NULL DEFAULT '',
			chart_task_id      TEXT NOT NULL DEFAULT '',
			answer_task_id     TEXT NOT NULL DEFAULT '',
			adjustment         JSONB,
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `ALTER TABLE thread_responses ADD COLUMN IF NOT EXISTS answer_task_id TEXT NOT NULL DEFAULT ''`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_thread_responses_thread ON thread_responses(thread_id)`)
	return err
}

// Create inserts a new response.
func (s *PgStore) Create(ctx context.Context, r *Response) (*Response, error) {
	adjJSON, err := marshalAdjustment(r.Adjustment)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO thread_responses (thread_id, question, sql, asking_task_id, adjustment_task_id, chart_task_id, answer_task_id, adjustment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		RETURNING `+responseColumns,
		r.ThreadID, r.Question, r.SQL, r.AskingTaskID, r.AdjustmentTaskID, r.ChartTaskID, r.AnswerTaskID, adjJSON)
	out, err := scanResponse(row)
	if err != nil {
		return nil, fmt.Errorf("create response: %w", err)
	}
	return out, nil
}

// Get retrieves a single response by ID.
func (s *PgStore) Get(ctx context.Context, id int) (*Response, error) {
	out, err := scanResponse(s.pool.QueryRow(ctx, `SELECT `+responseColumns+` FROM thread_responses WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get response %d: %w", id, err)
	}
	return out, nil
}

// Update modifies response fields.
func (s *PgStore) Update(ctx context.Context, id int, updates map[string]any) (*Response, error) {
	now := time.Now().Truncate(time.Microsecond)

	setClauses := "updated_at = $1"
	args := []any{now}
	argIdx := 2

	for k, v := range updates {
		switch k {
		case "sql", "asking_task_id", "adjustment_task_id", "chart_task_id", "answer_task_id":
			setClauses += fmt.Sprintf(", %s = $%d", k, argIdx)
			args = append(args, v)
			argIdx++
		case "adjustment":
			adjJSON, err := marshalAdjustment(v.(*Adjustment))
			if err != nil {
				return nil, err
			}
			setClauses += fmt.Sprintf(", adjustment = $%d::jsonb", argIdx)
			args = append(args, adjJSON)
			argIdx++
		}
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE thread_responses SET %s WHERE id = $%d RETURNING %s", setClauses, argIdx, responseColumns)
	out, err := scanResponse(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("update response %d: %w", id, err)
	}
	return out, nil
}

func marshalAdjustment(a *Adjustment) (*string, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal adjustment: %w", err)
	}
	s := string(b)
	return &s, nil
}

func scanResponse(row pgx.Row) (*Response, error) {
	var r Response
	var adjJSON []byte
	err := row.Scan(&r.ID, &r.ThreadID, &r.Question, &r.SQL, &r.AskingTaskID, &r.AdjustmentTaskID, &r.ChartTaskID, &r.AnswerTaskID, &adjJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if adjJSON != nil {
		r.Adjustment = &Adjustment{}
		if err := json.Unmarshal(adjJSON, r.Adjustment); err != nil {
			return nil, fmt.Errorf("unmarshal adjustment: %w", err)
		}
	}
	return &r, nil
}
