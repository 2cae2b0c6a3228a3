package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed task store. Transitions lock the row, so
// concurrent Advance/Cancel calls on one ID serialize and the loser sees a
// stale token. The journal writes in the same transaction.
type PgStore struct {
	pool    *pgxpool.Pool
	journal TxJournal
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// WithJournal makes the store record every applied change in j.
func (s *PgStore) WithJournal(j TxJournal) *PgStore {
	s.journal = j
	return s
}

// commit journals c inside tx, commits, then publishes.
func (s *PgStore) commit(ctx context.Context, tx pgx.Tx, c Change) error {
	var publish func()
	if s.journal != nil {
		var err error
		if publish, err = s.journal.RecordTx(ctx, tx, c); err != nil {
			return fmt.Errorf("journal task %s: %w", c.Task.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit task %s: %w", c.Task.ID, err)
	}
	if publish != nil {
		publish()
	}
	return nil
}

const taskColumns = `id, kind, status, input, result, error, trace_id, query_id, token, retries, created_at, updated_at`

// EnsureTable creates the tasks table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			status      TEXT NOT NULL,
			input       JSONB NOT NULL DEFAULT '{}',
			result      JSONB,
			error       JSONB,
			trace_id    TEXT NOT NULL DEFAULT '',
			query_id    TEXT NOT NULL DEFAULT '',
			token       BIGINT NOT NULL DEFAULT 1,
			retries     INTEGER NOT NULL DEFAULT 0,
			response_id INTEGER,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_response ON tasks(response_id, kind) WHERE response_id IS NOT NULL`)
	return err
}

// Create inserts a new task.
func (s *PgStore) Create(ctx context.Context, t *Task) (*Task, error) {
	if !InitialStatus(t.Kind, t.Status) {
		return nil, fmt.Errorf("create task: %w: %s cannot start in %s", ErrInvalidTransition, t.Kind, t.Status)
	}
	cp := *t
	cp.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Token = 1
	cp.Retries = 0
	cp.Result = nil
	cp.Error = nil

	inputJSON, err := json.Marshal(cp.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, kind, status, input, token, response_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)`,
		cp.ID, cp.Kind, cp.Status, string(inputJSON), cp.Token, cp.Input.ResponseID, cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := s.commit(ctx, tx, Change{Task: &cp}); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// Advance applies tr inside a transaction holding the row lock.
func (s *PgStore) Advance(ctx context.Context, id string, token int64, tr Transition) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("advance task %s: %w", id, err)
	}
	if t.Token != token {
		return nil, fmt.Errorf("advance task %s: %w (have %d, want %d)", id, ErrStaleToken, token, t.Token)
	}
	if err := tr.validate(t.Kind, t.Status); err != nil {
		return nil, fmt.Errorf("advance task %s: %w", id, err)
	}
	from := t.Status
	tr.apply(t, time.Now().Truncate(time.Microsecond))

	if err := s.write(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("advance task %s: %w", id, err)
	}
	if err := s.commit(ctx, tx, Change{From: from, Task: t}); err != nil {
		return nil, err
	}
	return t, nil
}

// Cancel moves a non-terminal task to STOPPED.
func (s *PgStore) Cancel(ctx context.Context, id string) (bool, *Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return false, nil, fmt.Errorf("cancel task %s: %w", id, err)
	}
	if t.Status.IsTerminal() {
		return false, t, nil
	}
	from := t.Status
	Transition{To: StopStatus(t.Kind)}.apply(t, time.Now().Truncate(time.Microsecond))
	if err := s.write(ctx, tx, t); err != nil {
		return false, nil, fmt.Errorf("cancel task %s: %w", id, err)
	}
	if err := s.commit(ctx, tx, Change{From: from, Task: t}); err != nil {
		return false, nil, err
	}
	return true, t, nil
}

// ByResponse lists tasks of kind linked to a thread response, oldest first.
func (s *PgStore) ByResponse(ctx context.Context, responseID int, kind Kind) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE response_id = $1 AND kind = $2 ORDER BY created_at ASC`, responseID, kind)
	if err != nil {
		return nil, fmt.Errorf("tasks by response: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

func (s *PgStore) write(ctx context.Context, tx pgx.Tx, t *Task) error {
	resultJSON, err := nullableJSON(t.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	errorJSON, err := nullableJSON(t.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = $1, result = $2::jsonb, error = $3::jsonb, trace_id = $4, query_id = $5,
			token = $6, retries = $7, updated_at = $8
		WHERE id = $9`,
		t.Status, resultJSON, errorJSON, t.TraceID, t.QueryID, t.Token, t.Retries, t.UpdatedAt, t.ID)
	return err
}

func nullableJSON[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var inputJSON, resultJSON, errorJSON []byte
	err := row.Scan(&t.ID, &t.Kind, &t.Status, &inputJSON, &resultJSON, &errorJSON,
		&t.TraceID, &t.QueryID, &t.Token, &t.Retries, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(inputJSON, &t.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if resultJSON != nil {
		t.Result = &Result{}
		if err := json.Unmarshal(resultJSON, t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if errorJSON != nil {
		t.Error = &TaskError{}
		if err := json.Unmarshal(errorJSON, t.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	return &t, nil
}
