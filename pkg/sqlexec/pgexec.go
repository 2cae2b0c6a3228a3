package sqlexec

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgExecutor runs queries against a PostgreSQL source through pgxpool.
type PgExecutor struct {
	pool *pgxpool.Pool
}

// NewPgExecutor creates a PgExecutor.
func NewPgExecutor(pool *pgxpool.Pool) *PgExecutor {
	return &PgExecutor{pool: pool}
}

// Query implements Executor.
func (e *PgExecutor) Query(ctx context.Context, sql string, limit int) (*Result, error) {
	rows, err := e.pool.Query(ctx, wrapLimit(sql, limit))
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	typeMap := rows.Conn().TypeMap()
	res := &Result{Rows: [][]any{}}
	for _, fd := range rows.FieldDescriptions() {
		typeName := "unknown"
		if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
			typeName = t.Name
		}
		res.Columns = append(res.Columns, Column{Name: fd.Name, Type: typeName})
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return res, nil
}

// Validate runs EXPLAIN so the planner rejects unknown tables or columns
// without executing the query.
func (e *PgExecutor) Validate(ctx context.Context, sql string) error {
	sql = strings.TrimRight(strings.TrimSpace(sql), ";")
	if sql == "" {
		return fmt.Errorf("validate sql: empty statement")
	}
	rows, err := e.pool.Query(ctx, "EXPLAIN "+sql)
	if err != nil {
		return fmt.Errorf("validate sql: %w", err)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("validate sql: %w", err)
	}
	return nil
}
