// Package sqlexec is the contract with the SQL execution backend.
package sqlexec

import (
	"context"
	"fmt"
	"strings"
)

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Result is a tabular query result.
type Result struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"data"`
}

// Truncate returns r limited to n rows. r itself is not modified.
func (r *Result) Truncate(n int) *Result {
	if r == nil || n <= 0 || len(r.Rows) <= n {
		return r
	}
	return &Result{Columns: r.Columns, Rows: r.Rows[:n]}
}

// Executor runs SQL against the source database.
type Executor interface {
	// Query runs sql and returns at most limit rows.
	Query(ctx context.Context, sql string, limit int) (*Result, error)
	// Validate checks that sql plans without running it.
	Validate(ctx context.Context, sql string) error
}

// wrapLimit turns a user query into a bounded subquery.
func wrapLimit(sql string, limit int) string {
	sql = strings.TrimRight(strings.TrimSpace(sql), ";")
	return fmt.Sprintf("SELECT * FROM (%s) AS preview LIMIT %d", sql, limit)
}
