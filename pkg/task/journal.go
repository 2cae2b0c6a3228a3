package task

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Change is one applied status change: creation (From empty), a Transition,
// or a Cancel. Task is the state after the change.
type Change struct {
	From Status
	Task *Task
}

// Journal records applied changes. A store calls Record while it still holds
// the task, so one task's changes reach the journal in the order they were
// applied. A Record error aborts the change.
type Journal interface {
	Record(ctx context.Context, c Change) error
}

// TxJournal records changes inside a PgStore transaction. publish, when
// non-nil, runs after the transaction commits.
type TxJournal interface {
	RecordTx(ctx context.Context, tx pgx.Tx, c Change) (publish func(), err error)
}
