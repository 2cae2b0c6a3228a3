package thread

import (
	"context"
	"errors"
	"time"

	"wrenflow/pkg/task"
)

// ErrNotFound is returned when no thread response has the requested ID.
var ErrNotFound = errors.New("thread response not found")

// Adjustment records the last adjustment applied to a response.
type Adjustment struct {
	Type    task.AdjustmentType `json:"type"`
	Payload map[string]any      `json:"payload,omitempty"`
}

// Response is one question/answer turn of a thread. The orchestrator only
// needs the question, the SQL and the task links.
type Response struct {
	ID               int         `json:"id"`
	ThreadID         int         `json:"thread_id"`
	Question         string      `json:"question"`
	SQL              string      `json:"sql,omitempty"`
	AskingTaskID     string      `json:"asking_task_id,omitempty"`
	AdjustmentTaskID string      `json:"adjustment_task_id,omitempty"`
	ChartTaskID      string      `json:"chart_task_id,omitempty"`
	AnswerTaskID     string      `json:"answer_task_id,omitempty"`
	Adjustment       *Adjustment `json:"adjustment,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Store is the contract for thread response persistence.
type Store interface {
	Create(ctx context.Context, r *Response) (*Response, error)
	Get(ctx context.Context, id int) (*Response, error)
	// Update modifies response fields. Supported keys: sql, asking_task_id,
	// adjustment_task_id, chart_task_id, answer_task_id, adjustment.
	Update(ctx context.Context, id int, updates map[string]any) (*Response, error)
	EnsureTable(ctx context.Context) error
}
