package task

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no task has the requested ID.
	ErrNotFound = errors.New("task not found")
	// ErrStaleToken is returned by Advance when the caller's attempt token no
	// longer matches the stored one: the task was cancelled or another
	// transition won the race.
	ErrStaleToken = errors.New("stale attempt token")
	// ErrTerminal is returned when a transition targets a task that already
	// reached FINISHED, FAILED or STOPPED.
	ErrTerminal = errors.New("task is terminal")
	// ErrInvalidTransition is returned when the requested status change is not
	// an edge of the task kind's state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Kind selects which state machine a task follows.
type Kind string

const (
	KindAsking         Kind = "ASKING"
	KindAdjustment     Kind = "ADJUSTMENT"
	KindChart          Kind = "CHART"
	KindAnswer         Kind = "ANSWER"         // streamed answer over a response's data
	KindRecommendation Kind = "RECOMMENDATION" // follow-up question proposals
)

// Task is a unit of asynchronous work polled by ID.
type Task struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Status    Status     `json:"status"`
	Input     Input      `json:"input"`
	Result    *Result    `json:"result,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
	TraceID   string     `json:"trace_id,omitempty"`
	QueryID   string     `json:"query_id,omitempty"`
	Token     int64      `json:"token"`   // fencing token, bumped on every applied change
	Retries   int        `json:"retries"` // CORRECTING entries consumed
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Input is what the caller asked for. Fields are optional per kind.
type Input struct {
	Question   string            `json:"question,omitempty"`
	ThreadID   *int              `json:"thread_id,omitempty"`
	ResponseID *int              `json:"response_id,omitempty"`
	SQL        string            `json:"sql,omitempty"`
	Adjustment *AdjustmentInput  `json:"adjustment,omitempty"`
	Chart      *ChartAdjustInput `json:"chart,omitempty"`

	PreviousQuestions []string `json:"previous_questions,omitempty"`
}

// AdjustmentType names the two adjustment modes.
type AdjustmentType string

const (
	AdjustReasoning AdjustmentType = "REASONING"
	AdjustApplySQL  AdjustmentType = "APPLY_SQL"
)

// AdjustmentInput is the stored form of an already validated adjustment.
type AdjustmentInput struct {
	Type                   AdjustmentType `json:"type"`
	Tables                 []string       `json:"tables,omitempty"`
	SQLGenerationReasoning string         `json:"sql_generation_reasoning,omitempty"`
	SQL                    string         `json:"sql,omitempty"`
}

// ChartAdjustInput carries caller hints for regenerating a chart.
type ChartAdjustInput struct {
	ChartType string `json:"chart_type"`
	XAxis     string `json:"x_axis,omitempty"`
	YAxis     string `json:"y_axis,omitempty"`
	XOffset   string `json:"x_offset,omitempty"`
	Color     string `json:"color,omitempty"`
	Theta     string `json:"theta,omitempty"`
}

// AskingType is the engine's classification of a question.
type AskingType string

const (
	AskingGeneral         AskingType = "GENERAL"
	AskingTextToSQL       AskingType = "TEXT_TO_SQL"
	AskingMisleadingQuery AskingType = "MISLEADING_QUERY"
)

// CandidateType records where a SQL candidate came from.
type CandidateType string

const (
	CandidateView    CandidateType = "VIEW"
	CandidateLLM     CandidateType = "LLM"
	CandidateSQLPair CandidateType = "SQL_PAIR"
)

// Candidate is one SQL answer proposed for a question.
type Candidate struct {
	Type      CandidateType `json:"type"`
	SQL       string        `json:"sql"`
	ViewID    *int          `json:"view_id,omitempty"`
	SQLPairID *int          `json:"sql_pair_id,omitempty"`
}

// RecommendedQuestion is one proposed follow-up question.
type RecommendedQuestion struct {
	Question string `json:"question"`
	Category string `json:"category"`
	SQL      string `json:"sql"`
}

// Result is the payload of a FINISHED task.
type Result struct {
	Type                   AskingType     `json:"type,omitempty"`
	Candidates             []Candidate    `json:"candidates,omitempty"`
	RephrasedQuestion      string         `json:"rephrased_question,omitempty"`
	IntentReasoning        string         `json:"intent_reasoning,omitempty"`
	SQLGenerationReasoning string         `json:"sql_generation_reasoning,omitempty"`
	RetrievedTables        []string       `json:"retrieved_tables,omitempty"`
	SQL                    string         `json:"sql,omitempty"`
	ChartType              string         `json:"chart_type,omitempty"`
	ChartSchema            map[string]any `json:"chart_schema,omitempty"`
	Description            string         `json:"description,omitempty"`

	Content          string                `json:"content,omitempty"`
	NumRowsUsedInLLM int                   `json:"num_rows_used_in_llm,omitempty"`
	Questions        []RecommendedQuestion `json:"questions,omitempty"`
}

// TaskError is the payload of a FAILED task. Message keeps the engine text verbatim.
type TaskError struct {
	Code         string `json:"code"`
	ShortMessage string `json:"short_message,omitempty"`
	Message      string `json:"message"`
	InvalidSQL   string `json:"invalid_sql,omitempty"`
}

// Transition is a requested status change. It is the only way a stored task
// changes after creation (besides Cancel).
type Transition struct {
	To      Status
	Result  *Result    // required with FINISHED, forbidden otherwise
	Error   *TaskError // required with FAILED, forbidden otherwise
	TraceID string     // recorded if the task has none yet
	QueryID string
}

// Store is the contract for task persistence.
type Store interface {
	// Create stores a new task, assigning ID, Token and timestamps.
	Create(ctx context.Context, t *Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	// Advance applies tr if the stored token equals token. It returns the
	// updated task, whose Token is token+1.
	Advance(ctx context.Context, id string, token int64, tr Transition) (*Task, error)
	// Cancel moves a non-terminal task to STOPPED. It reports false, without
	// error, when the task was already terminal.
	Cancel(ctx context.Context, id string) (bool, *Task, error)
	ByResponse(ctx context.Context, responseID int, kind Kind) ([]Task, error)
	EnsureTable(ctx context.Context) error
}
