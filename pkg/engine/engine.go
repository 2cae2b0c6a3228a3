// Package engine is the contract with the external natural-language
// reasoning service. The orchestrator sees it as a black box that runs one
// pipeline stage per call.
package engine

import (
	"context"
	"errors"
	"fmt"

	"wrenflow/pkg/sqlexec"
	"wrenflow/pkg/task"
)

// Stage names one call into the reasoning service.
type Stage string

const (
	StageUnderstand Stage = "understand"
	StageSearch     Stage = "search"
	StagePlan       Stage = "plan"
	StageGenerate   Stage = "generate"
	StageCorrect    Stage = "correct"
	StageChart      Stage = "chart"
	StageAnswer     Stage = "answer"
	StageRecommend  Stage = "recommend"
)

// Request is the accumulated context sent with a stage call.
type Request struct {
	Stage    Stage  `json:"stage"`
	TaskID   string `json:"task_id"`
	Question string `json:"question,omitempty"`
	ThreadID *int   `json:"thread_id,omitempty"`

	RephrasedQuestion      string   `json:"rephrased_question,omitempty"`
	RetrievedTables        []string `json:"retrieved_tables,omitempty"`
	SQLGenerationReasoning string   `json:"sql_generation_reasoning,omitempty"`

	// correct stage
	InvalidSQL string `json:"invalid_sql,omitempty"`
	SQLError   string `json:"sql_error,omitempty"`

	// chart and answer stages
	SQL   string                 `json:"sql,omitempty"`
	Data  *sqlexec.Result        `json:"data,omitempty"`
	Chart *task.ChartAdjustInput `json:"chart,omitempty"`

	// recommend stage
	PreviousQuestions []string `json:"previous_questions,omitempty"`
}

// Response is a stage's output. Only the fields relevant to the stage are set.
type Response struct {
	TraceID string `json:"trace_id,omitempty"`
	QueryID string `json:"query_id,omitempty"`

	Type                   task.AskingType  `json:"type,omitempty"`
	RephrasedQuestion      string           `json:"rephrased_question,omitempty"`
	IntentReasoning        string           `json:"intent_reasoning,omitempty"`
	RetrievedTables        []string         `json:"retrieved_tables,omitempty"`
	SQLGenerationReasoning string           `json:"sql_generation_reasoning,omitempty"`
	Candidates             []task.Candidate `json:"candidates,omitempty"`

	ChartType   string         `json:"chart_type,omitempty"`
	ChartSchema map[string]any `json:"chart_schema,omitempty"`
	Description string         `json:"description,omitempty"`

	Content   string                     `json:"content,omitempty"`
	Questions []task.RecommendedQuestion `json:"questions,omitempty"`
}

// Engine runs one stage of the reasoning pipeline.
type Engine interface {
	Run(ctx context.Context, req *Request) (*Response, error)
}

// Streamer is implemented by engines that deliver a stage's content
// incrementally. emit is called once per chunk, in order, before Stream
// returns the final response.
type Streamer interface {
	Stream(ctx context.Context, req *Request, emit func(chunk string)) (*Response, error)
}

// Error is a failure reported by the reasoning service.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s: %s", e.Code, e.Message)
}

// Recoverable reports whether err may be retried. Engine errors carry the
// flag; context deadlines count as recoverable stage timeouts. Anything else
// is fatal.
func Recoverable(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Recoverable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// AsTaskError converts err into the payload stored on a FAILED task, keeping
// the engine's message verbatim.
func AsTaskError(err error) *task.TaskError {
	var ee *Error
	if errors.As(err, &ee) {
		return &task.TaskError{Code: ee.Code, ShortMessage: ee.Code, Message: ee.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &task.TaskError{Code: "TIMEOUT", ShortMessage: "stage timed out", Message: err.Error()}
	}
	return &task.TaskError{Code: "INTERNAL", ShortMessage: "internal error", Message: err.Error()}
}
