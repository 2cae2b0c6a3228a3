package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wrenflow/pkg/engine"
	"wrenflow/pkg/task"
	"wrenflow/pkg/thread"
)

// Error codes stored on FAILED tasks that did not come from the engine.
const (
	CodeNoRelevantData = "NO_RELEVANT_DATA"
	CodeNoRelevantSQL  = "NO_RELEVANT_SQL"
	CodeInvalidSQL     = "INVALID_SQL_ERROR"
	CodeSQLExecution   = "SQL_EXECUTION_ERROR"
	CodeInternal       = "INTERNAL"
)

// CreateAskingTask stores a new asking task in UNDERSTANDING and starts its
// pipeline. It returns as soon as the task is stored.
func (o *Orchestrator) CreateAskingTask(ctx context.Context, question string, threadID *int) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", &ValidationError{Field: "question", Message: "is required"}
	}
	t, err := o.create(ctx, &task.Task{
		Kind:   task.KindAsking,
		Status: task.StatusUnderstanding,
		Input:  task.Input{Question: question, ThreadID: threadID},
	})
	if err != nil {
		return "", fmt.Errorf("create asking task: %w", err)
	}
	o.start(t, func(ctx context.Context, r *runner) { r.ask(ctx, &t.Input) })
	o.logger.Info("asking task created", zap.String("task_id", t.ID))
	return t.ID, nil
}

// AskingTask returns an asking task by ID.
func (o *Orchestrator) AskingTask(ctx context.Context, id string) (*task.Task, error) {
	return o.get(ctx, id, task.KindAsking)
}

// CancelAskingTask stops a running asking task. It reports false, and
// changes nothing, when the task already reached a terminal state.
func (o *Orchestrator) CancelAskingTask(ctx context.Context, id string) (bool, error) {
	return o.cancel(ctx, id, task.KindAsking)
}

// RerunAskingTask asks a thread response's question again as a new task.
// The original task is not touched.
func (o *Orchestrator) RerunAskingTask(ctx context.Context, responseID int) (string, error) {
	resp, err := o.threads.Get(ctx, responseID)
	if err != nil {
		return "", err
	}
	threadID := resp.ThreadID
	rid := resp.ID
	t, err := o.create(ctx, &task.Task{
		Kind:   task.KindAsking,
		Status: task.StatusUnderstanding,
		Input:  task.Input{Question: resp.Question, ThreadID: &threadID, ResponseID: &rid},
	})
	if err != nil {
		return "", fmt.Errorf("rerun asking task for response %d: %w", responseID, err)
	}
	if _, err := o.threads.Update(ctx, responseID, map[string]any{"asking_task_id": t.ID}); err != nil {
		o.logger.Warn("link rerun task to response", zap.Int("response_id", responseID), zap.Error(err))
	}
	o.start(t, func(ctx context.Context, r *runner) { r.ask(ctx, &t.Input) })
	o.logger.Info("asking task rerun", zap.String("task_id", t.ID), zap.Int("response_id", responseID))
	return t.ID, nil
}

// ask is the asking pipeline: UNDERSTANDING -> SEARCHING -> PLANNING ->
// GENERATING (<-> CORRECTING) -> FINISHED.
func (r *runner) ask(ctx context.Context, in *task.Input) {
	req := &engine.Request{Stage: engine.StageUnderstand, Question: in.Question, ThreadID: in.ThreadID}
	understood := r.stage(ctx, req)
	if understood == nil {
		return
	}
	req.RephrasedQuestion = understood.RephrasedQuestion
	res := &task.Result{
		Type:              understood.Type,
		RephrasedQuestion: understood.RephrasedQuestion,
		IntentReasoning:   understood.IntentReasoning,
	}
	if understood.Type == task.AskingGeneral || understood.Type == task.AskingMisleadingQuery {
		r.finish(ctx, res)
		return
	}
	res.Type = task.AskingTextToSQL

	if !r.advance(ctx, task.Transition{To: task.StatusSearching}) {
		return
	}
	req.Stage = engine.StageSearch
	searched := r.stage(ctx, req)
	if searched == nil {
		return
	}
	if len(searched.RetrievedTables) == 0 {
		r.fail(ctx, &task.TaskError{
			Code:         CodeNoRelevantData,
			ShortMessage: "no relevant data",
			Message:      "no tables in the data model relate to the question",
		})
		return
	}
	req.RetrievedTables = searched.RetrievedTables
	res.RetrievedTables = searched.RetrievedTables

	if !r.advance(ctx, task.Transition{To: task.StatusPlanning}) {
		return
	}
	req.Stage = engine.StagePlan
	planned := r.stage(ctx, req)
	if planned == nil {
		return
	}
	req.SQLGenerationReasoning = planned.SQLGenerationReasoning
	res.SQLGenerationReasoning = planned.SQLGenerationReasoning

	if !r.advance(ctx, task.Transition{To: task.StatusGenerating}) {
		return
	}
	if !r.generate(ctx, req, res) {
		return
	}
	if in.ResponseID != nil && len(res.Candidates) > 0 {
		r.o.linkSQL(ctx, *in.ResponseID, res.Candidates[0].SQL, nil)
	}
}

// generate runs the GENERATING/CORRECTING loop from GENERATING. Candidates
// are produced by the engine, the first one is validated, and a recoverable
// engine failure, a timeout or an invalid candidate moves the task to
// CORRECTING while budget remains. It reports whether the task finished.
func (r *runner) generate(ctx context.Context, req *engine.Request, res *task.Result) bool {
	var pending []task.Candidate // corrected candidates awaiting validation
	for {
		candidates := pending
		pending = nil
		var cause error
		if candidates == nil {
			req.Stage = engine.StageGenerate
			resp, err := r.call(ctx, req)
			switch {
			case err == nil:
				candidates = resp.Candidates
				if resp.SQLGenerationReasoning != "" {
					res.SQLGenerationReasoning = resp.SQLGenerationReasoning
				}
			case ctx.Err() != nil:
				return false
			case !engine.Recoverable(err):
				r.fail(ctx, engine.AsTaskError(err))
				return false
			default:
				cause = err
			}
		}

		var invalid string
		if cause == nil {
			if len(candidates) == 0 {
				r.fail(ctx, &task.TaskError{
					Code:         CodeNoRelevantSQL,
					ShortMessage: "no relevant sql",
					Message:      "the engine produced no SQL candidate for the question",
				})
				return false
			}
			if err := r.o.validateSQL(ctx, candidates[0].SQL); err != nil {
				if ctx.Err() != nil {
					return false
				}
				cause, invalid = err, candidates[0].SQL
			}
		}

		if cause == nil {
			res.Candidates = candidates
			res.SQL = candidates[0].SQL
			return r.finish(ctx, res)
		}

		if !r.canRetry() {
			te := engine.AsTaskError(cause)
			if invalid != "" {
				te = &task.TaskError{Code: CodeInvalidSQL, ShortMessage: "invalid sql", Message: cause.Error(), InvalidSQL: invalid}
			}
			r.fail(ctx, te)
			return false
		}
		r.o.logger.Warn("correcting", zap.String("task_id", r.id), zap.Int("retries", r.retries), zap.Error(cause))
		if !r.advance(ctx, task.Transition{To: task.StatusCorrecting}) {
			return false
		}

		if invalid != "" {
			req.Stage = engine.StageCorrect
			req.InvalidSQL, req.SQLError = invalid, cause.Error()
			resp, err := r.call(ctx, req)
			req.InvalidSQL, req.SQLError = "", ""
			switch {
			case err == nil:
				if len(resp.Candidates) > 0 {
					pending = resp.Candidates
				}
			case ctx.Err() != nil:
				return false
			case !engine.Recoverable(err):
				r.fail(ctx, engine.AsTaskError(err))
				return false
			}
		}

		if !r.advance(ctx, task.Transition{To: task.StatusGenerating}) {
			return false
		}
	}
}

// linkSQL records a finished task's SQL on the thread response it belongs to.
func (o *Orchestrator) linkSQL(ctx context.Context, responseID int, sql string, adj *thread.Adjustment) {
	updates := map[string]any{"sql": sql}
	if adj != nil {
		updates["adjustment"] = adj
	}
	if _, err := o.threads.Update(context.WithoutCancel(ctx), responseID, updates); err != nil {
		o.logger.Warn("update thread response sql", zap.Int("response_id", responseID), zap.Error(err))
	}
}
