package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wrenflow/pkg/engine"
	"wrenflow/pkg/history"
	"wrenflow/pkg/task"
)

// GenerateThreadResponseAnswer starts an answer task that fetches a
// response's data and streams a natural-language answer over it. Chunks are
// published through the Notifier as they arrive; the whole text is stored on
// the task when it finishes.
func (o *Orchestrator) GenerateThreadResponseAnswer(ctx context.Context, responseID int) (*ThreadResponse, error) {
	resp, err := o.threads.Get(ctx, responseID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.SQL) == "" {
		return nil, &ValidationError{Field: "sql", Message: fmt.Sprintf("response %d has no SQL to answer from", responseID)}
	}
	if o.exec == nil {
		return nil, fmt.Errorf("answer response %d: no SQL executor configured", responseID)
	}

	threadID, rid := resp.ThreadID, resp.ID
	t, err := o.create(ctx, &task.Task{
		Kind:   task.KindAnswer,
		Status: task.StatusNotStarted,
		Input: task.Input{
			Question:   resp.Question,
			ThreadID:   &threadID,
			ResponseID: &rid,
			SQL:        resp.SQL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create answer task: %w", err)
	}
	resp, err = o.threads.Update(ctx, responseID, map[string]any{"answer_task_id": t.ID})
	if err != nil {
		err = fmt.Errorf("link answer task to response %d: %w", responseID, err)
		o.abandon(ctx, t, err)
		return nil, err
	}
	o.start(t, func(ctx context.Context, r *runner) { r.answer(ctx, &t.Input) })
	o.logger.Info("answer task created", zap.String("task_id", t.ID), zap.Int("response_id", responseID))

	out := o.resolve(ctx, resp)
	out.AnswerTask = t
	return out, nil
}

// AnswerTask returns an answer task by ID.
func (o *Orchestrator) AnswerTask(ctx context.Context, id string) (*task.Task, error) {
	return o.get(ctx, id, task.KindAnswer)
}

// CancelAnswerTask interrupts a running answer task.
func (o *Orchestrator) CancelAnswerTask(ctx context.Context, id string) (bool, error) {
	return o.cancel(ctx, id, task.KindAnswer)
}

// answer is the answer pipeline: NOT_STARTED -> FETCHING_DATA ->
// PREPROCESSING -> STREAMING -> FINISHED.
func (r *runner) answer(ctx context.Context, in *task.Input) {
	if !r.advance(ctx, task.Transition{To: task.StatusFetchingData}) {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, r.o.cfg.StageTimeout)
	data, err := r.o.exec.Query(fctx, in.SQL, r.o.cfg.PreviewLimit)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.fail(ctx, &task.TaskError{Code: CodeSQLExecution, ShortMessage: "failed to fetch answer data", Message: err.Error()})
		return
	}

	if !r.advance(ctx, task.Transition{To: task.StatusPreprocessing}) {
		return
	}
	data = data.Truncate(r.o.cfg.AnswerRows)
	rows := 0
	if data != nil {
		rows = len(data.Rows)
	}

	if !r.advance(ctx, task.Transition{To: task.StatusStreaming}) {
		return
	}
	req := &engine.Request{
		Stage:    engine.StageAnswer,
		Question: in.Question,
		ThreadID: in.ThreadID,
		SQL:      in.SQL,
		Data:     data,
	}
	for {
		var content strings.Builder
		resp, err := r.stream(ctx, req, func(chunk string) {
			content.WriteString(chunk)
			r.emit(ctx, chunk)
		})
		if err == nil {
			if content.Len() == 0 && resp.Content != "" {
				content.WriteString(resp.Content)
				r.emit(ctx, resp.Content)
			}
			r.finish(ctx, &task.Result{Content: content.String(), NumRowsUsedInLLM: rows, SQL: in.SQL})
			return
		}
		if ctx.Err() != nil {
			return
		}
		// once a chunk went out a retry would repeat it
		if content.Len() == 0 && engine.Recoverable(err) && r.canRetry() {
			r.o.logger.Warn("retrying answer stream", zap.String("task_id", r.id), zap.Int("retries", r.retries), zap.Error(err))
			continue
		}
		r.fail(ctx, engine.AsTaskError(err))
		return
	}
}

// stream runs a streaming stage under the stage timeout. Engines that cannot
// stream answer in one piece through Run.
func (r *runner) stream(ctx context.Context, req *engine.Request, emit func(string)) (*engine.Response, error) {
	s, ok := r.o.engine.(engine.Streamer)
	if !ok {
		return r.call(ctx, req)
	}
	req.TaskID = r.id
	sctx, cancel := context.WithTimeout(ctx, r.o.cfg.StageTimeout)
	defer cancel()
	resp, err := s.Stream(sctx, req, emit)
	if err != nil {
		return nil, err
	}
	if r.trace == "" {
		r.trace = resp.TraceID
	}
	if r.query == "" {
		r.query = resp.QueryID
	}
	return resp, nil
}

// emit publishes one answer chunk. Chunks of a cancelled pipeline are dropped.
func (r *runner) emit(ctx context.Context, chunk string) {
	if r.o.notify == nil || ctx.Err() != nil {
		return
	}
	r.o.notify.Notify(&history.Event{
		TaskID: r.id,
		Kind:   r.kind,
		From:   r.status,
		To:     r.status,
		Token:  r.token,
		Detail: map[string]any{"chunk": chunk},
	})
}
