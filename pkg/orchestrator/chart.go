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

// ThreadResponse is a thread response with its linked tasks resolved.
type ThreadResponse struct {
	thread.Response
	AskingTask     *task.Task `json:"asking_task,omitempty"`
	AdjustmentTask *task.Task `json:"adjustment_task,omitempty"`
	ChartTask      *task.Task `json:"chart_task,omitempty"`
	AnswerTask     *task.Task `json:"answer_task,omitempty"`
}

// CreateThreadResponse stores a response for a question asked in a thread.
// askingTaskID may be empty; when set, the response adopts the SQL of the
// finished task.
func (o *Orchestrator) CreateThreadResponse(ctx context.Context, threadID int, question, sql, askingTaskID string) (*ThreadResponse, error) {
	if strings.TrimSpace(question) == "" {
		return nil, &ValidationError{Field: "question", Message: "is required"}
	}
	if askingTaskID != "" {
		t, err := o.AskingTask(ctx, askingTaskID)
		if err != nil {
			return nil, err
		}
		if sql == "" && t.Result != nil {
			sql = t.Result.SQL
		}
	}
	resp, err := o.threads.Create(ctx, &thread.Response{
		ThreadID:     threadID,
		Question:     question,
		SQL:          sql,
		AskingTaskID: askingTaskID,
	})
	if err != nil {
		return nil, fmt.Errorf("create thread response: %w", err)
	}
	return o.resolve(ctx, resp), nil
}

// ThreadResponse returns a thread response with its tasks.
func (o *Orchestrator) ThreadResponse(ctx context.Context, responseID int) (*ThreadResponse, error) {
	resp, err := o.threads.Get(ctx, responseID)
	if err != nil {
		return nil, err
	}
	return o.resolve(ctx, resp), nil
}

func (o *Orchestrator) resolve(ctx context.Context, resp *thread.Response) *ThreadResponse {
	out := &ThreadResponse{Response: *resp}
	load := func(id string) *task.Task {
		if id == "" {
			return nil
		}
		t, err := o.tasks.Get(ctx, id)
		if err != nil {
			o.logger.Warn("resolve response task", zap.Int("response_id", resp.ID), zap.String("task_id", id), zap.Error(err))
			return nil
		}
		return t
	}
	out.AskingTask = load(resp.AskingTaskID)
	out.AdjustmentTask = load(resp.AdjustmentTaskID)
	out.ChartTask = load(resp.ChartTaskID)
	out.AnswerTask = load(resp.AnswerTaskID)
	return out
}

// GenerateThreadResponseChart starts a chart task for a response's SQL and
// returns the response with the new task embedded.
func (o *Orchestrator) GenerateThreadResponseChart(ctx context.Context, responseID int) (*ThreadResponse, error) {
	return o.chart(ctx, responseID, nil)
}

// AdjustThreadResponseChart regenerates a response's chart with the
// caller's chart type and axes.
func (o *Orchestrator) AdjustThreadResponseChart(ctx context.Context, responseID int, in task.ChartAdjustInput) (*ThreadResponse, error) {
	if strings.TrimSpace(in.ChartType) == "" {
		return nil, &ValidationError{Field: "chart_type", Message: "is required"}
	}
	return o.chart(ctx, responseID, &in)
}

// ChartTask returns a chart task by ID.
func (o *Orchestrator) ChartTask(ctx context.Context, id string) (*task.Task, error) {
	return o.get(ctx, id, task.KindChart)
}

// CancelChartTask stops a running chart task.
func (o *Orchestrator) CancelChartTask(ctx context.Context, id string) (bool, error) {
	return o.cancel(ctx, id, task.KindChart)
}

func (o *Orchestrator) chart(ctx context.Context, responseID int, hints *task.ChartAdjustInput) (*ThreadResponse, error) {
	resp, err := o.threads.Get(ctx, responseID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.SQL) == "" {
		return nil, &ValidationError{Field: "sql", Message: fmt.Sprintf("response %d has no SQL to chart", responseID)}
	}
	if o.exec == nil {
		return nil, fmt.Errorf("chart response %d: no SQL executor configured", responseID)
	}

	threadID, rid := resp.ThreadID, resp.ID
	t, err := o.create(ctx, &task.Task{
		Kind:   task.KindChart,
		Status: task.StatusFetching,
		Input: task.Input{
			Question:   resp.Question,
			ThreadID:   &threadID,
			ResponseID: &rid,
			SQL:        resp.SQL,
			Chart:      hints,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create chart task: %w", err)
	}
	resp, err = o.threads.Update(ctx, responseID, map[string]any{"chart_task_id": t.ID})
	if err != nil {
		err = fmt.Errorf("link chart task to response %d: %w", responseID, err)
		o.abandon(ctx, t, err)
		return nil, err
	}
	o.start(t, func(ctx context.Context, r *runner) { r.draw(ctx, &t.Input) })
	o.logger.Info("chart task created", zap.String("task_id", t.ID), zap.Int("response_id", responseID))

	out := o.resolve(ctx, resp)
	out.ChartTask = t
	return out, nil
}

// draw is the chart pipeline: FETCHING -> GENERATING -> FINISHED.
func (r *runner) draw(ctx context.Context, in *task.Input) {
	fctx, cancel := context.WithTimeout(ctx, r.o.cfg.StageTimeout)
	data, err := r.o.exec.Query(fctx, in.SQL, r.o.cfg.PreviewLimit)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.fail(ctx, &task.TaskError{Code: CodeSQLExecution, ShortMessage: "failed to fetch chart data", Message: err.Error()})
		return
	}

	if !r.advance(ctx, task.Transition{To: task.StatusGenerating}) {
		return
	}
	resp := r.stage(ctx, &engine.Request{
		Stage:    engine.StageChart,
		Question: in.Question,
		ThreadID: in.ThreadID,
		SQL:      in.SQL,
		Data:     data,
		Chart:    in.Chart,
	})
	if resp == nil {
		return
	}
	r.finish(ctx, &task.Result{
		ChartType:   resp.ChartType,
		ChartSchema: resp.ChartSchema,
		Description: resp.Description,
		SQL:         in.SQL,
	})
}
