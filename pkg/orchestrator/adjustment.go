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

// Adjustment is one of ReasoningAdjustment or ApplySQLAdjustment. Use
// ParseAdjustment to build one from caller input.
type Adjustment interface {
	stored() *task.AdjustmentInput
}

// ReasoningAdjustment re-plans a response's SQL from edited tables and
// reasoning.
type ReasoningAdjustment struct {
	Tables                 []string
	SQLGenerationReasoning string
}

func (a ReasoningAdjustment) stored() *task.AdjustmentInput {
	return &task.AdjustmentInput{
		Type:                   task.AdjustReasoning,
		Tables:                 append([]string(nil), a.Tables...),
		SQLGenerationReasoning: a.SQLGenerationReasoning,
	}
}

// ApplySQLAdjustment replaces a response's SQL with caller supplied SQL.
type ApplySQLAdjustment struct {
	SQL string
}

func (a ApplySQLAdjustment) stored() *task.AdjustmentInput {
	return &task.AdjustmentInput{Type: task.AdjustApplySQL, SQL: a.SQL}
}

// AdjustmentRequest is the raw caller input. Exactly one mode must be set:
// Tables and/or SQLGenerationReasoning, or SQL.
type AdjustmentRequest struct {
	Tables                 []string `json:"tables,omitempty"`
	SQLGenerationReasoning string   `json:"sql_generation_reasoning,omitempty"`
	SQL                    string   `json:"sql,omitempty"`
}

// ParseAdjustment turns a request into an Adjustment, rejecting input that
// populates both modes or neither.
func ParseAdjustment(req AdjustmentRequest) (Adjustment, error) {
	reasoning := strings.TrimSpace(req.SQLGenerationReasoning)
	sql := strings.TrimSpace(req.SQL)
	hasReasoning := reasoning != "" || len(req.Tables) > 0
	hasSQL := sql != ""
	switch {
	case hasReasoning && hasSQL:
		return nil, &ValidationError{Message: "supply either tables/sql_generation_reasoning or sql, not both"}
	case hasSQL:
		return ApplySQLAdjustment{SQL: sql}, nil
	case hasReasoning:
		return ReasoningAdjustment{Tables: req.Tables, SQLGenerationReasoning: reasoning}, nil
	}
	return nil, &ValidationError{Message: "one of tables/sql_generation_reasoning or sql is required"}
}

func fromStored(in *task.AdjustmentInput) (Adjustment, error) {
	switch {
	case in == nil:
		return nil, &ValidationError{Field: "adjustment", Message: "response has no adjustment to rerun"}
	case in.Type == task.AdjustApplySQL:
		return ApplySQLAdjustment{SQL: in.SQL}, nil
	}
	return ReasoningAdjustment{Tables: in.Tables, SQLGenerationReasoning: in.SQLGenerationReasoning}, nil
}

// AdjustThreadResponse starts an adjustment of a thread response. A
// reasoning adjustment runs asynchronously from PLANNING; an apply-SQL
// adjustment is validated synchronously and the returned task is already
// FINISHED or FAILED.
func (o *Orchestrator) AdjustThreadResponse(ctx context.Context, responseID int, adj Adjustment) (*task.Task, error) {
	if adj == nil {
		return nil, &ValidationError{Field: "adjustment", Message: "is required"}
	}
	resp, err := o.threads.Get(ctx, responseID)
	if err != nil {
		return nil, err
	}
	return o.adjust(ctx, resp, adj)
}

// RerunAdjustmentTask re-issues the latest adjustment of a thread response
// as a new task.
func (o *Orchestrator) RerunAdjustmentTask(ctx context.Context, responseID int) (*task.Task, error) {
	resp, err := o.threads.Get(ctx, responseID)
	if err != nil {
		return nil, err
	}
	prior, err := o.tasks.ByResponse(ctx, responseID, task.KindAdjustment)
	if err != nil {
		return nil, fmt.Errorf("adjustments of response %d: %w", responseID, err)
	}
	var last *task.AdjustmentInput
	if n := len(prior); n > 0 {
		last = prior[n-1].Input.Adjustment
	}
	adj, err := fromStored(last)
	if err != nil {
		return nil, err
	}
	return o.adjust(ctx, resp, adj)
}

// AdjustmentTask returns an adjustment task by ID.
func (o *Orchestrator) AdjustmentTask(ctx context.Context, id string) (*task.Task, error) {
	return o.get(ctx, id, task.KindAdjustment)
}

// CancelAdjustmentTask stops a running adjustment task.
func (o *Orchestrator) CancelAdjustmentTask(ctx context.Context, id string) (bool, error) {
	return o.cancel(ctx, id, task.KindAdjustment)
}

func (o *Orchestrator) adjust(ctx context.Context, resp *thread.Response, adj Adjustment) (*task.Task, error) {
	threadID, rid := resp.ThreadID, resp.ID
	in := task.Input{
		Question:   resp.Question,
		ThreadID:   &threadID,
		ResponseID: &rid,
		SQL:        resp.SQL,
		Adjustment: adj.stored(),
	}

	switch a := adj.(type) {
	case ApplySQLAdjustment:
		t, err := o.create(ctx, &task.Task{Kind: task.KindAdjustment, Status: task.StatusUnderstanding, Input: in})
		if err != nil {
			return nil, fmt.Errorf("create adjustment task: %w", err)
		}
		o.linkAdjustment(ctx, rid, t.ID)
		return o.applySQL(ctx, t, a)

	case ReasoningAdjustment:
		t, err := o.create(ctx, &task.Task{Kind: task.KindAdjustment, Status: task.StatusPlanning, Input: in})
		if err != nil {
			return nil, fmt.Errorf("create adjustment task: %w", err)
		}
		o.linkAdjustment(ctx, rid, t.ID)
		o.start(t, func(ctx context.Context, r *runner) { r.replan(ctx, &t.Input) })
		o.logger.Info("adjustment task created", zap.String("task_id", t.ID), zap.Int("response_id", rid))
		return t, nil
	}
	return nil, &ValidationError{Field: "adjustment", Message: fmt.Sprintf("unsupported adjustment %T", adj)}
}

func (o *Orchestrator) linkAdjustment(ctx context.Context, responseID int, taskID string) {
	if _, err := o.threads.Update(ctx, responseID, map[string]any{"adjustment_task_id": taskID}); err != nil {
		o.logger.Warn("link adjustment task to response", zap.Int("response_id", responseID), zap.Error(err))
	}
}

// applySQL validates caller SQL and finishes the task without calling the
// engine.
func (o *Orchestrator) applySQL(ctx context.Context, t *task.Task, a ApplySQLAdjustment) (*task.Task, error) {
	r := &runner{o: o, id: t.ID, kind: t.Kind, status: t.Status, token: t.Token}
	if err := o.validateSQL(ctx, a.SQL); err != nil {
		r.fail(ctx, &task.TaskError{Code: CodeInvalidSQL, ShortMessage: "invalid sql", Message: err.Error(), InvalidSQL: a.SQL})
	} else if r.finish(ctx, &task.Result{Type: task.AskingTextToSQL, SQL: a.SQL}) {
		o.linkSQL(ctx, *t.Input.ResponseID, a.SQL, &thread.Adjustment{
			Type:    task.AdjustApplySQL,
			Payload: map[string]any{"sql": a.SQL},
		})
	}
	return o.tasks.Get(ctx, t.ID)
}

// replan is the reasoning adjustment pipeline: PLANNING -> GENERATING
// (<-> CORRECTING) -> FINISHED.
func (r *runner) replan(ctx context.Context, in *task.Input) {
	adj := in.Adjustment
	req := &engine.Request{
		Stage:                  engine.StagePlan,
		Question:               in.Question,
		ThreadID:               in.ThreadID,
		SQL:                    in.SQL,
		RetrievedTables:        adj.Tables,
		SQLGenerationReasoning: adj.SQLGenerationReasoning,
	}
	planned := r.stage(ctx, req)
	if planned == nil {
		return
	}
	if planned.SQLGenerationReasoning != "" {
		req.SQLGenerationReasoning = planned.SQLGenerationReasoning
	}
	res := &task.Result{
		Type:                   task.AskingTextToSQL,
		RetrievedTables:        adj.Tables,
		SQLGenerationReasoning: req.SQLGenerationReasoning,
	}

	if !r.advance(ctx, task.Transition{To: task.StatusGenerating}) {
		return
	}
	if !r.generate(ctx, req, res) {
		return
	}
	r.o.linkSQL(ctx, *in.ResponseID, res.SQL, &thread.Adjustment{
		Type: task.AdjustReasoning,
		Payload: map[string]any{
			"retrieved_tables":         adj.Tables,
			"sql_generation_reasoning": adj.SQLGenerationReasoning,
		},
	})
}
