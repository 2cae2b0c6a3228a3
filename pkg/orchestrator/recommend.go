package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"wrenflow/pkg/engine"
	"wrenflow/pkg/task"
)

// GenerateRecommendedQuestions starts a task proposing follow-up questions.
// threadID scopes the proposals to a thread; nil asks about the whole data
// model. previous lists questions already asked, which the engine avoids.
func (o *Orchestrator) GenerateRecommendedQuestions(ctx context.Context, threadID *int, previous []string) (string, error) {
	t, err := o.create(ctx, &task.Task{
		Kind:   task.KindRecommendation,
		Status: task.StatusNotStarted,
		Input:  task.Input{ThreadID: threadID, PreviousQuestions: previous},
	})
	if err != nil {
		return "", fmt.Errorf("create recommendation task: %w", err)
	}
	o.start(t, func(ctx context.Context, r *runner) { r.recommend(ctx, &t.Input) })
	o.logger.Info("recommendation task created", zap.String("task_id", t.ID))
	return t.ID, nil
}

// RecommendationTask returns a recommendation task by ID.
func (o *Orchestrator) RecommendationTask(ctx context.Context, id string) (*task.Task, error) {
	return o.get(ctx, id, task.KindRecommendation)
}

// CancelRecommendationTask stops a running recommendation task.
func (o *Orchestrator) CancelRecommendationTask(ctx context.Context, id string) (bool, error) {
	return o.cancel(ctx, id, task.KindRecommendation)
}

// recommend is NOT_STARTED -> GENERATING -> FINISHED.
func (r *runner) recommend(ctx context.Context, in *task.Input) {
	if !r.advance(ctx, task.Transition{To: task.StatusGenerating}) {
		return
	}
	resp := r.stage(ctx, &engine.Request{
		Stage:             engine.StageRecommend,
		ThreadID:          in.ThreadID,
		PreviousQuestions: in.PreviousQuestions,
	})
	if resp == nil {
		return
	}
	r.finish(ctx, &task.Result{Questions: resp.Questions})
}
