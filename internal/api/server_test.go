package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wrenflow/pkg/cache"
	"wrenflow/pkg/dashboard"
	"wrenflow/pkg/engine"
	"wrenflow/pkg/history"
	"wrenflow/pkg/orchestrator"
	"wrenflow/pkg/sqlexec"
	"wrenflow/pkg/task"
	"wrenflow/pkg/thread"
)

type stubEngine struct{}

func (stubEngine) Run(_ context.Context, req *engine.Request) (*engine.Response, error) {
	switch req.Stage {
	case engine.StageUnderstand:
		return &engine.Response{Type: task.AskingTextToSQL}, nil
	case engine.StageSearch:
		return &engine.Response{RetrievedTables: []string{"orders"}}, nil
	case engine.StageGenerate:
		return &engine.Response{Candidates: []task.Candidate{{Type: task.CandidateLLM, SQL: "SELECT 1"}}}, nil
	case engine.StageChart:
		return &engine.Response{ChartType: "BAR"}, nil
	case engine.StageAnswer:
		return &engine.Response{Content: "One row, n = 1."}, nil
	case engine.StageRecommend:
		return &engine.Response{Questions: []task.RecommendedQuestion{{Question: "revenue by month?", Category: "trend", SQL: "SELECT 1"}}}, nil
	}
	return &engine.Response{}, nil
}

type stubExec struct{ queries atomic.Int32 }

func (x *stubExec) Query(context.Context, string, int) (*sqlexec.Result, error) {
	x.queries.Add(1)
	return &sqlexec.Result{Columns: []sqlexec.Column{{Name: "n", Type: "int4"}}, Rows: [][]any{{1}}}, nil
}

func (x *stubExec) Validate(context.Context, string) error { return nil }

type harness struct {
	srv     *httptest.Server
	orch    *orchestrator.Orchestrator
	threads *thread.MemStore
	exec    *stubExec
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{threads: thread.NewMemStore(), exec: &stubExec{}}
	bus := history.NewBus(history.NewMemStore())
	h.orch = orchestrator.New(task.NewMemStore().WithJournal(bus), h.threads, stubEngine{}, h.exec, orchestrator.Config{}, zap.NewNop()).
		WithNotifier(bus)
	svc := dashboard.NewService(dashboard.NewMemStore(), cache.NewMemStore(), h.exec, 500, zap.NewNop())
	h.srv = httptest.NewServer(New(h.orch, svc, bus, zap.NewNop()))
	t.Cleanup(func() {
		h.srv.Close()
		h.orch.Close()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAskingTaskRoundTrip(t *testing.T) {
	h := newHarness(t)

	var created struct{ ID string }
	code := h.do(t, "POST", "/api/asking-tasks", map[string]any{"question": "top 10 customers by revenue"}, &created)
	require.Equal(t, 201, code)
	require.NotEmpty(t, created.ID)
	h.orch.Wait()

	var got task.Task
	require.Equal(t, 200, h.do(t, "GET", "/api/asking-tasks/"+created.ID, nil, &got))
	assert.Equal(t, task.StatusFinished, got.Status)
	assert.NotEmpty(t, got.Result.Candidates)

	var cancelled map[string]bool
	require.Equal(t, 200, h.do(t, "POST", "/api/asking-tasks/"+created.ID+"/cancel", nil, &cancelled))
	assert.False(t, cancelled["success"])

	var events []history.Event
	require.Equal(t, 200, h.do(t, "GET", "/api/tasks/"+created.ID+"/history", nil, &events))
	assert.Len(t, events, 5)

	assert.Equal(t, 400, h.do(t, "POST", "/api/asking-tasks", map[string]any{"question": ""}, nil))
	assert.Equal(t, 404, h.do(t, "GET", "/api/asking-tasks/unknown", nil, nil))
}

func TestAdjustRejectsAmbiguousInput(t *testing.T) {
	h := newHarness(t)
	resp, err := h.threads.Create(context.Background(), &thread.Response{ThreadID: 1, Question: "q", SQL: "SELECT 1"})
	require.NoError(t, err)

	body := map[string]any{"sql_generation_reasoning": "x", "sql": "SELECT 2"}
	assert.Equal(t, 400, h.do(t, "POST", "/api/responses/1/adjust", body, nil))
	assert.Equal(t, 400, h.do(t, "POST", "/api/responses/1/adjust", map[string]any{}, nil))

	var adjusted task.Task
	require.Equal(t, 201, h.do(t, "POST", "/api/responses/1/adjust", map[string]any{"sql": "SELECT 2"}, &adjusted))
	assert.Equal(t, task.StatusFinished, adjusted.Status)

	var view orchestrator.ThreadResponse
	require.Equal(t, 200, h.do(t, "GET", "/api/responses/1", nil, &view))
	assert.Equal(t, resp.ID, view.ID)
	assert.Equal(t, "SELECT 2", view.SQL)
	require.NotNil(t, view.AdjustmentTask)
	assert.Equal(t, adjusted.ID, view.AdjustmentTask.ID)

	assert.Equal(t, 404, h.do(t, "POST", "/api/responses/99/adjust", map[string]any{"sql": "SELECT 2"}, nil))
	assert.Equal(t, 400, h.do(t, "POST", "/api/responses/abc/adjust", map[string]any{"sql": "SELECT 2"}, nil))
}

func TestAnswerAndRecommendationRoundTrip(t *testing.T) {
	h := newHarness(t)
	resp, err := h.threads.Create(context.Background(), &thread.Response{ThreadID: 1, Question: "how many?", SQL: "SELECT 1 AS n"})
	require.NoError(t, err)

	var view orchestrator.ThreadResponse
	require.Equal(t, 200, h.do(t, "POST", fmt.Sprintf("/api/responses/%d/answer", resp.ID), nil, &view))
	require.NotNil(t, view.AnswerTask)
	assert.Equal(t, task.StatusNotStarted, view.AnswerTask.Status)
	h.orch.Wait()

	var answer task.Task
	require.Equal(t, 200, h.do(t, "GET", "/api/answer-tasks/"+view.AnswerTask.ID, nil, &answer))
	assert.Equal(t, task.StatusFinished, answer.Status)
	assert.Equal(t, "One row, n = 1.", answer.Result.Content)
	assert.Equal(t, 1, answer.Result.NumRowsUsedInLLM)
	assert.Equal(t, 404, h.do(t, "GET", "/api/chart-tasks/"+view.AnswerTask.ID, nil, nil))

	var created struct{ ID string }
	require.Equal(t, 201, h.do(t, "POST", "/api/recommendation-tasks", map[string]any{"previous_questions": []string{"how many?"}}, &created))
	h.orch.Wait()
	var rec task.Task
	require.Equal(t, 200, h.do(t, "GET", "/api/recommendation-tasks/"+created.ID, nil, &rec))
	assert.Equal(t, task.StatusFinished, rec.Status)
	require.Len(t, rec.Result.Questions, 1)
	assert.Equal(t, "trend", rec.Result.Questions[0].Category)
}

func TestDashboardPreviewAndSchedule(t *testing.T) {
	h := newHarness(t)

	var d dashboard.Dashboard
	require.Equal(t, 201, h.do(t, "POST", "/api/dashboards", map[string]any{"name": "sales"}, &d))

	var it dashboard.Item
	require.Equal(t, 201, h.do(t, "POST", fmt.Sprintf("/api/dashboards/%d/items", d.ID), map[string]any{"type": "BAR", "sql": "SELECT n FROM t"}, &it))
	preview := fmt.Sprintf("/api/dashboard-items/%d/preview", it.ID)

	var p dashboard.Preview
	require.Equal(t, 200, h.do(t, "POST", preview, map[string]any{}, &p))
	assert.False(t, p.CacheHit)
	require.Equal(t, 200, h.do(t, "POST", preview, map[string]any{"limit": 10}, &p))
	assert.True(t, p.CacheHit)
	require.Equal(t, 200, h.do(t, "POST", preview, map[string]any{"refresh": true}, &p))
	assert.True(t, p.Override)
	assert.NotNil(t, p.CacheOverrodeAt)
	assert.EqualValues(t, 2, h.exec.queries.Load())

	sched := map[string]any{"cache_enabled": true, "schedule": map[string]any{"frequency": "WEEKLY", "hour": 3}}
	assert.Equal(t, 400, h.do(t, "PUT", fmt.Sprintf("/api/dashboards/%d/schedule", d.ID), sched, nil))

	sched["schedule"] = map[string]any{"frequency": "DAILY", "hour": 2, "minute": 0, "timezone": "UTC"}
	require.Equal(t, 200, h.do(t, "PUT", fmt.Sprintf("/api/dashboards/%d/schedule", d.ID), sched, &d))
	assert.NotNil(t, d.NextScheduledAt)
	assert.Equal(t, cache.Daily, d.Schedule.Frequency)

	assert.Equal(t, 204, h.do(t, "DELETE", fmt.Sprintf("/api/dashboard-items/%d", it.ID), nil, nil))
	assert.Equal(t, 404, h.do(t, "POST", preview, map[string]any{}, nil))
}
