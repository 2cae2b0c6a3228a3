// Package orchestrator drives asking, adjustment, chart, answer and
// recommendation tasks through their state machines. Callers get a task ID
// back immediately and poll the task store; every stage runs in a per-task
// goroutine and every write is fenced by the task's attempt token, so a
// cancelled task can never be moved out of STOPPED by a late engine response.
// Transition history is written by the task store's journal, inside the same
// critical section as the change it describes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wrenflow/pkg/engine"
	"wrenflow/pkg/history"
	"wrenflow/pkg/sqlexec"
	"wrenflow/pkg/task"
	"wrenflow/pkg/thread"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultRetryBudget  = 3
	DefaultStageTimeout = 2 * time.Minute
	DefaultPreviewLimit = 500
	DefaultAnswerRows   = 100
)

// ValidationError reports malformed or contradictory caller input. It is
// returned before any task is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Config tunes the pipelines.
type Config struct {
	// RetryBudget bounds how many recoverable failures one task may absorb,
	// counting CORRECTING loops and same-stage re-attempts together.
	RetryBudget int
	// StageTimeout bounds a single engine or SQL call.
	StageTimeout time.Duration
	// PreviewLimit is the row limit used when a chart or answer task fetches data.
	PreviewLimit int
	// AnswerRows caps the rows handed to the engine when answering.
	AnswerRows int
}

// Notifier fans out transient events, such as streamed answer chunks, that
// are not part of a task's stored history.
type Notifier interface {
	Notify(e *history.Event)
}

func (c Config) withDefaults() Config {
	if c.RetryBudget <= 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	if c.PreviewLimit <= 0 {
		c.PreviewLimit = DefaultPreviewLimit
	}
	if c.AnswerRows <= 0 {
		c.AnswerRows = DefaultAnswerRows
	}
	return c
}

// Orchestrator owns the task pipelines.
type Orchestrator struct {
	tasks   task.Store
	threads thread.Store
	notify  Notifier // optional
	engine  engine.Engine
	exec    sqlexec.Executor // optional; nil skips SQL validation
	cfg     Config
	logger  *zap.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates an Orchestrator. exec may be nil, in which case generated SQL
// is accepted without validation and chart and answer tasks cannot fetch data.
func New(tasks task.Store, threads thread.Store, eng engine.Engine, exec sqlexec.Executor, cfg Config, logger *zap.Logger) *Orchestrator {
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		tasks:    tasks,
		threads:  threads,
		engine:   eng,
		exec:     exec,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		base:     base,
		stop:     stop,
		inflight: make(map[string]context.CancelFunc),
	}
}

// WithNotifier sets where streamed answer chunks are published.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notify = n
	return o
}

// Wait blocks until every running pipeline has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close abandons all running pipelines and waits for them to exit. Their
// tasks stay in whatever state they reached.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// create stores t. The store's journal records the creation.
func (o *Orchestrator) create(ctx context.Context, t *task.Task) (*task.Task, error) {
	return o.tasks.Create(ctx, t)
}

// abandon fails a task that was created but could not be started, so it
// does not sit in its initial state forever.
func (o *Orchestrator) abandon(ctx context.Context, t *task.Task, cause error) {
	_, err := o.tasks.Advance(context.WithoutCancel(ctx), t.ID, t.Token, task.Transition{
		To:    task.StatusFailed,
		Error: &task.TaskError{Code: CodeInternal, ShortMessage: "task could not be started", Message: cause.Error()},
	})
	if err != nil {
		o.logger.Error("fail abandoned task", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// start runs fn for t on its own goroutine. The context handed to fn is
// cancelled by Cancel or Close.
func (o *Orchestrator) start(t *task.Task, fn func(ctx context.Context, r *runner)) {
	ctx, cancel := context.WithCancel(o.base)
	o.mu.Lock()
	o.inflight[t.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.inflight, t.ID)
			o.mu.Unlock()
			cancel()
		}()
		defer func() {
			if p := recover(); p != nil {
				o.logger.Error("panic in task pipeline", zap.String("task_id", t.ID), zap.Any("panic", p))
			}
		}()
		fn(ctx, &runner{o: o, id: t.ID, kind: t.Kind, status: t.Status, token: t.Token})
	}()
}

// cancel stops a task of kind k. It reports false for terminal tasks.
func (o *Orchestrator) cancel(ctx context.Context, id string, k task.Kind) (bool, error) {
	t, err := o.get(ctx, id, k)
	if err != nil {
		return false, err
	}
	ok, _, err := o.tasks.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	o.mu.Lock()
	abort := o.inflight[id]
	o.mu.Unlock()
	if abort != nil {
		abort()
	}
	o.logger.Info("task stopped", zap.String("task_id", id), zap.String("from", string(t.Status)))
	return true, nil
}

// get loads a task and checks its kind. A task of another kind is reported
// as not found.
func (o *Orchestrator) get(ctx context.Context, id string, k task.Kind) (*task.Task, error) {
	t, err := o.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Kind != k {
		return nil, fmt.Errorf("get %s task %s: %w", k, id, task.ErrNotFound)
	}
	return t, nil
}

// runner is one pipeline's view of its task. It carries the token captured
// at the last applied transition.
type runner struct {
	o       *Orchestrator
	id      string
	kind    task.Kind
	status  task.Status
	token   int64
	retries int
	trace   string
	query   string
}

// advance applies tr fenced by the runner's token. It returns false when the
// pipeline must exit: the task was cancelled, or the write failed.
func (r *runner) advance(ctx context.Context, tr task.Transition) bool {
	tr.TraceID = r.trace
	tr.QueryID = r.query
	// the pipeline context may already be cancelled; the write itself is
	// fenced by the token, not by ctx
	t, err := r.o.tasks.Advance(context.WithoutCancel(ctx), r.id, r.token, tr)
	if err != nil {
		if errors.Is(err, task.ErrStaleToken) || errors.Is(err, task.ErrTerminal) {
			r.o.logger.Debug("discarding stale stage result",
				zap.String("task_id", r.id), zap.String("to", string(tr.To)), zap.Int64("token", r.token))
		} else {
			r.o.logger.Error("advance task", zap.String("task_id", r.id), zap.String("to", string(tr.To)), zap.Error(err))
		}
		return false
	}
	from := r.status
	r.status = t.Status
	r.token = t.Token
	r.o.logger.Debug("task advanced",
		zap.String("task_id", r.id), zap.String("from", string(from)), zap.String("to", string(t.Status)))
	return !t.Status.IsTerminal()
}

func (r *runner) fail(ctx context.Context, te *task.TaskError) {
	r.advance(ctx, task.Transition{To: task.StatusFailed, Error: te})
}

func (r *runner) finish(ctx context.Context, res *task.Result) bool {
	r.advance(ctx, task.Transition{To: task.StatusFinished, Result: res})
	return r.status == task.StatusFinished
}

// canRetry consumes one unit of the retry budget if any is left.
func (r *runner) canRetry() bool {
	if r.retries >= r.o.cfg.RetryBudget {
		return false
	}
	r.retries++
	return true
}

// call runs one engine stage under the stage timeout and remembers the
// correlation IDs of the first response that carries them.
func (r *runner) call(ctx context.Context, req *engine.Request) (*engine.Response, error) {
	req.TaskID = r.id
	sctx, cancel := context.WithTimeout(ctx, r.o.cfg.StageTimeout)
	defer cancel()
	resp, err := r.o.engine.Run(sctx, req)
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

// stage calls the engine, re-attempting the same stage on recoverable
// failures while budget remains. On any other outcome it marks the task
// FAILED and returns nil. A cancelled pipeline returns nil without writing.
func (r *runner) stage(ctx context.Context, req *engine.Request) *engine.Response {
	for {
		resp, err := r.call(ctx, req)
		if err == nil {
			return resp
		}
		if ctx.Err() != nil {
			return nil
		}
		if engine.Recoverable(err) && r.canRetry() {
			r.o.logger.Warn("retrying stage", zap.String("task_id", r.id), zap.String("stage", string(req.Stage)),
				zap.Int("retries", r.retries), zap.Error(err))
			continue
		}
		r.fail(ctx, engine.AsTaskError(err))
		return nil
	}
}

func (o *Orchestrator) validateSQL(ctx context.Context, sql string) error {
	if o.exec == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	return o.exec.Validate(vctx, sql)
}
