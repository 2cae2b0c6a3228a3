package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wrenflow/pkg/cache"
	"wrenflow/pkg/sqlexec"
)

// --- fake executor ---

type fakeExec struct {
	mu    sync.Mutex
	calls int
	err   error
	value int
}

func (x *fakeExec) Query(_ context.Context, sql string, limit int) (*sqlexec.Result, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls++
	if x.err != nil {
		return nil, x.err
	}
	x.value++
	rows := make([][]any, 0, 3)
	for i := 0; i < 3 && i < limit; i++ {
		rows = append(rows, []any{i, x.value})
	}
	return &sqlexec.Result{Columns: []sqlexec.Column{{Name: "id", Type: "int4"}, {Name: "v", Type: "int4"}}, Rows: rows}, nil
}

func (x *fakeExec) Validate(context.Context, string) error { return nil }

func (x *fakeExec) count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls
}

// gatedExec holds its first query until release is closed; later queries
// run straight through.
type gatedExec struct {
	fakeExec
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedExec() *gatedExec {
	return &gatedExec{started: make(chan struct{}), release: make(chan struct{})}
}

func (x *gatedExec) Query(ctx context.Context, sql string, limit int) (*sqlexec.Result, error) {
	first := false
	x.once.Do(func() { first = true })
	if first {
		close(x.started)
		select {
		case <-x.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return x.fakeExec.Query(ctx, sql, limit)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	svc   *Service
	store *MemStore
	cache *cache.MemStore
	exec  *fakeExec
	clock *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemStore(),
		cache: cache.NewMemStore(),
		exec:  &fakeExec{},
		clock: &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(f.store, f.cache, f.exec, 500, zap.NewNop())
	f.svc.now = f.clock.Now
	return f
}

func (f *fixture) item(t *testing.T, sched cache.Schedule) (*Dashboard, *Item) {
	t.Helper()
	ctx := context.Background()
	d, err := f.svc.CreateDashboard(ctx, "sales")
	require.NoError(t, err)
	d, err = f.svc.SetSchedule(ctx, d.ID, true, &sched)
	require.NoError(t, err)
	it, err := f.svc.CreateItem(ctx, &Item{DashboardID: d.ID, Type: ItemBar, SQL: "SELECT id, v FROM revenue"})
	require.NoError(t, err)
	return d, it
}

// --- preview ---

func TestPreviewMissComputesAndCaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, it := f.item(t, cache.Schedule{Frequency: cache.Never})

	p, err := f.svc.PreviewItem(ctx, it.ID, 0, false)
	require.NoError(t, err)
	assert.False(t, p.CacheHit)
	assert.False(t, p.Override)
	require.NotNil(t, p.CacheCreatedAt)
	assert.Nil(t, p.CacheOverrodeAt)
	assert.Equal(t, 1, f.exec.count())

	e, err := f.cache.Get(ctx, it.CacheKey())
	require.NoError(t, err)
	assert.True(t, e.CreatedAt.Equal(f.clock.Now()))
}

func TestPreviewHitNeverRecomputes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, it := f.item(t, cache.Schedule{Frequency: cache.Never})

	first, err := f.svc.PreviewItem(ctx, it.ID, 0, false)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		p, err := f.svc.PreviewItem(ctx, it.ID, 2, false)
		require.NoError(t, err)
		assert.True(t, p.CacheHit)
		assert.False(t, p.Override)
		assert.Len(t, p.Data.Rows, 2)
		assert.True(t, p.CacheCreatedAt.Equal(*first.CacheCreatedAt))
	}
	assert.Equal(t, 1, f.exec.count())
}

func TestPreviewRefreshOverrides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, it := f.item(t, cache.Schedule{Frequency: cache.Never})

	_, err := f.svc.PreviewItem(ctx, it.ID, 0, false)
	require.NoError(t, err)

	later := f.clock.Now().Add(time.Hour)
	f.clock.Set(later)
	p, err := f.svc.PreviewItem(ctx, it.ID, 0, true)
	require.NoError(t, err)
	assert.False(t, p.CacheHit)
	assert.True(t, p.Override)
	require.NotNil(t, p.CacheOverrodeAt)
	assert.True(t, p.CacheOverrodeAt.Equal(later))
	assert.Equal(t, 2, f.exec.count())

	hit, err := f.svc.PreviewItem(ctx, it.ID, 0, false)
	require.NoError(t, err)
	assert.True(t, hit.CacheHit)
	assert.Equal(t, p.Data, hit.Data)
	assert.True(t, hit.CacheOverrodeAt.Equal(later))
}

func TestPreviewRefreshFailureKeepsEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, it := f.item(t, cache.Schedule{Frequency: cache.Never})

	good, err := f.svc.PreviewItem(ctx, it.ID, 0, false)
	require.NoError(t, err)

	f.exec.err = errors.New("connection refused")
	_, err = f.svc.PreviewItem(ctx, it.ID, 0, true)
	var ce *ComputeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, it.ID, ce.ItemID)

	e, err := f.cache.Get(ctx, it.CacheKey())
	require.NoError(t, err)
	assert.Equal(t, good.Data, e.Data)
	assert.Nil(t, e.OverriddenAt)
}

func TestPreviewSharedRefreshOutlivesFirstCaller(t *testing.T) {
	f := newFixture(t)
	_, it := f.item(t, cache.Schedule{Frequency: cache.Never})
	gx := newGatedExec()
	f.svc.exec = gx

	aCtx, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := f.svc.PreviewItem(aCtx, it.ID, 0, true)
		errA <- err
	}()
	<-gx.started

	type result struct {
		p   *Preview
		err error
	}
	resB := make(chan result, 1)
	go func() {
		p, err := f.svc.PreviewItem(context.Background(), it.ID, 0, true)
		resB <- result{p, err}
	}()
	time.Sleep(50 * time.Millisecond) // let B join the in-flight refresh

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)
	select {
	case r := <-resB:
		t.Fatalf("second caller returned before the shared query finished: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	close(gx.release)
	r := <-resB
	require.NoError(t, r.err)
	assert.True(t, r.p.Override)
	assert.Equal(t, 1, gx.count())

	e, err := f.cache.Get(context.Background(), it.CacheKey())
	require.NoError(t, err)
	assert.NotNil(t, e.OverriddenAt)
}

func TestScheduledRefreshKeepsNewerOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d, it := f.item(t, cache.Schedule{Frequency: cache.Never})
	gx := newGatedExec()
	f.svc.exec = gx

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.refresh(ctx, d, it, refreshScheduled)
		done <- err
	}()
	<-gx.started

	forcedAt := f.clock.Now().Add(time.Minute)
	f.clock.Set(forcedAt)
	forced, err := f.svc.PreviewItem(ctx, it.ID, 0, true)
	require.NoError(t, err)

	close(gx.release)
	require.NoError(t, <-done)

	e, err := f.cache.Get(ctx, it.CacheKey())
	require.NoError(t, err)
	require.NotNil(t, e.OverriddenAt)
	assert.True(t, e.OverriddenAt.Equal(forcedAt))
	assert.Equal(t, forced.Data, e.Data)
	assert.Equal(t, 1, f.cache.Puts())
}

func TestPreviewCacheDisabledNeverWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d, it := f.item(t, cache.Schedule{Frequency: cache.Daily, Hour: 2})
	_, err := f.svc.SetSchedule(ctx, d.ID, false, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		p, err := f.svc.PreviewItem(ctx, it.ID, 0, false)
		require.NoError(t, err)
		assert.False(t, p.CacheHit)
	}
	assert.Equal(t, 2, f.exec.count())
	assert.Zero(t, f.cache.Puts())
}

func TestPreviewUnknownItem(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.PreviewItem(context.Background(), 42, 0, false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPreviewEditedSQLMisses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, it := f.item(t, cache.Schedule{Frequency: cache.Never})
	_, err := f.svc.PreviewItem(ctx, it.ID, 0, false)
	require.NoError(t, err)

	edited := *it
	edited.SQL = "SELECT id, v FROM revenue WHERE v > 0"
	assert.NotEqual(t, it.CacheKey(), edited.CacheKey())
}

// --- schedule & items ---

func TestSetScheduleValidatesAndPlans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d, err := f.svc.CreateDashboard(ctx, "ops")
	require.NoError(t, err)
	assert.Nil(t, d.NextScheduledAt)

	_, err = f.svc.SetSchedule(ctx, d.ID, true, &cache.Schedule{Frequency: cache.Weekly, Hour: 3})
	require.ErrorIs(t, err, ErrInvalidInput)

	d, err = f.svc.SetSchedule(ctx, d.ID, true, &cache.Schedule{Frequency: cache.Daily, Hour: 2})
	require.NoError(t, err)
	require.NotNil(t, d.NextScheduledAt)
	assert.True(t, d.NextScheduledAt.Equal(time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)))

	d, err = f.svc.SetSchedule(ctx, d.ID, false, nil)
	require.NoError(t, err)
	assert.Nil(t, d.NextScheduledAt)
	assert.Equal(t, cache.Daily, d.Schedule.Frequency)

	_, err = f.svc.SetSchedule(ctx, 999, true, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteItemDropsCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d, it := f.item(t, cache.Schedule{Frequency: cache.Never})
	_, err := f.svc.PreviewItem(ctx, it.ID, 0, false)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteItem(ctx, it.ID))
	entries, err := f.cache.ByDashboard(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	detailed, err := f.svc.Dashboard(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, detailed.Items)

	_, err = f.svc.CreateItem(ctx, &Item{DashboardID: d.ID})
	require.ErrorIs(t, err, ErrInvalidInput)
}
