package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"wrenflow/pkg/cache"
	"wrenflow/pkg/sqlexec"
)

// peakExec records how many queries run at once, overall and per SQL text.
type peakExec struct {
	mu       sync.Mutex
	inflight map[string]int
	peak     map[string]int
	total    int
	peakAll  int
	calls    int
}

func newPeakExec() *peakExec {
	return &peakExec{inflight: map[string]int{}, peak: map[string]int{}}
}

func (x *peakExec) Query(ctx context.Context, sql string, _ int) (*sqlexec.Result, error) {
	x.mu.Lock()
	x.calls++
	x.total++
	x.inflight[sql]++
	x.peakAll = max(x.peakAll, x.total)
	x.peak[sql] = max(x.peak[sql], x.inflight[sql])
	x.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	x.mu.Lock()
	x.total--
	x.inflight[sql]--
	x.mu.Unlock()
	return &sqlexec.Result{Columns: []sqlexec.Column{{Name: "n", Type: "int4"}}, Rows: [][]any{{1}}}, nil
}

func (x *peakExec) Validate(context.Context, string) error { return nil }

func TestSchedulerDailyScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, it := f.item(t, cache.Schedule{Frequency: cache.Daily, Hour: 2, Minute: 0, Timezone: "UTC"})

	yesterday := time.Date(2026, 3, 9, 2, 0, 0, 0, time.UTC)
	f.clock.Set(yesterday)
	_, err := f.svc.PreviewItem(ctx, it.ID, 0, false)
	require.NoError(t, err)
	before, err := f.cache.Get(ctx, it.CacheKey())
	require.NoError(t, err)

	s := NewScheduler(f.svc, time.Minute, 2, zap.NewNop())

	f.clock.Set(time.Date(2026, 3, 10, 1, 59, 0, 0, time.UTC))
	assert.Zero(t, s.Tick(ctx))

	tick := time.Date(2026, 3, 10, 2, 1, 0, 0, time.UTC)
	f.clock.Set(tick)
	assert.Equal(t, 1, s.Tick(ctx))

	after, err := f.cache.Get(ctx, it.CacheKey())
	require.NoError(t, err)
	assert.True(t, after.CreatedAt.Equal(tick))
	assert.NotEqual(t, before.Data, after.Data)

	d, err := f.store.Get(ctx, it.DashboardID)
	require.NoError(t, err)
	require.NotNil(t, d.NextScheduledAt)
	assert.True(t, d.NextScheduledAt.Equal(time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)))

	// fresh again until tomorrow
	assert.Zero(t, s.Tick(ctx))
}

func TestSchedulerNeverLeavesEntryAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, it := f.item(t, cache.Schedule{Frequency: cache.Never})
	_, err := f.svc.PreviewItem(ctx, it.ID, 0, false)
	require.NoError(t, err)
	puts := f.cache.Puts()

	s := NewScheduler(f.svc, time.Minute, 2, zap.NewNop())
	for _, d := range []time.Duration{time.Hour, 24 * time.Hour, 400 * 24 * time.Hour} {
		f.clock.Set(f.clock.Now().Add(d))
		assert.Zero(t, s.Tick(ctx))
	}
	assert.Equal(t, puts, f.cache.Puts())
	assert.Equal(t, 1, f.exec.count())
}

func TestSchedulerSkipsDisabledCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d, _ := f.item(t, cache.Schedule{Frequency: cache.Daily, Hour: 2})
	_, err := f.svc.SetSchedule(ctx, d.ID, false, nil)
	require.NoError(t, err)

	s := NewScheduler(f.svc, time.Minute, 2, zap.NewNop())
	assert.Zero(t, s.Tick(ctx))
	assert.Zero(t, f.exec.count())
}

func TestSchedulerFailureKeepsLastGood(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, it := f.item(t, cache.Schedule{Frequency: cache.Custom, Cron: "*/5 * * * *"})
	_, err := f.svc.PreviewItem(ctx, it.ID, 0, false)
	require.NoError(t, err)
	good, _ := f.cache.Get(ctx, it.CacheKey())

	// a second item on another dashboard must still refresh
	_, other := f.item(t, cache.Schedule{Frequency: cache.Custom, Cron: "*/5 * * * *"})

	f.clock.Set(f.clock.Now().Add(10 * time.Minute))
	f.exec.err = errors.New("warehouse unavailable")
	s := NewScheduler(f.svc, time.Minute, 1, zap.NewNop())
	assert.Zero(t, s.Tick(ctx))

	kept, err := f.cache.Get(ctx, it.CacheKey())
	require.NoError(t, err)
	assert.Equal(t, good, kept)

	f.exec.err = nil
	assert.Equal(t, 2, s.Tick(ctx))
	_, err = f.cache.Get(ctx, other.CacheKey())
	require.NoError(t, err)
}

func TestSchedulerBoundsParallelDashboards(t *testing.T) {
	ctx := context.Background()
	px := newPeakExec()
	store := NewMemStore()
	svc := NewService(store, cache.NewMemStore(), px, 500, zap.NewNop())

	const dashboards, items, limit = 6, 3, 3
	sched := cache.Schedule{Frequency: cache.Custom, Cron: "*/5 * * * *"}
	for i := 0; i < dashboards; i++ {
		d, err := svc.CreateDashboard(ctx, fmt.Sprintf("d%d", i))
		require.NoError(t, err)
		_, err = svc.SetSchedule(ctx, d.ID, true, &sched)
		require.NoError(t, err)
		// items of one dashboard share their SQL text, so per-SQL peaks are per-dashboard peaks
		for j := 0; j < items; j++ {
			_, err := svc.CreateItem(ctx, &Item{DashboardID: d.ID, SQL: fmt.Sprintf("SELECT %d AS dashboard", d.ID)})
			require.NoError(t, err)
		}
	}

	assert.Equal(t, dashboards*items, NewScheduler(svc, time.Minute, limit, zap.NewNop()).Tick(ctx))

	px.mu.Lock()
	defer px.mu.Unlock()
	assert.Equal(t, dashboards*items, px.calls)
	assert.LessOrEqual(t, px.peakAll, limit)
	assert.Greater(t, px.peakAll, 1)
	require.Len(t, px.peak, dashboards)
	for sql, p := range px.peak {
		assert.Equal(t, 1, p, sql)
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	f.item(t, cache.Schedule{Frequency: cache.Daily, Hour: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewScheduler(f.svc, 10*time.Millisecond, 2, zap.NewNop()).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.exec.count() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
