package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wrenflow/internal/api"
	"wrenflow/internal/config"
	"wrenflow/internal/db"
	"wrenflow/internal/logging"
	"wrenflow/pkg/cache"
	"wrenflow/pkg/dashboard"
	"wrenflow/pkg/engine"
	"wrenflow/pkg/history"
	"wrenflow/pkg/orchestrator"
	"wrenflow/pkg/sqlexec"
	"wrenflow/pkg/task"
	"wrenflow/pkg/thread"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "wrenflow",
	Short: "Task orchestration and dashboard cache service",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Development)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, unless disabled, the cache scheduler",
	RunE:  runServe,
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run only the dashboard cache scheduler",
	RunE:  runScheduler,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the tables every store needs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pool, err := db.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := openStores(pool).ensure(ctx); err != nil {
			return err
		}
		logger.Info("tables ready")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "wrenflow.yaml", "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(serveCmd, schedulerCmd, migrateCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type stores struct {
	tasks      *task.PgStore
	history    *history.Bus
	threads    *thread.PgStore
	cache      *cache.PgStore
	dashboards *dashboard.PgStore
}

// openStores wires the task store to journal every change into the history
// bus, inside the task's own transaction.
func openStores(pool *pgxpool.Pool) *stores {
	bus := history.NewBus(history.NewPgStore(pool))
	return &stores{
		tasks:      task.NewPgStore(pool).WithJournal(bus),
		history:    bus,
		threads:    thread.NewPgStore(pool),
		cache:      cache.NewPgStore(pool),
		dashboards: dashboard.NewPgStore(pool),
	}
}

func (s *stores) ensure(ctx context.Context) error {
	for name, ensure := range map[string]func(context.Context) error{
		"tasks":      s.tasks.EnsureTable,
		"history":    s.history.EnsureTable,
		"threads":    s.threads.EnsureTable,
		"cache":      s.cache.EnsureTable,
		"dashboards": s.dashboards.EnsureTable,
	} {
		if err := ensure(ctx); err != nil {
			return fmt.Errorf("ensure %s table: %w", name, err)
		}
	}
	return nil
}

func dashboardService(s *stores, pool *pgxpool.Pool) *dashboard.Service {
	return dashboard.NewService(s.dashboards, s.cache, sqlexec.NewPgExecutor(pool), cfg.Preview.DefaultLimit, logger.Named("dashboard")).
		WithComputeTimeout(cfg.GetComputeTimeout())
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	s := openStores(pool)
	if err := s.ensure(ctx); err != nil {
		return err
	}

	orch := orchestrator.New(s.tasks, s.threads,
		engine.NewClient(cfg.Engine.BaseURL, cfg.GetEngineTimeout()),
		sqlexec.NewPgExecutor(pool),
		orchestrator.Config{
			RetryBudget:  cfg.Orchestrator.RetryBudget,
			StageTimeout: cfg.GetStageTimeout(),
			PreviewLimit: cfg.Preview.DefaultLimit,
			AnswerRows:   cfg.Orchestrator.AnswerRows,
		},
		logger.Named("orchestrator")).WithNotifier(s.history)
	defer orch.Close()

	svc := dashboardService(s, pool)
	if cfg.Scheduler.Enabled {
		sched := dashboard.NewScheduler(svc, cfg.GetSchedulerTick(), cfg.Scheduler.Concurrency, logger.Named("scheduler"))
		go sched.Run(ctx)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: api.New(orch, svc, s.history, logger.Named("api")),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("wrenflow listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	s := openStores(pool)
	// the API process creates the tables; retry for up to 30 seconds on startup
	for i := 0; ; i++ {
		err = s.ensure(ctx)
		if err == nil || i == 29 {
			break
		}
		logger.Warn("waiting for tables", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if err != nil {
		return err
	}

	dashboard.NewScheduler(dashboardService(s, pool), cfg.GetSchedulerTick(), cfg.Scheduler.Concurrency, logger.Named("scheduler")).Run(ctx)
	return nil
}
