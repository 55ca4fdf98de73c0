// Package app wires the process together: storage, the classifier
// sidecar client, the LLM provider chain, the ingestion scheduler, both
// enrichment workers and the command-channel controller. Which parts
// actually run depends on the mode and on leader election.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wohlfahrt-digital/newswatch/internal/core/classifier"
	"github.com/wohlfahrt-digital/newswatch/internal/core/llm"
	"github.com/wohlfahrt-digital/newswatch/internal/gpu"
	"github.com/wohlfahrt-digital/newswatch/internal/ingest/connector"
	"github.com/wohlfahrt-digital/newswatch/internal/ingest/pipeline"
	"github.com/wohlfahrt-digital/newswatch/internal/ingest/scheduler"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/config"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/leader"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/observability"
	"github.com/wohlfahrt-digital/newswatch/internal/platform/worker"
	"github.com/wohlfahrt-digital/newswatch/internal/process/classifyworker"
	"github.com/wohlfahrt-digital/newswatch/internal/process/llmworker"
	"github.com/wohlfahrt-digital/newswatch/internal/process/rules"
	"github.com/wohlfahrt-digital/newswatch/internal/workerctl"
	db "github.com/wohlfahrt-digital/newswatch/internal/storage"
)

// Mode selects which parts of the process run.
type Mode string

// Modes. Serve runs only the health and metrics surface, Worker runs
// the background pipeline, All runs both.
const (
	ModeServe  Mode = "serve"
	ModeWorker Mode = "worker"
	ModeAll    Mode = "all"
)

// Command-channel name of the ingestion scheduler.
const ingestWorkerName = "ingest"

const housekeepingInterval = 24 * time.Hour

// App is the assembled process.
type App struct {
	cfg    *config.Config
	logger *zerolog.Logger
	db     *db.DB

	connectors *connector.Registry
	scheduler  *scheduler.Scheduler
	classifier *classifyworker.Worker
	llmWorker  *llmworker.Worker
	controller *workerctl.Controller
	health     *observability.Server

	ingestGate *worker.Gate
}

// New connects to the database, runs migrations and wires every
// component. Nothing starts running yet.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	database, err := db.NewWithOptions(ctx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns:          cfg.DBMaxConnections,
		MinConns:          cfg.DBMinConnections,
		MaxConnIdleTime:   cfg.DBMaxConnIdleTime,
		MaxConnLifetime:   cfg.DBMaxConnLifetime,
		HealthCheckPeriod: cfg.DBHealthCheckPeriod,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := database.Migrate(ctx); err != nil {
		database.Close()

		return nil, fmt.Errorf("migrate database: %w", err)
	}

	sidecar := classifier.New(cfg, logger)
	registry := llm.NewRegistry(cfg, logger)

	// Semantic rules only run when the LLM side is enabled at all.
	var semantic rules.SemanticEvaluator
	if cfg.LLMEnabled {
		semantic = llm.NewSemanticEvaluator(registry, database, logger)
	}

	engine := rules.NewEngine(semantic, logger)

	fresh := llmworker.NewFreshQueue(cfg.FreshQueueCapacity)
	intake := pipeline.New(database, sidecar, engine, fresh, cfg, logger)

	ingestGate := worker.NewGate()
	connectors := connector.DefaultRegistry(logger)
	sched := scheduler.New(database, connectors, intake, cfg, logger)

	gpuManager := gpu.NewManager(cfg, logger)
	llmWorker := llmworker.New(cfg, logger, database, registry, gpuManager, fresh, worker.NewGate())
	clsWorker := classifyworker.New(cfg, logger, database, sidecar, worker.NewGate())

	controller := workerctl.New(database, sched, cfg.CommandPollInterval, logger)
	controller.Register(ingestWorkerName, ingestGate)
	controller.Register(classifyworker.Name, clsWorker.Gate())
	controller.Register(llmworker.Name, llmWorker.Gate())

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         database,
		connectors: connectors,
		scheduler:  sched,
		classifier: clsWorker,
		llmWorker:  llmWorker,
		controller: controller,
		health:     observability.NewServer(database, cfg.HealthPort, logger),
		ingestGate: ingestGate,
	}, nil
}

// Run starts the process in the given mode and blocks until the context
// is canceled or a component fails.
func (a *App) Run(ctx context.Context, mode Mode) error {
	defer a.db.Close()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return a.health.Start(ctx)
	})

	if mode == ModeServe {
		return group.Wait()
	}

	lock, err := a.electLeader()
	if err != nil {
		if errors.Is(err, leader.ErrNotLeader) {
			a.logger.Info().Msg("standing by as follower, serving health and metrics only")

			return group.Wait()
		}

		return err
	}
	defer a.releaseLeadership(lock)

	group.Go(func() error {
		return a.runWorkers(ctx, lock)
	})

	return group.Wait()
}

// errLeadershipLost stops the worker group when the lock file vanishes
// or names another process.
var errLeadershipLost = errors.New("leadership lost")

// runWorkers runs the background workers until the context is canceled
// or leadership is lost. On loss the workers stop and the process
// reverts to follower standby; health and metrics keep serving.
func (a *App) runWorkers(ctx context.Context, lock *leader.Lock) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return a.runScheduler(ctx)
	})

	group.Go(func() error {
		return a.classifier.Run(ctx)
	})

	group.Go(func() error {
		return a.llmWorker.Run(ctx)
	})

	group.Go(func() error {
		return a.controller.Run(ctx)
	})

	if lock != nil {
		group.Go(func() error {
			return a.watchLeadership(ctx, lock)
		})
	}

	if err := group.Wait(); err != nil {
		if errors.Is(err, errLeadershipLost) {
			a.logger.Warn().Msg("leadership lost, workers stopped, reverting to follower standby")

			return nil
		}

		return err
	}

	return nil
}

// watchLeadership re-checks the lock file periodically.
func (a *App) watchLeadership(ctx context.Context, lock *leader.Lock) error {
	interval := a.cfg.LeaderCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !lock.Held() {
				return errLeadershipLost
			}
		}
	}
}

// RunOnce runs a single scheduler tick and exits. Meant for cron-style
// invocations and smoke tests.
func (a *App) RunOnce(ctx context.Context) error {
	defer a.db.Close()

	lock, err := a.electLeader()
	if err != nil {
		return err
	}
	defer a.releaseLeadership(lock)

	return a.scheduler.Tick(ctx)
}

// IssueCommand queues an operator command for a named worker and logs
// the worker's last published state. Meant for the --ctl invocation.
func (a *App) IssueCommand(ctx context.Context, workerName, action string) error {
	defer a.db.Close()

	known := map[string]bool{
		ingestWorkerName:    true,
		classifyworker.Name: true,
		llmworker.Name:      true,
	}
	if !known[workerName] {
		return fmt.Errorf("unknown worker %q", workerName)
	}

	if err := a.db.IssueWorkerCommand(ctx, workerName, action); err != nil {
		return err
	}

	state, err := a.db.GetWorkerState(ctx, workerName)
	if err != nil {
		return err
	}

	evt := a.logger.Info().Str("worker", workerName).Str("action", action)
	if state != nil {
		evt = evt.
			Bool("running", state.Running).
			Bool("paused", state.Paused).
			Bool("stopped_due_to_errors", state.StoppedDueToErrors).
			Time("state_updated_at", state.UpdatedAt)
	}

	evt.Msg("command queued")

	return nil
}

// electLeader acquires the leader lock when election is enabled. The
// lock is nil when election is disabled.
func (a *App) electLeader() (*leader.Lock, error) {
	if !a.cfg.LeaderElectionEnabled {
		return nil, nil
	}

	return leader.Acquire(a.cfg.LeaderLockPath, a.logger)
}

func (a *App) releaseLeadership(lock *leader.Lock) {
	if lock == nil {
		return
	}

	if err := lock.Release(); err != nil {
		a.logger.Warn().Err(err).Msg("release leader lock failed")
	}
}

// runScheduler drives periodic channel fetching plus the daily retention
// pass, under the ingest gate.
func (a *App) runScheduler(ctx context.Context) error {
	return worker.Loop(ctx, worker.Config{
		Name:         ingestWorkerName,
		PollInterval: a.cfg.SchedulerTickInterval,
		Process:      a.scheduler.Tick,
		Gate:         a.ingestGate,
		Logger:       a.logger,
		PeriodicTasks: []worker.PeriodicTask{
			{Name: "housekeeping", Interval: housekeepingInterval, Run: a.housekeep},
		},
		OnError: func(err error) bool {
			a.logger.Error().Err(err).Msg("scheduler tick failed")

			return true
		},
	})
}

func (a *App) housekeep(ctx context.Context) {
	res, err := a.db.Housekeep(ctx, a.cfg.HousekeepingRetentionDays)
	if err != nil {
		a.logger.Warn().Err(err).Msg("housekeeping failed")

		return
	}

	a.logger.Info().
		Int64("events", res.Events).
		Int64("processing_logs", res.ProcessingLogs).
		Msg("housekeeping done")
}
