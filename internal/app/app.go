// -----------------------------------------------------------------------
// App - Orchestrator wiring and top-level commands
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/backend"
	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/course"
	"github.com/ternarybob/forge/internal/executor"
	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
	"github.com/ternarybob/forge/internal/pipeline"
	"github.com/ternarybob/forge/internal/pool"
	"github.com/ternarybob/forge/internal/storage/sqlite"
)

// App wires the orchestrator's components together for the CLI commands.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Jobs      *sqlite.JobStore
	Cache     *sqlite.CacheStore
	Executor  interfaces.WorkerExecutor
	Manager   *pool.Manager
	Lifecycle *pool.Lifecycle

	scheduler *cron.Cron
}

// New constructs the application from configuration.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	jobs, err := sqlite.NewJobStore(logger, &config.Storage.JobDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}

	cache, err := sqlite.NewCacheStore(logger, &config.Storage.CacheDB)
	if err != nil {
		jobs.Close()
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	exec := buildExecutor(config, logger)
	manager := pool.NewManager(logger, jobs, exec, pool.ManagerOptions{
		StartConcurrency:    config.Workers.StartConcurrency,
		RegistrationTimeout: common.Duration(config.Workers.RegistrationTimeout, 20*time.Second),
		StaleThreshold:      common.Duration(config.Workers.StaleThreshold, 30*time.Second),
		MonitorInterval:     common.Duration(config.Workers.MonitorInterval, 10*time.Second),
	})
	lifecycle := pool.NewLifecycle(logger, jobs, manager, pool.LifecyclePolicy{
		AutoStart:    config.Workers.AutoStart,
		AutoStop:     config.Workers.AutoStop,
		ReuseWorkers: config.Workers.ReuseWorkers,
		Freshness:    common.Duration(config.Workers.StaleThreshold, 30*time.Second),
	})

	return &App{
		Config:    config,
		Logger:    logger,
		Jobs:      jobs,
		Cache:     cache,
		Executor:  exec,
		Manager:   manager,
		Lifecycle: lifecycle,
	}, nil
}

// buildExecutor picks the runtime for the configured pools. Mixed modes
// fall back to managed; the docker executor covers docker-only setups.
func buildExecutor(config *common.Config, logger arbor.ILogger) interfaces.WorkerExecutor {
	allDocker := len(config.Workers.Pools) > 0
	for _, p := range config.Workers.Pools {
		if p.Mode != models.ExecutionModeDocker {
			allDocker = false
			break
		}
	}
	if allDocker {
		return executor.NewDockerExecutor(logger, executor.DockerOptions{
			NamePrefix:    config.Docker.NamePrefix,
			Network:       config.Docker.Network,
			HostWorkspace: config.Workspace.OutputDir,
			HostSourceDir: config.Workspace.SourceDir,
			JobDBPath:     config.Storage.JobDB.Path,
			CacheDBPath:   config.Storage.CacheDB.Path,
			LogLevel:      config.Logging.Level,
		})
	}
	return executor.NewManagedExecutor(logger, executor.ManagedOptions{
		LogDir:      config.Workers.LogDir,
		JobDBPath:   config.Storage.JobDB.Path,
		CacheDBPath: config.Storage.CacheDB.Path,
		Workspace:   config.Workspace.OutputDir,
		SourceDir:   config.Workspace.SourceDir,
		PlantUMLJar: config.Tools.PlantUMLJar,
		DrawioBin:   config.Tools.DrawioBin,
		LogLevel:    config.Logging.Level,
	})
}

// Close releases the databases.
func (a *App) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.Jobs != nil {
		a.Jobs.Close()
	}
}

// -----------------------------------------------------------------------
// Build
// -----------------------------------------------------------------------

// Build runs one course build end to end: workers up (per lifecycle
// policy), staged pipeline, cache maintenance, workers down.
func (a *App) Build(ctx context.Context, specPath string) (bool, error) {
	c, err := course.Load(specPath)
	if err != nil {
		return false, err
	}
	a.Logger.Info().
		Str("course", c.Name).
		Int("files", len(c.Files)).
		Msg("Course loaded")

	report, err := a.Lifecycle.StartManagedWorkers(ctx, a.Config.Workers.Pools)
	if err != nil {
		return false, fmt.Errorf("failed to start workers: %w", err)
	}
	a.Manager.StartMonitor(ctx)
	defer func() {
		a.Manager.StopMonitor()
		a.Lifecycle.StopManagedWorkers(context.Background(), report.Started)
	}()

	reporter := pipeline.NewConsoleReporter(a.Logger)
	b := backend.New(a.Logger, a.Jobs, a.Cache, reporter, backend.Options{
		OutputDir:         a.Config.Workspace.OutputDir,
		Incremental:       a.Config.Workspace.Incremental,
		CacheReadEnabled:  a.Config.Cache.ReadEnabled,
		RetainCount:       a.Config.Cache.RetainCount,
		IssueDays:         a.Config.Cache.IssueDays,
		PollInterval:      common.Duration(a.Config.Queue.BackendPollInterval, 500*time.Millisecond),
		HungResetInterval: common.Duration(a.Config.Queue.HungResetInterval, 5*time.Second),
		CompletionTimeout: common.Duration(a.Config.Queue.CompletionTimeout, 20*time.Minute),
		StaleThreshold:    common.Duration(a.Config.Workers.StaleThreshold, 30*time.Second),
		CleanupOnExit:     a.Config.Cache.CleanupOnExit,
		Retention:         a.Config.Retention.Jobs,
	})
	driver := pipeline.New(a.Logger, b, reporter, pipeline.Options{
		OutputDir: a.Config.Workspace.OutputDir,
		ImageMode: a.Config.Workspace.ImageMode,
	})

	ok, runErr := driver.Run(ctx, c)

	// Executions for content that no longer exists in the course are dead
	// weight in the cache.
	liveHashes := make(map[string]string)
	for _, f := range c.NotebookFiles() {
		liveHashes[f.RelPath] = f.Hash
	}
	if pruned, err := a.Cache.PruneStaleNotebooks(ctx, liveHashes); err != nil {
		a.Logger.Warn().Err(err).Msg("Stale notebook prune failed")
	} else if pruned > 0 {
		a.Logger.Info().Int("count", pruned).Msg("Pruned stale executed notebooks")
	}

	b.Shutdown(ctx)
	reporter.Summary()

	if runErr != nil {
		return false, runErr
	}
	return ok, nil
}

// -----------------------------------------------------------------------
// Services
// -----------------------------------------------------------------------

// StartServices starts persistent worker pools and blocks until the
// context is cancelled. Retention cleanup runs on the configured cron
// schedule while the service is up.
func (a *App) StartServices(ctx context.Context) error {
	report, err := a.Lifecycle.StartPersistentWorkers(ctx, a.Config.Workers.Pools)
	if err != nil {
		return err
	}
	if len(report.Failures) > 0 && len(report.Started) == 0 {
		return fmt.Errorf("no workers started: %v", report.Failures[0])
	}
	a.Manager.StartMonitor(ctx)

	if schedule := a.Config.Cache.CleanupSchedule; schedule != "" {
		a.scheduler = cron.New()
		_, err := a.scheduler.AddFunc(schedule, func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.Jobs.CleanupAll(cleanupCtx, a.Config.Retention.Jobs); err != nil {
				a.Logger.Warn().Err(err).Msg("Scheduled job cleanup failed")
			}
			if err := a.Cache.CleanupAll(cleanupCtx, a.Config.Cache.RetainCount, a.Config.Cache.IssueDays); err != nil {
				a.Logger.Warn().Err(err).Msg("Scheduled cache cleanup failed")
			}
		})
		if err != nil {
			a.Logger.Warn().Err(err).Str("schedule", schedule).Msg("Invalid cleanup schedule, skipping")
		} else {
			a.scheduler.Start()
		}
	}

	a.Logger.Info().Int("workers", len(report.Started)).Msg("Services running")
	<-ctx.Done()

	a.Manager.StopMonitor()
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	return nil
}

// StopServices stops every registered worker, whoever started it.
func (a *App) StopServices(ctx context.Context) error {
	workers, err := a.Jobs.ListWorkers(ctx)
	if err != nil {
		return err
	}
	managed := make([]pool.ManagedWorker, 0, len(workers))
	for _, w := range workers {
		if w.Status == models.WorkerStatusDead {
			continue
		}
		managed = append(managed, pool.ManagedWorker{
			WorkerID:   w.ID,
			ExecutorID: w.ExecutorID,
			Type:       w.Type,
		})
	}
	a.Lifecycle.StopPersistentWorkers(ctx, managed)
	a.Logger.Info().Int("count", len(managed)).Msg("Services stopped")
	return nil
}

// -----------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------

// ListWorkers returns every registered worker row.
func (a *App) ListWorkers(ctx context.Context) ([]*models.WorkerInfo, error) {
	return a.Jobs.ListWorkers(ctx)
}

// CleanupWorkers purges worker rows whose runtime is gone and returns
// orphaned jobs to pending.
func (a *App) CleanupWorkers(ctx context.Context) (int, error) {
	purged, err := a.Manager.PurgeStaleWorkers(ctx)
	if err != nil {
		return 0, err
	}
	if reset, err := a.Jobs.ResetHungJobs(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Hung job reset failed")
	} else if reset > 0 {
		a.Logger.Info().Int("count", reset).Msg("Returned orphaned jobs to pending")
	}
	return purged, nil
}

// Status logs the worker registry and recent lifecycle events.
func (a *App) Status(ctx context.Context) error {
	workers, err := a.Jobs.ListWorkers(ctx)
	if err != nil {
		return err
	}
	byStatus := map[models.WorkerStatus]int{}
	for _, w := range workers {
		byStatus[w.Status]++
	}
	a.Logger.Info().
		Int("total", len(workers)).
		Int("idle", byStatus[models.WorkerStatusIdle]).
		Int("busy", byStatus[models.WorkerStatusBusy]).
		Int("hung", byStatus[models.WorkerStatusHung]).
		Int("dead", byStatus[models.WorkerStatusDead]).
		Msg("Worker registry")

	for _, w := range workers {
		a.Logger.Info().
			Str("worker_id", w.ID).
			Str("type", string(w.Type)).
			Str("status", string(w.Status)).
			Int("processed", w.JobsProcessed).
			Int("failed", w.JobsFailed).
			Str("current_job", w.CurrentJob).
			Msg("Worker")
	}

	events, err := a.Jobs.ListWorkerEvents(ctx, 10)
	if err != nil {
		return err
	}
	for _, e := range events {
		a.Logger.Info().
			Str("event", e.EventType).
			Str("worker_id", e.WorkerID).
			Str("detail", e.Detail).
			Msg("Recent event")
	}
	return nil
}

// Monitor prints the status every interval until cancelled.
func (a *App) Monitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.Status(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
