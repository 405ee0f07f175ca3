// -----------------------------------------------------------------------
// forge-worker - Typed job worker process
// -----------------------------------------------------------------------

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
	"github.com/ternarybob/forge/internal/storage/sqlite"
	"github.com/ternarybob/forge/internal/workers"
)

func main() {
	logger := arbor.NewLogger().WithLevelFromString(envOr(common.EnvLogLevel, "info"))
	defer func() {
		if r := recover(); r != nil {
			common.WriteCrashFile(r, string(debug.Stack()))
			os.Exit(1)
		}
	}()

	if err := run(logger); err != nil {
		logger.Error().Err(err).Msg("Worker exited with error")
		os.Exit(1)
	}
}

func run(logger arbor.ILogger) error {
	workerType := models.JobType(os.Getenv(common.EnvWorkerType))
	switch workerType {
	case models.JobTypeNotebook, models.JobTypePlantUML, models.JobTypeDrawio:
	default:
		return fmt.Errorf("%s must be one of notebook, plantuml, drawio (got %q)", common.EnvWorkerType, workerType)
	}

	jobDB := os.Getenv(common.EnvJobDB)
	if jobDB == "" {
		return fmt.Errorf("%s is required", common.EnvJobDB)
	}
	workspace := os.Getenv(common.EnvWorkspace)
	if workspace == "" {
		return fmt.Errorf("%s is required", common.EnvWorkspace)
	}

	store, err := sqlite.NewJobStore(logger, &common.SQLiteConfig{
		Path:          jobDB,
		BusyTimeoutMS: 10000,
		CacheSizeMB:   64,
		WALMode:       true,
	})
	if err != nil {
		return fmt.Errorf("failed to open job database: %w", err)
	}
	defer store.Close()

	// The cache DB is optional; only notebook workers use it, for the
	// execution-reuse cache.
	var cache interfaces.CacheStore
	if cacheDB := os.Getenv(common.EnvCacheDB); cacheDB != "" && workerType == models.JobTypeNotebook {
		cacheStore, err := sqlite.NewCacheStore(logger, &common.SQLiteConfig{
			Path:          cacheDB,
			BusyTimeoutMS: 10000,
			CacheSizeMB:   64,
			WALMode:       true,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Cache database unavailable, execution reuse disabled")
		} else {
			cache = cacheStore
			defer cacheStore.Close()
		}
	}

	handler, err := buildHandler(logger, workerType, cache, workspace)
	if err != nil {
		return err
	}

	executorID, mode, err := selfExecutorID()
	if err != nil {
		return fmt.Errorf("failed to determine executor id: %w", err)
	}

	runner, err := workers.NewRunner(logger, store, handler, workers.RunnerOptions{
		WorkerID:           os.Getenv(common.EnvWorkerID),
		WorkerType:         workerType,
		ExecutorID:         executorID,
		ExecutionMode:      mode,
		Workspace:          workspace,
		HostWorkspace:      os.Getenv(common.EnvHostWorkspace),
		ContainerWorkspace: os.Getenv(common.EnvContainerWorkspace),
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("worker_type", string(workerType)).
		Str("executor_id", executorID).
		Str("mode", string(mode)).
		Msg("Worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runner.Run(ctx)
}

func buildHandler(logger arbor.ILogger, workerType models.JobType, cache interfaces.CacheStore, workspace string) (workers.Handler, error) {
	sourceDir := os.Getenv(common.EnvSourceData)
	switch workerType {
	case models.JobTypeNotebook:
		return workers.NewNotebookHandler(logger, cache, workers.NotebookHandlerOptions{
			HostWorkspace:      os.Getenv(common.EnvHostWorkspace),
			ContainerWorkspace: os.Getenv(common.EnvContainerWorkspace),
		}), nil
	case models.JobTypePlantUML:
		return workers.NewPlantUMLHandler(logger, workers.PlantUMLHandlerOptions{
			JarPath:   os.Getenv(common.EnvPlantUMLJar),
			SourceDir: firstNonEmpty(sourceDir, workspace),
		}), nil
	case models.JobTypeDrawio:
		return workers.NewDrawioHandler(logger, workers.DrawioHandlerOptions{
			BinPath:   os.Getenv(common.EnvDrawioBin),
			SourceDir: firstNonEmpty(sourceDir, workspace),
		}), nil
	}
	return nil, fmt.Errorf("no handler for worker type %s", workerType)
}

// selfExecutorID reports how this runtime is externally observable. In a
// container the hostname is the short container id; as a subprocess the
// pid:starttime sentinel guards against PID reuse.
func selfExecutorID() (string, models.ExecutionMode, error) {
	if os.Getenv(common.EnvContainerWorkspace) != "" {
		hostname, err := os.Hostname()
		if err != nil {
			return "", "", err
		}
		return hostname, models.ExecutionModeDocker, nil
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return "", "", err
	}
	created, err := proc.CreateTime()
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("%d:%d", os.Getpid(), created), models.ExecutionModeManaged, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
