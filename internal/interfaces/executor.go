package interfaces

import (
	"context"

	"github.com/ternarybob/forge/internal/models"
)

// WorkerStats is a point-in-time sample of a worker runtime.
type WorkerStats struct {
	CPUPercent float64
	MemoryMB   float64
	Alive      bool
}

// WorkerExecutor abstracts how a worker runtime is started, observed and
// stopped. Liveness checks must be externally observable (OS proc table,
// container inspect) so another orchestrator instance can check workers it
// did not start.
type WorkerExecutor interface {
	// StartWorker launches a runtime and returns its executor id.
	StartWorker(ctx context.Context, workerType models.JobType, index int, config models.WorkerConfig) (string, error)
	StopWorker(ctx context.Context, executorID string) bool
	IsWorkerRunning(ctx context.Context, executorID string) bool
	GetWorkerStats(ctx context.Context, executorID string) (*WorkerStats, error)
	// Cleanup stops all locally tracked workers.
	Cleanup(ctx context.Context)
	// GetContainerLogs returns tailed output for containerized runtimes;
	// managed executors return the worker log file tail.
	GetContainerLogs(ctx context.Context, executorID string, tail int) (string, error)
}
