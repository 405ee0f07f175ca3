package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/forge/internal/models"
)

// ErrNoJob is returned by GetNextJob when no pending job of the requested
// type exists.
var ErrNoJob = errors.New("no pending job")

// JobStore provides the atomic primitives over the Job DB: the queue, the
// worker registry, the job-side cache and the lifecycle event log. It is
// the sole point of shared mutable state between the orchestrator and the
// worker processes.
type JobStore interface {
	// Queue operations
	AddJob(ctx context.Context, job *models.Job) (string, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// GetNextJob atomically claims the oldest pending job of the given
	// type: in one transaction the job moves to processing with worker_id
	// and started_at set, and the worker row becomes busy with current_job.
	GetNextJob(ctx context.Context, workerType models.JobType, workerID string) (*models.Job, error)
	// UpdateJobStatus transitions a job to a terminal state and sets
	// completed_at. Non-terminal targets are rejected.
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errMsg string, result []byte) error
	GetJobStatusesBatch(ctx context.Context, ids []string) (map[string]models.JobStatusInfo, error)
	IsJobCancelled(ctx context.Context, id string) (bool, error)
	// CancelJobsForFile transitions every pending-or-processing job with a
	// matching input file to cancelled and records the reason.
	CancelJobsForFile(ctx context.Context, inputFile, reason string) ([]string, error)
	// ResetHungJobs returns processing jobs owned by dead workers to
	// pending, clearing worker_id and started_at.
	ResetHungJobs(ctx context.Context) (int, error)

	// Job-side cache: "we produced this output during some prior session".
	CheckCache(ctx context.Context, outputFile, contentHash string) (bool, error)
	AddToCache(ctx context.Context, outputFile, contentHash, metadata string) error

	// Worker registry
	RegisterWorker(ctx context.Context, worker *models.WorkerInfo) error
	GetWorker(ctx context.Context, id string) (*models.WorkerInfo, error)
	UpdateWorkerStatus(ctx context.Context, id string, status models.WorkerStatus) error
	Heartbeat(ctx context.Context, id string) error
	IncrementWorkerCounters(ctx context.Context, id string, failed bool) error
	ListWorkers(ctx context.Context, statuses ...models.WorkerStatus) ([]*models.WorkerInfo, error)
	// CountHealthyWorkers counts idle/busy workers of a type with a fresh
	// heartbeat. Computed server-side so two orchestrators cannot
	// double-count.
	CountHealthyWorkers(ctx context.Context, workerType models.JobType, freshness time.Duration) (int, error)
	DeleteWorker(ctx context.Context, id string) error

	// Lifecycle event log (observability only)
	AddWorkerEvent(ctx context.Context, event *models.WorkerEvent) error
	ListWorkerEvents(ctx context.Context, limit int) ([]*models.WorkerEvent, error)

	// CleanupAll applies the retention policy to terminal jobs and events.
	CleanupAll(ctx context.Context, policy models.RetentionPolicy) error

	Close() error
}
