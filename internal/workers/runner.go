// -----------------------------------------------------------------------
// Runner - The invariant worker base loop
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
)

// RunnerOptions parameterize the base loop. Zero durations fall back to
// the shipped defaults.
type RunnerOptions struct {
	WorkerID      string
	WorkerType    models.JobType
	ExecutorID    string
	ExecutionMode models.ExecutionMode

	// Workspace is the root relative output paths resolve against.
	Workspace string
	// HostWorkspace/ContainerWorkspace translate container paths back to
	// host-visible paths for cache keys. Empty when not containerized.
	HostWorkspace      string
	ContainerWorkspace string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxJobTime        time.Duration
}

// Runner is the worker base loop: register, poll, claim, process, write,
// heartbeat, and mark dead on shutdown. The concrete work is delegated to
// the registered handler for the worker's type.
type Runner struct {
	opts    RunnerOptions
	store   interfaces.JobStore
	handler Handler
	logger  arbor.ILogger
	limiter *rate.Limiter
}

// NewRunner builds a runner around a job store and a handler. The handler
// type must match opts.WorkerType.
func NewRunner(logger arbor.ILogger, store interfaces.JobStore, handler Handler, opts RunnerOptions) (*Runner, error) {
	if handler.Type() != opts.WorkerType {
		return nil, fmt.Errorf("handler type %s does not match worker type %s", handler.Type(), opts.WorkerType)
	}
	if opts.WorkerID == "" {
		opts.WorkerID = common.NewWorkerID()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.MaxJobTime <= 0 {
		opts.MaxJobTime = 10 * time.Minute
	}
	if opts.ExecutionMode == "" {
		opts.ExecutionMode = models.ExecutionModeManaged
	}

	// The limiter paces claim polling so an idle fleet does not hammer
	// the shared database.
	limit := rate.Every(opts.PollInterval)
	return &Runner{
		opts:    opts,
		store:   store,
		handler: handler,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// ID returns the worker id the runner registered under.
func (r *Runner) ID() string { return r.opts.WorkerID }

// Run registers the worker and processes jobs until ctx is cancelled.
// On shutdown the worker marks itself dead before returning.
func (r *Runner) Run(ctx context.Context) error {
	worker := &models.WorkerInfo{
		ID:            r.opts.WorkerID,
		Type:          r.opts.WorkerType,
		ExecutorID:    r.opts.ExecutorID,
		Status:        models.WorkerStatusIdle,
		ExecutionMode: r.opts.ExecutionMode,
	}
	if err := r.store.RegisterWorker(ctx, worker); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	// Heartbeat immediately so the pool manager's registration wait sees us.
	if err := r.store.Heartbeat(ctx, r.opts.WorkerID); err != nil {
		return fmt.Errorf("failed to publish initial heartbeat: %w", err)
	}

	r.logger.Info().
		Str("worker_id", r.opts.WorkerID).
		Str("worker_type", string(r.opts.WorkerType)).
		Msg("Worker started")

	defer r.markDead()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}

		job, err := r.store.GetNextJob(ctx, r.opts.WorkerType, r.opts.WorkerID)
		if err != nil {
			if errors.Is(err, interfaces.ErrNoJob) {
				r.idleWait(ctx)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn().Err(err).Msg("Failed to poll for jobs")
			r.idleWait(ctx)
			continue
		}

		r.processJob(ctx, job)

		if err := r.store.UpdateWorkerStatus(ctx, r.opts.WorkerID, models.WorkerStatusIdle); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("Failed to return to idle")
		}
	}
}

// idleWait sleeps a jittered poll interval and refreshes the heartbeat.
func (r *Runner) idleWait(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(r.opts.PollInterval) / 4))
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.opts.PollInterval + jitter):
	}
	if err := r.store.Heartbeat(ctx, r.opts.WorkerID); err != nil && ctx.Err() == nil {
		r.logger.Warn().Err(err).Msg("Failed to heartbeat")
	}
}

// processJob runs one claimed job through the handler and records the
// outcome. Handler failures fail the job; the worker keeps running.
func (r *Runner) processJob(ctx context.Context, job *models.Job) {
	started := time.Now()
	log := r.logger.WithCorrelationId(job.CorrelationID)
	log.Info().
		Str("job_id", job.ID).
		Str("input_file", job.InputFile).
		Msg("Processing job")

	// Heartbeat in the background for the duration of the job; long
	// handlers must not look dead to the monitor.
	jobCtx, cancel := context.WithTimeout(ctx, r.opts.MaxJobTime)
	defer cancel()
	common.SafeGoWithContext(jobCtx, r.logger, "job-heartbeat", func() {
		ticker := time.NewTicker(r.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := r.store.Heartbeat(jobCtx, r.opts.WorkerID); err != nil && jobCtx.Err() == nil {
					r.logger.Warn().Err(err).Msg("Failed to heartbeat during job")
				}
			}
		}
	})

	if cancelled, err := r.store.IsJobCancelled(ctx, job.ID); err == nil && cancelled {
		log.Info().Str("job_id", job.ID).Msg("Job cancelled before processing, releasing")
		return
	}

	result, warnings, err := r.runHandler(jobCtx, job)
	duration := time.Since(started)

	if err != nil {
		if jobCtx.Err() == context.DeadlineExceeded {
			err = &StructuredError{
				ErrorClass:   "WorkerTimeout",
				ErrorMessage: fmt.Sprintf("job exceeded max job time %s", r.opts.MaxJobTime),
			}
		}
		r.failJob(ctx, job, err, log)
		return
	}
	if len(result) == 0 {
		r.failJob(ctx, job, fmt.Errorf("handler produced an empty result"), log)
		return
	}

	// Late cancellation: discard the output rather than write it.
	if cancelled, cerr := r.store.IsJobCancelled(ctx, job.ID); cerr == nil && cancelled {
		log.Info().Str("job_id", job.ID).Msg("Job cancelled during processing, discarding output")
		return
	}

	outputPath := r.resolvePath(job.OutputFile)
	if err := writeFileAtomic(outputPath, result); err != nil {
		r.failJob(ctx, job, fmt.Errorf("failed to write output: %w", err), log)
		return
	}

	jobResult := &models.JobResult{Warnings: warnings, Duration: duration.Seconds()}
	blob, err := jobResult.ToJSON()
	if err != nil {
		blob = nil
	}
	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, "", blob); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job completed")
		return
	}
	// Record the success in the job-side cache under the host-visible path.
	if err := r.store.AddToCache(ctx, r.hostPath(job.OutputFile), job.ContentHash, r.cacheMetadata(job)); err != nil {
		log.Warn().Err(err).Msg("Failed to record job cache entry")
	}
	if err := r.store.IncrementWorkerCounters(ctx, r.opts.WorkerID, false); err != nil {
		log.Warn().Err(err).Msg("Failed to increment worker counters")
	}

	log.Info().
		Str("job_id", job.ID).
		Str("duration", duration.Round(time.Millisecond).String()).
		Int("warnings", len(warnings)).
		Msg("Job completed")
}

// runHandler decodes the payload and invokes the handler, converting
// protocol errors into failures.
func (r *Runner) runHandler(ctx context.Context, job *models.Job) ([]byte, []models.BuildWarning, error) {
	payload, err := models.PayloadFromJSON(job.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid payload: %w", err)
	}
	if payload.Type != job.Type {
		return nil, nil, fmt.Errorf("payload type %s does not match job type %s", payload.Type, job.Type)
	}

	if err := os.MkdirAll(filepath.Dir(r.resolvePath(job.OutputFile)), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	req := &Request{
		Job:     job,
		Payload: payload,
		IsCancelled: func() bool {
			cancelled, err := r.store.IsJobCancelled(ctx, job.ID)
			return err == nil && cancelled
		},
	}
	return r.handler.Handle(ctx, req)
}

// failJob records the failure and keeps the worker alive.
func (r *Runner) failJob(ctx context.Context, job *models.Job, jobErr error, log arbor.ILogger) {
	log.Warn().
		Str("job_id", job.ID).
		Err(jobErr).
		Msg("Job failed")
	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, jobErr.Error(), nil); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
	}
	if err := r.store.IncrementWorkerCounters(ctx, r.opts.WorkerID, true); err != nil {
		log.Warn().Err(err).Msg("Failed to increment worker counters")
	}
}

// markDead records the terminal worker state on shutdown. Uses a fresh
// context; the run context is already cancelled by the time we get here.
func (r *Runner) markDead() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.UpdateWorkerStatus(ctx, r.opts.WorkerID, models.WorkerStatusDead); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to mark worker dead on shutdown")
	}
	r.logger.Info().Str("worker_id", r.opts.WorkerID).Msg("Worker stopped")
}

// resolvePath makes a job path absolute against the workspace root.
func (r *Runner) resolvePath(path string) string {
	if filepath.IsAbs(path) || r.opts.Workspace == "" {
		return path
	}
	return filepath.Join(r.opts.Workspace, path)
}

// hostPath translates a container-visible path back to the host-visible
// form used for cache keys. A no-op outside containers.
func (r *Runner) hostPath(path string) string {
	if r.opts.ContainerWorkspace == "" || r.opts.HostWorkspace == "" {
		return path
	}
	if strings.HasPrefix(path, r.opts.ContainerWorkspace) {
		return r.opts.HostWorkspace + strings.TrimPrefix(path, r.opts.ContainerWorkspace)
	}
	return path
}

func (r *Runner) cacheMetadata(job *models.Job) string {
	payload, err := models.PayloadFromJSON(job.Payload)
	if err != nil {
		return ""
	}
	return payload.OutputMetadata()
}

// writeFileAtomic writes via a temp file in the same directory plus rename,
// so concurrent readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
