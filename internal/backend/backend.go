// -----------------------------------------------------------------------
// Backend - Orchestrator client to the job queue and caches
// -----------------------------------------------------------------------

package backend

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
)

// serviceJobTypes maps the driver's service names to queue job types.
var serviceJobTypes = map[string]models.JobType{
	"notebook": models.JobTypeNotebook,
	"plantuml": models.JobTypePlantUML,
	"drawio":   models.JobTypeDrawio,
}

// Options tune the backend's polling, caching and file behavior.
type Options struct {
	OutputDir        string
	Incremental      bool
	CacheReadEnabled bool
	RetainCount      int

	PollInterval      time.Duration // default 500ms
	HungResetInterval time.Duration // default 5s
	CompletionTimeout time.Duration // default 20m
	WorkerWaitTimeout time.Duration // default 30s
	StaleThreshold    time.Duration // default 30s

	CleanupOnExit bool
	Retention     models.RetentionPolicy
	IssueDays     int
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.HungResetInterval <= 0 {
		o.HungResetInterval = 5 * time.Second
	}
	if o.CompletionTimeout <= 0 {
		o.CompletionTimeout = 20 * time.Minute
	}
	if o.WorkerWaitTimeout <= 0 {
		o.WorkerWaitTimeout = 30 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 30 * time.Second
	}
	if o.RetainCount <= 0 {
		o.RetainCount = 3
	}
	if o.IssueDays <= 0 {
		o.IssueDays = 30
	}
}

// activeJob is the minimal context kept per submitted job for completion
// processing.
type activeJob struct {
	inputFile      string
	outputFile     string
	contentHash    string
	outputMetadata string
	jobType        models.JobType
	correlationID  string
	resultKind     models.ResultKind
}

// Backend translates pipeline operations into queue submissions and drains
// their completions back into the cache and the reporter. ExecuteOperation
// and WaitForCompletion may be called from concurrent driver goroutines.
type Backend struct {
	logger      arbor.ILogger
	jobs        interfaces.JobStore
	cache       interfaces.CacheStore // nil disables cache interaction
	reporter    interfaces.Reporter
	categorizer *Categorizer
	opts        Options

	mu       sync.Mutex
	active   map[string]*activeJob
	failures int
}

// New builds a backend. cache may be nil when no cache DB is configured.
func New(logger arbor.ILogger, jobs interfaces.JobStore, cache interfaces.CacheStore, reporter interfaces.Reporter, opts Options) *Backend {
	opts.applyDefaults()
	return &Backend{
		logger:      logger,
		jobs:        jobs,
		cache:       cache,
		reporter:    reporter,
		categorizer: NewCategorizer(),
		opts:        opts,
		active:      make(map[string]*activeJob),
	}
}

// ExecuteOperation resolves an operation from the caches or submits it as
// a job. Non-blocking apart from the worker-availability gate. A returned
// error is fatal for the build.
func (b *Backend) ExecuteOperation(ctx context.Context, op *models.Operation) error {
	jobType, ok := serviceJobTypes[op.ServiceName]
	if !ok {
		return fmt.Errorf("unknown service %q for %s", op.ServiceName, op.InputFile)
	}

	outputMetadata := op.Payload.OutputMetadata()

	if hit, err := b.probeResultCache(ctx, op, outputMetadata); err != nil {
		b.logger.Warn().Err(err).Str("input", op.InputFile).Msg("Result cache probe failed, submitting")
	} else if hit {
		return nil
	}

	if hit, err := b.probeJobCache(ctx, op); err != nil {
		b.logger.Warn().Err(err).Str("input", op.InputFile).Msg("Job cache probe failed, submitting")
	} else if hit {
		b.replayWarnings(ctx, op, outputMetadata)
		b.reporter.CacheHit(op.InputFile)
		return nil
	}

	if err := b.awaitWorkers(ctx, jobType); err != nil {
		return err
	}

	payloadJSON, err := op.Payload.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize payload for %s: %w", op.InputFile, err)
	}
	jobID, err := b.jobs.AddJob(ctx, &models.Job{
		Type:          jobType,
		InputFile:     op.InputFile,
		OutputFile:    op.OutputFile,
		ContentHash:   op.ContentHash,
		Payload:       payloadJSON,
		CorrelationID: op.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", op.InputFile, err)
	}

	b.mu.Lock()
	b.active[jobID] = &activeJob{
		inputFile:      op.InputFile,
		outputFile:     op.OutputFile,
		contentHash:    op.ContentHash,
		outputMetadata: outputMetadata,
		jobType:        jobType,
		correlationID:  op.CorrelationID,
		resultKind:     resultKindFor(jobType),
	}
	b.mu.Unlock()

	b.reporter.JobSubmitted(op.InputFile)
	return nil
}

// probeResultCache resolves the operation from the cache DB: a stored
// result writes the output, a stored user error replays as a failure.
func (b *Backend) probeResultCache(ctx context.Context, op *models.Operation, outputMetadata string) (bool, error) {
	if b.cache == nil || !b.opts.CacheReadEnabled {
		return false, nil
	}

	result, err := b.cache.GetResult(ctx, op.InputFile, op.ContentHash, outputMetadata)
	if err != nil {
		return false, err
	}
	if result != nil {
		if err := b.writeCachedOutput(op.OutputFile, result.Bytes()); err != nil {
			return false, err
		}
		b.replayWarnings(ctx, op, outputMetadata)
		b.reporter.CacheHit(op.InputFile)
		return true, nil
	}

	// No result; a cached user error short-circuits the same way a fresh
	// failure would.
	errors, warnings, err := b.cache.GetIssues(ctx, op.InputFile, op.ContentHash, outputMetadata)
	if err != nil {
		return false, err
	}
	if len(errors) > 0 {
		for _, w := range warnings {
			b.reporter.Warning(w)
		}
		for _, e := range errors {
			b.reporter.Error(e)
		}
		b.mu.Lock()
		b.failures++
		b.mu.Unlock()
		return true, nil
	}
	return false, nil
}

// replayWarnings re-surfaces the stored warnings for a key. Every cache
// hit carries its warnings, no matter which probe resolved it.
func (b *Backend) replayWarnings(ctx context.Context, op *models.Operation, outputMetadata string) {
	if b.cache == nil {
		return
	}
	_, warnings, err := b.cache.GetIssues(ctx, op.InputFile, op.ContentHash, outputMetadata)
	if err != nil {
		b.logger.Warn().Err(err).Str("input", op.InputFile).Msg("Failed to read stored warnings")
		return
	}
	for _, w := range warnings {
		b.reporter.Warning(w)
	}
}

// probeJobCache checks the session-level "already produced" record.
func (b *Backend) probeJobCache(ctx context.Context, op *models.Operation) (bool, error) {
	hit, err := b.jobs.CheckCache(ctx, op.OutputFile, op.ContentHash)
	if err != nil || !hit {
		return false, err
	}
	if _, err := os.Stat(b.resolveOutput(op.OutputFile)); err != nil {
		return false, nil
	}
	return true, nil
}

// writeCachedOutput materializes cached bytes unless incremental mode says
// the file is already on disk.
func (b *Backend) writeCachedOutput(outputFile string, data []byte) error {
	path := b.resolveOutput(outputFile)
	if b.opts.Incremental {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write cached output %s: %w", path, err)
	}
	return nil
}

// awaitWorkers blocks briefly until at least one healthy worker of the
// type exists. Enqueueing into an unserviced queue would hang the build
// until the watchdog, so no workers is fatal here.
func (b *Backend) awaitWorkers(ctx context.Context, jobType models.JobType) error {
	deadline := time.After(b.opts.WorkerWaitTimeout)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		count, err := b.jobs.CountHealthyWorkers(ctx, jobType, b.opts.StaleThreshold)
		if err != nil {
			return fmt.Errorf("failed to count %s workers: %w", jobType, err)
		}
		if count > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return &models.BuildError{
				Type:     models.ErrorTypeInfrastructure,
				Category: "no_workers",
				Severity: models.SeverityFatal,
				Message:  fmt.Sprintf("no %s workers registered a heartbeat within %s", jobType, b.opts.WorkerWaitTimeout),
				Guidance: "Start workers (forge start-services) or enable workers.auto_start.",
			}
		case <-tick.C:
		}
	}
}

// -----------------------------------------------------------------------
// Completion loop
// -----------------------------------------------------------------------

// WaitForCompletion drains every submitted job. Returns true iff no job
// failed and no cached error was replayed since the last drain.
func (b *Backend) WaitForCompletion(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(b.opts.CompletionTimeout)
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()
	var lastHungReset time.Time

	for {
		b.mu.Lock()
		remaining := len(b.active)
		b.mu.Unlock()
		if remaining == 0 {
			break
		}
		if time.Now().After(deadline) {
			return false, fmt.Errorf("build did not complete within %s (%d jobs outstanding)", b.opts.CompletionTimeout, remaining)
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}

		if time.Since(lastHungReset) >= b.opts.HungResetInterval {
			lastHungReset = time.Now()
			if reset, err := b.jobs.ResetHungJobs(ctx); err != nil {
				b.logger.Warn().Err(err).Msg("Hung job reset failed")
			} else if reset > 0 {
				b.logger.Info().Int("count", reset).Msg("Returned orphaned jobs to pending")
			}
		}

		if err := b.drainOnce(ctx); err != nil {
			return false, err
		}
	}

	b.mu.Lock()
	ok := b.failures == 0
	b.failures = 0
	b.mu.Unlock()
	return ok, nil
}

// drainOnce polls the batch statuses and settles terminal jobs.
func (b *Backend) drainOnce(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	statuses, err := b.jobs.GetJobStatusesBatch(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to poll job statuses: %w", err)
	}

	for id, info := range statuses {
		if !info.Status.IsTerminal() {
			continue
		}
		b.mu.Lock()
		aj := b.active[id]
		delete(b.active, id)
		b.mu.Unlock()
		if aj == nil {
			continue
		}

		switch info.Status {
		case models.JobStatusCompleted:
			b.settleCompleted(ctx, aj, info)
		case models.JobStatusFailed:
			b.settleFailed(ctx, aj, info)
		case models.JobStatusCancelled:
			// Superseded by a newer submission for the same input; not a
			// build failure.
			b.logger.Debug().Str("input", aj.inputFile).Msg("Job cancelled mid-build")
		}
	}
	return nil
}

// settleCompleted surfaces warnings and stores the produced artifact.
// Cache writes happen even when reads are disabled.
func (b *Backend) settleCompleted(ctx context.Context, aj *activeJob, info models.JobStatusInfo) {
	jobResult, err := models.JobResultFromJSON(info.Result)
	if err != nil {
		b.logger.Warn().Err(err).Str("input", aj.inputFile).Msg("Malformed job result blob")
		jobResult = &models.JobResult{}
	}
	for i := range jobResult.Warnings {
		w := jobResult.Warnings[i]
		b.reporter.Warning(&w)
		if b.cache != nil {
			if err := b.cache.StoreWarning(ctx, aj.inputFile, aj.contentHash, aj.outputMetadata, &w); err != nil {
				b.logger.Warn().Err(err).Str("input", aj.inputFile).Msg("Failed to store warning")
			}
		}
	}

	if b.cache != nil {
		if result, err := b.readProducedResult(aj); err != nil {
			b.logger.Warn().Err(err).Str("input", aj.inputFile).Msg("Completed output not readable, skipping cache store")
		} else if err := b.cache.StoreLatestResult(ctx, result, b.opts.RetainCount); err != nil {
			b.logger.Warn().Err(err).Str("input", aj.inputFile).Msg("Failed to store result in cache")
		}
	}

	b.reporter.Completed(aj.inputFile)
}

// readProducedResult loads the worker's output file as a typed result.
func (b *Backend) readProducedResult(aj *activeJob) (*models.Result, error) {
	data, err := os.ReadFile(b.resolveOutput(aj.outputFile))
	if err != nil {
		return nil, err
	}
	if aj.resultKind == models.ResultKindNotebook {
		return models.NewNotebookResult(aj.inputFile, aj.contentHash, aj.outputMetadata, aj.correlationID, string(data)), nil
	}
	return models.NewImageResult(aj.inputFile, aj.contentHash, aj.outputMetadata, aj.correlationID, data), nil
}

// settleFailed categorizes the failure, caches user errors, and reports.
func (b *Backend) settleFailed(ctx context.Context, aj *activeJob, info models.JobStatusInfo) {
	buildErr := b.categorizer.Categorize(aj.jobType, aj.inputFile, info.Error)
	if buildErr.Type.Cacheable() && b.cache != nil {
		if err := b.cache.StoreError(ctx, aj.inputFile, aj.contentHash, aj.outputMetadata, buildErr); err != nil {
			b.logger.Warn().Err(err).Str("input", aj.inputFile).Msg("Failed to store error in cache")
		}
	}
	b.reporter.Error(buildErr)

	b.mu.Lock()
	b.failures++
	b.mu.Unlock()
}

// -----------------------------------------------------------------------
// Local file operations
// -----------------------------------------------------------------------

// CopyFileToOutput copies a source file into the output tree. In
// incremental mode an existing destination is left untouched.
func (b *Backend) CopyFileToOutput(src, dst string) error {
	dstPath := b.resolveOutput(dst)
	if b.opts.Incremental {
		if _, err := os.Stat(dstPath); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dstPath, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dstPath)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// CopyDirGroupToOutput copies a source directory tree into the output
// tree, file by file with incremental skips.
func (b *Backend) CopyDirGroupToOutput(srcDir, dstDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		return b.CopyFileToOutput(path, filepath.Join(dstDir, rel))
	})
}

// -----------------------------------------------------------------------
// Shutdown
// -----------------------------------------------------------------------

// Shutdown drains briefly and runs retention cleanup when configured.
func (b *Backend) Shutdown(ctx context.Context) {
	b.mu.Lock()
	remaining := len(b.active)
	b.mu.Unlock()
	if remaining > 0 {
		b.logger.Warn().Int("count", remaining).Msg("Shutting down with jobs outstanding, final drain")
		drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		ticker := time.NewTicker(b.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-drainCtx.Done():
				return
			case <-ticker.C:
			}
			if err := b.drainOnce(drainCtx); err != nil {
				return
			}
			b.mu.Lock()
			remaining = len(b.active)
			b.mu.Unlock()
			if remaining == 0 {
				break
			}
		}
	}

	if !b.opts.CleanupOnExit {
		return
	}
	if err := b.jobs.CleanupAll(ctx, b.opts.Retention); err != nil {
		b.logger.Warn().Err(err).Msg("Job retention cleanup failed")
	}
	if b.cache != nil {
		if err := b.cache.CleanupAll(ctx, b.opts.RetainCount, b.opts.IssueDays); err != nil {
			b.logger.Warn().Err(err).Msg("Cache retention cleanup failed")
		}
	}
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func (b *Backend) resolveOutput(path string) string {
	if filepath.IsAbs(path) || b.opts.OutputDir == "" {
		return path
	}
	return filepath.Join(b.opts.OutputDir, path)
}

func resultKindFor(jobType models.JobType) models.ResultKind {
	if jobType == models.JobTypeNotebook {
		return models.ResultKindNotebook
	}
	return models.ResultKindImage
}
