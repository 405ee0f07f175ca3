package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/models"
	"github.com/ternarybob/forge/internal/storage/sqlite"
)

func setupRunnerStore(t *testing.T) *sqlite.JobStore {
	config := &common.SQLiteConfig{
		Path:          t.TempDir() + "/jobs.db",
		BusyTimeoutMS: 5000,
		CacheSizeMB:   10,
	}
	store, err := sqlite.NewJobStore(arbor.NewLogger(), config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func queueImageJob(t *testing.T, store *sqlite.JobStore, inputFile, outputFile string) string {
	t.Helper()
	payload := models.NewImageJobPayload(models.JobTypePlantUML, &models.ImagePayload{
		InputFile:  inputFile,
		OutputFile: outputFile,
		Format:     models.ImageFormatPNG,
	})
	blob, err := payload.ToJSON()
	require.NoError(t, err)
	id, err := store.AddJob(context.Background(), &models.Job{
		Type:        models.JobTypePlantUML,
		InputFile:   inputFile,
		OutputFile:  outputFile,
		ContentHash: "hash1",
		Payload:     blob,
	})
	require.NoError(t, err)
	return id
}

func TestRunner_ProcessesJobToCompletion(t *testing.T) {
	store := setupRunnerStore(t)
	workspace := t.TempDir()

	handler := &stubHandler{jobType: models.JobTypePlantUML, result: []byte("png-bytes")}
	runner, err := NewRunner(arbor.NewLogger(), store, handler, RunnerOptions{
		WorkerID:     "wrk_test",
		WorkerType:   models.JobTypePlantUML,
		ExecutorID:   "exec-test",
		Workspace:    workspace,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx)
	}()

	id := queueImageJob(t, store, "d.puml", "img/d.png")

	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), id)
		return err == nil && job.Status == models.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// Output written atomically under the workspace.
	data, err := os.ReadFile(filepath.Join(workspace, "img/d.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	// Success recorded in the job-side cache.
	hit, err := store.CheckCache(context.Background(), "img/d.png", "hash1")
	require.NoError(t, err)
	assert.True(t, hit)

	worker, err := store.GetWorker(context.Background(), "wrk_test")
	require.NoError(t, err)
	assert.Equal(t, 1, worker.JobsProcessed)
	assert.Zero(t, worker.JobsFailed)

	cancel()
	<-done

	// Shutdown marked the worker dead.
	worker, err = store.GetWorker(context.Background(), "wrk_test")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusDead, worker.Status)
}

func TestRunner_FailedHandlerKeepsWorkerAlive(t *testing.T) {
	store := setupRunnerStore(t)

	handler := &stubHandler{jobType: models.JobTypePlantUML, err: errors.New("render failed")}
	runner, err := NewRunner(arbor.NewLogger(), store, handler, RunnerOptions{
		WorkerID:     "wrk_fail",
		WorkerType:   models.JobTypePlantUML,
		ExecutorID:   "exec-fail",
		Workspace:    t.TempDir(),
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	id := queueImageJob(t, store, "d.puml", "img/d.png")

	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), id)
		return err == nil && job.Status == models.JobStatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, job.Error, "render failed")

	// The worker survives the failure and returns to idle.
	require.Eventually(t, func() bool {
		worker, err := store.GetWorker(context.Background(), "wrk_fail")
		return err == nil && worker.Status == models.WorkerStatusIdle
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunner_CancelledJobProducesNoOutput(t *testing.T) {
	store := setupRunnerStore(t)
	workspace := t.TempDir()

	// A slow handler gives the cancel time to land mid-processing.
	handler := &slowHandler{delay: 300 * time.Millisecond, result: []byte("late")}
	runner, err := NewRunner(arbor.NewLogger(), store, handler, RunnerOptions{
		WorkerID:     "wrk_cancel",
		WorkerType:   models.JobTypePlantUML,
		ExecutorID:   "exec-cancel",
		Workspace:    workspace,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	id := queueImageJob(t, store, "d.puml", "img/d.png")

	// Wait for the claim, then cancel the file.
	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), id)
		return err == nil && job.Status == models.JobStatusProcessing
	}, 5*time.Second, 10*time.Millisecond)
	_, err = store.CancelJobsForFile(context.Background(), "d.puml", "watch_mode")
	require.NoError(t, err)

	// The worker discards the output and returns to idle.
	require.Eventually(t, func() bool {
		worker, err := store.GetWorker(context.Background(), "wrk_cancel")
		return err == nil && worker.Status == models.WorkerStatusIdle && worker.CurrentJob == ""
	}, 5*time.Second, 20*time.Millisecond)

	_, statErr := os.Stat(filepath.Join(workspace, "img/d.png"))
	assert.True(t, os.IsNotExist(statErr))

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
}

type slowHandler struct {
	delay  time.Duration
	result []byte
}

func (h *slowHandler) Type() models.JobType { return models.JobTypePlantUML }

func (h *slowHandler) Handle(ctx context.Context, req *Request) ([]byte, []models.BuildWarning, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-time.After(h.delay):
	}
	return h.result, nil, nil
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	require.NoError(t, writeFileAtomic(path, []byte("first")))
	require.NoError(t, writeFileAtomic(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// No temp droppings left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
