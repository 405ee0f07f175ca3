package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
)

// setupJobStore creates a JobStore on a temp database
func setupJobStore(t *testing.T) *JobStore {
	config := &common.SQLiteConfig{
		Path:          t.TempDir() + "/jobs.db",
		BusyTimeoutMS: 5000,
		CacheSizeMB:   10,
		WALMode:       false,
	}

	logger := arbor.NewLogger()
	store, err := NewJobStore(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testJob(inputFile string) *models.Job {
	return &models.Job{
		Type:        models.JobTypeNotebook,
		InputFile:   inputFile,
		OutputFile:  "out/" + inputFile,
		ContentHash: "abc123",
	}
}

func registerTestWorker(t *testing.T, store *JobStore, id string, workerType models.JobType, status models.WorkerStatus) {
	t.Helper()
	worker := &models.WorkerInfo{
		ID:         id,
		Type:       workerType,
		ExecutorID: "exec-" + id,
		Status:     status,
	}
	require.NoError(t, store.RegisterWorker(context.Background(), worker))
}

func TestJobStore_AddAndGetJob(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	id, err := store.AddJob(ctx, testJob("topic/a.ipynb"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "topic/a.ipynb", job.InputFile)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Nil(t, job.StartedAt)
}

func TestJobStore_AddJobValidates(t *testing.T) {
	store := setupJobStore(t)

	_, err := store.AddJob(context.Background(), &models.Job{Type: models.JobTypeNotebook})
	assert.Error(t, err)
}

func TestJobStore_GetNextJobClaimsOldest(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	first := testJob("topic/a.ipynb")
	first.CreatedAt = time.Now().Add(-time.Minute)
	firstID, err := store.AddJob(ctx, first)
	require.NoError(t, err)
	_, err = store.AddJob(ctx, testJob("topic/b.ipynb"))
	require.NoError(t, err)

	registerTestWorker(t, store, "wrk_1", models.JobTypeNotebook, models.WorkerStatusIdle)

	job, err := store.GetNextJob(ctx, models.JobTypeNotebook, "wrk_1")
	require.NoError(t, err)
	assert.Equal(t, firstID, job.ID)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Equal(t, "wrk_1", job.WorkerID)
	require.NotNil(t, job.StartedAt)

	// The claim also flipped the worker to busy with current_job set.
	worker, err := store.GetWorker(ctx, "wrk_1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusBusy, worker.Status)
	assert.Equal(t, firstID, worker.CurrentJob)
}

func TestJobStore_GetNextJobFiltersByType(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	job := testJob("diagram.puml")
	job.Type = models.JobTypePlantUML
	_, err := store.AddJob(ctx, job)
	require.NoError(t, err)

	registerTestWorker(t, store, "wrk_nb", models.JobTypeNotebook, models.WorkerStatusIdle)

	_, err = store.GetNextJob(ctx, models.JobTypeNotebook, "wrk_nb")
	assert.ErrorIs(t, err, interfaces.ErrNoJob)
}

func TestJobStore_GetNextJobEmpty(t *testing.T) {
	store := setupJobStore(t)

	_, err := store.GetNextJob(context.Background(), models.JobTypeNotebook, "wrk_1")
	assert.ErrorIs(t, err, interfaces.ErrNoJob)
}

func TestJobStore_UpdateJobStatusTerminal(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	id, err := store.AddJob(ctx, testJob("topic/a.ipynb"))
	require.NoError(t, err)
	registerTestWorker(t, store, "wrk_1", models.JobTypeNotebook, models.WorkerStatusIdle)
	_, err = store.GetNextJob(ctx, models.JobTypeNotebook, "wrk_1")
	require.NoError(t, err)

	result := []byte(`{"duration_seconds": 1.5}`)
	require.NoError(t, store.UpdateJobStatus(ctx, id, models.JobStatusCompleted, "", result))

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, result, job.Result)

	// Completion released the worker's current_job.
	worker, err := store.GetWorker(ctx, "wrk_1")
	require.NoError(t, err)
	assert.Empty(t, worker.CurrentJob)
}

func TestJobStore_UpdateJobStatusRejectsNonTerminal(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	id, err := store.AddJob(ctx, testJob("topic/a.ipynb"))
	require.NoError(t, err)

	err = store.UpdateJobStatus(ctx, id, models.JobStatusProcessing, "", nil)
	assert.Error(t, err)
}

func TestJobStore_UpdateJobStatusDoesNotOverrideCancellation(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	id, err := store.AddJob(ctx, testJob("topic/a.ipynb"))
	require.NoError(t, err)

	cancelled, err := store.CancelJobsForFile(ctx, "topic/a.ipynb", "newer build")
	require.NoError(t, err)
	require.Equal(t, []string{id}, cancelled)

	// A worker finishing after the cancel must not flip the status.
	require.NoError(t, store.UpdateJobStatus(ctx, id, models.JobStatusCompleted, "", nil))

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, "newer build", job.CancelledBy)
}

func TestJobStore_IsJobCancelled(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	id, err := store.AddJob(ctx, testJob("topic/a.ipynb"))
	require.NoError(t, err)

	cancelled, err := store.IsJobCancelled(ctx, id)
	require.NoError(t, err)
	assert.False(t, cancelled)

	_, err = store.CancelJobsForFile(ctx, "topic/a.ipynb", "test")
	require.NoError(t, err)

	cancelled, err = store.IsJobCancelled(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// An unknown (pruned) job reads as cancelled.
	cancelled, err = store.IsJobCancelled(ctx, "job_missing")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestJobStore_GetJobStatusesBatch(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	id1, err := store.AddJob(ctx, testJob("topic/a.ipynb"))
	require.NoError(t, err)
	id2, err := store.AddJob(ctx, testJob("topic/b.ipynb"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateJobStatus(ctx, id2, models.JobStatusFailed, "boom", nil))

	statuses, err := store.GetJobStatusesBatch(ctx, []string{id1, id2, "job_missing"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, models.JobStatusPending, statuses[id1].Status)
	assert.Equal(t, models.JobStatusFailed, statuses[id2].Status)
	assert.Equal(t, "boom", statuses[id2].Error)
}

func TestJobStore_ResetHungJobs(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	id, err := store.AddJob(ctx, testJob("topic/a.ipynb"))
	require.NoError(t, err)
	registerTestWorker(t, store, "wrk_dead", models.JobTypeNotebook, models.WorkerStatusIdle)
	_, err = store.GetNextJob(ctx, models.JobTypeNotebook, "wrk_dead")
	require.NoError(t, err)

	// Healthy worker: nothing to reset.
	n, err := store.ResetHungJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.UpdateWorkerStatus(ctx, "wrk_dead", models.WorkerStatusDead))

	n, err = store.ResetHungJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Empty(t, job.WorkerID)
	assert.Nil(t, job.StartedAt)
}

func TestJobStore_ResetHungJobsMissingWorker(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	id, err := store.AddJob(ctx, testJob("topic/a.ipynb"))
	require.NoError(t, err)
	registerTestWorker(t, store, "wrk_gone", models.JobTypeNotebook, models.WorkerStatusIdle)
	_, err = store.GetNextJob(ctx, models.JobTypeNotebook, "wrk_gone")
	require.NoError(t, err)
	require.NoError(t, store.DeleteWorker(ctx, "wrk_gone"))

	n, err := store.ResetHungJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
}

func TestJobStore_JobCache(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	hit, err := store.CheckCache(ctx, "out/a.ipynb", "hash1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, store.AddToCache(ctx, "out/a.ipynb", "hash1", "kind=speaker"))

	hit, err = store.CheckCache(ctx, "out/a.ipynb", "hash1")
	require.NoError(t, err)
	assert.True(t, hit)

	// Different hash for the same output is a miss.
	hit, err = store.CheckCache(ctx, "out/a.ipynb", "hash2")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestJobStore_RegisterWorkerReplacesStaleExecutorID(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	registerTestWorker(t, store, "wrk_old", models.JobTypeNotebook, models.WorkerStatusIdle)

	// Same executor id, new worker id: the runtime restarted.
	worker := &models.WorkerInfo{
		ID:         "wrk_new",
		Type:       models.JobTypeNotebook,
		ExecutorID: "exec-wrk_old",
		Status:     models.WorkerStatusIdle,
	}
	require.NoError(t, store.RegisterWorker(ctx, worker))

	_, err := store.GetWorker(ctx, "wrk_old")
	assert.Error(t, err)
	got, err := store.GetWorker(ctx, "wrk_new")
	require.NoError(t, err)
	assert.Equal(t, "exec-wrk_old", got.ExecutorID)
}

func TestJobStore_HeartbeatAndHealthyCount(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	registerTestWorker(t, store, "wrk_1", models.JobTypeNotebook, models.WorkerStatusIdle)
	registerTestWorker(t, store, "wrk_2", models.JobTypeNotebook, models.WorkerStatusBusy)
	registerTestWorker(t, store, "wrk_3", models.JobTypeNotebook, models.WorkerStatusDead)
	registerTestWorker(t, store, "wrk_4", models.JobTypePlantUML, models.WorkerStatusIdle)

	count, err := store.CountHealthyWorkers(ctx, models.JobTypeNotebook, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// A stale heartbeat disqualifies even an idle worker.
	count, err = store.CountHealthyWorkers(ctx, models.JobTypeNotebook, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, count, 2)

	require.NoError(t, store.Heartbeat(ctx, "wrk_1"))
	worker, err := store.GetWorker(ctx, "wrk_1")
	require.NoError(t, err)
	assert.True(t, worker.HeartbeatFresh(time.Second))
}

func TestJobStore_IncrementWorkerCounters(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	registerTestWorker(t, store, "wrk_1", models.JobTypeNotebook, models.WorkerStatusIdle)

	require.NoError(t, store.IncrementWorkerCounters(ctx, "wrk_1", false))
	require.NoError(t, store.IncrementWorkerCounters(ctx, "wrk_1", true))

	worker, err := store.GetWorker(ctx, "wrk_1")
	require.NoError(t, err)
	assert.Equal(t, 2, worker.JobsProcessed)
	assert.Equal(t, 1, worker.JobsFailed)
}

func TestJobStore_ListWorkersFiltered(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	registerTestWorker(t, store, "wrk_1", models.JobTypeNotebook, models.WorkerStatusIdle)
	registerTestWorker(t, store, "wrk_2", models.JobTypeNotebook, models.WorkerStatusDead)

	all, err := store.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	dead, err := store.ListWorkers(ctx, models.WorkerStatusDead)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "wrk_2", dead[0].ID)
}

func TestJobStore_WorkerEvents(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddWorkerEvent(ctx, &models.WorkerEvent{
		EventType: models.EventWorkerStarted,
		WorkerID:  "wrk_1",
	}))
	require.NoError(t, store.AddWorkerEvent(ctx, &models.WorkerEvent{
		EventType: models.EventWorkerStopped,
		WorkerID:  "wrk_1",
		Detail:    "auto_stop",
	}))

	events, err := store.ListWorkerEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, models.EventWorkerStopped, events[0].EventType)
	assert.Equal(t, "auto_stop", events[0].Detail)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestJobStore_CleanupAllKeepsCurrentJobs(t *testing.T) {
	store := setupJobStore(t)
	ctx := context.Background()

	oldID, err := store.AddJob(ctx, testJob("topic/old.ipynb"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateJobStatus(ctx, oldID, models.JobStatusCompleted, "", nil))

	// Age the completed job past the retention window.
	cutoff := timeToUnixMS(time.Now().AddDate(0, 0, -30))
	_, err = store.db.DB().Exec(`UPDATE jobs SET completed_at = ? WHERE id = ?`, cutoff, oldID)
	require.NoError(t, err)

	require.NoError(t, store.CleanupAll(ctx, models.DefaultRetentionPolicy()))

	_, err = store.GetJob(ctx, oldID)
	assert.Error(t, err)
}
