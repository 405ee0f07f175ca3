// -----------------------------------------------------------------------
// JobStore - SQLite-backed queue, worker registry and event log
// -----------------------------------------------------------------------

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
)

const jobColumns = `id, job_type, input_file, output_file, content_hash, payload,
	status, worker_id, correlation_id, created_at, started_at, completed_at,
	error, result, cancelled_by`

// JobStore implements interfaces.JobStore over one SQLite database. Every
// write runs under the busy-retry policy so short lock contention between
// the orchestrator and worker processes never surfaces as a failure.
type JobStore struct {
	db     *SQLiteDB
	logger arbor.ILogger
	retry  common.RetryPolicy
}

// NewJobStore opens (or creates) the Job DB at the configured path.
func NewJobStore(logger arbor.ILogger, config *common.SQLiteConfig) (*JobStore, error) {
	db, err := NewSQLiteDB(logger, config, jobSchemaSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}
	return newJobStoreWithDB(logger, db), nil
}

func newJobStoreWithDB(logger arbor.ILogger, db *SQLiteDB) *JobStore {
	retry := common.DefaultBusyRetryPolicy()
	retry.RetryPredicate = IsBusyError
	return &JobStore{
		db:     db,
		logger: logger,
		retry:  retry,
	}
}

// Close closes the underlying database.
func (s *JobStore) Close() error {
	return s.db.Close()
}

// -----------------------------------------------------------------------
// Queue operations
// -----------------------------------------------------------------------

// AddJob validates and inserts a new pending job, generating an id and
// created_at when the caller left them empty.
func (s *JobStore) AddJob(ctx context.Context, job *models.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("invalid job: %w", err)
	}
	if job.ID == "" {
		job.ID = common.NewJobID()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	err := s.retry.Do(ctx, func() error {
		_, err := s.db.DB().ExecContext(ctx, `
			INSERT INTO jobs (id, job_type, input_file, output_file, content_hash,
				payload, status, correlation_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, string(job.Type), job.InputFile, job.OutputFile, job.ContentHash,
			job.Payload, string(job.Status), job.CorrelationID, timeToUnixMS(job.CreatedAt))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("input_file", job.InputFile).
		Msg("Job queued")
	return job.ID, nil
}

// GetJob fetches one job by id.
func (s *JobStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetNextJob atomically claims the oldest pending job of the given type.
// The claim and the worker's busy transition happen in one immediate
// transaction, so no two workers can claim the same job and the registry
// always reflects what the worker is doing.
func (s *JobStore) GetNextJob(ctx context.Context, workerType models.JobType, workerID string) (*models.Job, error) {
	var claimed *models.Job

	err := s.retry.Do(ctx, func() error {
		claimed = nil
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				SELECT `+jobColumns+` FROM jobs
				WHERE status = 'pending' AND job_type = ?
				ORDER BY created_at ASC
				LIMIT 1`, string(workerType))
			job, err := scanJob(row)
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to select pending job: %w", err)
			}

			now := time.Now()
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'processing', worker_id = ?, started_at = ?
				WHERE id = ?`,
				workerID, timeToUnixMS(now), job.ID); err != nil {
				return fmt.Errorf("failed to claim job: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers SET status = 'busy', current_job = ?, last_heartbeat = ?
				WHERE id = ?`,
				job.ID, timeToUnixMS(now), workerID); err != nil {
				return fmt.Errorf("failed to mark worker busy: %w", err)
			}

			job.Status = models.JobStatusProcessing
			job.WorkerID = workerID
			job.StartedAt = &now
			claimed = job
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, interfaces.ErrNoJob
	}

	s.logger.Debug().
		Str("job_id", claimed.ID).
		Str("worker_id", workerID).
		Msg("Job claimed")
	return claimed, nil
}

// UpdateJobStatus transitions a job to a terminal state, records the
// outcome and releases the owning worker's current_job in the same
// transaction.
func (s *JobStore) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errMsg string, result []byte) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	err := s.retry.Do(ctx, func() error {
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = ?, error = ?, result = ?, completed_at = ?
				WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
				string(status), errMsg, result, timeToUnixMS(time.Now()), id)
			if err != nil {
				return fmt.Errorf("failed to update job status: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				// Already terminal (racing cancellation) or unknown id.
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers SET current_job = NULL
				WHERE current_job = ?`, id); err != nil {
				return fmt.Errorf("failed to release worker: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("job_id", id).
		Str("status", string(status)).
		Msg("Job finished")
	return nil
}

// GetJobStatusesBatch fetches status/error/result for many jobs in one
// query. Unknown ids are absent from the returned map.
func (s *JobStore) GetJobStatusesBatch(ctx context.Context, ids []string) (map[string]models.JobStatusInfo, error) {
	statuses := make(map[string]models.JobStatusInfo, len(ids))
	if len(ids) == 0 {
		return statuses, nil
	}

	// SQLite's default variable limit is 999; chunk well below it.
	const chunkSize = 500
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := s.db.DB().QueryContext(ctx,
			`SELECT id, status, COALESCE(error, ''), result FROM jobs WHERE id IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query job statuses: %w", err)
		}
		for rows.Next() {
			var id, status, errMsg string
			var result []byte
			if err := rows.Scan(&id, &status, &errMsg, &result); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan job status: %w", err)
			}
			statuses[id] = models.JobStatusInfo{
				Status: models.JobStatus(status),
				Error:  errMsg,
				Result: result,
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return statuses, nil
}

// IsJobCancelled reports whether the job has been cancelled. Workers poll
// this between pipeline steps to abandon superseded work early.
func (s *JobStore) IsJobCancelled(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		// A pruned job is treated as cancelled; its output is unwanted.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check cancellation: %w", err)
	}
	return models.JobStatus(status) == models.JobStatusCancelled, nil
}

// CancelJobsForFile cancels every pending or processing job for a source
// file, recording who cancelled it. Returns the cancelled job ids.
func (s *JobStore) CancelJobsForFile(ctx context.Context, inputFile, reason string) ([]string, error) {
	var cancelled []string

	err := s.retry.Do(ctx, func() error {
		cancelled = nil
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, `
				SELECT id FROM jobs
				WHERE input_file = ? AND status IN ('pending', 'processing')`, inputFile)
			if err != nil {
				return fmt.Errorf("failed to find jobs for file: %w", err)
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				cancelled = append(cancelled, id)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()

			now := timeToUnixMS(time.Now())
			for _, id := range cancelled {
				if _, err := tx.ExecContext(ctx, `
					UPDATE jobs SET status = 'cancelled', cancelled_by = ?, completed_at = ?
					WHERE id = ?`, reason, now, id); err != nil {
					return fmt.Errorf("failed to cancel job %s: %w", id, err)
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE workers SET current_job = NULL WHERE current_job = ?`, id); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if len(cancelled) > 0 {
		s.logger.Info().
			Str("input_file", inputFile).
			Int("count", len(cancelled)).
			Str("reason", reason).
			Msg("Cancelled jobs for file")
	}
	return cancelled, nil
}

// ResetHungJobs returns to pending every processing job whose worker is
// dead or no longer registered. Clears worker_id and started_at so the
// job is claimable again.
func (s *JobStore) ResetHungJobs(ctx context.Context) (int, error) {
	var reset int64

	err := s.retry.Do(ctx, func() error {
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'pending', worker_id = NULL, started_at = NULL
				WHERE status = 'processing'
				  AND (worker_id IN (SELECT id FROM workers WHERE status = 'dead')
				       OR worker_id NOT IN (SELECT id FROM workers))`)
			if err != nil {
				return fmt.Errorf("failed to reset hung jobs: %w", err)
			}
			reset, err = res.RowsAffected()
			return err
		})
	})
	if err != nil {
		return 0, err
	}

	if reset > 0 {
		s.logger.Warn().Int64("count", reset).Msg("Reset hung jobs to pending")
	}
	return int(reset), nil
}

// -----------------------------------------------------------------------
// Job-side cache
// -----------------------------------------------------------------------

// CheckCache reports whether an output was produced for this hash during
// some prior session.
func (s *JobStore) CheckCache(ctx context.Context, outputFile, contentHash string) (bool, error) {
	var one int
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT 1 FROM job_cache WHERE output_file = ? AND content_hash = ?`,
		outputFile, contentHash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check job cache: %w", err)
	}
	return true, nil
}

// AddToCache records a successful output for its content hash.
func (s *JobStore) AddToCache(ctx context.Context, outputFile, contentHash, metadata string) error {
	return s.retry.Do(ctx, func() error {
		_, err := s.db.DB().ExecContext(ctx, `
			INSERT OR REPLACE INTO job_cache (output_file, content_hash, metadata, stored_at)
			VALUES (?, ?, ?, ?)`,
			outputFile, contentHash, metadata, timeToUnixMS(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to add to job cache: %w", err)
		}
		return nil
	})
}

// -----------------------------------------------------------------------
// Worker registry
// -----------------------------------------------------------------------

// RegisterWorker inserts or replaces the worker row. Replacing on the
// executor id handles a runtime that restarted with a fresh worker id.
func (s *JobStore) RegisterWorker(ctx context.Context, worker *models.WorkerInfo) error {
	if worker.ID == "" {
		return fmt.Errorf("worker id is required")
	}
	if worker.ExecutorID == "" {
		return fmt.Errorf("executor id is required")
	}
	now := time.Now()
	if worker.StartedAt.IsZero() {
		worker.StartedAt = now
	}
	if worker.LastHeartbeat.IsZero() {
		worker.LastHeartbeat = now
	}
	if worker.Status == "" {
		worker.Status = models.WorkerStatusCreated
	}
	if worker.ExecutionMode == "" {
		worker.ExecutionMode = models.ExecutionModeManaged
	}

	err := s.retry.Do(ctx, func() error {
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			// A stale row with the same executor id belongs to a previous
			// incarnation of this runtime.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM workers WHERE executor_id = ? AND id != ?`,
				worker.ExecutorID, worker.ID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO workers (id, worker_type, executor_id, status,
					last_heartbeat, started_at, jobs_processed, jobs_failed,
					execution_mode, current_job)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))`,
				worker.ID, string(worker.Type), worker.ExecutorID, string(worker.Status),
				timeToUnixMS(worker.LastHeartbeat), timeToUnixMS(worker.StartedAt),
				worker.JobsProcessed, worker.JobsFailed,
				string(worker.ExecutionMode), worker.CurrentJob)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	s.logger.Debug().
		Str("worker_id", worker.ID).
		Str("worker_type", string(worker.Type)).
		Str("executor_id", worker.ExecutorID).
		Msg("Worker registered")
	return nil
}

// GetWorker fetches one worker row by id.
func (s *JobStore) GetWorker(ctx context.Context, id string) (*models.WorkerInfo, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT id, worker_type, executor_id, status, last_heartbeat, started_at,
			jobs_processed, jobs_failed, execution_mode, COALESCE(current_job, '')
		FROM workers WHERE id = ?`, id)
	worker, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("worker %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return worker, nil
}

// UpdateWorkerStatus sets a worker's registry state. Transitions into idle
// clear current_job; a worker reporting idle is by definition not working.
func (s *JobStore) UpdateWorkerStatus(ctx context.Context, id string, status models.WorkerStatus) error {
	return s.retry.Do(ctx, func() error {
		var err error
		if status == models.WorkerStatusIdle {
			_, err = s.db.DB().ExecContext(ctx, `
				UPDATE workers SET status = ?, current_job = NULL, last_heartbeat = ?
				WHERE id = ?`,
				string(status), timeToUnixMS(time.Now()), id)
		} else {
			_, err = s.db.DB().ExecContext(ctx,
				`UPDATE workers SET status = ? WHERE id = ?`, string(status), id)
		}
		if err != nil {
			return fmt.Errorf("failed to update worker status: %w", err)
		}
		return nil
	})
}

// Heartbeat refreshes the worker's liveness timestamp.
func (s *JobStore) Heartbeat(ctx context.Context, id string) error {
	return s.retry.Do(ctx, func() error {
		_, err := s.db.DB().ExecContext(ctx,
			`UPDATE workers SET last_heartbeat = ? WHERE id = ?`,
			timeToUnixMS(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to heartbeat: %w", err)
		}
		return nil
	})
}

// IncrementWorkerCounters bumps the processed counter, and the failed
// counter too when failed is true.
func (s *JobStore) IncrementWorkerCounters(ctx context.Context, id string, failed bool) error {
	return s.retry.Do(ctx, func() error {
		query := `UPDATE workers SET jobs_processed = jobs_processed + 1 WHERE id = ?`
		if failed {
			query = `UPDATE workers SET jobs_processed = jobs_processed + 1,
				jobs_failed = jobs_failed + 1 WHERE id = ?`
		}
		if _, err := s.db.DB().ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to increment worker counters: %w", err)
		}
		return nil
	})
}

// ListWorkers returns workers, optionally filtered by status.
func (s *JobStore) ListWorkers(ctx context.Context, statuses ...models.WorkerStatus) ([]*models.WorkerInfo, error) {
	query := `SELECT id, worker_type, executor_id, status, last_heartbeat, started_at,
		jobs_processed, jobs_failed, execution_mode, COALESCE(current_job, '')
		FROM workers`
	var args []any
	if len(statuses) > 0 {
		placeholders := strings.Repeat("?,", len(statuses))
		query += ` WHERE status IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY started_at ASC`

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*models.WorkerInfo
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, worker)
	}
	return workers, rows.Err()
}

// CountHealthyWorkers counts idle/busy workers of a type whose heartbeat
// is within freshness. The cutoff comparison happens in SQL so concurrent
// orchestrators see the same answer.
func (s *JobStore) CountHealthyWorkers(ctx context.Context, workerType models.JobType, freshness time.Duration) (int, error) {
	cutoff := timeToUnixMS(time.Now().Add(-freshness))
	var count int
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workers
		WHERE worker_type = ? AND status IN ('idle', 'busy') AND last_heartbeat >= ?`,
		string(workerType), cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count healthy workers: %w", err)
	}
	return count, nil
}

// DeleteWorker removes a worker row from the registry.
func (s *JobStore) DeleteWorker(ctx context.Context, id string) error {
	return s.retry.Do(ctx, func() error {
		if _, err := s.db.DB().ExecContext(ctx,
			`DELETE FROM workers WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete worker: %w", err)
		}
		return nil
	})
}

// -----------------------------------------------------------------------
// Lifecycle event log
// -----------------------------------------------------------------------

// AddWorkerEvent appends a lifecycle record. Failures are returned but
// callers treat them as non-fatal; the log is observability only.
func (s *JobStore) AddWorkerEvent(ctx context.Context, event *models.WorkerEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return s.retry.Do(ctx, func() error {
		_, err := s.db.DB().ExecContext(ctx, `
			INSERT INTO worker_events (timestamp, event_type, worker_id, detail)
			VALUES (?, ?, ?, ?)`,
			timeToUnixMS(event.Timestamp), event.EventType, event.WorkerID, event.Detail)
		if err != nil {
			return fmt.Errorf("failed to add worker event: %w", err)
		}
		return nil
	})
}

// ListWorkerEvents returns the most recent events, newest first.
func (s *JobStore) ListWorkerEvents(ctx context.Context, limit int) ([]*models.WorkerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, timestamp, event_type, COALESCE(worker_id, ''), COALESCE(detail, '')
		FROM worker_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker events: %w", err)
	}
	defer rows.Close()

	var events []*models.WorkerEvent
	for rows.Next() {
		var event models.WorkerEvent
		var ts int64
		if err := rows.Scan(&event.ID, &ts, &event.EventType, &event.WorkerID, &event.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan worker event: %w", err)
		}
		event.Timestamp = unixMSToTime(ts)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// -----------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------

// CleanupAll deletes terminal jobs older than the policy allows and prunes
// the event log. Jobs still referenced by a worker's current_job are kept
// regardless of age.
func (s *JobStore) CleanupAll(ctx context.Context, policy models.RetentionPolicy) error {
	now := time.Now()
	cutoffs := []struct {
		status string
		days   int
	}{
		{"completed", policy.CompletedJobDays},
		{"failed", policy.FailedJobDays},
		{"cancelled", policy.CancelledJobDays},
	}

	return s.retry.Do(ctx, func() error {
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			var total int64
			for _, c := range cutoffs {
				if c.days <= 0 {
					continue
				}
				cutoff := timeToUnixMS(now.AddDate(0, 0, -c.days))
				res, err := tx.ExecContext(ctx, `
					DELETE FROM jobs
					WHERE status = ? AND completed_at < ?
					  AND id NOT IN (SELECT current_job FROM workers WHERE current_job IS NOT NULL)`,
					c.status, cutoff)
				if err != nil {
					return fmt.Errorf("failed to clean up %s jobs: %w", c.status, err)
				}
				n, _ := res.RowsAffected()
				total += n
			}
			if policy.EventDays > 0 {
				cutoff := timeToUnixMS(now.AddDate(0, 0, -policy.EventDays))
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM worker_events WHERE timestamp < ?`, cutoff); err != nil {
					return fmt.Errorf("failed to clean up worker events: %w", err)
				}
			}
			if total > 0 {
				s.logger.Info().Int64("jobs_deleted", total).Msg("Retention cleanup complete")
			}
			return nil
		})
	})
}

// -----------------------------------------------------------------------
// Row scanning
// -----------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var jobType, status string
	var workerID, correlationID, errMsg, cancelledBy sql.NullString
	var createdAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(&job.ID, &jobType, &job.InputFile, &job.OutputFile, &job.ContentHash,
		&job.Payload, &status, &workerID, &correlationID, &createdAt,
		&startedAt, &completedAt, &errMsg, &job.Result, &cancelledBy)
	if err != nil {
		return nil, err
	}

	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.WorkerID = workerID.String
	job.CorrelationID = correlationID.String
	job.Error = errMsg.String
	job.CancelledBy = cancelledBy.String
	job.CreatedAt = unixMSToTime(createdAt)
	if startedAt.Valid {
		t := unixMSToTime(startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := unixMSToTime(completedAt.Int64)
		job.CompletedAt = &t
	}
	return &job, nil
}

func scanWorker(row rowScanner) (*models.WorkerInfo, error) {
	var worker models.WorkerInfo
	var workerType, status, mode string
	var heartbeat, startedAt int64

	err := row.Scan(&worker.ID, &workerType, &worker.ExecutorID, &status,
		&heartbeat, &startedAt, &worker.JobsProcessed, &worker.JobsFailed,
		&mode, &worker.CurrentJob)
	if err != nil {
		return nil, err
	}

	worker.Type = models.JobType(workerType)
	worker.Status = models.WorkerStatus(status)
	worker.ExecutionMode = models.ExecutionMode(mode)
	worker.LastHeartbeat = unixMSToTime(heartbeat)
	worker.StartedAt = unixMSToTime(startedAt)
	return &worker, nil
}
