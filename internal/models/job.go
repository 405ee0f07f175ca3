// -----------------------------------------------------------------------
// Job - Unit of claimable work routed to typed workers
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType discriminates which worker pool services a job.
type JobType string

const (
	JobTypeNotebook JobType = "notebook"
	JobTypePlantUML JobType = "plantuml"
	JobTypeDrawio   JobType = "drawio"
)

// JobStatus is the lifecycle state of a queued job.
// pending -> processing -> {completed, failed, cancelled}.
// Terminal states are final; ResetHungJobs is the only path back to pending
// and applies only to processing jobs whose worker is dead.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal returns true for completed, failed and cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is a single unit of work claimable by exactly one worker.
// The payload is an opaque JSON blob (see Payload); InputFile and OutputFile
// are interpreted by the caller's contract with the worker.
type Job struct {
	ID            string    `json:"id"`
	Type          JobType   `json:"job_type"`
	InputFile     string    `json:"input_file"`
	OutputFile    string    `json:"output_file"`
	ContentHash   string    `json:"content_hash"`
	Payload       []byte    `json:"payload,omitempty"`
	Status        JobStatus `json:"status"`
	WorkerID      string    `json:"worker_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Error       string `json:"error,omitempty"`
	Result      []byte `json:"result,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

// Validate checks the fields the queue requires before insertion.
func (j *Job) Validate() error {
	if j.Type == "" {
		return fmt.Errorf("job type is required")
	}
	if j.InputFile == "" {
		return fmt.Errorf("input file is required")
	}
	if j.OutputFile == "" {
		return fmt.Errorf("output file is required")
	}
	if j.ContentHash == "" {
		return fmt.Errorf("content hash is required")
	}
	return nil
}

// JobResult is the structured blob a worker attaches to a completed job.
type JobResult struct {
	Warnings []BuildWarning `json:"warnings,omitempty"`
	Duration float64        `json:"duration_seconds,omitempty"`
}

// ToJSON serializes the job result for the jobs.result column.
func (r *JobResult) ToJSON() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job result: %w", err)
	}
	return data, nil
}

// JobResultFromJSON deserializes a job result blob. A nil or empty blob
// yields an empty result rather than an error.
func JobResultFromJSON(data []byte) (*JobResult, error) {
	if len(data) == 0 {
		return &JobResult{}, nil
	}
	var r JobResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job result: %w", err)
	}
	return &r, nil
}

// JobStatusInfo is the per-job slice of state returned by batch polling.
type JobStatusInfo struct {
	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
	Result []byte    `json:"result,omitempty"`
}

// RetentionPolicy bounds how long terminal jobs and events are kept.
type RetentionPolicy struct {
	CompletedJobDays int `toml:"completed_job_days"`
	FailedJobDays    int `toml:"failed_job_days"`
	CancelledJobDays int `toml:"cancelled_job_days"`
	EventDays        int `toml:"event_days"`
}

// DefaultRetentionPolicy matches the shipped defaults.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		CompletedJobDays: 7,
		FailedJobDays:    14,
		CancelledJobDays: 3,
		EventDays:        30,
	}
}
