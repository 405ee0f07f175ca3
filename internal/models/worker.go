// -----------------------------------------------------------------------
// Worker - Registered runtime available to claim jobs
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// WorkerStatus is the registry state of a worker runtime.
type WorkerStatus string

const (
	WorkerStatusCreated WorkerStatus = "created"
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusHung    WorkerStatus = "hung"
	WorkerStatusDead    WorkerStatus = "dead"
)

// IsHealthy returns true for statuses that can service jobs.
func (s WorkerStatus) IsHealthy() bool {
	return s == WorkerStatusIdle || s == WorkerStatusBusy
}

// ExecutionMode tags how a worker runtime is hosted.
type ExecutionMode string

const (
	ExecutionModeManaged ExecutionMode = "managed"
	ExecutionModeDocker  ExecutionMode = "docker"
)

// WorkerInfo is the workers-table row. ExecutorID is the opaque handle the
// executor uses to address the runtime (container id, or pid:starttime for
// managed subprocesses) and is unique per live runtime.
type WorkerInfo struct {
	ID            string        `json:"id"`
	Type          JobType       `json:"worker_type"`
	ExecutorID    string        `json:"executor_id"`
	Status        WorkerStatus  `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	StartedAt     time.Time     `json:"started_at"`
	JobsProcessed int           `json:"jobs_processed"`
	JobsFailed    int           `json:"jobs_failed"`
	ExecutionMode ExecutionMode `json:"execution_mode"`
	CurrentJob    string        `json:"current_job,omitempty"`
}

// HeartbeatFresh reports whether the last heartbeat is within threshold.
func (w *WorkerInfo) HeartbeatFresh(threshold time.Duration) bool {
	return time.Since(w.LastHeartbeat) <= threshold
}

// WorkerConfig describes one pool of workers to start.
type WorkerConfig struct {
	Type  JobType       `toml:"type" validate:"oneof=notebook plantuml drawio"`
	Count int           `toml:"count" validate:"min=0"`
	Mode  ExecutionMode `toml:"mode" validate:"oneof=managed docker"`

	// Docker-mode runtime parameters.
	Image         string `toml:"image"`
	MemoryLimitMB int    `toml:"memory_limit_mb"`
}

// Worker event types, recorded in the append-only audit table.
const (
	EventPoolStarting  = "pool_starting"
	EventPoolStarted   = "pool_started"
	EventPoolStopping  = "pool_stopping"
	EventPoolStopped   = "pool_stopped"
	EventWorkerStarted = "worker_started"
	EventWorkerStopped = "worker_stopped"
	EventWorkerFailed  = "worker_failed"
)

// WorkerEvent is an append-only audit record of lifecycle transitions.
// Observability only; never on the critical path.
type WorkerEvent struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}
