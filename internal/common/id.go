package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewWorkerID generates a unique worker ID with the "wrk_" prefix
func NewWorkerID() string {
	return "wrk_" + uuid.New().String()
}

// NewCorrelationID generates a trace token with the "cor_" prefix
func NewCorrelationID() string {
	return "cor_" + uuid.New().String()
}
