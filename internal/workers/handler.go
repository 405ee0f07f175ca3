// -----------------------------------------------------------------------
// Handler - Type-specific job processing contract
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/forge/internal/models"
)

// Request bundles what a handler receives for one claimed job. The loop
// guarantees the payload variant matches the handler's type and that the
// output file's parent directory exists.
type Request struct {
	Job     *models.Job
	Payload *models.Payload

	// IsCancelled reports whether the job was cancelled after the claim.
	// Handlers call it before any multi-second operation.
	IsCancelled func() bool
}

// Handler processes jobs of a single type. It returns the produced bytes
// and any warnings; an empty result must be returned as an error.
type Handler interface {
	Type() models.JobType
	Handle(ctx context.Context, req *Request) ([]byte, []models.BuildWarning, error)
}

// PermanentError marks a failure that retrying cannot fix: missing tool
// binary, missing input file, permission denied. The retry loop fails fast
// on these instead of backing off.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retriable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	for err != nil {
		if e, ok := err.(*PermanentError); ok {
			pe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return pe != nil
}

// StructuredError serializes as the JSON shape the orchestrator's
// categorizer understands. Handlers use it when they can attach a
// traceback or tool output to the failure.
type StructuredError struct {
	ErrorClass   string `json:"error_class"`
	ErrorMessage string `json:"error_message"`
	Traceback    string `json:"traceback,omitempty"`
}

// Error renders the JSON form; plain-text consumers still get something
// readable.
func (e *StructuredError) Error() string {
	data, err := json.Marshal(e)
	if err != nil {
		return e.ErrorClass + ": " + e.ErrorMessage
	}
	return string(data)
}

// Registry is the explicit dispatch table from job type to handler.
// Workers register their handler at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.JobType]Handler
}

// NewRegistry returns an empty dispatch table.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.JobType]Handler)}
}

// Register adds a handler, replacing any previous one for the same type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get returns the handler for a job type.
func (r *Registry) Get(t models.JobType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %s", t)
	}
	return h, nil
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []models.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
