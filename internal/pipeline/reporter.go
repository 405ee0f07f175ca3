// -----------------------------------------------------------------------
// Console Reporter - Build progress on the orchestrator log
// -----------------------------------------------------------------------

package pipeline

import (
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/models"
)

// ConsoleReporter logs progress and keeps summary counters. Safe for
// concurrent use.
type ConsoleReporter struct {
	logger arbor.ILogger

	mu        sync.Mutex
	cacheHits int
	submitted int
	completed int
	errors    int
	warnings  int
}

// NewConsoleReporter builds a console reporter.
func NewConsoleReporter(logger arbor.ILogger) *ConsoleReporter {
	return &ConsoleReporter{logger: logger}
}

func (r *ConsoleReporter) StageStarted(stage models.Stage, total int) {
	r.logger.Info().Str("stage", stage.String()).Int("total", total).Msg("Stage started")
}

func (r *ConsoleReporter) StageFinished(stage models.Stage) {
	r.logger.Info().Str("stage", stage.String()).Msg("Stage finished")
}

func (r *ConsoleReporter) CacheHit(inputFile string) {
	r.mu.Lock()
	r.cacheHits++
	r.mu.Unlock()
	r.logger.Debug().Str("input", inputFile).Msg("Cache hit")
}

func (r *ConsoleReporter) JobSubmitted(inputFile string) {
	r.mu.Lock()
	r.submitted++
	r.mu.Unlock()
	r.logger.Debug().Str("input", inputFile).Msg("Job submitted")
}

func (r *ConsoleReporter) Completed(inputFile string) {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
	r.logger.Info().Str("input", inputFile).Msg("Completed")
}

func (r *ConsoleReporter) Error(buildErr *models.BuildError) {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
	event := r.logger.Error().
		Str("type", string(buildErr.Type)).
		Str("category", buildErr.Category).
		Str("file", buildErr.FilePath)
	if buildErr.Cell > 0 {
		event.Int("cell", buildErr.Cell)
	}
	if buildErr.Line > 0 {
		event.Int("line", buildErr.Line)
	}
	event.Msg(buildErr.Message)
	if buildErr.Guidance != "" {
		r.logger.Info().Str("file", buildErr.FilePath).Msg(buildErr.Guidance)
	}
}

func (r *ConsoleReporter) Warning(warning *models.BuildWarning) {
	r.mu.Lock()
	r.warnings++
	r.mu.Unlock()
	r.logger.Warn().
		Str("category", warning.Category).
		Str("file", warning.FilePath).
		Msg(warning.Message)
}

// Summary logs the final counters and returns (completed, errors).
func (r *ConsoleReporter) Summary() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info().
		Int("completed", r.completed).
		Int("cache_hits", r.cacheHits).
		Int("submitted", r.submitted).
		Int("warnings", r.warnings).
		Int("errors", r.errors).
		Msg("Build summary")
	return r.completed, r.errors
}
