package interfaces

import (
	"github.com/ternarybob/forge/internal/models"
)

// Reporter receives build progress and issues. Implementations must be
// safe for concurrent use; the backend and driver call it from multiple
// goroutines.
type Reporter interface {
	StageStarted(stage models.Stage, total int)
	StageFinished(stage models.Stage)
	CacheHit(inputFile string)
	JobSubmitted(inputFile string)
	Completed(inputFile string)
	Error(buildErr *models.BuildError)
	Warning(warning *models.BuildWarning)
}
