package interfaces

import (
	"context"

	"github.com/ternarybob/forge/internal/models"
)

// CacheStore is the content-addressed store of successful artifacts and
// cached user errors/warnings, plus the executed-notebook reuse cache.
// A miss is (nil, nil), not an error.
type CacheStore interface {
	GetResult(ctx context.Context, inputFile, contentHash, outputMetadata string) (*models.Result, error)
	// StoreLatestResult writes a new version and prunes older versions for
	// the same input file down to retainCount. A successful store also
	// invalidates any cached user error for the same key.
	StoreLatestResult(ctx context.Context, result *models.Result, retainCount int) error

	// StoreError persists a build error. Only user errors are accepted;
	// configuration and infrastructure errors are rejected by contract.
	StoreError(ctx context.Context, inputFile, contentHash, outputMetadata string, buildErr *models.BuildError) error
	StoreWarning(ctx context.Context, inputFile, contentHash, outputMetadata string, warning *models.BuildWarning) error
	GetIssues(ctx context.Context, inputFile, contentHash, outputMetadata string) ([]*models.BuildError, []*models.BuildWarning, error)

	// Executed-notebook reuse cache. The key omits kind/format on purpose:
	// the speaker execution produces the tree that completed derives from.
	GetExecutedNotebook(ctx context.Context, inputFile, contentHash, language, progLang string) (*models.Notebook, error)
	StoreExecutedNotebook(ctx context.Context, inputFile, contentHash, language, progLang string, notebook *models.Notebook) error
	// PruneStaleNotebooks removes entries whose hash no longer matches the
	// live hash for that input file. Returns the number pruned.
	PruneStaleNotebooks(ctx context.Context, liveHashes map[string]string) (int, error)

	CleanupAll(ctx context.Context, retainVersions, issueDays int) error

	Close() error
}
