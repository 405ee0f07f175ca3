package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/models"
)

func setupCacheStore(t *testing.T) *CacheStore {
	config := &common.SQLiteConfig{
		Path:          t.TempDir() + "/cache.db",
		BusyTimeoutMS: 5000,
		CacheSizeMB:   10,
		WALMode:       false,
	}

	logger := arbor.NewLogger()
	store, err := NewCacheStore(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCacheStore_GetResultMiss(t *testing.T) {
	store := setupCacheStore(t)

	result, err := store.GetResult(context.Background(), "a.ipynb", "hash1", "type=notebook")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestCacheStore_StoreAndGetNotebookResult(t *testing.T) {
	store := setupCacheStore(t)
	ctx := context.Background()

	result := models.NewNotebookResult("a.ipynb", "hash1", "type=notebook|kind=speaker", "cor_1", `{"cells":[]}`)
	require.NoError(t, store.StoreLatestResult(ctx, result, 3))

	got, err := store.GetResult(ctx, "a.ipynb", "hash1", "type=notebook|kind=speaker")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ResultKindNotebook, got.Kind)
	assert.Equal(t, `{"cells":[]}`, got.NotebookText)
	assert.Equal(t, "cor_1", got.CorrelationID)
	assert.False(t, got.StoredAt.IsZero())
}

func TestCacheStore_StoreAndGetImageResult(t *testing.T) {
	store := setupCacheStore(t)
	ctx := context.Background()

	data := []byte{0x89, 0x50, 0x4e, 0x47}
	result := models.NewImageResult("d.puml", "hash1", "type=image|format=png", "", data)
	require.NoError(t, store.StoreLatestResult(ctx, result, 3))

	got, err := store.GetResult(ctx, "d.puml", "hash1", "type=image|format=png")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ResultKindImage, got.Kind)
	assert.Equal(t, data, got.Bytes())
}

func TestCacheStore_VersionPruning(t *testing.T) {
	store := setupCacheStore(t)
	ctx := context.Background()

	// Four versions of the same input file, distinct hashes, retain 2.
	for i, hash := range []string{"h1", "h2", "h3", "h4"} {
		result := models.NewNotebookResult("a.ipynb", hash, "type=notebook", "", `{"v":`+hash+`}`)
		result.StoredAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, store.StoreLatestResult(ctx, result, 2))
	}

	// Oldest versions are gone.
	got, err := store.GetResult(ctx, "a.ipynb", "h1", "type=notebook")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = store.GetResult(ctx, "a.ipynb", "h2", "type=notebook")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Newest survive.
	got, err = store.GetResult(ctx, "a.ipynb", "h4", "type=notebook")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCacheStore_StoreErrorRejectsNonUser(t *testing.T) {
	store := setupCacheStore(t)
	ctx := context.Background()

	infra := &models.BuildError{
		Type:     models.ErrorTypeInfrastructure,
		Category: "worker_timeout",
		Severity: models.SeverityError,
		Message:  "worker died",
	}
	assert.Error(t, store.StoreError(ctx, "a.ipynb", "h1", "type=notebook", infra))

	config := &models.BuildError{
		Type:     models.ErrorTypeConfiguration,
		Category: "missing_tool",
		Severity: models.SeverityError,
		Message:  "plantuml jar not found",
	}
	assert.Error(t, store.StoreError(ctx, "a.ipynb", "h1", "type=notebook", config))
}

func TestCacheStore_StoreAndGetIssues(t *testing.T) {
	store := setupCacheStore(t)
	ctx := context.Background()

	userErr := &models.BuildError{
		Type:     models.ErrorTypeUser,
		Category: "execution_error",
		Severity: models.SeverityError,
		Message:  "NameError: name 'x' is not defined",
		FilePath: "a.ipynb",
		Guidance: "Define the variable before use",
		Cell:     3,
		Line:     2,
		Snippet:  "print(x)",
	}
	require.NoError(t, store.StoreError(ctx, "a.ipynb", "h1", "type=notebook", userErr))
	require.NoError(t, store.StoreWarning(ctx, "a.ipynb", "h1", "type=notebook",
		models.NewWarning("slow_cell", "cell 5 took 42s", "a.ipynb")))

	errs, warns, err := store.GetIssues(ctx, "a.ipynb", "h1", "type=notebook")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Len(t, warns, 1)
	assert.Equal(t, models.ErrorTypeUser, errs[0].Type)
	assert.Equal(t, 3, errs[0].Cell)
	assert.Equal(t, "print(x)", errs[0].Snippet)
	assert.Equal(t, "slow_cell", warns[0].Category)

	// Different key has no issues.
	errs, warns, err = store.GetIssues(ctx, "a.ipynb", "h2", "type=notebook")
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Empty(t, warns)
}

func TestCacheStore_SuccessInvalidatesCachedError(t *testing.T) {
	store := setupCacheStore(t)
	ctx := context.Background()

	userErr := &models.BuildError{
		Type:     models.ErrorTypeUser,
		Category: "execution_error",
		Severity: models.SeverityError,
		Message:  "boom",
	}
	require.NoError(t, store.StoreError(ctx, "a.ipynb", "h1", "type=notebook", userErr))

	result := models.NewNotebookResult("a.ipynb", "h1", "type=notebook", "", `{"cells":[]}`)
	require.NoError(t, store.StoreLatestResult(ctx, result, 3))

	errs, _, err := store.GetIssues(ctx, "a.ipynb", "h1", "type=notebook")
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestCacheStore_ExecutedNotebookRoundTrip(t *testing.T) {
	store := setupCacheStore(t)
	ctx := context.Background()

	nb := &models.Notebook{
		Cells: []models.NotebookCell{
			{CellType: "code", Source: []string{"print('hi')"}},
		},
		NBFormat:      4,
		NBFormatMinor: 5,
	}
	require.NoError(t, store.StoreExecutedNotebook(ctx, "a.ipynb", "h1", "en", "python", nb))

	got, err := store.GetExecutedNotebook(ctx, "a.ipynb", "h1", "en", "python")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Cells, 1)
	assert.Equal(t, "print('hi')", got.Cells[0].SourceText())

	// Key includes language; a different one misses.
	got, err = store.GetExecutedNotebook(ctx, "a.ipynb", "h1", "de", "python")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheStore_PruneStaleNotebooks(t *testing.T) {
	store := setupCacheStore(t)
	ctx := context.Background()

	nb := &models.Notebook{NBFormat: 4}
	require.NoError(t, store.StoreExecutedNotebook(ctx, "a.ipynb", "old_hash", "en", "python", nb))
	require.NoError(t, store.StoreExecutedNotebook(ctx, "b.ipynb", "live_hash", "en", "python", nb))

	pruned, err := store.PruneStaleNotebooks(ctx, map[string]string{
		"a.ipynb": "new_hash",
		"b.ipynb": "live_hash",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	got, err := store.GetExecutedNotebook(ctx, "a.ipynb", "old_hash", "en", "python")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = store.GetExecutedNotebook(ctx, "b.ipynb", "live_hash", "en", "python")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCacheStore_CleanupAll(t *testing.T) {
	store := setupCacheStore(t)
	ctx := context.Background()

	for i, hash := range []string{"h1", "h2", "h3"} {
		result := models.NewNotebookResult("a.ipynb", hash, "type=notebook", "", `{}`)
		result.StoredAt = time.Now().Add(time.Duration(i) * time.Second)
		// Retain everything at store time; CleanupAll does the pruning.
		require.NoError(t, store.StoreLatestResult(ctx, result, 10))
	}

	userErr := &models.BuildError{
		Type:     models.ErrorTypeUser,
		Category: "execution_error",
		Severity: models.SeverityError,
		Message:  "old",
	}
	require.NoError(t, store.StoreError(ctx, "stale.ipynb", "h0", "type=notebook", userErr))
	// Age the error past the retention window.
	_, err := store.db.DB().Exec(`UPDATE stored_errors SET stored_at = ?`,
		timeToUnixMS(time.Now().AddDate(0, 0, -60)))
	require.NoError(t, err)

	require.NoError(t, store.CleanupAll(ctx, 1, 30))

	got, err := store.GetResult(ctx, "a.ipynb", "h3", "type=notebook")
	require.NoError(t, err)
	assert.NotNil(t, got)
	got, err = store.GetResult(ctx, "a.ipynb", "h2", "type=notebook")
	require.NoError(t, err)
	assert.Nil(t, got)

	errs, _, err := store.GetIssues(ctx, "stale.ipynb", "h0", "type=notebook")
	require.NoError(t, err)
	assert.Empty(t, errs)
}
