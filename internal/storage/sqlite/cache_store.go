// -----------------------------------------------------------------------
// CacheStore - Content-addressed result cache with issue side-tables
// -----------------------------------------------------------------------

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/models"
)

// CacheStore implements interfaces.CacheStore over the Cache DB. Results
// are versioned per input file; errors and warnings are keyed by the full
// cache key; executed notebooks live in their own reuse table.
type CacheStore struct {
	db     *SQLiteDB
	logger arbor.ILogger
	retry  common.RetryPolicy
}

// NewCacheStore opens (or creates) the Cache DB at the configured path.
func NewCacheStore(logger arbor.ILogger, config *common.SQLiteConfig) (*CacheStore, error) {
	db, err := NewSQLiteDB(logger, config, cacheSchemaSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	return newCacheStoreWithDB(logger, db), nil
}

func newCacheStoreWithDB(logger arbor.ILogger, db *SQLiteDB) *CacheStore {
	retry := common.DefaultBusyRetryPolicy()
	retry.RetryPredicate = IsBusyError
	return &CacheStore{
		db:     db,
		logger: logger,
		retry:  retry,
	}
}

// Close closes the underlying database.
func (s *CacheStore) Close() error {
	return s.db.Close()
}

// -----------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------

// GetResult fetches the newest cached result for the full cache key.
// A miss is (nil, nil).
func (s *CacheStore) GetResult(ctx context.Context, inputFile, contentHash, outputMetadata string) (*models.Result, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT result_kind, COALESCE(correlation_id, ''), result_blob, stored_at
		FROM results
		WHERE input_file = ? AND content_hash = ? AND output_metadata = ?
		ORDER BY stored_at DESC LIMIT 1`,
		inputFile, contentHash, outputMetadata)

	var kind, correlationID string
	var blob []byte
	var storedAt int64
	err := row.Scan(&kind, &correlationID, &blob, &storedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached result: %w", err)
	}

	result := &models.Result{
		Kind:           models.ResultKind(kind),
		InputFile:      inputFile,
		ContentHash:    contentHash,
		OutputMetadata: outputMetadata,
		CorrelationID:  correlationID,
		StoredAt:       unixMSToTime(storedAt),
	}
	if result.Kind == models.ResultKindNotebook {
		result.NotebookText = string(blob)
	} else {
		result.ImageBytes = blob
	}
	return result, nil
}

// StoreLatestResult writes a new result version, prunes older versions of
// the same input file beyond retainCount, and drops any cached user error
// for the same key. The superseding success invalidates the error.
func (s *CacheStore) StoreLatestResult(ctx context.Context, result *models.Result, retainCount int) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("invalid result: %w", err)
	}
	if retainCount < 1 {
		retainCount = 1
	}
	storedAt := result.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	err := s.retry.Do(ctx, func() error {
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO results (input_file, content_hash, output_metadata,
					correlation_id, result_kind, result_blob, stored_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				result.InputFile, result.ContentHash, result.OutputMetadata,
				result.CorrelationID, string(result.Kind), result.Bytes(),
				timeToUnixMS(storedAt)); err != nil {
				return fmt.Errorf("failed to insert result: %w", err)
			}

			// Version pruning is per input file, not per full key: stale
			// hashes for the same source count against the retain budget.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM results
				WHERE input_file = ? AND id NOT IN (
					SELECT id FROM results WHERE input_file = ?
					ORDER BY stored_at DESC, id DESC LIMIT ?)`,
				result.InputFile, result.InputFile, retainCount); err != nil {
				return fmt.Errorf("failed to prune result versions: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				DELETE FROM stored_errors
				WHERE input_file = ? AND content_hash = ? AND output_metadata = ?`,
				result.InputFile, result.ContentHash, result.OutputMetadata); err != nil {
				return fmt.Errorf("failed to invalidate cached error: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("input_file", result.InputFile).
		Str("kind", string(result.Kind)).
		Msg("Result cached")
	return nil
}

// -----------------------------------------------------------------------
// Errors and warnings
// -----------------------------------------------------------------------

// StoreError persists a user error for the cache key, replacing any prior
// error for the same key. Non-user errors are rejected: configuration and
// infrastructure failures must re-surface on the next run.
func (s *CacheStore) StoreError(ctx context.Context, inputFile, contentHash, outputMetadata string, buildErr *models.BuildError) error {
	if !buildErr.Type.Cacheable() {
		return fmt.Errorf("%s errors are not cacheable", buildErr.Type)
	}
	return s.retry.Do(ctx, func() error {
		_, err := s.db.DB().ExecContext(ctx, `
			INSERT OR REPLACE INTO stored_errors (input_file, content_hash,
				output_metadata, error_type, category, severity, message,
				file_path, guidance, cell, line, col, snippet, stored_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inputFile, contentHash, outputMetadata,
			string(buildErr.Type), buildErr.Category, string(buildErr.Severity),
			buildErr.Message, buildErr.FilePath, buildErr.Guidance,
			buildErr.Cell, buildErr.Line, buildErr.Column, buildErr.Snippet,
			timeToUnixMS(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to store error: %w", err)
		}
		return nil
	})
}

// StoreWarning appends a warning for the cache key.
func (s *CacheStore) StoreWarning(ctx context.Context, inputFile, contentHash, outputMetadata string, warning *models.BuildWarning) error {
	return s.retry.Do(ctx, func() error {
		_, err := s.db.DB().ExecContext(ctx, `
			INSERT INTO stored_warnings (input_file, content_hash, output_metadata,
				category, severity, message, file_path, stored_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			inputFile, contentHash, outputMetadata,
			warning.Category, string(warning.Severity), warning.Message,
			warning.FilePath, timeToUnixMS(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to store warning: %w", err)
		}
		return nil
	})
}

// GetIssues returns the cached error (at most one) and warnings for the
// cache key. Both empty means the key has no recorded issues.
func (s *CacheStore) GetIssues(ctx context.Context, inputFile, contentHash, outputMetadata string) ([]*models.BuildError, []*models.BuildWarning, error) {
	var errors []*models.BuildError
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT error_type, category, severity, message, COALESCE(file_path, ''),
			COALESCE(guidance, ''), cell, line, col, COALESCE(snippet, '')
		FROM stored_errors
		WHERE input_file = ? AND content_hash = ? AND output_metadata = ?`,
		inputFile, contentHash, outputMetadata)

	var buildErr models.BuildError
	var errType, severity string
	err := row.Scan(&errType, &buildErr.Category, &severity, &buildErr.Message,
		&buildErr.FilePath, &buildErr.Guidance,
		&buildErr.Cell, &buildErr.Line, &buildErr.Column, &buildErr.Snippet)
	if err == nil {
		buildErr.Type = models.ErrorType(errType)
		buildErr.Severity = models.Severity(severity)
		errors = append(errors, &buildErr)
	} else if err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to get cached error: %w", err)
	}

	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT category, severity, message, COALESCE(file_path, '')
		FROM stored_warnings
		WHERE input_file = ? AND content_hash = ? AND output_metadata = ?
		ORDER BY id ASC`,
		inputFile, contentHash, outputMetadata)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get cached warnings: %w", err)
	}
	defer rows.Close()

	var warnings []*models.BuildWarning
	for rows.Next() {
		var w models.BuildWarning
		var sev string
		if err := rows.Scan(&w.Category, &sev, &w.Message, &w.FilePath); err != nil {
			return nil, nil, fmt.Errorf("failed to scan warning: %w", err)
		}
		w.Severity = models.Severity(sev)
		warnings = append(warnings, &w)
	}
	return errors, warnings, rows.Err()
}

// -----------------------------------------------------------------------
// Executed-notebook reuse cache
// -----------------------------------------------------------------------

// GetExecutedNotebook fetches a previously executed notebook tree.
// A miss is (nil, nil).
func (s *CacheStore) GetExecutedNotebook(ctx context.Context, inputFile, contentHash, language, progLang string) (*models.Notebook, error) {
	var blob []byte
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT notebook_blob FROM executed_notebooks
		WHERE input_file = ? AND content_hash = ? AND language = ? AND prog_lang = ?`,
		inputFile, contentHash, language, progLang).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get executed notebook: %w", err)
	}
	nb, err := models.ParseNotebook(string(blob))
	if err != nil {
		// A corrupt blob is a miss, not a failure; re-execution repairs it.
		s.logger.Warn().
			Str("input_file", inputFile).
			Err(err).
			Msg("Discarding corrupt executed-notebook cache entry")
		return nil, nil
	}
	return nb, nil
}

// StoreExecutedNotebook persists an executed notebook tree, replacing any
// previous entry for the key.
func (s *CacheStore) StoreExecutedNotebook(ctx context.Context, inputFile, contentHash, language, progLang string, notebook *models.Notebook) error {
	blob, err := notebook.ToJSON()
	if err != nil {
		return err
	}
	return s.retry.Do(ctx, func() error {
		_, err := s.db.DB().ExecContext(ctx, `
			INSERT OR REPLACE INTO executed_notebooks (input_file, content_hash,
				language, prog_lang, notebook_blob, stored_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			inputFile, contentHash, language, progLang, blob,
			timeToUnixMS(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to store executed notebook: %w", err)
		}
		return nil
	})
}

// PruneStaleNotebooks deletes executed-notebook entries whose content hash
// no longer matches the live hash for that input file. Files absent from
// liveHashes are left alone; they may belong to another course tree.
func (s *CacheStore) PruneStaleNotebooks(ctx context.Context, liveHashes map[string]string) (int, error) {
	var pruned int64
	err := s.retry.Do(ctx, func() error {
		pruned = 0
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			for inputFile, hash := range liveHashes {
				res, err := tx.ExecContext(ctx, `
					DELETE FROM executed_notebooks
					WHERE input_file = ? AND content_hash != ?`, inputFile, hash)
				if err != nil {
					return fmt.Errorf("failed to prune stale notebooks: %w", err)
				}
				n, _ := res.RowsAffected()
				pruned += n
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.logger.Debug().Int64("count", pruned).Msg("Pruned stale executed notebooks")
	}
	return int(pruned), nil
}

// -----------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------

// CleanupAll prunes result versions beyond retainVersions per input file
// and deletes issues older than issueDays.
func (s *CacheStore) CleanupAll(ctx context.Context, retainVersions, issueDays int) error {
	if retainVersions < 1 {
		retainVersions = 1
	}
	return s.retry.Do(ctx, func() error {
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			// Rank versions per input file and drop everything past the cut.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM results WHERE id IN (
					SELECT id FROM (
						SELECT id, ROW_NUMBER() OVER (
							PARTITION BY input_file
							ORDER BY stored_at DESC, id DESC) AS rn
						FROM results)
					WHERE rn > ?)`, retainVersions); err != nil {
				return fmt.Errorf("failed to prune result versions: %w", err)
			}

			if issueDays > 0 {
				cutoff := timeToUnixMS(time.Now().AddDate(0, 0, -issueDays))
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM stored_errors WHERE stored_at < ?`, cutoff); err != nil {
					return fmt.Errorf("failed to prune stored errors: %w", err)
				}
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM stored_warnings WHERE stored_at < ?`, cutoff); err != nil {
					return fmt.Errorf("failed to prune stored warnings: %w", err)
				}
			}
			return nil
		})
	})
}
