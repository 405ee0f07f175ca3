package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forge/internal/common"

	// modernc.org/sqlite uses "sqlite" driver name (not "sqlite3")
	_ "modernc.org/sqlite"
)

// SQLiteDB manages one SQLite database connection pool. The orchestrator
// and every worker process open their own pool onto the same file; WAL
// mode plus a long busy timeout keep them coordinated.
type SQLiteDB struct {
	db     *sql.DB
	logger arbor.ILogger
	config *common.SQLiteConfig
}

// NewSQLiteDB opens (creating if needed) a database and applies the given
// schema. Transactions take the write lock immediately (_txlock=immediate)
// so read-then-write sequences cannot deadlock under contention.
func NewSQLiteDB(logger arbor.ILogger, config *common.SQLiteConfig, schemaSQL string) (*SQLiteDB, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	busyTimeout := config.BusyTimeoutMS
	if busyTimeout <= 0 {
		busyTimeout = 10000
	}

	params := []string{
		"_txlock=immediate",
		"_pragma=" + url.QueryEscape(fmt.Sprintf("busy_timeout(%d)", busyTimeout)),
		"_pragma=" + url.QueryEscape("synchronous(NORMAL)"),
		"_pragma=" + url.QueryEscape("foreign_keys(ON)"),
	}
	if config.WALMode {
		params = append(params, "_pragma="+url.QueryEscape("journal_mode(WAL)"))
	}
	dsn := "file:" + config.Path + "?" + strings.Join(params, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteDB{
		db:     db,
		logger: logger,
		config: config,
	}

	if err := s.configure(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := s.migrate(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("SQLite database initialized")
	return s, nil
}

// configure sets up remaining pragmas and pool limits
func (s *SQLiteDB) configure() error {
	if s.config.CacheSizeMB > 0 {
		pragma := fmt.Sprintf("PRAGMA cache_size = -%d", s.config.CacheSizeMB*1024) // Negative for KB
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	// SQLite allows one writer; a small pool keeps contention visible to
	// the busy-timeout machinery instead of the Go scheduler.
	s.db.SetMaxOpenConns(4)
	s.db.SetConnMaxIdleTime(5 * time.Minute)
	return nil
}

// migrate applies the schema (idempotent CREATE IF NOT EXISTS statements)
func (s *SQLiteDB) migrate(schemaSQL string) error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// DB returns the underlying database connection
func (s *SQLiteDB) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside an immediate transaction, committing on nil error.
func (s *SQLiteDB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Warn().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// IsBusyError reports whether err is a transient lock-contention error
// worth retrying. Deadlocks and integrity violations are not.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// unixMSToTime converts a millisecond timestamp to time.Time
func unixMSToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// timeToUnixMS converts time.Time to a millisecond timestamp
func timeToUnixMS(t time.Time) int64 {
	return t.UnixMilli()
}
