package sqlite

// jobSchemaSQL defines the Job DB: the queue, the worker registry, the
// job-side cache and the lifecycle event log.
const jobSchemaSQL = `
-- Job queue
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	input_file TEXT NOT NULL,
	output_file TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	payload BLOB,
	status TEXT NOT NULL DEFAULT 'pending',
	worker_id TEXT,
	correlation_id TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	error TEXT,
	result BLOB,
	cancelled_by TEXT
);

-- Claim path: oldest pending job of a type
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, job_type, created_at);
-- Cancellation path: all jobs for a source file
CREATE INDEX IF NOT EXISTS idx_jobs_input_file ON jobs(input_file);
CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs(worker_id);

-- Worker registry
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	worker_type TEXT NOT NULL,
	executor_id TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'created',
	last_heartbeat INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	jobs_processed INTEGER NOT NULL DEFAULT 0,
	jobs_failed INTEGER NOT NULL DEFAULT 0,
	execution_mode TEXT NOT NULL DEFAULT 'managed',
	current_job TEXT
);

CREATE INDEX IF NOT EXISTS idx_workers_type_status ON workers(worker_type, status);

-- Session cache: outputs successfully produced during a prior session
CREATE TABLE IF NOT EXISTS job_cache (
	output_file TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	metadata TEXT,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (output_file, content_hash)
);

-- Append-only lifecycle audit log
CREATE TABLE IF NOT EXISTS worker_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	worker_id TEXT,
	detail TEXT
);

CREATE INDEX IF NOT EXISTS idx_worker_events_time ON worker_events(timestamp);
`

// cacheSchemaSQL defines the Cache DB: content-addressed results, the
// error/warning side-tables and the executed-notebook reuse cache.
const cacheSchemaSQL = `
-- Successful artifacts, versioned by (input_file, stored_at)
CREATE TABLE IF NOT EXISTS results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	input_file TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	output_metadata TEXT NOT NULL,
	correlation_id TEXT,
	result_kind TEXT NOT NULL,
	result_blob BLOB NOT NULL,
	stored_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_key ON results(input_file, content_hash, output_metadata);
CREATE INDEX IF NOT EXISTS idx_results_versions ON results(input_file, stored_at);

-- Cached user errors; one row per cache key
CREATE TABLE IF NOT EXISTS stored_errors (
	input_file TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	output_metadata TEXT NOT NULL,
	error_type TEXT NOT NULL,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	file_path TEXT,
	guidance TEXT,
	cell INTEGER NOT NULL DEFAULT 0,
	line INTEGER NOT NULL DEFAULT 0,
	col INTEGER NOT NULL DEFAULT 0,
	snippet TEXT,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (input_file, content_hash, output_metadata)
);

CREATE TABLE IF NOT EXISTS stored_warnings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	input_file TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	output_metadata TEXT NOT NULL,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	file_path TEXT,
	stored_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_warnings_key ON stored_warnings(input_file, content_hash, output_metadata);

-- Execution-reuse cache: fully executed notebook trees. The key omits
-- kind/format because the completed flavor derives from the speaker tree
-- by filtering, without re-execution.
CREATE TABLE IF NOT EXISTS executed_notebooks (
	input_file TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	language TEXT NOT NULL,
	prog_lang TEXT NOT NULL,
	notebook_blob BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (input_file, content_hash, language, prog_lang)
);
`

// JobSchema and CacheSchema expose the DDL for callers opening databases.
func JobSchema() string   { return jobSchemaSQL }
func CacheSchema() string { return cacheSchemaSQL }
