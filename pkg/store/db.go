// Package store implements the engine's durable state on database/sql.
// It supports both Postgres (lib/pq) and SQLite (modernc.org/sqlite) via
// standard drivers; all statements use $N placeholders, which both accept.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/prospector/pkg/config"
)

// Store wraps the database handle. The clock is injectable so tests control
// retry and TTL arithmetic without sleeping.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// DB exposes the underlying handle for components that own their own tables
// (the job queue keeps its schema next to its claim logic).
func (s *Store) DB() *sql.DB { return s.db }

// Open opens the configured database: Postgres when DATABASE_URL is set,
// SQLite otherwise.
func Open(cfg *config.Config) (*sql.DB, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	}

	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY under
	// concurrent workers.
	db.SetMaxOpenConns(1)
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	mandate TEXT NOT NULL,
	sector TEXT,
	region TEXT,
	ranking_filter TEXT,
	discovery_mode TEXT NOT NULL DEFAULT 'both',
	providers_json TEXT,
	status TEXT NOT NULL,
	created_by TEXT,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP,
	last_error TEXT,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS run_steps (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	step_key TEXT NOT NULL,
	step_order INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	next_retry_at TIMESTAMP,
	input_hash TEXT,
	input_json TEXT,
	output_json TEXT,
	last_error TEXT,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (run_id, step_key)
);

CREATE TABLE IF NOT EXISTS content_blobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	media_type TEXT,
	byte_size INTEGER NOT NULL,
	body BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (tenant_id, run_id, content_hash)
);

CREATE TABLE IF NOT EXISTS source_documents (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	source_type TEXT NOT NULL,
	url_raw TEXT,
	url_normalized TEXT,
	canonical_final_url TEXT,
	mime_type TEXT,
	content_hash TEXT,
	http_status_code INTEGER,
	http_error_message TEXT,
	http_final_url TEXT,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	next_retry_at TIMESTAMP,
	canonical_source_id TEXT,
	meta_json TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_run ON source_documents (tenant_id, run_id, status);
CREATE INDEX IF NOT EXISTS idx_sources_hash ON source_documents (tenant_id, run_id, content_hash);

CREATE TABLE IF NOT EXISTS prospects (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	mandate TEXT,
	name_raw TEXT NOT NULL,
	name_normalized TEXT NOT NULL,
	website_url TEXT,
	hq_country TEXT,
	hq_city TEXT,
	sector TEXT,
	subsector TEXT,
	relevance_score REAL NOT NULL DEFAULT 0,
	evidence_score REAL NOT NULL DEFAULT 0,
	confidence_score REAL NOT NULL DEFAULT 0,
	discovered_by TEXT NOT NULL DEFAULT 'internal',
	review_status TEXT NOT NULL DEFAULT 'new',
	exec_search_enabled INTEGER NOT NULL DEFAULT 0,
	manual_priority INTEGER NOT NULL DEFAULT 0,
	is_pinned INTEGER NOT NULL DEFAULT 0,
	verification_status TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (tenant_id, run_id, name_normalized)
);

CREATE TABLE IF NOT EXISTS prospect_evidence (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	prospect_id TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_name TEXT,
	source_url TEXT,
	source_document_id TEXT,
	raw_snippet TEXT,
	evidence_weight REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prospect_evidence ON prospect_evidence (tenant_id, run_id, prospect_id);

CREATE TABLE IF NOT EXISTS executives (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	prospect_id TEXT NOT NULL,
	name_raw TEXT NOT NULL,
	name_normalized TEXT NOT NULL,
	title TEXT,
	profile_url TEXT,
	linkedin_url TEXT,
	email TEXT,
	confidence REAL NOT NULL DEFAULT 0,
	discovered_by TEXT NOT NULL DEFAULT 'internal',
	review_status TEXT NOT NULL DEFAULT 'new',
	verification_status TEXT NOT NULL DEFAULT 'unverified',
	source_label TEXT,
	source_document_id TEXT,
	candidate_id TEXT,
	contact_id TEXT,
	assignment_id TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executives_prospect ON executives (tenant_id, run_id, prospect_id);

CREATE TABLE IF NOT EXISTS executive_evidence (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	executive_id TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_name TEXT,
	source_url TEXT,
	source_document_id TEXT,
	source_content_hash TEXT,
	raw_snippet TEXT,
	evidence_weight REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS merge_decisions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	prospect_id TEXT NOT NULL,
	left_executive_id TEXT NOT NULL,
	right_executive_id TEXT NOT NULL,
	decision_type TEXT NOT NULL,
	evidence_ids_json TEXT,
	created_by TEXT,
	note TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_run ON merge_decisions (tenant_id, run_id);

CREATE TABLE IF NOT EXISTS enrichment_records (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	purpose TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id TEXT NOT NULL,
	input_scope_hash TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	source_document_id TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_enrichment_scope
	ON enrichment_records (tenant_id, run_id, provider, purpose, target_type, target_id, input_scope_hash);

CREATE TABLE IF NOT EXISTS export_packs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	storage_pointer TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	format_version TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_export_packs_run ON export_packs (tenant_id, run_id);

CREATE TABLE IF NOT EXISTS fetch_events (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	source_document_id TEXT,
	event_type TEXT NOT NULL,
	detail_json TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_events ON fetch_events (tenant_id, run_id, source_document_id, event_type);
`

// Init creates the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
