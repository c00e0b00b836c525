package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// CreateSource inserts a new source document.
func (s *Store) CreateSource(ctx context.Context, doc *contracts.SourceDocument) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Status == "" {
		doc.Status = contracts.SourceNew
	}
	now := s.now()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	metaJSON, err := json.Marshal(doc.Meta)
	if err != nil {
		return fmt.Errorf("marshal source meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_documents (id, tenant_id, run_id, source_type, url_raw,
			url_normalized, canonical_final_url, mime_type, content_hash,
			http_status_code, http_error_message, http_final_url, status,
			attempt_count, max_attempts, next_retry_at, canonical_source_id,
			meta_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, doc.ID, doc.TenantID, doc.RunID, string(doc.SourceType), nullStr(doc.URLRaw),
		nullStr(doc.URLNormalized), nullStr(doc.CanonicalFinal), nullStr(doc.MimeType),
		nullStr(doc.ContentHash), nullInt(doc.HTTPStatusCode), nullStr(doc.HTTPError),
		nullStr(doc.HTTPFinalURL), string(doc.Status), doc.AttemptCount, doc.MaxAttempts,
		nullTime(doc.NextRetryAt), nullStr(doc.CanonicalSourceID), string(metaJSON), now, now)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// UpdateSource persists a mutated source document.
func (s *Store) UpdateSource(ctx context.Context, doc *contracts.SourceDocument) error {
	doc.UpdatedAt = s.now()
	metaJSON, err := json.Marshal(doc.Meta)
	if err != nil {
		return fmt.Errorf("marshal source meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE source_documents SET source_type = $1, url_raw = $2, url_normalized = $3,
			canonical_final_url = $4, mime_type = $5, content_hash = $6,
			http_status_code = $7, http_error_message = $8, http_final_url = $9,
			status = $10, attempt_count = $11, max_attempts = $12, next_retry_at = $13,
			canonical_source_id = $14, meta_json = $15, updated_at = $16
		WHERE id = $17 AND tenant_id = $18
	`, string(doc.SourceType), nullStr(doc.URLRaw), nullStr(doc.URLNormalized),
		nullStr(doc.CanonicalFinal), nullStr(doc.MimeType), nullStr(doc.ContentHash),
		nullInt(doc.HTTPStatusCode), nullStr(doc.HTTPError), nullStr(doc.HTTPFinalURL),
		string(doc.Status), doc.AttemptCount, doc.MaxAttempts, nullTime(doc.NextRetryAt),
		nullStr(doc.CanonicalSourceID), string(metaJSON), doc.UpdatedAt, doc.ID, doc.TenantID)
	if err != nil {
		return fmt.Errorf("update source %s: %w", doc.ID, err)
	}
	return nil
}

// GetSource loads one source document in tenant scope.
func (s *Store) GetSource(ctx context.Context, tenantID, sourceID string) (*contracts.SourceDocument, error) {
	row := s.db.QueryRowContext(ctx, sourceSelect+` WHERE id = $1 AND tenant_id = $2`, sourceID, tenantID)
	doc, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "source %s not found", sourceID)
		}
		return nil, err
	}
	return doc, nil
}

// ListSources returns a run's sources in deterministic order (created_at,
// then id) so that retries reproduce identical batches. Pass no statuses for
// all rows.
func (s *Store) ListSources(ctx context.Context, tenantID, runID string, statuses ...contracts.SourceStatus) ([]*contracts.SourceDocument, error) {
	query := sourceSelect + ` WHERE tenant_id = $1 AND run_id = $2`
	args := []any{tenantID, runID}
	if len(statuses) > 0 {
		query += ` AND status IN (`
		for i, st := range statuses {
			if i > 0 {
				query += `, `
			}
			query += fmt.Sprintf("$%d", len(args)+1)
			args = append(args, string(st))
		}
		query += `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*contracts.SourceDocument
	for rows.Next() {
		doc, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// FindCanonicalSourceByHash locates the canonical source document holding a
// content hash within (tenant, run).
func (s *Store) FindCanonicalSourceByHash(ctx context.Context, tenantID, runID, contentHash string) (*contracts.SourceDocument, error) {
	row := s.db.QueryRowContext(ctx, sourceSelect+`
		WHERE tenant_id = $1 AND run_id = $2 AND content_hash = $3`, tenantID, runID, contentHash)
	doc, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "no canonical source for hash %s", contentHash)
		}
		return nil, err
	}
	return doc, nil
}

// FindSourceByNormalizedURL locates a source by its deduping URL key.
func (s *Store) FindSourceByNormalizedURL(ctx context.Context, tenantID, runID, urlNormalized string) (*contracts.SourceDocument, error) {
	row := s.db.QueryRowContext(ctx, sourceSelect+`
		WHERE tenant_id = $1 AND run_id = $2 AND url_normalized = $3`, tenantID, runID, urlNormalized)
	doc, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "no source for url %s", urlNormalized)
		}
		return nil, err
	}
	return doc, nil
}

const sourceSelect = `
	SELECT id, tenant_id, run_id, source_type, url_raw, url_normalized,
		canonical_final_url, mime_type, content_hash, http_status_code,
		http_error_message, http_final_url, status, attempt_count, max_attempts,
		next_retry_at, canonical_source_id, meta_json, created_at, updated_at
	FROM source_documents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*contracts.SourceDocument, error) {
	var doc contracts.SourceDocument
	var sourceType, status string
	var urlRaw, urlNorm, canonFinal, mime, hash, httpErr, finalURL, canonID, metaJSON sql.NullString
	var httpStatus sql.NullInt64
	var nextRetry sql.NullTime

	err := row.Scan(&doc.ID, &doc.TenantID, &doc.RunID, &sourceType, &urlRaw, &urlNorm,
		&canonFinal, &mime, &hash, &httpStatus, &httpErr, &finalURL, &status,
		&doc.AttemptCount, &doc.MaxAttempts, &nextRetry, &canonID, &metaJSON,
		&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}

	doc.SourceType = contracts.SourceType(sourceType)
	doc.Status = contracts.SourceStatus(status)
	doc.URLRaw = strVal(urlRaw)
	doc.URLNormalized = strVal(urlNorm)
	doc.CanonicalFinal = strVal(canonFinal)
	doc.MimeType = strVal(mime)
	doc.ContentHash = strVal(hash)
	doc.HTTPStatusCode = intVal(httpStatus)
	doc.HTTPError = strVal(httpErr)
	doc.HTTPFinalURL = strVal(finalURL)
	doc.NextRetryAt = timePtr(nextRetry)
	doc.CanonicalSourceID = strVal(canonID)
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &doc.Meta); err != nil {
			return nil, fmt.Errorf("corrupt meta JSON for source %s: %w", doc.ID, err)
		}
	}
	return &doc, nil
}
