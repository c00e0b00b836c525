package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// CreateEnrichment inserts a ledger row.
func (s *Store) CreateEnrichment(ctx context.Context, rec *contracts.EnrichmentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrichment_records (id, tenant_id, run_id, provider, purpose,
			target_type, target_id, input_scope_hash, content_hash, status,
			source_document_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, rec.TenantID, rec.RunID, rec.Provider, rec.Purpose, rec.TargetType,
		rec.TargetID, rec.InputScopeHash, rec.ContentHash, string(rec.Status),
		nullStr(rec.SourceDocumentID), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert enrichment record: %w", err)
	}
	return nil
}

// FindEnrichment looks up the newest ledger row for a scope, optionally
// constrained to a content hash and a creation cutoff. Zero cutoff means any
// age; empty contentHash means any hash.
func (s *Store) FindEnrichment(ctx context.Context, tenantID, runID, provider, purpose, targetType, targetID, inputScopeHash, contentHash string, notBefore time.Time) (*contracts.EnrichmentRecord, error) {
	query := `
		SELECT id, tenant_id, run_id, provider, purpose, target_type, target_id,
			input_scope_hash, content_hash, status, source_document_id, created_at
		FROM enrichment_records
		WHERE tenant_id = $1 AND run_id = $2 AND provider = $3 AND purpose = $4
			AND target_type = $5 AND target_id = $6 AND input_scope_hash = $7
			AND status = $8`
	args := []any{tenantID, runID, provider, purpose, targetType, targetID,
		inputScopeHash, string(contracts.EnrichmentSucceeded)}

	if contentHash != "" {
		args = append(args, contentHash)
		query += fmt.Sprintf(" AND content_hash = $%d", len(args))
	}
	if !notBefore.IsZero() {
		args = append(args, notBefore)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)

	var rec contracts.EnrichmentRecord
	var status string
	var docID sql.NullString
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.RunID, &rec.Provider, &rec.Purpose,
		&rec.TargetType, &rec.TargetID, &rec.InputScopeHash, &rec.ContentHash,
		&status, &docID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "no enrichment record for scope")
		}
		return nil, fmt.Errorf("find enrichment: %w", err)
	}
	rec.Status = contracts.EnrichmentStatus(status)
	rec.SourceDocumentID = strVal(docID)
	return &rec, nil
}

// CountEnrichments returns the ledger row count for a run, used by proofs of
// idempotency (a skipped re-run must add zero rows).
func (s *Store) CountEnrichments(ctx context.Context, tenantID, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrichment_records WHERE tenant_id = $1 AND run_id = $2
	`, tenantID, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count enrichments: %w", err)
	}
	return n, nil
}
