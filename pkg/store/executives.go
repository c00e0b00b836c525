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

// CreateExecutive inserts an executive prospect.
func (s *Store) CreateExecutive(ctx context.Context, e *contracts.Executive) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReviewStatus == "" {
		e.ReviewStatus = contracts.ReviewNew
	}
	if e.VerificationStatus == "" {
		e.VerificationStatus = contracts.VerifyUnverified
	}
	if e.DiscoveredBy == "" {
		e.DiscoveredBy = contracts.ByInternal
	}
	now := s.now()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executives (id, tenant_id, run_id, prospect_id, name_raw,
			name_normalized, title, profile_url, linkedin_url, email, confidence,
			discovered_by, review_status, verification_status, source_label,
			source_document_id, candidate_id, contact_id, assignment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, e.ID, e.TenantID, e.RunID, e.ProspectID, e.NameRaw, e.NameNormalized,
		nullStr(e.Title), nullStr(e.ProfileURL), nullStr(e.LinkedInURL), nullStr(e.Email),
		e.Confidence, string(e.DiscoveredBy), string(e.ReviewStatus),
		string(e.VerificationStatus), nullStr(e.SourceLabel), nullStr(e.SourceDocumentID),
		nullStr(e.CandidateID), nullStr(e.ContactID), nullStr(e.AssignmentID), now, now)
	if err != nil {
		return fmt.Errorf("insert executive: %w", err)
	}
	return nil
}

// UpdateExecutive persists a mutated executive.
func (s *Store) UpdateExecutive(ctx context.Context, e *contracts.Executive) error {
	e.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE executives SET title = $1, profile_url = $2, linkedin_url = $3, email = $4,
			confidence = $5, discovered_by = $6, review_status = $7, verification_status = $8,
			source_label = $9, source_document_id = $10, candidate_id = $11, contact_id = $12,
			assignment_id = $13, updated_at = $14
		WHERE id = $15 AND tenant_id = $16
	`, nullStr(e.Title), nullStr(e.ProfileURL), nullStr(e.LinkedInURL), nullStr(e.Email),
		e.Confidence, string(e.DiscoveredBy), string(e.ReviewStatus),
		string(e.VerificationStatus), nullStr(e.SourceLabel), nullStr(e.SourceDocumentID),
		nullStr(e.CandidateID), nullStr(e.ContactID), nullStr(e.AssignmentID),
		e.UpdatedAt, e.ID, e.TenantID)
	if err != nil {
		return fmt.Errorf("update executive %s: %w", e.ID, err)
	}
	return nil
}

// GetExecutive loads one executive in tenant scope.
func (s *Store) GetExecutive(ctx context.Context, tenantID, execID string) (*contracts.Executive, error) {
	row := s.db.QueryRowContext(ctx, executiveSelect+` WHERE id = $1 AND tenant_id = $2`, execID, tenantID)
	e, err := scanExecutive(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "executive %s not found", execID)
		}
		return nil, err
	}
	return e, nil
}

// ListExecutivesByProspect returns a prospect's executives ordered by
// (created_at, id), the canonical-selection order of the identity graph.
func (s *Store) ListExecutivesByProspect(ctx context.Context, tenantID, prospectID string) ([]*contracts.Executive, error) {
	rows, err := s.db.QueryContext(ctx, executiveSelect+`
		WHERE tenant_id = $1 AND prospect_id = $2 ORDER BY created_at ASC, id ASC`, tenantID, prospectID)
	if err != nil {
		return nil, fmt.Errorf("list executives: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectExecutives(rows)
}

// ListExecutivesByRun returns every executive in a run in deterministic order.
func (s *Store) ListExecutivesByRun(ctx context.Context, tenantID, runID string) ([]*contracts.Executive, error) {
	rows, err := s.db.QueryContext(ctx, executiveSelect+`
		WHERE tenant_id = $1 AND run_id = $2 ORDER BY created_at ASC, id ASC`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("list executives: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectExecutives(rows)
}

// AddExecutiveEvidence appends a provenance record for an executive.
func (s *Store) AddExecutiveEvidence(ctx context.Context, ev *contracts.ExecutiveEvidence) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executive_evidence (id, tenant_id, run_id, executive_id, source_type,
			source_name, source_url, source_document_id, source_content_hash,
			raw_snippet, evidence_weight, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, ev.ID, ev.TenantID, ev.RunID, ev.ExecutiveID, string(ev.SourceType),
		nullStr(ev.SourceName), nullStr(ev.SourceURL), nullStr(ev.SourceDocumentID),
		nullStr(ev.SourceContentHash), nullStr(ev.RawSnippet), ev.EvidenceWeight, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert executive evidence: %w", err)
	}
	return nil
}

// AddMergeDecision records one reviewer decision.
func (s *Store) AddMergeDecision(ctx context.Context, d *contracts.MergeDecision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = s.now()

	evidenceJSON, err := json.Marshal(d.EvidenceIDs)
	if err != nil {
		return fmt.Errorf("marshal evidence ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merge_decisions (id, tenant_id, run_id, prospect_id,
			left_executive_id, right_executive_id, decision_type, evidence_ids_json,
			created_by, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, d.ID, d.TenantID, d.RunID, d.ProspectID, d.LeftExecutiveID, d.RightExecutiveID,
		string(d.DecisionType), string(evidenceJSON), nullStr(d.CreatedBy), nullStr(d.Note), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert merge decision: %w", err)
	}
	return nil
}

// ListMergeDecisions returns a run's decisions in decision order.
func (s *Store) ListMergeDecisions(ctx context.Context, tenantID, runID string) ([]*contracts.MergeDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, run_id, prospect_id, left_executive_id, right_executive_id,
			decision_type, evidence_ids_json, created_by, note, created_at
		FROM merge_decisions
		WHERE tenant_id = $1 AND run_id = $2
		ORDER BY created_at ASC, id ASC
	`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("list merge decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.MergeDecision
	for rows.Next() {
		var d contracts.MergeDecision
		var decisionType string
		var evidenceJSON, createdBy, note sql.NullString
		if err := rows.Scan(&d.ID, &d.TenantID, &d.RunID, &d.ProspectID,
			&d.LeftExecutiveID, &d.RightExecutiveID, &decisionType, &evidenceJSON,
			&createdBy, &note, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan merge decision: %w", err)
		}
		d.DecisionType = contracts.DecisionType(decisionType)
		d.CreatedBy = strVal(createdBy)
		d.Note = strVal(note)
		if evidenceJSON.Valid && evidenceJSON.String != "" {
			if err := json.Unmarshal([]byte(evidenceJSON.String), &d.EvidenceIDs); err != nil {
				return nil, fmt.Errorf("corrupt evidence ids for decision %s: %w", d.ID, err)
			}
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

const executiveSelect = `
	SELECT id, tenant_id, run_id, prospect_id, name_raw, name_normalized, title,
		profile_url, linkedin_url, email, confidence, discovered_by, review_status,
		verification_status, source_label, source_document_id, candidate_id,
		contact_id, assignment_id, created_at, updated_at
	FROM executives`

func collectExecutives(rows *sql.Rows) ([]*contracts.Executive, error) {
	var out []*contracts.Executive
	for rows.Next() {
		e, err := scanExecutive(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecutive(row rowScanner) (*contracts.Executive, error) {
	var e contracts.Executive
	var title, profile, linkedin, email, label, docID, candID, contactID, assignID sql.NullString
	var discoveredBy, reviewStatus, verification string

	err := row.Scan(&e.ID, &e.TenantID, &e.RunID, &e.ProspectID, &e.NameRaw,
		&e.NameNormalized, &title, &profile, &linkedin, &email, &e.Confidence,
		&discoveredBy, &reviewStatus, &verification, &label, &docID,
		&candID, &contactID, &assignID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.Title = strVal(title)
	e.ProfileURL = strVal(profile)
	e.LinkedInURL = strVal(linkedin)
	e.Email = strVal(email)
	e.DiscoveredBy = contracts.DiscoveredBy(discoveredBy)
	e.ReviewStatus = contracts.ReviewStatus(reviewStatus)
	e.VerificationStatus = contracts.VerificationStatus(verification)
	e.SourceLabel = strVal(label)
	e.SourceDocumentID = strVal(docID)
	e.CandidateID = strVal(candID)
	e.ContactID = strVal(contactID)
	e.AssignmentID = strVal(assignID)
	return &e, nil
}
