package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// CreateProspect inserts a canonical prospect row.
func (s *Store) CreateProspect(ctx context.Context, p *contracts.Prospect) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.ReviewStatus == "" {
		p.ReviewStatus = contracts.ReviewNew
	}
	if p.DiscoveredBy == "" {
		p.DiscoveredBy = contracts.ByInternal
	}
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prospects (id, tenant_id, run_id, mandate, name_raw, name_normalized,
			website_url, hq_country, hq_city, sector, subsector, relevance_score,
			evidence_score, confidence_score, discovered_by, review_status,
			exec_search_enabled, manual_priority, is_pinned, verification_status,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, p.ID, p.TenantID, p.RunID, nullStr(p.Mandate), p.NameRaw, p.NameNormalized,
		nullStr(p.WebsiteURL), nullStr(p.HQCountry), nullStr(p.HQCity), nullStr(p.Sector),
		nullStr(p.Subsector), p.RelevanceScore, p.EvidenceScore, p.ConfidenceScore,
		string(p.DiscoveredBy), string(p.ReviewStatus), boolToInt(p.ExecSearchEnabled),
		p.ManualPriority, boolToInt(p.IsPinned), nullStr(p.VerificationStatus), now, now)
	if err != nil {
		return fmt.Errorf("insert prospect: %w", err)
	}
	return nil
}

// UpdateProspect persists a mutated prospect.
func (s *Store) UpdateProspect(ctx context.Context, p *contracts.Prospect) error {
	p.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE prospects SET website_url = $1, hq_country = $2, hq_city = $3,
			sector = $4, subsector = $5, relevance_score = $6, evidence_score = $7,
			confidence_score = $8, discovered_by = $9, review_status = $10,
			exec_search_enabled = $11, manual_priority = $12, is_pinned = $13,
			verification_status = $14, updated_at = $15
		WHERE id = $16 AND tenant_id = $17
	`, nullStr(p.WebsiteURL), nullStr(p.HQCountry), nullStr(p.HQCity),
		nullStr(p.Sector), nullStr(p.Subsector), p.RelevanceScore, p.EvidenceScore,
		p.ConfidenceScore, string(p.DiscoveredBy), string(p.ReviewStatus),
		boolToInt(p.ExecSearchEnabled), p.ManualPriority, boolToInt(p.IsPinned),
		nullStr(p.VerificationStatus), p.UpdatedAt, p.ID, p.TenantID)
	if err != nil {
		return fmt.Errorf("update prospect %s: %w", p.ID, err)
	}
	return nil
}

// GetProspect loads one prospect in tenant scope.
func (s *Store) GetProspect(ctx context.Context, tenantID, prospectID string) (*contracts.Prospect, error) {
	row := s.db.QueryRowContext(ctx, prospectSelect+` WHERE id = $1 AND tenant_id = $2`, prospectID, tenantID)
	p, err := scanProspect(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "prospect %s not found", prospectID)
		}
		return nil, err
	}
	return p, nil
}

// FindProspectByName locates the canonical prospect for a normalized name.
func (s *Store) FindProspectByName(ctx context.Context, tenantID, runID, nameNormalized string) (*contracts.Prospect, error) {
	row := s.db.QueryRowContext(ctx, prospectSelect+`
		WHERE tenant_id = $1 AND run_id = $2 AND name_normalized = $3`, tenantID, runID, nameNormalized)
	p, err := scanProspect(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "no prospect named %q", nameNormalized)
		}
		return nil, err
	}
	return p, nil
}

// ListProspects returns a run's prospects in deterministic order.
func (s *Store) ListProspects(ctx context.Context, tenantID, runID string) ([]*contracts.Prospect, error) {
	rows, err := s.db.QueryContext(ctx, prospectSelect+`
		WHERE tenant_id = $1 AND run_id = $2 ORDER BY created_at ASC, id ASC`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("list prospects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Prospect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddProspectEvidence appends a provenance record for a prospect.
func (s *Store) AddProspectEvidence(ctx context.Context, ev *contracts.ProspectEvidence) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prospect_evidence (id, tenant_id, run_id, prospect_id, source_type,
			source_name, source_url, source_document_id, raw_snippet, evidence_weight, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ev.ID, ev.TenantID, ev.RunID, ev.ProspectID, string(ev.SourceType),
		nullStr(ev.SourceName), nullStr(ev.SourceURL), nullStr(ev.SourceDocumentID),
		nullStr(ev.RawSnippet), ev.EvidenceWeight, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert prospect evidence: %w", err)
	}
	return nil
}

// ListProspectEvidence returns evidence for one prospect in insertion order.
func (s *Store) ListProspectEvidence(ctx context.Context, tenantID, prospectID string) ([]*contracts.ProspectEvidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, run_id, prospect_id, source_type, source_name, source_url,
			source_document_id, raw_snippet, evidence_weight, created_at
		FROM prospect_evidence
		WHERE tenant_id = $1 AND prospect_id = $2
		ORDER BY created_at ASC, id ASC
	`, tenantID, prospectID)
	if err != nil {
		return nil, fmt.Errorf("list prospect evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ProspectEvidence
	for rows.Next() {
		var ev contracts.ProspectEvidence
		var sourceType string
		var name, url, docID, snippet sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.RunID, &ev.ProspectID, &sourceType,
			&name, &url, &docID, &snippet, &ev.EvidenceWeight, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prospect evidence: %w", err)
		}
		ev.SourceType = contracts.SourceType(sourceType)
		ev.SourceName = strVal(name)
		ev.SourceURL = strVal(url)
		ev.SourceDocumentID = strVal(docID)
		ev.RawSnippet = strVal(snippet)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

const prospectSelect = `
	SELECT id, tenant_id, run_id, mandate, name_raw, name_normalized, website_url,
		hq_country, hq_city, sector, subsector, relevance_score, evidence_score,
		confidence_score, discovered_by, review_status, exec_search_enabled,
		manual_priority, is_pinned, verification_status, created_at, updated_at
	FROM prospects`

func scanProspect(row rowScanner) (*contracts.Prospect, error) {
	var p contracts.Prospect
	var mandate, website, country, city, sector, subsector, verification sql.NullString
	var discoveredBy, reviewStatus string
	var execSearch, pinned int

	err := row.Scan(&p.ID, &p.TenantID, &p.RunID, &mandate, &p.NameRaw, &p.NameNormalized,
		&website, &country, &city, &sector, &subsector, &p.RelevanceScore,
		&p.EvidenceScore, &p.ConfidenceScore, &discoveredBy, &reviewStatus,
		&execSearch, &p.ManualPriority, &pinned, &verification, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Mandate = strVal(mandate)
	p.WebsiteURL = strVal(website)
	p.HQCountry = strVal(country)
	p.HQCity = strVal(city)
	p.Sector = strVal(sector)
	p.Subsector = strVal(subsector)
	p.DiscoveredBy = contracts.DiscoveredBy(discoveredBy)
	p.ReviewStatus = contracts.ReviewStatus(reviewStatus)
	p.ExecSearchEnabled = execSearch != 0
	p.IsPinned = pinned != 0
	p.VerificationStatus = strVal(verification)
	return &p, nil
}
