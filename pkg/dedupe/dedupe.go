// Package dedupe canonicalizes discovered companies into prospects. Within a
// run a new candidate merges into an existing canonical when its normalized
// name or canonical website host matches; merging appends evidence, raises
// the evidence score monotonically and never overwrites manual fields.
package dedupe

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/prospector/pkg/canonicalize"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/store"
)

// Merger folds provider candidates into the prospect table.
type Merger struct {
	store  *store.Store
	filter *EligibilityFilter
	log    *slog.Logger
}

// New creates a merger. filter may be nil when the mandate profile has no
// eligibility expression.
func New(s *store.Store, filter *EligibilityFilter, log *slog.Logger) *Merger {
	if log == nil {
		log = slog.Default()
	}
	return &Merger{store: s, filter: filter, log: log.With("component", "dedupe")}
}

// UpsertOutcome reports what happened to one candidate.
type UpsertOutcome struct {
	Prospect *contracts.Prospect
	Merged   bool
	Rejected bool
}

// Evidence describes the provenance to attach to the prospect.
type Evidence struct {
	SourceType       contracts.SourceType
	SourceName       string
	SourceURL        string
	SourceDocumentID string
	Snippet          string
	Weight           float64
}

// Upsert folds one discovered entity into the run's prospects.
func (m *Merger) Upsert(ctx context.Context, tenantID, runID string, entity contracts.DiscoveredEntity, origin contracts.DiscoveredBy, ev Evidence) (*UpsertOutcome, error) {
	nameNorm := canonicalize.Name(entity.Name)
	if nameNorm == "" {
		return nil, contracts.NewError(contracts.KindValidation, "candidate has empty name").
			WithCode("EMPTY_CANDIDATE_NAME")
	}

	existing, err := m.findCanonical(ctx, tenantID, runID, nameNorm, entity.WebsiteURL)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := m.merge(ctx, existing, entity, origin, ev); err != nil {
			return nil, err
		}
		return &UpsertOutcome{Prospect: existing, Merged: true}, nil
	}

	p := &contracts.Prospect{
		TenantID:        tenantID,
		RunID:           runID,
		NameRaw:         entity.Name,
		NameNormalized:  nameNorm,
		WebsiteURL:      entity.WebsiteURL,
		HQCountry:       entity.HQCountry,
		HQCity:          entity.HQCity,
		Sector:          entity.Sector,
		Subsector:       entity.Subsector,
		ConfidenceScore: entity.Confidence,
		EvidenceScore:   ev.Weight,
		DiscoveredBy:    origin,
	}

	rejected := false
	if m.filter != nil {
		ok, err := m.filter.Eligible(entity)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Ineligible candidates keep their evidence but never pass
			// review.
			p.ReviewStatus = contracts.ReviewRejected
			rejected = true
		}
	}

	if err := m.store.CreateProspect(ctx, p); err != nil {
		return nil, err
	}
	if err := m.addEvidence(ctx, p, ev); err != nil {
		return nil, err
	}
	return &UpsertOutcome{Prospect: p, Rejected: rejected}, nil
}

// findCanonical matches by normalized name first, then by canonical host.
func (m *Merger) findCanonical(ctx context.Context, tenantID, runID, nameNorm, websiteURL string) (*contracts.Prospect, error) {
	p, err := m.store.FindProspectByName(ctx, tenantID, runID, nameNorm)
	if err == nil {
		return p, nil
	}
	if !contracts.IsKind(err, contracts.KindNotFound) {
		return nil, err
	}

	host := canonicalize.Host(websiteURL)
	if host == "" {
		return nil, nil
	}
	all, err := m.store.ListProspects(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	for _, candidate := range all {
		if canonicalize.Host(candidate.WebsiteURL) == host {
			return candidate, nil
		}
	}
	return nil, nil
}

// merge enriches the canonical row without touching manual fields
// (review_status, exec_search_enabled, manual_priority, is_pinned).
func (m *Merger) merge(ctx context.Context, canonical *contracts.Prospect, entity contracts.DiscoveredEntity, origin contracts.DiscoveredBy, ev Evidence) error {
	if canonical.WebsiteURL == "" {
		canonical.WebsiteURL = entity.WebsiteURL
	}
	if canonical.HQCountry == "" {
		canonical.HQCountry = entity.HQCountry
	}
	if canonical.HQCity == "" {
		canonical.HQCity = entity.HQCity
	}
	if canonical.Sector == "" {
		canonical.Sector = entity.Sector
	}
	if canonical.Subsector == "" {
		canonical.Subsector = entity.Subsector
	}
	if entity.Confidence > canonical.ConfidenceScore {
		canonical.ConfidenceScore = entity.Confidence
	}
	// Evidence score only ever rises.
	if ev.Weight > 0 {
		canonical.EvidenceScore += ev.Weight
	}
	canonical.DiscoveredBy = canonical.DiscoveredBy.Combine(origin)

	if err := m.store.UpdateProspect(ctx, canonical); err != nil {
		return err
	}
	return m.addEvidence(ctx, canonical, ev)
}

func (m *Merger) addEvidence(ctx context.Context, p *contracts.Prospect, ev Evidence) error {
	if ev.SourceType == "" && ev.SourceDocumentID == "" {
		return nil
	}
	return m.store.AddProspectEvidence(ctx, &contracts.ProspectEvidence{
		TenantID:         p.TenantID,
		RunID:            p.RunID,
		ProspectID:       p.ID,
		SourceType:       ev.SourceType,
		SourceName:       ev.SourceName,
		SourceURL:        ev.SourceURL,
		SourceDocumentID: ev.SourceDocumentID,
		RawSnippet:       ev.Snippet,
		EvidenceWeight:   ev.Weight,
	})
}

// DedupeSource marks doc as a duplicate of the canonical source holding the
// same content hash, if one exists. The duplicate keeps no content hash of
// its own, points at the canonical, and is processed with Deduped set.
func DedupeSource(ctx context.Context, s *store.Store, doc *contracts.SourceDocument, contentHash string) (bool, error) {
	canonical, err := s.FindCanonicalSourceByHash(ctx, doc.TenantID, doc.RunID, contentHash)
	if contracts.IsKind(err, contracts.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if canonical.ID == doc.ID {
		return false, nil
	}

	doc.ContentHash = ""
	doc.CanonicalSourceID = canonical.ID
	doc.Status = contracts.SourceProcessed
	if doc.Meta.FetchInfo == nil {
		doc.Meta.FetchInfo = &contracts.FetchInfo{}
	}
	doc.Meta.FetchInfo.Deduped = true
	if err := s.UpdateSource(ctx, doc); err != nil {
		return false, err
	}
	return true, nil
}
