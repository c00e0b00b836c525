// Package enrich implements the enrichment ledger: every provider call is
// recorded against its canonicalized input and payload hash, and re-runs that
// would reproduce a known payload are skipped instead of spending credits.
package enrich

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/prospector/pkg/canonicalize"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/discovery"
	"github.com/Mindburn-Labs/prospector/pkg/store"
)

// Scope identifies one ledger key: what was enriched, by whom, for what.
type Scope struct {
	TenantID   string
	RunID      string
	Provider   string
	Purpose    string
	TargetType string
	TargetID   string
}

// Ledger wraps the store with TTL/hash idempotency rules.
type Ledger struct {
	store *store.Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a ledger with the given reuse TTL.
func New(s *store.Store, ttl time.Duration) *Ledger {
	return &Ledger{
		store: s,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Lookup returns the reusable ledger row for a scope and input hash, if one
// exists within the TTL. force bypasses the TTL check entirely, so a forced
// run always reaches the provider (content-hash dedupe still applies on
// Record).
func (l *Ledger) Lookup(ctx context.Context, scope Scope, inputScopeHash string, force bool) (*contracts.EnrichmentRecord, error) {
	if force {
		return nil, nil
	}
	rec, err := l.store.FindEnrichment(ctx, scope.TenantID, scope.RunID, scope.Provider,
		scope.Purpose, scope.TargetType, scope.TargetID, inputScopeHash, "", l.now().Add(-l.ttl))
	if contracts.IsKind(err, contracts.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Record persists a provider result. If a succeeded row with the identical
// payload hash already exists for the scope, the call is recorded as skipped
// with reason duplicate_hash and the original ids are returned; this holds
// even under force, which preserves determinism.
func (l *Ledger) Record(ctx context.Context, scope Scope, inputScopeHash string, res *contracts.ProviderResult) (*contracts.EnrichmentResult, error) {
	canonical, err := canonicalize.JCS(res.Payload)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "canonicalize provider payload")
	}
	contentHash := store.HashContent(canonical)

	existing, err := l.store.FindEnrichment(ctx, scope.TenantID, scope.RunID, scope.Provider,
		scope.Purpose, scope.TargetType, scope.TargetID, inputScopeHash, contentHash, time.Time{})
	if err == nil {
		return &contracts.EnrichmentResult{
			EnrichmentID:     existing.ID,
			SourceDocumentID: existing.SourceDocumentID,
			ContentHash:      existing.ContentHash,
			Skipped:          true,
			Reason:           "duplicate_hash",
		}, nil
	}
	if !contracts.IsKind(err, contracts.KindNotFound) {
		return nil, err
	}

	// New payload: persist the canonical bytes as a source document, then
	// the ledger row. The blob hash and the ledger content hash coincide
	// because both cover the same canonical bytes.
	if _, _, err := l.store.PutContent(ctx, scope.TenantID, scope.RunID, "application/json", canonical); err != nil {
		return nil, err
	}

	doc := &contracts.SourceDocument{
		TenantID:    scope.TenantID,
		RunID:       scope.RunID,
		SourceType:  res.SourceType,
		MimeType:    "application/json",
		ContentHash: contentHash,
		Status:      contracts.SourceProcessed,
		Meta: contracts.SourceMeta{
			ProcessedSummary: "provider payload " + contracts.PayloadSchemaName,
		},
	}
	if err := l.store.CreateSource(ctx, doc); err != nil {
		return nil, err
	}

	rec := &contracts.EnrichmentRecord{
		TenantID:         scope.TenantID,
		RunID:            scope.RunID,
		Provider:         scope.Provider,
		Purpose:          scope.Purpose,
		TargetType:       scope.TargetType,
		TargetID:         scope.TargetID,
		InputScopeHash:   inputScopeHash,
		ContentHash:      contentHash,
		Status:           contracts.EnrichmentSucceeded,
		SourceDocumentID: doc.ID,
	}
	if err := l.store.CreateEnrichment(ctx, rec); err != nil {
		return nil, err
	}

	return &contracts.EnrichmentResult{
		EnrichmentID:     rec.ID,
		SourceDocumentID: doc.ID,
		ContentHash:      contentHash,
	}, nil
}

// ResultFromRecord projects a reused ledger row into the skipped envelope.
func ResultFromRecord(rec *contracts.EnrichmentRecord) *contracts.EnrichmentResult {
	return &contracts.EnrichmentResult{
		EnrichmentID:     rec.ID,
		SourceDocumentID: rec.SourceDocumentID,
		ContentHash:      rec.ContentHash,
		Skipped:          true,
		Reason:           "duplicate_hash",
	}
}

// PayloadHash exposes the hash the ledger would assign to a payload.
func PayloadHash(p *contracts.DiscoveryPayload) (string, error) {
	return discovery.PayloadHash(p)
}
