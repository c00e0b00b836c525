package orchestrator

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/prospector/pkg/canonicalize"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/dedupe"
	"github.com/Mindburn-Labs/prospector/pkg/discovery"
	"github.com/Mindburn-Labs/prospector/pkg/enrich"
	"github.com/Mindburn-Labs/prospector/pkg/identity"
)

// purposeCompanyDiscovery is the ledger purpose for company provider runs.
const purposeCompanyDiscovery = "company_discovery"

// RunDiscoveryProvider calls one provider for the run, subject to the
// enrichment ledger: a re-run with identical canonical parameters within the
// TTL is skipped, and a payload hashing identically to a recorded one is
// skipped as duplicate_hash even under force.
func (e *Engine) RunDiscoveryProvider(ctx context.Context, tenantID, runID, providerKey string, req contracts.DiscoveryRequest) (*contracts.EnrichmentResult, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	provider, err := e.registry.Get(providerKey)
	if err != nil {
		return nil, err
	}
	if req.Mandate == "" {
		req.Mandate = run.Mandate
	}

	inputHash, err := discovery.RequestHash(req, e.cfg.MaxCompanies)
	if err != nil {
		return nil, err
	}
	scope := enrich.Scope{
		TenantID:   tenantID,
		RunID:      runID,
		Provider:   providerKey,
		Purpose:    purposeCompanyDiscovery,
		TargetType: "run",
		TargetID:   runID,
	}

	if rec, err := e.ledger.Lookup(ctx, scope, inputHash, req.Force); err != nil {
		return nil, err
	} else if rec != nil {
		e.log.Info("discovery skipped", "run_id", runID, "provider", providerKey, "reason", "duplicate_hash")
		return enrich.ResultFromRecord(rec), nil
	}

	provRes, err := provider.Run(ctx, tenantID, runID, req)
	if err != nil {
		return nil, err
	}
	result, err := e.ledger.Record(ctx, scope, inputHash, provRes)
	if err != nil {
		return nil, err
	}
	if result.Skipped {
		return result, nil
	}

	origin := contracts.ByInternal
	if providerKey == discovery.KeySearchAPI || providerKey == discovery.KeyLLM {
		origin = contracts.ByExternal
	}
	filter, err := dedupe.CompileEligibility(run.RankingFilter)
	if err != nil {
		return nil, err
	}
	merger := dedupe.New(e.store, filter, e.log)

	for _, entity := range provRes.Payload.Companies {
		outcome, err := merger.Upsert(ctx, tenantID, runID, entity, origin, providerEvidence(provider, result.SourceDocumentID, entity))
		if err != nil {
			return nil, err
		}
		if outcome.Merged {
			result.CompaniesMerged++
		} else if !outcome.Rejected {
			result.CompaniesAdded++
		}
	}
	e.log.Info("discovery recorded", "run_id", runID, "provider", providerKey,
		"added", result.CompaniesAdded, "merged", result.CompaniesMerged)
	return result, nil
}

func providerEvidence(provider discovery.Provider, sourceDocID string, entity contracts.DiscoveredEntity) dedupe.Evidence {
	ev := dedupe.Evidence{
		SourceType:       provider.SourceType(),
		SourceName:       provider.Key(),
		SourceDocumentID: sourceDocID,
		Weight:           entity.Confidence,
	}
	if len(entity.Evidence) > 0 {
		ev.SourceURL = entity.Evidence[0].URL
		ev.Snippet = entity.Evidence[0].Snippet
	}
	return ev
}

// ExecDiscoveryResult reports one executive discovery pass.
type ExecDiscoveryResult struct {
	InternalAdded int `json:"internal_added"`
	ExternalAdded int `json:"external_added"`
	Overlap       int `json:"overlap"`
}

// RunExecutiveDiscovery ingests an executive payload for accepted prospects.
// The review gate is strict: if any referenced company is missing or
// ineligible (review_status≠accepted or exec search disabled), nothing is
// written.
func (e *Engine) RunExecutiveDiscovery(ctx context.Context, tenantID, runID string, payload *contracts.DiscoveryPayload, mode contracts.DiscoveryMode) (*ExecDiscoveryResult, error) {
	if _, err := e.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	if payload == nil || len(payload.Companies) == 0 {
		return nil, contracts.NewError(contracts.KindValidation, "executive payload has no companies")
	}
	origin := contracts.ByInternal
	switch mode {
	case contracts.DiscoveryInternal:
	case contracts.DiscoveryExternal:
		origin = contracts.ByExternal
	default:
		return nil, contracts.NewError(contracts.KindValidation, "executive discovery mode must be internal or external, got %q", mode)
	}

	// Resolve and gate every company before any write.
	type target struct {
		prospect *contracts.Prospect
		execs    []contracts.PayloadPerson
	}
	var targets []target
	for _, company := range payload.Companies {
		prospect, err := e.store.FindProspectByName(ctx, tenantID, runID, canonicalize.Name(company.Name))
		if contracts.IsKind(err, contracts.KindNotFound) {
			return nil, contracts.NewError(contracts.KindValidation,
				"payload references unknown company %q", company.Name).WithCode("UNKNOWN_COMPANY")
		}
		if err != nil {
			return nil, err
		}
		if !prospect.ExecEligible() {
			return nil, contracts.NewError(contracts.KindValidation,
				"company %q is not eligible for executive discovery", company.Name).
				WithCode("PROSPECT_NOT_ELIGIBLE")
		}
		targets = append(targets, target{prospect: prospect, execs: company.Executives})
	}

	result := &ExecDiscoveryResult{}
	for _, t := range targets {
		existing, err := e.store.ListExecutivesByProspect(ctx, tenantID, t.prospect.ID)
		if err != nil {
			return nil, err
		}
		byName := map[string]*contracts.Executive{}
		for _, ex := range existing {
			byName[ex.NameNormalized] = ex
		}

		count := 0
		for _, person := range t.execs {
			if e.cfg.MaxExecutives > 0 && count >= e.cfg.MaxExecutives {
				break
			}
			count++
			nameNorm := canonicalize.Name(person.Name)
			if prior, ok := byName[nameNorm]; ok {
				// The other engine already surfaced this person.
				if prior.DiscoveredBy != origin && prior.DiscoveredBy != contracts.ByBoth {
					prior.DiscoveredBy = contracts.ByBoth
					if err := e.store.UpdateExecutive(ctx, prior); err != nil {
						return nil, err
					}
					result.Overlap++
				}
				continue
			}

			exec := &contracts.Executive{
				TenantID:           tenantID,
				RunID:              runID,
				ProspectID:         t.prospect.ID,
				NameRaw:            person.Name,
				NameNormalized:     nameNorm,
				Title:              person.Title,
				ProfileURL:         person.ProfileURL,
				LinkedInURL:        person.LinkedInURL,
				Email:              person.Email,
				Confidence:         person.Confidence,
				DiscoveredBy:       origin,
				ReviewStatus:       contracts.ReviewNew,
				VerificationStatus: contracts.VerifyUnverified,
				SourceLabel:        fmt.Sprintf("%s discovery", origin),
			}
			if err := e.store.CreateExecutive(ctx, exec); err != nil {
				return nil, err
			}
			byName[nameNorm] = exec
			if origin == contracts.ByInternal {
				result.InternalAdded++
			} else {
				result.ExternalAdded++
			}
		}
	}
	return result, nil
}

// CandidateMatch is a cross-engine executive pair that looks like the same
// person but has no merge decision yet.
type CandidateMatch struct {
	InternalID string `json:"internal_executive_id"`
	ExternalID string `json:"external_executive_id"`
	Name       string `json:"name"`
}

// CompareResult summarizes the two discovery engines for one prospect.
type CompareResult struct {
	MatchedOrBoth    int              `json:"matched_or_both"`
	InternalOnly     int              `json:"internal_only"`
	ExternalOnly     int              `json:"external_only"`
	CandidateMatches []CandidateMatch `json:"candidate_matches"`
}

// CompareExecutives reconciles the engines' views over one prospect.
// Components of the identity graph count once; a component counts as matched
// when it contains both origins or a row marked both.
func (e *Engine) CompareExecutives(ctx context.Context, tenantID, runID, prospectID string) (*CompareResult, error) {
	if _, err := e.store.GetProspect(ctx, tenantID, prospectID); err != nil {
		return nil, err
	}
	graph, err := e.identity.Load(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	execs, err := e.store.ListExecutivesByProspect(ctx, tenantID, prospectID)
	if err != nil {
		return nil, err
	}

	result := &CompareResult{}
	seen := map[string]bool{}
	for _, ex := range execs {
		canonical := ex.ID
		if c := graph.CanonicalOf(ex.ID); c != nil {
			canonical = c.ID
		}
		if seen[canonical] {
			continue
		}
		seen[canonical] = true

		hasInternal, hasExternal := false, false
		for _, member := range componentOf(graph, ex) {
			switch member.DiscoveredBy {
			case contracts.ByInternal:
				hasInternal = true
			case contracts.ByExternal:
				hasExternal = true
			case contracts.ByBoth:
				hasInternal, hasExternal = true, true
			}
		}
		switch {
		case hasInternal && hasExternal:
			result.MatchedOrBoth++
		case hasInternal:
			result.InternalOnly++
		case hasExternal:
			result.ExternalOnly++
		}
	}

	// Unmerged cross-engine pairs with the same normalized name are candidate
	// matches for the reviewer.
	for _, a := range execs {
		if a.DiscoveredBy != contracts.ByInternal {
			continue
		}
		for _, b := range execs {
			if b.DiscoveredBy != contracts.ByExternal || a.NameNormalized != b.NameNormalized {
				continue
			}
			if graph.SameComponent(a.ID, b.ID) {
				continue
			}
			result.CandidateMatches = append(result.CandidateMatches, CandidateMatch{
				InternalID: a.ID, ExternalID: b.ID, Name: a.NameRaw,
			})
		}
	}
	return result, nil
}

func componentOf(graph *identity.Graph, ex *contracts.Executive) []*contracts.Executive {
	members := graph.Members(ex.ID)
	if len(members) == 0 {
		return []*contracts.Executive{ex}
	}
	return members
}

// SetProspectReview moves a prospect through the manual review gate.
// exec_search_enabled requires accepted status.
func (e *Engine) SetProspectReview(ctx context.Context, tenantID, runID, prospectID string, status contracts.ReviewStatus, execSearch bool) (*contracts.Prospect, error) {
	switch status {
	case contracts.ReviewNew, contracts.ReviewAccepted, contracts.ReviewHold, contracts.ReviewRejected:
	default:
		return nil, contracts.NewError(contracts.KindValidation, "unknown review status %q", status)
	}
	if execSearch && status != contracts.ReviewAccepted {
		return nil, contracts.NewError(contracts.KindValidation,
			"exec search requires an accepted prospect").WithCode("EXEC_SEARCH_REQUIRES_ACCEPTED")
	}

	prospect, err := e.store.GetProspect(ctx, tenantID, prospectID)
	if err != nil {
		return nil, err
	}
	if prospect.RunID != runID {
		return nil, contracts.NewError(contracts.KindNotFound, "prospect %s not found", prospectID)
	}
	prospect.ReviewStatus = status
	prospect.ExecSearchEnabled = execSearch
	if err := e.store.UpdateProspect(ctx, prospect); err != nil {
		return nil, err
	}
	return prospect, nil
}
