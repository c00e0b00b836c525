package orchestrator

import (
	"context"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// RecordMergeDecision appends one reviewer decision to the run's identity log.
// Conflicting decisions (mark_same across a veto, keep_separate inside a
// merged component) fail and change nothing.
func (e *Engine) RecordMergeDecision(ctx context.Context, d *contracts.MergeDecision) error {
	if _, err := e.store.GetRun(ctx, d.TenantID, d.RunID); err != nil {
		return err
	}
	unlock := e.lockRun(d.TenantID, d.RunID)
	defer unlock()

	if _, err := e.identity.RecordDecision(ctx, d); err != nil {
		return err
	}
	e.log.Info("merge decision recorded", "run_id", d.RunID,
		"decision", d.DecisionType, "left", d.LeftExecutiveID, "right", d.RightExecutiveID)
	return nil
}

// SetExecutiveVerification raises an executive's verification status. The
// component maximum propagates to every member; downgrades are rejected.
func (e *Engine) SetExecutiveVerification(ctx context.Context, tenantID, runID, execID string, status contracts.VerificationStatus) error {
	switch status {
	case contracts.VerifyUnverified, contracts.VerifyPartial, contracts.VerifyVerified:
	default:
		return contracts.NewError(contracts.KindValidation, "unknown verification status %q", status)
	}
	unlock := e.lockRun(tenantID, runID)
	defer unlock()
	return e.identity.SetVerification(ctx, tenantID, runID, execID, status)
}

// PromoteExecutive promotes an accepted executive into the ATS through the
// promotion sink. Promotion always resolves to the identity graph's canonical:
// if any member of the component was promoted before, the existing candidate,
// contact and assignment ids are reused and propagated instead of creating
// duplicates.
func (e *Engine) PromoteExecutive(ctx context.Context, tenantID, runID, execID string) (*contracts.PromotionResult, error) {
	if e.sink == nil {
		return nil, contracts.NewError(contracts.KindValidation, "no promotion sink configured").
			WithCode("NO_PROMOTION_SINK")
	}
	unlock := e.lockRun(tenantID, runID)
	defer unlock()

	exec, err := e.store.GetExecutive(ctx, tenantID, execID)
	if err != nil {
		return nil, err
	}
	if exec.RunID != runID {
		return nil, contracts.NewError(contracts.KindNotFound, "executive %s not in run %s", execID, runID)
	}
	if exec.ReviewStatus != contracts.ReviewAccepted {
		return nil, contracts.NewError(contracts.KindConflict,
			"executive %s is %s; only accepted executives promote", execID, exec.ReviewStatus).
			WithCode("EXECUTIVE_NOT_ACCEPTED")
	}
	prospect, err := e.store.GetProspect(ctx, tenantID, exec.ProspectID)
	if err != nil {
		return nil, err
	}
	if prospect.ReviewStatus != contracts.ReviewAccepted {
		return nil, contracts.NewError(contracts.KindConflict,
			"company %s is %s; executives promote only from accepted companies",
			prospect.ID, prospect.ReviewStatus).WithCode("PROSPECT_NOT_ACCEPTED")
	}

	graph, err := e.identity.Load(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	canonical := graph.CanonicalOf(execID)
	if canonical == nil {
		canonical = exec
	}
	members := graph.Members(execID)
	if len(members) == 0 {
		members = []*contracts.Executive{exec}
	}

	outcome := contracts.PromotionOutcome{
		RequestedID:         execID,
		CanonicalID:         canonical.ID,
		ResolvedToCanonical: canonical.ID != execID,
	}
	result := &contracts.PromotionResult{}

	// A previously promoted member means the component already exists in the
	// ATS; reuse its ids rather than promoting again.
	var promoted *contracts.Executive
	for _, m := range members {
		if m.CandidateID != "" {
			promoted = m
			break
		}
	}

	if promoted != nil {
		outcome.CandidateID = promoted.CandidateID
		outcome.ContactID = promoted.ContactID
		outcome.AssignmentID = promoted.AssignmentID
		outcome.Outcome = "reused"
		outcome.ReuseReason = "already_promoted"
		result.ReusedCount++
	} else {
		candidateID, err := e.sink.CreateCandidate(tenantID, canonical)
		if err != nil {
			return nil, contracts.WrapError(contracts.KindUpstream, err, "create candidate")
		}
		contactID, err := e.sink.CreateContact(tenantID, canonical, candidateID)
		if err != nil {
			return nil, contracts.WrapError(contracts.KindUpstream, err, "create contact")
		}
		assignmentID, err := e.sink.CreateAssignment(tenantID, canonical, candidateID)
		if err != nil {
			return nil, contracts.WrapError(contracts.KindUpstream, err, "create assignment")
		}
		outcome.CandidateID = candidateID
		outcome.ContactID = contactID
		outcome.AssignmentID = assignmentID
		outcome.Outcome = "created"
		result.PromotedCount++
	}

	// Every member of the component carries the same ATS ids afterwards, so a
	// later promotion of any alias resolves to the same candidate.
	for _, m := range members {
		if m.CandidateID == outcome.CandidateID &&
			m.ContactID == outcome.ContactID &&
			m.AssignmentID == outcome.AssignmentID {
			continue
		}
		m.CandidateID = outcome.CandidateID
		m.ContactID = outcome.ContactID
		m.AssignmentID = outcome.AssignmentID
		if err := e.store.UpdateExecutive(ctx, m); err != nil {
			return nil, err
		}
	}

	result.Results = append(result.Results, outcome)
	e.log.Info("executive promoted", "run_id", runID, "executive_id", execID,
		"canonical_id", canonical.ID, "outcome", outcome.Outcome)
	return result, nil
}

// SetExecutiveReview moves an executive through review.
func (e *Engine) SetExecutiveReview(ctx context.Context, tenantID, runID, execID string, status contracts.ReviewStatus) (*contracts.Executive, error) {
	switch status {
	case contracts.ReviewNew, contracts.ReviewAccepted, contracts.ReviewHold, contracts.ReviewRejected:
	default:
		return nil, contracts.NewError(contracts.KindValidation, "unknown review status %q", status)
	}
	exec, err := e.store.GetExecutive(ctx, tenantID, execID)
	if err != nil {
		return nil, err
	}
	if exec.RunID != runID {
		return nil, contracts.NewError(contracts.KindNotFound, "executive %s not in run %s", execID, runID)
	}
	exec.ReviewStatus = status
	if err := e.store.UpdateExecutive(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}
