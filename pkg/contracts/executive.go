package contracts

import "time"

// VerificationStatus is the monotonic verification ladder for executives.
// Transitions only move upward: unverified < partial < verified.
type VerificationStatus string

const (
	VerifyUnverified VerificationStatus = "unverified"
	VerifyPartial    VerificationStatus = "partial"
	VerifyVerified   VerificationStatus = "verified"
)

// Rank returns the ordering used for monotonicity checks.
func (v VerificationStatus) Rank() int {
	switch v {
	case VerifyPartial:
		return 1
	case VerifyVerified:
		return 2
	default:
		return 0
	}
}

// MaxVerification returns the higher of two verification statuses.
func MaxVerification(a, b VerificationStatus) VerificationStatus {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Executive is a candidate person within a company prospect.
// Candidate/contact/assignment ids are populated only after canonical
// promotion into the ATS.
type Executive struct {
	ID                 string             `json:"id"`
	TenantID           string             `json:"tenant_id"`
	RunID              string             `json:"run_id"`
	ProspectID         string             `json:"company_prospect_id"`
	NameRaw            string             `json:"name_raw"`
	NameNormalized     string             `json:"name_normalized"`
	Title              string             `json:"title,omitempty"`
	ProfileURL         string             `json:"profile_url,omitempty"`
	LinkedInURL        string             `json:"linkedin_url,omitempty"`
	Email              string             `json:"email,omitempty"`
	Confidence         float64            `json:"confidence"`
	DiscoveredBy       DiscoveredBy       `json:"discovered_by"`
	ReviewStatus       ReviewStatus       `json:"review_status"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	SourceLabel        string             `json:"source_label,omitempty"`
	SourceDocumentID   string             `json:"source_document_id,omitempty"`
	CandidateID        string             `json:"candidate_id,omitempty"`
	ContactID          string             `json:"contact_id,omitempty"`
	AssignmentID       string             `json:"assignment_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ExecutiveEvidence links an executive to one source document.
type ExecutiveEvidence struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	RunID             string     `json:"run_id"`
	ExecutiveID       string     `json:"executive_id"`
	SourceType        SourceType `json:"source_type"`
	SourceName        string     `json:"source_name,omitempty"`
	SourceURL         string     `json:"source_url,omitempty"`
	SourceDocumentID  string     `json:"source_document_id,omitempty"`
	SourceContentHash string     `json:"source_content_hash,omitempty"`
	RawSnippet        string     `json:"raw_snippet,omitempty"`
	EvidenceWeight    float64    `json:"evidence_weight"`
	CreatedAt         time.Time  `json:"created_at"`
}

// DecisionType classifies a human merge decision over two executives.
type DecisionType string

const (
	DecisionMarkSame     DecisionType = "mark_same"
	DecisionKeepSeparate DecisionType = "keep_separate"
)

// MergeDecision is one reviewer decision over a pair of executives within a
// company prospect. mark_same decisions induce union edges in the identity
// graph; keep_separate decisions are vetoes that no union may cross.
type MergeDecision struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	RunID            string       `json:"run_id"`
	ProspectID       string       `json:"company_prospect_id"`
	LeftExecutiveID  string       `json:"left_executive_id"`
	RightExecutiveID string       `json:"right_executive_id"`
	DecisionType     DecisionType `json:"decision_type"`
	EvidenceIDs      []string     `json:"evidence_ids,omitempty"`
	CreatedBy        string       `json:"created_by,omitempty"`
	Note             string       `json:"note,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// PromotionOutcome describes one executive's promotion into the ATS.
type PromotionOutcome struct {
	RequestedID         string `json:"requested_id"`
	CanonicalID         string `json:"canonical_id"`
	ResolvedToCanonical bool   `json:"resolved_to_canonical"`
	CandidateID         string `json:"candidate_id"`
	ContactID           string `json:"contact_id"`
	AssignmentID        string `json:"assignment_id"`
	Outcome             string `json:"outcome"` // created | reused
	ReuseReason         string `json:"reuse_reason,omitempty"`
}

// PromotionResult aggregates a promote_executive call.
type PromotionResult struct {
	PromotedCount int                `json:"promoted_count"`
	ReusedCount   int                `json:"reused_count"`
	Results       []PromotionOutcome `json:"results"`
}

// PromotionSink is the contract to the wider ATS domain. The engine only ever
// creates candidates, contacts and assignments through this interface; the
// ATS side owns everything beyond it.
type PromotionSink interface {
	CreateCandidate(tenantID string, exec *Executive) (candidateID string, err error)
	CreateContact(tenantID string, exec *Executive, candidateID string) (contactID string, err error)
	CreateAssignment(tenantID string, exec *Executive, candidateID string) (assignmentID string, err error)
}
