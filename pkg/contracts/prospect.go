package contracts

import "time"

// ReviewStatus is the manual review gate on a prospect.
type ReviewStatus string

const (
	ReviewNew      ReviewStatus = "new"
	ReviewAccepted ReviewStatus = "accepted"
	ReviewHold     ReviewStatus = "hold"
	ReviewRejected ReviewStatus = "rejected"
)

// DiscoveredBy records which engine(s) surfaced an entity.
type DiscoveredBy string

const (
	ByInternal DiscoveredBy = "internal"
	ByExternal DiscoveredBy = "external"
	ByBoth     DiscoveredBy = "both"
)

// Combine merges two discovery origins.
func (d DiscoveredBy) Combine(other DiscoveredBy) DiscoveredBy {
	if d == "" {
		return other
	}
	if other == "" || d == other {
		return d
	}
	return ByBoth
}

// Prospect is a normalized company candidate scoped to a run. At most one
// canonical row per (tenant, run, name_normalized).
type Prospect struct {
	ID                string       `json:"id"`
	TenantID          string       `json:"tenant_id"`
	RunID             string       `json:"run_id"`
	Mandate           string       `json:"mandate,omitempty"`
	NameRaw           string       `json:"name_raw"`
	NameNormalized    string       `json:"name_normalized"`
	WebsiteURL        string       `json:"website_url,omitempty"`
	HQCountry         string       `json:"hq_country,omitempty"`
	HQCity            string       `json:"hq_city,omitempty"`
	Sector            string       `json:"sector,omitempty"`
	Subsector         string       `json:"subsector,omitempty"`
	RelevanceScore    float64      `json:"relevance_score"`
	EvidenceScore     float64      `json:"evidence_score"`
	ConfidenceScore   float64      `json:"confidence_score"`
	DiscoveredBy      DiscoveredBy `json:"discovered_by"`
	ReviewStatus      ReviewStatus `json:"review_status"`
	ExecSearchEnabled bool         `json:"exec_search_enabled"`
	ManualPriority    int          `json:"manual_priority"`
	IsPinned          bool         `json:"is_pinned"`
	VerificationStatus string      `json:"verification_status,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// ExecEligible reports whether executive discovery may touch this prospect.
func (p *Prospect) ExecEligible() bool {
	return p.ReviewStatus == ReviewAccepted && p.ExecSearchEnabled
}

// ProspectEvidence links a prospect to one source document with a snippet and
// a weight in [0,1].
type ProspectEvidence struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	RunID            string     `json:"run_id"`
	ProspectID       string     `json:"prospect_id"`
	SourceType       SourceType `json:"source_type"`
	SourceName       string     `json:"source_name,omitempty"`
	SourceURL        string     `json:"source_url,omitempty"`
	SourceDocumentID string     `json:"source_document_id,omitempty"`
	RawSnippet       string     `json:"raw_snippet,omitempty"`
	EvidenceWeight   float64    `json:"evidence_weight"`
	CreatedAt        time.Time  `json:"created_at"`
}
