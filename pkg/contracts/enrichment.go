package contracts

import "time"

// EnrichmentStatus is the state of a ledger row.
type EnrichmentStatus string

const (
	EnrichmentSucceeded EnrichmentStatus = "succeeded"
	EnrichmentFailed    EnrichmentStatus = "failed"
)

// EnrichmentRecord proves a provider was called with a specific canonicalized
// input producing a specific content hash. It is the key for TTL/hash
// idempotency: a re-run whose payload hashes identically within TTL is
// skipped.
type EnrichmentRecord struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	RunID            string           `json:"run_id"`
	Provider         string           `json:"provider"`
	Purpose          string           `json:"purpose"`
	TargetType       string           `json:"target_type"`
	TargetID         string           `json:"target_id"`
	InputScopeHash   string           `json:"input_scope_hash"`
	ContentHash      string           `json:"content_hash"`
	Status           EnrichmentStatus `json:"status"`
	SourceDocumentID string           `json:"source_document_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// EnrichmentResult is the envelope returned by a provider run.
type EnrichmentResult struct {
	EnrichmentID     string `json:"enrichment_id"`
	SourceDocumentID string `json:"source_document_id"`
	ContentHash      string `json:"content_hash"`
	Skipped          bool   `json:"skipped"`
	Reason           string `json:"reason,omitempty"` // duplicate_hash when skipped
	CompaniesAdded   int    `json:"companies_added"`
	CompaniesMerged  int    `json:"companies_merged"`
}

// ExportPack is one immutable registry row for a built run pack. The registry
// is append-only; listing order is (created_at desc, id desc).
type ExportPack struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	RunID          string    `json:"run_id"`
	StoragePointer string    `json:"storage_pointer"` // relative, traversal-free
	SHA256         string    `json:"sha256"`
	SizeBytes      int64     `json:"size_bytes"`
	FormatVersion  string    `json:"format_version"`
	CreatedAt      time.Time `json:"created_at"`
}
