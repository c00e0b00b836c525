package contracts

import "time"

// SourceType classifies how a source document entered the system.
type SourceType string

const (
	SourceURL          SourceType = "url"
	SourcePDF          SourceType = "pdf"
	SourceText         SourceType = "text"
	SourceProviderJSON SourceType = "provider_json"
	SourceLLMJSON      SourceType = "llm_json"
)

// SourceStatus represents the acquisition state of a source document.
type SourceStatus string

const (
	SourceNew       SourceStatus = "new"
	SourceFetched   SourceStatus = "fetched"
	SourceProcessed SourceStatus = "processed"
	SourceFailed    SourceStatus = "failed"
)

// FetchInfo records the outcome of the HTTP acquisition of a source.
type FetchInfo struct {
	FinalURL      string            `json:"final_url,omitempty"`
	StatusCode    int               `json:"status_code,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Deduped       bool              `json:"deduped,omitempty"`
	NotModified   bool              `json:"not_modified,omitempty"`
	RobotsBlocked bool              `json:"robots_blocked,omitempty"`
	Truncated     bool              `json:"truncated,omitempty"`
}

// ExtractionInfo summarises what the extractor produced from a source.
type ExtractionInfo struct {
	Strategy   string   `json:"strategy,omitempty"`
	Candidates int      `json:"candidates"`
	Flags      []string `json:"flags,omitempty"`
}

// SourceMeta is the free-form metadata bag attached to a source document.
type SourceMeta struct {
	FetchInfo        *FetchInfo      `json:"fetch_info,omitempty"`
	Extraction       *ExtractionInfo `json:"extraction,omitempty"`
	ProcessedSummary string          `json:"processed_summary,omitempty"`
	QualityFlags     []string        `json:"quality_flags,omitempty"`
}

// SourceDocument is an acquired artifact: a fetched URL, an uploaded PDF or
// text blob, or an opaque provider/LLM JSON envelope.
//
// Within (tenant, run) a canonical content_hash is unique. A duplicate row
// carries an empty content hash, points at its canonical via
// CanonicalSourceID, and is always processed with FetchInfo.Deduped=true.
type SourceDocument struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	RunID            string       `json:"run_id"`
	SourceType       SourceType   `json:"source_type"`
	URLRaw           string       `json:"url,omitempty"`
	URLNormalized    string       `json:"url_normalized,omitempty"`
	CanonicalFinal   string       `json:"canonical_final_url,omitempty"`
	MimeType         string       `json:"mime_type,omitempty"`
	ContentHash      string       `json:"content_hash,omitempty"`
	HTTPStatusCode   int          `json:"http_status_code,omitempty"`
	HTTPError        string       `json:"http_error_message,omitempty"`
	HTTPFinalURL     string       `json:"http_final_url,omitempty"`
	Status           SourceStatus `json:"status"`
	AttemptCount     int          `json:"attempt_count"`
	MaxAttempts      int          `json:"max_attempts"`
	NextRetryAt      *time.Time   `json:"next_retry_at,omitempty"`
	CanonicalSourceID string      `json:"canonical_source_id,omitempty"`
	Meta             SourceMeta   `json:"meta"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// IsCanonical reports whether the document is its own canonical.
func (d *SourceDocument) IsCanonical() bool {
	return d.CanonicalSourceID == "" || d.CanonicalSourceID == d.ID
}
