package orchestrator

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/prospector/pkg/canonicalize"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/dedupe"
	"github.com/Mindburn-Labs/prospector/pkg/extract"
	"github.com/Mindburn-Labs/prospector/pkg/fetch"
	"github.com/Mindburn-Labs/prospector/pkg/runstate"
)

// defaultSourceMaxAttempts bounds how many acquisition cycles may retry one
// failing URL before it goes terminal.
const defaultSourceMaxAttempts = 3

// extractEvidenceWeight is the weight an extractor-surfaced company name
// contributes to a prospect's evidence score.
const extractEvidenceWeight = 0.5

// SourceSpec describes one input to add to a run.
type SourceSpec struct {
	Type contracts.SourceType `json:"source_type"`
	URL  string               `json:"url,omitempty"`
	Text string               `json:"text,omitempty"`
	PDF  []byte               `json:"pdf,omitempty"`
	Name string               `json:"name,omitempty"`
}

// AddSource registers a url, pdf or text input on a run. Adding the same URL
// twice returns the existing document.
func (e *Engine) AddSource(ctx context.Context, tenantID, runID string, spec SourceSpec) (*contracts.SourceDocument, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, contracts.NewError(contracts.KindConflict,
			"run %s is %s; sources cannot be added", runID, run.Status)
	}

	switch spec.Type {
	case contracts.SourceURL:
		return e.addURLSource(ctx, tenantID, runID, spec.URL)
	case contracts.SourceText:
		if strings.TrimSpace(spec.Text) == "" {
			return nil, contracts.NewError(contracts.KindValidation, "text source must not be empty")
		}
		return e.addBlobSource(ctx, tenantID, runID, spec.Type, "text/plain", []byte(spec.Text))
	case contracts.SourcePDF:
		if len(spec.PDF) == 0 {
			return nil, contracts.NewError(contracts.KindValidation, "pdf source must not be empty")
		}
		return e.addBlobSource(ctx, tenantID, runID, spec.Type, "application/pdf", spec.PDF)
	default:
		return nil, contracts.NewError(contracts.KindValidation, "unsupported source type %q", spec.Type)
	}
}

func (e *Engine) addURLSource(ctx context.Context, tenantID, runID, rawURL string) (*contracts.SourceDocument, error) {
	normalized, err := canonicalize.URL(rawURL, "https")
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "canonicalize url %q", rawURL).
			WithCode("INVALID_URL")
	}

	existing, err := e.store.FindSourceByNormalizedURL(ctx, tenantID, runID, normalized)
	if err == nil {
		return existing, nil
	}
	if !contracts.IsKind(err, contracts.KindNotFound) {
		return nil, err
	}

	doc := &contracts.SourceDocument{
		TenantID:      tenantID,
		RunID:         runID,
		SourceType:    contracts.SourceURL,
		URLRaw:        rawURL,
		URLNormalized: normalized,
		Status:        contracts.SourceNew,
		MaxAttempts:   defaultSourceMaxAttempts,
	}
	if err := e.store.CreateSource(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (e *Engine) addBlobSource(ctx context.Context, tenantID, runID string, st contracts.SourceType, mediaType string, body []byte) (*contracts.SourceDocument, error) {
	blob, _, err := e.store.PutContent(ctx, tenantID, runID, mediaType, body)
	if err != nil {
		return nil, err
	}
	doc := &contracts.SourceDocument{
		TenantID:    tenantID,
		RunID:       runID,
		SourceType:  st,
		MimeType:    mediaType,
		ContentHash: blob.ContentHash,
		Status:      contracts.SourceFetched,
		MaxAttempts: defaultSourceMaxAttempts,
	}
	if err := e.store.CreateSource(ctx, doc); err != nil {
		return nil, err
	}
	if _, err := dedupe.DedupeSource(ctx, e.store, doc, blob.ContentHash); err != nil {
		return nil, err
	}
	return doc, nil
}

// AcquireParams tune one acquisition pass.
type AcquireParams struct {
	MaxURLs int  `json:"max_urls,omitempty"`
	Force   bool `json:"force"`
}

// FetchSummary reports the fetch phase of an acquisition pass.
type FetchSummary struct {
	Fetched   int  `json:"fetched"`
	Processed int  `json:"processed"`
	Selected  int  `json:"selected"`
	Force     bool `json:"force"`
}

// ExtractSummary reports the extract phase.
type ExtractSummary struct {
	Processed int `json:"processed"`
}

// AcquireResult is the envelope of an acquire_extract call.
type AcquireResult struct {
	Fetch            FetchSummary   `json:"fetch"`
	Extract          ExtractSummary `json:"extract"`
	SourceIDsTouched []string       `json:"source_ids_touched"`
}

// AcquireExtract runs one synchronous fetch-and-extract pass over the run's
// sources. A second call with force=false does no new work: already-processed
// sources are skipped and the touched set is unchanged.
func (e *Engine) AcquireExtract(ctx context.Context, tenantID, runID string, params AcquireParams) (*AcquireResult, error) {
	return e.acquireExtract(ctx, tenantID, runID, params, nil)
}

func (e *Engine) acquireExtract(ctx context.Context, tenantID, runID string, params AcquireParams, cancelled runstate.CancelCheck) (*AcquireResult, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	sources, err := e.store.ListSources(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	// Deterministic processing order: retries reproduce identical results.
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].ID != sources[j].ID {
			return sources[i].ID < sources[j].ID
		}
		return sources[i].CreatedAt.Before(sources[j].CreatedAt)
	})

	result := &AcquireResult{Fetch: FetchSummary{Force: params.Force}}
	for _, doc := range sources {
		result.SourceIDsTouched = append(result.SourceIDsTouched, doc.ID)
	}

	if err := e.fetchPhase(ctx, tenantID, runID, sources, params, result, cancelled); err != nil {
		return nil, err
	}
	if err := e.extractPhase(ctx, run, sources, params, result, cancelled); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) fetchPhase(ctx context.Context, tenantID, runID string, sources []*contracts.SourceDocument, params AcquireParams, result *AcquireResult, cancelled runstate.CancelCheck) error {
	now := time.Now().UTC()
	for _, doc := range sources {
		if doc.SourceType != contracts.SourceURL {
			continue
		}
		if !e.fetchEligible(doc, params.Force, now) {
			continue
		}
		if params.MaxURLs > 0 && result.Fetch.Selected >= params.MaxURLs {
			break
		}
		if stop, err := checkCancel(ctx, cancelled); err != nil || stop {
			if err != nil {
				return err
			}
			return errAcquireCancelled
		}

		result.Fetch.Selected++
		if err := e.fetchOne(ctx, tenantID, runID, doc, result); err != nil {
			return err
		}
	}
	return nil
}

// fetchEligible selects sources for the fetch phase. Sources at their attempt
// cap never refetch, not even under force.
func (e *Engine) fetchEligible(doc *contracts.SourceDocument, force bool, now time.Time) bool {
	switch doc.Status {
	case contracts.SourceNew:
		return true
	case contracts.SourceFailed:
		if doc.AttemptCount >= doc.MaxAttempts {
			return false
		}
		return doc.NextRetryAt == nil || !doc.NextRetryAt.After(now)
	case contracts.SourceFetched, contracts.SourceProcessed:
		return force && doc.IsCanonical()
	}
	return false
}

func (e *Engine) fetchOne(ctx context.Context, tenantID, runID string, doc *contracts.SourceDocument, result *AcquireResult) error {
	cond := fetch.Conditional{}
	if info := doc.Meta.FetchInfo; info != nil {
		cond.ETag = info.Headers["etag"]
		cond.LastModified = info.Headers["last-modified"]
	}

	res, err := e.fetcher.Fetch(ctx, fetch.Scope{TenantID: tenantID, RunID: runID, SourceID: doc.ID}, doc.URLRaw, cond)
	if err != nil {
		return e.recordFetchFailure(ctx, doc, err)
	}

	doc.AttemptCount++
	doc.HTTPStatusCode = res.StatusCode
	doc.HTTPFinalURL = res.FinalURL
	doc.HTTPError = ""
	doc.NextRetryAt = nil
	if doc.Meta.FetchInfo == nil {
		doc.Meta.FetchInfo = &contracts.FetchInfo{}
	}
	doc.Meta.FetchInfo.FinalURL = res.FinalURL
	doc.Meta.FetchInfo.StatusCode = res.StatusCode
	doc.Meta.FetchInfo.NotModified = res.NotModified

	if res.NotModified {
		// Validators held; the stored body is still current.
		doc.Status = contracts.SourceProcessed
		result.Fetch.Processed++
		return e.store.UpdateSource(ctx, doc)
	}

	doc.MimeType = res.ContentType
	if final, err := canonicalize.URL(res.FinalURL, "https"); err == nil {
		doc.CanonicalFinal = final
	}
	headers := map[string]string{}
	if res.ETag != "" {
		headers["etag"] = res.ETag
	}
	if res.LastModified != "" {
		headers["last-modified"] = res.LastModified
	}
	doc.Meta.FetchInfo.Headers = headers

	blob, _, err := e.store.PutContent(ctx, tenantID, runID, res.ContentType, res.Body)
	if err != nil {
		return err
	}
	doc.ContentHash = blob.ContentHash
	doc.Status = contracts.SourceFetched
	result.Fetch.Fetched++

	deduped, err := dedupe.DedupeSource(ctx, e.store, doc, blob.ContentHash)
	if err != nil {
		return err
	}
	if deduped {
		result.Fetch.Processed++
		return nil // DedupeSource already persisted the duplicate
	}
	return e.store.UpdateSource(ctx, doc)
}

// recordFetchFailure persists a failed acquisition attempt. Below the cap the
// source re-queues with exponential backoff; at the cap it goes terminal with
// next_retry_at cleared.
func (e *Engine) recordFetchFailure(ctx context.Context, doc *contracts.SourceDocument, fetchErr error) error {
	doc.AttemptCount++
	doc.Status = contracts.SourceFailed
	doc.HTTPError = fetchErr.Error()

	var de *contracts.Error
	if errors.As(fetchErr, &de) {
		if sc, ok := de.Details["status_code"].(int); ok {
			doc.HTTPStatusCode = sc
		}
	}

	if doc.AttemptCount >= doc.MaxAttempts {
		doc.NextRetryAt = nil
	} else {
		retryAt := time.Now().UTC().Add(sourceBackoff(doc.AttemptCount))
		doc.NextRetryAt = &retryAt
	}
	return e.store.UpdateSource(ctx, doc)
}

func sourceBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(2*time.Second) * math.Pow(2, float64(attempt-1)))
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}

func (e *Engine) extractPhase(ctx context.Context, run *contracts.Run, sources []*contracts.SourceDocument, params AcquireParams, result *AcquireResult, cancelled runstate.CancelCheck) error {
	filter, err := dedupe.CompileEligibility(run.RankingFilter)
	if err != nil {
		return err
	}
	merger := dedupe.New(e.store, filter, e.log)

	for _, doc := range sources {
		if !doc.IsCanonical() || doc.ContentHash == "" {
			continue
		}
		eligible := doc.Status == contracts.SourceFetched ||
			(params.Force && doc.Status == contracts.SourceProcessed)
		if !eligible {
			continue
		}
		if stop, err := checkCancel(ctx, cancelled); err != nil || stop {
			if err != nil {
				return err
			}
			return errAcquireCancelled
		}

		blob, err := e.store.GetContent(ctx, doc.TenantID, doc.RunID, doc.ContentHash)
		if err != nil {
			return err
		}
		candidates, err := e.extractor.Extract(doc.SourceType, blob.MediaType, doc.URLRaw, blob.Body)
		if err != nil {
			return err
		}
		if err := e.upsertCandidates(ctx, run, merger, doc, candidates); err != nil {
			return err
		}

		doc.Status = contracts.SourceProcessed
		doc.Meta.Extraction = &contracts.ExtractionInfo{
			Strategy:   string(doc.SourceType),
			Candidates: len(candidates),
		}
		if err := e.store.UpdateSource(ctx, doc); err != nil {
			return err
		}
		result.Extract.Processed++
	}
	return nil
}

func (e *Engine) upsertCandidates(ctx context.Context, run *contracts.Run, merger *dedupe.Merger, doc *contracts.SourceDocument, candidates []extract.Candidate) error {
	for _, c := range candidates {
		entity := contracts.DiscoveredEntity{Name: c.Name}
		_, err := merger.Upsert(ctx, run.TenantID, run.ID, entity, contracts.ByInternal, dedupe.Evidence{
			SourceType:       doc.SourceType,
			SourceURL:        doc.URLRaw,
			SourceDocumentID: doc.ID,
			Snippet:          c.Snippet,
			Weight:           extractEvidenceWeight,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// EnqueueAcquireExtract schedules an acquisition pass as a durable job.
func (e *Engine) EnqueueAcquireExtract(ctx context.Context, tenantID, runID string, params AcquireParams) (*contracts.EnqueueResult, error) {
	if _, err := e.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return e.queue.Enqueue(ctx, tenantID, runID, contracts.JobAcquireExtract, params)
}
