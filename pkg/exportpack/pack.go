// Package exportpack builds the deterministic run pack and evidence bundle
// archives. Determinism is the central contract: given the same run state,
// two builds produce byte-identical ZIPs and therefore identical SHA-256
// digests, and the registry row always matches the stored bytes.
package exportpack

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/prospector/pkg/canonicalize"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/identity"
	"github.com/Mindburn-Labs/prospector/pkg/store"
)

// FormatVersion is the semver of the pack layout. Downloads accept any pack
// whose major version matches.
const FormatVersion = "1.2.0"

// generatedAtSentinel replaces the build timestamp inside the hashed region of
// run_pack.json so rebuilds stay byte-identical.
const generatedAtSentinel = "0001-01-01T00:00:00Z"

// Options tune the builder.
type Options struct {
	// MaxZipBytes caps the archive size; zero means unlimited.
	MaxZipBytes int64
}

// BuildOptions apply to a single build.
type BuildOptions struct {
	IncludePrintView bool
}

// Builder assembles run packs and records them in the registry.
type Builder struct {
	store   *store.Store
	storage Storage
	opts    Options
	log     *slog.Logger
}

// New creates a builder over a store and a storage backend.
func New(s *store.Store, storage Storage, opts Options, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{store: s, storage: storage, opts: opts, log: log.With("component", "exportpack")}
}

// snapshot is one consistent read of everything the pack renders.
type snapshot struct {
	run       *contracts.Run
	prospects []*contracts.Prospect
	execs     []*contracts.Executive
	decisions []*contracts.MergeDecision
	graph     *identity.Graph
	sources   []*contracts.SourceDocument
	enriched  int
}

func (b *Builder) snapshot(ctx context.Context, tenantID, runID string) (*snapshot, error) {
	run, err := b.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	prospects, err := b.store.ListProspects(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	execs, err := b.store.ListExecutivesByRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	decisions, err := b.store.ListMergeDecisions(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	graph, err := identity.Build(execs, decisions)
	if err != nil {
		return nil, err
	}
	sources, err := b.store.ListSources(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	enriched, err := b.store.CountEnrichments(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	sort.Slice(prospects, func(i, j int) bool {
		if !prospects[i].CreatedAt.Equal(prospects[j].CreatedAt) {
			return prospects[i].CreatedAt.Before(prospects[j].CreatedAt)
		}
		return prospects[i].ID < prospects[j].ID
	})
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].ProspectID != execs[j].ProspectID {
			return execs[i].ProspectID < execs[j].ProspectID
		}
		if execs[i].ID != execs[j].ID {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
	sort.Slice(decisions, func(i, j int) bool {
		if decisions[i].ProspectID != decisions[j].ProspectID {
			return decisions[i].ProspectID < decisions[j].ProspectID
		}
		if !decisions[i].CreatedAt.Equal(decisions[j].CreatedAt) {
			return decisions[i].CreatedAt.Before(decisions[j].CreatedAt)
		}
		return decisions[i].ID < decisions[j].ID
	})

	return &snapshot{
		run: run, prospects: prospects, execs: execs,
		decisions: decisions, graph: graph, sources: sources, enriched: enriched,
	}, nil
}

// Build renders the pack, stores it and appends the registry row.
func (b *Builder) Build(ctx context.Context, tenantID, runID string, buildOpts BuildOptions) (*contracts.ExportPack, error) {
	snap, err := b.snapshot(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	entries, err := b.render(snap, buildOpts)
	if err != nil {
		return nil, err
	}
	data, err := buildArchive(entries)
	if err != nil {
		return nil, err
	}
	if b.opts.MaxZipBytes > 0 && int64(len(data)) > b.opts.MaxZipBytes {
		return nil, contracts.NewError(contracts.KindLimitExceeded,
			"run pack is %d bytes, over the %d byte cap", len(data), b.opts.MaxZipBytes).
			WithCode("EXPORT_ZIP_TOO_LARGE").
			WithDetails(map[string]any{"max_zip_bytes": b.opts.MaxZipBytes})
	}

	sum := sha256.Sum256(data)
	pack := &contracts.ExportPack{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		RunID:         runID,
		SHA256:        hex.EncodeToString(sum[:]),
		SizeBytes:     int64(len(data)),
		FormatVersion: FormatVersion,
	}
	pack.StoragePointer = fmt.Sprintf("company_research/%s/runs/%s/%s.zip", tenantID, runID, pack.ID)
	if err := ValidatePointer(pack.StoragePointer); err != nil {
		return nil, err
	}
	if err := b.storage.Write(ctx, pack.StoragePointer, data); err != nil {
		return nil, err
	}
	if err := b.store.InsertExportPack(ctx, pack); err != nil {
		return nil, err
	}

	b.log.Info("run pack built", "run_id", runID, "pack_id", pack.ID,
		"size_bytes", pack.SizeBytes, "sha256", pack.SHA256)
	return pack, nil
}

// List returns a run's packs, newest first.
func (b *Builder) List(ctx context.Context, tenantID, runID string) ([]*contracts.ExportPack, error) {
	return b.store.ListExportPacks(ctx, tenantID, runID)
}

// Download re-reads a pack's bytes. The re-computed hash must equal the
// registry row and the pack's format major must match the builder's.
func (b *Builder) Download(ctx context.Context, tenantID, packID string) ([]byte, *contracts.ExportPack, error) {
	pack, err := b.store.GetExportPack(ctx, tenantID, packID)
	if err != nil {
		return nil, nil, err
	}

	packVersion, err := semver.NewVersion(pack.FormatVersion)
	if err != nil {
		return nil, nil, contracts.WrapError(contracts.KindConflict, err,
			"pack %s has unparseable format version %q", packID, pack.FormatVersion)
	}
	if packVersion.Major() != semver.MustParse(FormatVersion).Major() {
		return nil, nil, contracts.NewError(contracts.KindConflict,
			"pack %s format %s is incompatible with reader format %s", packID, pack.FormatVersion, FormatVersion).
			WithCode("FORMAT_VERSION_INCOMPATIBLE")
	}

	data, err := b.storage.Read(ctx, pack.StoragePointer)
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != pack.SHA256 {
		return nil, nil, contracts.NewError(contracts.KindConflict,
			"pack %s bytes do not match registry hash", packID).WithCode("PACK_HASH_MISMATCH")
	}
	return data, pack, nil
}

func (b *Builder) render(snap *snapshot, buildOpts BuildOptions) ([]archiveEntry, error) {
	runPack, err := renderRunPackJSON(snap)
	if err != nil {
		return nil, err
	}
	entries := []archiveEntry{
		{Name: "run_pack.json", Body: runPack},
		{Name: "companies.csv", Body: renderCompaniesCSV(snap.prospects)},
		{Name: "executives.csv", Body: renderExecutivesCSV(snap.execs, snap.graph)},
		{Name: "canonical_executives.csv", Body: renderCanonicalExecutivesCSV(snap.execs, snap.graph)},
		{Name: "executive_resolution_map.csv", Body: renderResolutionMapCSV(snap.execs, snap.graph)},
		{Name: "merge_decisions.csv", Body: renderMergeDecisionsCSV(snap.decisions)},
		{Name: "executive_decisions.csv", Body: renderExecutiveDecisionsCSV(snap.execs)},
		{Name: "audit_summary.csv", Body: renderAuditSummaryCSV(snap)},
	}
	if buildOpts.IncludePrintView {
		entries = append(entries, archiveEntry{Name: "print_view.html", Body: renderPrintView(snap)})
	}
	return entries, nil
}

func renderRunPackJSON(snap *snapshot) ([]byte, error) {
	accepted := 0
	for _, p := range snap.prospects {
		if p.ReviewStatus == contracts.ReviewAccepted {
			accepted++
		}
	}
	doc := map[string]any{
		"format_version": FormatVersion,
		"generated_at":   generatedAtSentinel,
		"run": map[string]any{
			"id":             snap.run.ID,
			"tenant_id":      snap.run.TenantID,
			"mandate":        snap.run.Mandate,
			"sector":         snap.run.Sector,
			"region":         snap.run.Region,
			"discovery_mode": string(snap.run.DiscoveryMode),
			"status":         string(snap.run.Status),
			"created_at":     csvTime(snap.run.CreatedAt),
		},
		"counts": map[string]any{
			"companies":          len(snap.prospects),
			"companies_accepted": accepted,
			"executives":         len(snap.execs),
			"merge_decisions":    len(snap.decisions),
			"sources":            len(snap.sources),
			"enrichments":        snap.enriched,
		},
	}
	return canonicalize.JCS(doc)
}

func renderCompaniesCSV(prospects []*contracts.Prospect) []byte {
	rows := [][]string{{
		"company_prospect_id", "name", "name_normalized", "website_url", "hq_country", "hq_city",
		"sector", "subsector", "relevance_score", "evidence_score", "confidence_score",
		"discovered_by", "review_status", "exec_search_enabled", "created_at",
	}}
	for _, p := range prospects {
		rows = append(rows, []string{
			p.ID, p.NameRaw, p.NameNormalized, p.WebsiteURL, p.HQCountry, p.HQCity,
			p.Sector, p.Subsector, csvFloat(p.RelevanceScore), csvFloat(p.EvidenceScore),
			csvFloat(p.ConfidenceScore), string(p.DiscoveredBy), string(p.ReviewStatus),
			strconv.FormatBool(p.ExecSearchEnabled), csvTime(p.CreatedAt),
		})
	}
	return renderCSV(rows)
}

func renderExecutivesCSV(execs []*contracts.Executive, graph *identity.Graph) []byte {
	rows := [][]string{{
		"company_prospect_id", "executive_id", "name", "title", "profile_url", "linkedin_url",
		"email", "confidence", "discovered_by", "review_status", "verification_status",
		"canonical_executive_id", "created_at",
	}}
	for _, e := range execs {
		canonical := e.ID
		if c := graph.CanonicalOf(e.ID); c != nil {
			canonical = c.ID
		}
		rows = append(rows, []string{
			e.ProspectID, e.ID, e.NameRaw, e.Title, e.ProfileURL, e.LinkedInURL,
			e.Email, csvFloat(e.Confidence), string(e.DiscoveredBy), string(e.ReviewStatus),
			string(e.VerificationStatus), canonical, csvTime(e.CreatedAt),
		})
	}
	return renderCSV(rows)
}

func renderCanonicalExecutivesCSV(execs []*contracts.Executive, graph *identity.Graph) []byte {
	rows := [][]string{{
		"company_prospect_id", "canonical_executive_id", "name", "title",
		"verification_status", "member_count", "created_at",
	}}
	seen := map[string]bool{}
	for _, e := range execs {
		canonical := graph.CanonicalOf(e.ID)
		if canonical == nil {
			canonical = e
		}
		if seen[canonical.ID] {
			continue
		}
		seen[canonical.ID] = true
		rows = append(rows, []string{
			canonical.ProspectID, canonical.ID, canonical.NameRaw, canonical.Title,
			string(graph.ComponentVerification(canonical.ID)),
			strconv.Itoa(len(graph.Members(canonical.ID))),
			csvTime(canonical.CreatedAt),
		})
	}
	return renderCSV(rows)
}

func renderResolutionMapCSV(execs []*contracts.Executive, graph *identity.Graph) []byte {
	rows := [][]string{{"company_prospect_id", "requested_executive_id", "canonical_executive_id"}}
	for _, e := range execs {
		canonical := e.ID
		if c := graph.CanonicalOf(e.ID); c != nil {
			canonical = c.ID
		}
		rows = append(rows, []string{e.ProspectID, e.ID, canonical})
	}
	return renderCSV(rows)
}

func renderMergeDecisionsCSV(decisions []*contracts.MergeDecision) []byte {
	rows := [][]string{{
		"company_prospect_id", "decision_id", "left_executive_id", "right_executive_id",
		"decision_type", "created_by", "note", "created_at",
	}}
	for _, d := range decisions {
		rows = append(rows, []string{
			d.ProspectID, d.ID, d.LeftExecutiveID, d.RightExecutiveID,
			string(d.DecisionType), d.CreatedBy, d.Note, csvTime(d.CreatedAt),
		})
	}
	return renderCSV(rows)
}

func renderExecutiveDecisionsCSV(execs []*contracts.Executive) []byte {
	rows := [][]string{{
		"company_prospect_id", "executive_id", "review_status", "verification_status",
		"candidate_id", "contact_id", "assignment_id",
	}}
	for _, e := range execs {
		rows = append(rows, []string{
			e.ProspectID, e.ID, string(e.ReviewStatus), string(e.VerificationStatus),
			e.CandidateID, e.ContactID, e.AssignmentID,
		})
	}
	return renderCSV(rows)
}

func renderAuditSummaryCSV(snap *snapshot) []byte {
	accepted, rejected := 0, 0
	for _, p := range snap.prospects {
		switch p.ReviewStatus {
		case contracts.ReviewAccepted:
			accepted++
		case contracts.ReviewRejected:
			rejected++
		}
	}
	processed := 0
	for _, s := range snap.sources {
		if s.Status == contracts.SourceProcessed {
			processed++
		}
	}
	canonical := map[string]bool{}
	for _, e := range snap.execs {
		if c := snap.graph.CanonicalOf(e.ID); c != nil {
			canonical[c.ID] = true
		} else {
			canonical[e.ID] = true
		}
	}

	rows := [][]string{{"metric", "value"}}
	for _, m := range []struct {
		name  string
		value int
	}{
		{"companies_total", len(snap.prospects)},
		{"companies_accepted", accepted},
		{"companies_rejected", rejected},
		{"executives_total", len(snap.execs)},
		{"executives_canonical", len(canonical)},
		{"merge_decisions_total", len(snap.decisions)},
		{"sources_total", len(snap.sources)},
		{"sources_processed", processed},
		{"enrichments_total", snap.enriched},
	} {
		rows = append(rows, []string{m.name, strconv.Itoa(m.value)})
	}
	return renderCSV(rows)
}

func renderCSV(rows [][]string) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	// encoding/csv writes LF line endings unless UseCRLF is set.
	_ = w.WriteAll(rows)
	w.Flush()
	return buf.Bytes()
}

func csvFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func csvTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
