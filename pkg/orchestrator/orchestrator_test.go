package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/prospector/pkg/config"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/exportpack"
	"github.com/Mindburn-Labs/prospector/pkg/store"
	"github.com/Mindburn-Labs/prospector/pkg/worker"
)

type fakeSink struct {
	candidates int
	contacts   int
	assigns    int
}

func (f *fakeSink) CreateCandidate(string, *contracts.Executive) (string, error) {
	f.candidates++
	return fmt.Sprintf("cand-%d", f.candidates), nil
}

func (f *fakeSink) CreateContact(string, *contracts.Executive, string) (string, error) {
	f.contacts++
	return fmt.Sprintf("cont-%d", f.contacts), nil
}

func (f *fakeSink) CreateAssignment(string, *contracts.Executive, string) (string, error) {
	f.assigns++
	return fmt.Sprintf("assign-%d", f.assigns), nil
}

type env struct {
	eng   *Engine
	store *store.Store
	sink  *fakeSink
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := store.New(db)
	require.NoError(t, s.Init(context.Background()))

	cfg := &config.Config{
		MaxCompanies:              10,
		MaxExecutives:             10,
		JobMaxAttempts:            3,
		StepMaxAttempts:           2,
		EnrichmentTTLHours:        24,
		ExportPackStorageRoot:     t.TempDir(),
		ExportPackMaxZipBytes:     64 << 20,
		EvidenceBundleMaxZipBytes: 64 << 20,
	}
	sink := &fakeSink{}
	eng, err := New(cfg, Deps{Store: s, Sink: sink})
	require.NoError(t, err)
	return &env{eng: eng, store: s, sink: sink}
}

// drain runs a worker until the queue has no claimable work left.
func (v *env) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	w := worker.New(v.eng.Queue(), v.eng.Executors(), worker.Options{ID: "test-worker"}, nil)
	for i := 0; i < 20; i++ {
		worked := false
		for _, jt := range []contracts.JobType{contracts.JobRunSteps, contracts.JobAcquireExtract} {
			did, err := w.RunOnce(ctx, jt)
			require.NoError(t, err)
			worked = worked || did
		}
		if !worked {
			return
		}
	}
	t.Fatal("worker did not drain the queue")
}

func (v *env) createRun(t *testing.T, spec contracts.RunSpec) *contracts.Run {
	t.Helper()
	if spec.Mandate == "" {
		spec.Mandate = "industrial automation CFOs"
	}
	run, err := v.eng.CreateRun(context.Background(), "t1", spec)
	require.NoError(t, err)
	return run
}

func TestNew_DefaultQueueReadyOnFreshDatabase(t *testing.T) {
	// New owns the jobs schema when it builds the default queue; the first
	// enqueue on a fresh database must not need any separate setup call.
	v := newEnv(t)
	run := v.createRun(t, contracts.RunSpec{})

	res, err := v.eng.Queue().Enqueue(context.Background(), "t1", run.ID,
		contracts.JobAcquireExtract, AcquireParams{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
}

func TestCreateRun_Validation(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	_, err := v.eng.CreateRun(ctx, "t1", contracts.RunSpec{Mandate: "   "})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))

	_, err = v.eng.CreateRun(ctx, "t1", contracts.RunSpec{Mandate: "m", Providers: []string{"carrier_pigeon"}})
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))

	_, err = v.eng.CreateRun(ctx, "t1", contracts.RunSpec{Mandate: "m", DiscoveryMode: "sideways"})
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))

	run := v.createRun(t, contracts.RunSpec{})
	assert.Equal(t, contracts.RunPlanned, run.Status)
	assert.Equal(t, contracts.DiscoveryBoth, run.DiscoveryMode)

	steps, err := v.store.ListSteps(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 7)

	// Tenant scoping: the run does not exist for another tenant.
	_, err = v.eng.GetRun(ctx, "t2", run.ID)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}

func TestRunLifecycle_FullPipeline(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Helio Labs\nAtlas Robotics\n"))
	}))
	defer srv.Close()

	run := v.createRun(t, contracts.RunSpec{Providers: []string{"deterministic"}})
	_, err := v.eng.AddSource(ctx, "t1", run.ID, SourceSpec{Type: contracts.SourceURL, URL: srv.URL + "/companies"})
	require.NoError(t, err)

	res, err := v.eng.StartRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.False(t, res.Reused)

	// Starting again reuses the inflight job.
	again, err := v.eng.StartRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, res.JobID, again.JobID)

	v.drain(t)

	got, err := v.eng.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunSucceeded, got.Status)

	steps, err := v.store.ListSteps(ctx, "t1", run.ID)
	require.NoError(t, err)
	for _, step := range steps {
		assert.Equal(t, contracts.StepSucceeded, step.Status, step.StepKey)
	}

	prospects, err := v.store.ListProspects(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Len(t, prospects, 2)

	sources, err := v.store.ListSources(ctx, "t1", run.ID)
	require.NoError(t, err)
	urlSources := 0
	for _, doc := range sources {
		if doc.SourceType == contracts.SourceURL {
			urlSources++
			assert.Equal(t, contracts.SourceProcessed, doc.Status)
		}
	}
	assert.Equal(t, 1, urlSources)

	// The deterministic provider ran through the ledger exactly once.
	n, err := v.store.CountEnrichments(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := v.eng.GetJob(ctx, "t1", run.ID, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, contracts.JobSucceeded, job.Status)

	// A succeeded run cannot start again.
	_, err = v.eng.StartRun(ctx, "t1", run.ID)
	assert.True(t, contracts.IsKind(err, contracts.KindConflict))
}

func TestAcquire_FailedSourceGoesTerminal(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	run := v.createRun(t, contracts.RunSpec{})
	doc, err := v.eng.AddSource(ctx, "t1", run.ID, SourceSpec{Type: contracts.SourceURL, URL: srv.URL + "/missing"})
	require.NoError(t, err)

	expire := func() {
		current, err := v.store.GetSource(ctx, "t1", doc.ID)
		require.NoError(t, err)
		past := time.Now().UTC().Add(-time.Minute)
		current.NextRetryAt = &past
		require.NoError(t, v.store.UpdateSource(ctx, current))
	}

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := v.eng.AcquireExtract(ctx, "t1", run.ID, AcquireParams{})
		require.NoError(t, err)
		current, err := v.store.GetSource(ctx, "t1", doc.ID)
		require.NoError(t, err)
		assert.Equal(t, contracts.SourceFailed, current.Status)
		assert.Equal(t, attempt, current.AttemptCount)
		assert.Equal(t, 404, current.HTTPStatusCode)
		if attempt < 3 {
			require.NotNil(t, current.NextRetryAt)
			expire()
		} else {
			assert.Nil(t, current.NextRetryAt, "terminal source keeps no retry schedule")
		}
	}

	// At the attempt cap the source never refetches, not even under force.
	_, err = v.eng.AcquireExtract(ctx, "t1", run.ID, AcquireParams{Force: true})
	require.NoError(t, err)
	current, err := v.store.GetSource(ctx, "t1", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, current.AttemptCount)
}

func TestAcquireExtract_Idempotent(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Helio Labs\n"))
	}))
	defer srv.Close()

	run := v.createRun(t, contracts.RunSpec{})
	doc, err := v.eng.AddSource(ctx, "t1", run.ID, SourceSpec{Type: contracts.SourceURL, URL: srv.URL + "/page"})
	require.NoError(t, err)

	// Adding the same URL again returns the existing document.
	dup, err := v.eng.AddSource(ctx, "t1", run.ID, SourceSpec{Type: contracts.SourceURL, URL: srv.URL + "/page"})
	require.NoError(t, err)
	assert.Equal(t, doc.ID, dup.ID)

	first, err := v.eng.AcquireExtract(ctx, "t1", run.ID, AcquireParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Fetch.Fetched)
	assert.Equal(t, 1, first.Extract.Processed)

	prospects, err := v.store.ListProspects(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Len(t, prospects, 1)

	// A second pass without force does no new work and touches the same set.
	second, err := v.eng.AcquireExtract(ctx, "t1", run.ID, AcquireParams{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Fetch.Fetched)
	assert.Equal(t, 0, second.Fetch.Selected)
	assert.Equal(t, 0, second.Extract.Processed)
	assert.Equal(t, first.SourceIDsTouched, second.SourceIDsTouched)

	// Force refetches and reprocesses but merges rather than duplicates.
	third, err := v.eng.AcquireExtract(ctx, "t1", run.ID, AcquireParams{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, third.Extract.Processed)
	prospects, err = v.store.ListProspects(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Len(t, prospects, 1)
}

func TestCancelAndRetryRun(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	outcome, err := v.eng.CancelRun(ctx, "t1", "missing-run")
	require.NoError(t, err)
	assert.Equal(t, CancelNotFound, outcome)

	run := v.createRun(t, contracts.RunSpec{})
	res, err := v.eng.StartRun(ctx, "t1", run.ID)
	require.NoError(t, err)

	// The job is queued but unclaimed, so cancellation lands immediately.
	outcome, err = v.eng.CancelRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, CancelOK, outcome)

	got, err := v.eng.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCancelled, got.Status)

	job, err := v.eng.GetJob(ctx, "t1", run.ID, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, contracts.JobCancelled, job.Status)

	// Cancelling a terminal run is a safe noop.
	outcome, err = v.eng.CancelRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, CancelNoopTerminal, outcome)

	// Retry re-queues the cancelled job and the run completes.
	retried, err := v.eng.RetryRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, res.JobID, retried.JobID)

	v.drain(t)
	got, err = v.eng.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunSucceeded, got.Status)

	// Retry only applies to failed or cancelled runs.
	_, err = v.eng.RetryRun(ctx, "t1", run.ID)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindConflict))
}

func TestRunDiscoveryProvider_LedgerIdempotency(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.createRun(t, contracts.RunSpec{})

	req := contracts.DiscoveryRequest{
		Mandate:   run.Mandate,
		SeedHosts: []string{"heliolabs.io", "atlas-robotics.de"},
	}
	first, err := v.eng.RunDiscoveryProvider(ctx, "t1", run.ID, "deterministic", req)
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	assert.Equal(t, 2, first.CompaniesAdded)

	// Identical input within the TTL is skipped before the provider runs.
	second, err := v.eng.RunDiscoveryProvider(ctx, "t1", run.ID, "deterministic", req)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, "duplicate_hash", second.Reason)
	assert.Equal(t, first.EnrichmentID, second.EnrichmentID)

	// Force reaches the provider, but the identical payload hash still skips.
	forced := req
	forced.Force = true
	third, err := v.eng.RunDiscoveryProvider(ctx, "t1", run.ID, "deterministic", forced)
	require.NoError(t, err)
	assert.True(t, third.Skipped)
	assert.Equal(t, "duplicate_hash", third.Reason)

	prospects, err := v.store.ListProspects(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Len(t, prospects, 2)
}

func TestExecutiveDiscovery_ReviewGate(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.createRun(t, contracts.RunSpec{})

	prospect := &contracts.Prospect{
		TenantID: "t1", RunID: run.ID,
		NameRaw: "Helio Labs", NameNormalized: "helio labs",
		WebsiteURL: "https://heliolabs.io", DiscoveredBy: contracts.ByInternal,
		ReviewStatus: contracts.ReviewNew,
	}
	require.NoError(t, v.store.CreateProspect(ctx, prospect))

	payload := &contracts.DiscoveryPayload{
		SchemaName: contracts.PayloadSchemaName,
		Provider:   "deterministic",
		Companies: []contracts.DiscoveredEntity{{
			Name:       "Helio Labs",
			Executives: []contracts.PayloadPerson{{Name: "Ada Marek", Title: "CFO"}},
		}},
	}

	// The prospect is not accepted: nothing is written.
	_, err := v.eng.RunExecutiveDiscovery(ctx, "t1", run.ID, payload, contracts.DiscoveryInternal)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))
	execs, err := v.store.ListExecutivesByRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Empty(t, execs)

	// exec_search requires accepted status.
	_, err = v.eng.SetProspectReview(ctx, "t1", run.ID, prospect.ID, contracts.ReviewHold, true)
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))

	_, err = v.eng.SetProspectReview(ctx, "t1", run.ID, prospect.ID, contracts.ReviewAccepted, true)
	require.NoError(t, err)

	res, err := v.eng.RunExecutiveDiscovery(ctx, "t1", run.ID, payload, contracts.DiscoveryInternal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.InternalAdded)

	// The external engine finds the same person plus a new one.
	payload.Companies[0].Executives = []contracts.PayloadPerson{
		{Name: "Ada Marek", Title: "Chief Financial Officer"},
		{Name: "Bo Chen", Title: "CFO designate"},
	}
	res, err = v.eng.RunExecutiveDiscovery(ctx, "t1", run.ID, payload, contracts.DiscoveryExternal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExternalAdded)
	assert.Equal(t, 1, res.Overlap)

	compare, err := v.eng.CompareExecutives(ctx, "t1", run.ID, prospect.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, compare.MatchedOrBoth)
	assert.Equal(t, 1, compare.ExternalOnly)
	assert.Equal(t, 0, compare.InternalOnly)
}

func TestIdentityAndPromotion(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.createRun(t, contracts.RunSpec{})

	prospect := &contracts.Prospect{
		TenantID: "t1", RunID: run.ID,
		NameRaw: "Helio Labs", NameNormalized: "helio labs",
		DiscoveredBy: contracts.ByInternal, ReviewStatus: contracts.ReviewAccepted,
		ExecSearchEnabled: true,
	}
	require.NoError(t, v.store.CreateProspect(ctx, prospect))

	mkExec := func(name, norm string, by contracts.DiscoveredBy) *contracts.Executive {
		e := &contracts.Executive{
			TenantID: "t1", RunID: run.ID, ProspectID: prospect.ID,
			NameRaw: name, NameNormalized: norm, Title: "CFO",
			DiscoveredBy: by, ReviewStatus: contracts.ReviewNew,
			VerificationStatus: contracts.VerifyUnverified,
		}
		require.NoError(t, v.store.CreateExecutive(ctx, e))
		return e
	}
	ada := mkExec("Ada Marek", "ada marek", contracts.ByInternal)
	alias := mkExec("A. Marek", "a marek", contracts.ByExternal)
	bo := mkExec("Bo Chen", "bo chen", contracts.ByExternal)

	// keep_separate between ada and bo vetoes any later mark_same.
	require.NoError(t, v.eng.RecordMergeDecision(ctx, &contracts.MergeDecision{
		TenantID: "t1", RunID: run.ID, ProspectID: prospect.ID,
		LeftExecutiveID: ada.ID, RightExecutiveID: bo.ID,
		DecisionType: contracts.DecisionKeepSeparate,
	}))
	err := v.eng.RecordMergeDecision(ctx, &contracts.MergeDecision{
		TenantID: "t1", RunID: run.ID, ProspectID: prospect.ID,
		LeftExecutiveID: ada.ID, RightExecutiveID: bo.ID,
		DecisionType: contracts.DecisionMarkSame,
	})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindConflict))

	// ada and the alias merge into one component.
	require.NoError(t, v.eng.RecordMergeDecision(ctx, &contracts.MergeDecision{
		TenantID: "t1", RunID: run.ID, ProspectID: prospect.ID,
		LeftExecutiveID: ada.ID, RightExecutiveID: alias.ID,
		DecisionType: contracts.DecisionMarkSame,
	}))

	// Verification moves upward only and propagates across the component.
	require.NoError(t, v.eng.SetExecutiveVerification(ctx, "t1", run.ID, alias.ID, contracts.VerifyVerified))
	err = v.eng.SetExecutiveVerification(ctx, "t1", run.ID, ada.ID, contracts.VerifyPartial)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindConflict))
	reloaded, err := v.store.GetExecutive(ctx, "t1", ada.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerifyVerified, reloaded.VerificationStatus)

	// Promotion requires review acceptance.
	_, err = v.eng.PromoteExecutive(ctx, "t1", run.ID, ada.ID)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindConflict))

	_, err = v.eng.SetExecutiveReview(ctx, "t1", run.ID, ada.ID, contracts.ReviewAccepted)
	require.NoError(t, err)
	result, err := v.eng.PromoteExecutive(ctx, "t1", run.ID, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PromotedCount)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "created", result.Results[0].Outcome)
	assert.Equal(t, 1, v.sink.candidates)

	// Promoting the alias resolves to the canonical and reuses the ATS ids.
	_, err = v.eng.SetExecutiveReview(ctx, "t1", run.ID, alias.ID, contracts.ReviewAccepted)
	require.NoError(t, err)
	reuse, err := v.eng.PromoteExecutive(ctx, "t1", run.ID, alias.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reuse.ReusedCount)
	require.Len(t, reuse.Results, 1)
	assert.Equal(t, "reused", reuse.Results[0].Outcome)
	assert.Equal(t, "already_promoted", reuse.Results[0].ReuseReason)
	assert.Equal(t, result.Results[0].CandidateID, reuse.Results[0].CandidateID)
	assert.Equal(t, 1, v.sink.candidates, "no duplicate candidate in the ATS")

	aliasRow, err := v.store.GetExecutive(ctx, "t1", alias.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Results[0].CandidateID, aliasRow.CandidateID)
}

func TestExportFlow(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.createRun(t, contracts.RunSpec{})

	prospect := &contracts.Prospect{
		TenantID: "t1", RunID: run.ID,
		NameRaw: "Helio Labs", NameNormalized: "helio labs",
		DiscoveredBy: contracts.ByInternal, ReviewStatus: contracts.ReviewAccepted,
	}
	require.NoError(t, v.store.CreateProspect(ctx, prospect))

	blob, _, err := v.store.PutContent(ctx, "t1", run.ID, "text/html", []byte("<html>helio</html>"))
	require.NoError(t, err)
	require.NoError(t, v.store.CreateSource(ctx, &contracts.SourceDocument{
		TenantID: "t1", RunID: run.ID, SourceType: contracts.SourceURL,
		URLRaw: "https://heliolabs.io", ContentHash: blob.ContentHash,
		Status: contracts.SourceProcessed, MimeType: "text/html",
	}))

	p1, err := v.eng.ExportRunPack(ctx, "t1", run.ID, exportpack.BuildOptions{})
	require.NoError(t, err)
	p2, err := v.eng.ExportRunPack(ctx, "t1", run.ID, exportpack.BuildOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p2.ID)
	assert.Equal(t, p1.SHA256, p2.SHA256, "identical run state builds byte-identical packs")

	packs, err := v.eng.ListExportPacks(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.Len(t, packs, 2)

	body, meta, err := v.eng.DownloadExportPack(ctx, "t1", p1.ID)
	require.NoError(t, err)
	assert.Equal(t, p1.SHA256, meta.SHA256)
	assert.Equal(t, int64(len(body)), p1.SizeBytes)

	bundle, err := v.eng.BuildEvidenceBundle(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, bundle)

	// Packs are tenant-scoped.
	_, _, err = v.eng.DownloadExportPack(ctx, "t2", p1.ID)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}
