package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := &contracts.Run{
		TenantID:      "t1",
		Mandate:       "Head of Engineering search",
		DiscoveryMode: contracts.DiscoveryBoth,
		Providers:     []string{"deterministic"},
	}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := s.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunPlanned, got.Status)
	assert.Equal(t, []string{"deterministic"}, got.Providers)

	// Tenant scoping: the run is invisible from another tenant.
	_, err = s.GetRun(ctx, "t2", run.ID)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))

	require.NoError(t, s.UpdateRunStatus(ctx, "t1", run.ID, contracts.RunRunning, ""))
	got, err = s.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.UpdateRunStatus(ctx, "t1", run.ID, contracts.RunSucceeded, ""))
	got, err = s.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
}

func TestSteps_OrderAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	steps := []*contracts.RunStep{
		{TenantID: "t1", RunID: "r1", StepKey: "extract_sources", StepOrder: 2, MaxAttempts: 5},
		{TenantID: "t1", RunID: "r1", StepKey: "acquire_urls", StepOrder: 0, MaxAttempts: 5},
		{TenantID: "t1", RunID: "r1", StepKey: "fetch_url_sources", StepOrder: 1, MaxAttempts: 5},
	}
	require.NoError(t, s.CreateSteps(ctx, steps))

	listed, err := s.ListSteps(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "acquire_urls", listed[0].StepKey)
	assert.Equal(t, "fetch_url_sources", listed[1].StepKey)
	assert.Equal(t, "extract_sources", listed[2].StepKey)

	listed[0].Status = contracts.StepSucceeded
	listed[0].InputHash = "abc"
	require.NoError(t, s.UpdateStep(ctx, listed[0]))

	listed, err = s.ListSteps(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StepSucceeded, listed[0].Status)
	assert.Equal(t, "abc", listed[0].InputHash)
}

func TestContent_IdempotentWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	body := []byte("<html>Helio Labs</html>")
	first, created, err := s.PutContent(ctx, "t1", "r1", "text/html", body)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.PutContent(ctx, "t1", "r1", "text/html", body)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ContentHash, second.ContentHash)

	// Same bytes in another run are a separate address space.
	other, created, err := s.PutContent(ctx, "t1", "r2", "text/html", body)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, first.ContentHash, other.ContentHash)
}

func TestProspects_UniquePerNormalizedName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := &contracts.Prospect{
		TenantID: "t1", RunID: "r1",
		NameRaw: "Helio Labs, Inc.", NameNormalized: "helio labs",
	}
	require.NoError(t, s.CreateProspect(ctx, p))

	dup := &contracts.Prospect{
		TenantID: "t1", RunID: "r1",
		NameRaw: "Helio Labs", NameNormalized: "helio labs",
	}
	assert.Error(t, s.CreateProspect(ctx, dup), "unique constraint must hold")

	found, err := s.FindProspectByName(ctx, "t1", "r1", "helio labs")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)
}

func TestEnrichment_FindScoped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := &contracts.EnrichmentRecord{
		TenantID: "t1", RunID: "r1", Provider: "deterministic",
		Purpose: "company_discovery", TargetType: "run", TargetID: "r1",
		InputScopeHash: "in1", ContentHash: "out1",
		Status: contracts.EnrichmentSucceeded, SourceDocumentID: "doc1",
	}
	require.NoError(t, s.CreateEnrichment(ctx, rec))

	found, err := s.FindEnrichment(ctx, "t1", "r1", "deterministic", "company_discovery",
		"run", "r1", "in1", "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)

	// TTL cutoff in the future excludes the row.
	_, err = s.FindEnrichment(ctx, "t1", "r1", "deterministic", "company_discovery",
		"run", "r1", "in1", "", s.now().Add(time.Hour))
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))

	// Hash constraint must match.
	_, err = s.FindEnrichment(ctx, "t1", "r1", "deterministic", "company_discovery",
		"run", "r1", "in1", "other-hash", time.Time{})
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}

func TestExportPacks_ListingOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertExportPack(ctx, &contracts.ExportPack{
			TenantID: "t1", RunID: "r1",
			StoragePointer: "company_research/t1/runs/r1/x.zip",
			SHA256:         "h", SizeBytes: 10, FormatVersion: "1.0.0",
		}))
	}

	packs, err := s.ListExportPacks(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Len(t, packs, 3)
	assert.True(t, packs[0].CreatedAt.After(packs[1].CreatedAt))
	assert.True(t, packs[1].CreatedAt.After(packs[2].CreatedAt))
}

func TestDeleteRunCascade(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := &contracts.Run{TenantID: "t1", Mandate: "m", DiscoveryMode: contracts.DiscoveryBoth}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.CreateSteps(ctx, []*contracts.RunStep{
		{TenantID: "t1", RunID: run.ID, StepKey: "acquire_urls", StepOrder: 0, MaxAttempts: 3},
	}))
	_, _, err := s.PutContent(ctx, "t1", run.ID, "text/plain", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.CreateProspect(ctx, &contracts.Prospect{
		TenantID: "t1", RunID: run.ID, NameRaw: "A", NameNormalized: "a",
	}))

	require.NoError(t, s.DeleteRunCascade(ctx, "t1", run.ID))

	_, err = s.GetRun(ctx, "t1", run.ID)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
	steps, err := s.ListSteps(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
	prospects, err := s.ListProspects(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Empty(t, prospects)
}
