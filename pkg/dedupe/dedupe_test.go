package dedupe

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "dedupe.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := store.New(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestUpsert_MergesOnNormalizedName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := New(s, nil, nil)

	first, err := m.Upsert(ctx, "t1", "r1", contracts.DiscoveredEntity{
		Name: "Helio Labs, Inc.", WebsiteURL: "https://heliolabs.io", Confidence: 0.6,
	}, contracts.ByInternal, Evidence{SourceType: contracts.SourceProviderJSON, Weight: 0.4})
	require.NoError(t, err)
	assert.False(t, first.Merged)

	second, err := m.Upsert(ctx, "t1", "r1", contracts.DiscoveredEntity{
		Name: "HELIO LABS", HQCountry: "DE", Confidence: 0.9,
	}, contracts.ByExternal, Evidence{SourceType: contracts.SourceProviderJSON, Weight: 0.3})
	require.NoError(t, err)
	assert.True(t, second.Merged)
	assert.Equal(t, first.Prospect.ID, second.Prospect.ID)

	got, err := s.GetProspect(ctx, "t1", first.Prospect.ID)
	require.NoError(t, err)
	assert.Equal(t, "DE", got.HQCountry)
	assert.Equal(t, contracts.ByBoth, got.DiscoveredBy)
	assert.InDelta(t, 0.7, got.EvidenceScore, 1e-9)
	assert.InDelta(t, 0.9, got.ConfidenceScore, 1e-9)

	evs, err := s.ListProspectEvidence(ctx, "t1", first.Prospect.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestUpsert_MergesOnCanonicalHost(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := New(s, nil, nil)

	first, err := m.Upsert(ctx, "t1", "r1", contracts.DiscoveredEntity{
		Name: "Atlas Robotics", WebsiteURL: "https://Atlas-Robotics.de/",
	}, contracts.ByInternal, Evidence{})
	require.NoError(t, err)

	// Different name, same canonical host.
	second, err := m.Upsert(ctx, "t1", "r1", contracts.DiscoveredEntity{
		Name: "Atlas Robotics SE", WebsiteURL: "http://atlas-robotics.de:80/about?utm=1",
	}, contracts.ByInternal, Evidence{})
	require.NoError(t, err)
	assert.True(t, second.Merged)
	assert.Equal(t, first.Prospect.ID, second.Prospect.ID)
}

func TestUpsert_NeverOverwritesManualFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := New(s, nil, nil)

	first, err := m.Upsert(ctx, "t1", "r1", contracts.DiscoveredEntity{Name: "Helio Labs"},
		contracts.ByInternal, Evidence{})
	require.NoError(t, err)

	p := first.Prospect
	p.ReviewStatus = contracts.ReviewAccepted
	p.ExecSearchEnabled = true
	p.ManualPriority = 7
	require.NoError(t, s.UpdateProspect(ctx, p))

	_, err = m.Upsert(ctx, "t1", "r1", contracts.DiscoveredEntity{Name: "Helio Labs"},
		contracts.ByExternal, Evidence{Weight: 0.1})
	require.NoError(t, err)

	got, err := s.GetProspect(ctx, "t1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReviewAccepted, got.ReviewStatus)
	assert.True(t, got.ExecSearchEnabled)
	assert.Equal(t, 7, got.ManualPriority)
}

func TestUpsert_EligibilityFilterRejects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	filter, err := CompileEligibility(`prospect.hq_country in ["DE", "FR"]`)
	require.NoError(t, err)
	m := New(s, filter, nil)

	ok, err := m.Upsert(ctx, "t1", "r1", contracts.DiscoveredEntity{
		Name: "Helio Labs", HQCountry: "DE",
	}, contracts.ByInternal, Evidence{})
	require.NoError(t, err)
	assert.False(t, ok.Rejected)
	assert.Equal(t, contracts.ReviewNew, ok.Prospect.ReviewStatus)

	rejected, err := m.Upsert(ctx, "t1", "r1", contracts.DiscoveredEntity{
		Name: "Pacific Widgets", HQCountry: "US",
	}, contracts.ByInternal, Evidence{})
	require.NoError(t, err)
	assert.True(t, rejected.Rejected)
	assert.Equal(t, contracts.ReviewRejected, rejected.Prospect.ReviewStatus)
}

func TestCompileEligibility_Errors(t *testing.T) {
	_, err := CompileEligibility(`prospect.hq_country ==`)
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))

	_, err = CompileEligibility(`prospect.name`)
	assert.True(t, contracts.IsKind(err, contracts.KindValidation), "non-bool output")

	f, err := CompileEligibility("")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestDedupeSource_PointsDuplicateAtCanonical(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	hash := store.HashContent([]byte("same bytes"))
	canonical := &contracts.SourceDocument{
		TenantID: "t1", RunID: "r1", SourceType: contracts.SourceURL,
		URLRaw: "http://127.0.0.1/canonical", URLNormalized: "http://127.0.0.1/canonical",
		ContentHash: hash, Status: contracts.SourceFetched,
	}
	require.NoError(t, s.CreateSource(ctx, canonical))

	dup := &contracts.SourceDocument{
		TenantID: "t1", RunID: "r1", SourceType: contracts.SourceURL,
		URLRaw: "http://127.0.0.1/redirect?utm=1", URLNormalized: "http://127.0.0.1/redirect",
		Status: contracts.SourceFetched,
	}
	require.NoError(t, s.CreateSource(ctx, dup))

	deduped, err := DedupeSource(ctx, s, dup, hash)
	require.NoError(t, err)
	assert.True(t, deduped)

	got, err := s.GetSource(ctx, "t1", dup.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ContentHash)
	assert.Equal(t, canonical.ID, got.CanonicalSourceID)
	assert.Equal(t, contracts.SourceProcessed, got.Status)
	require.NotNil(t, got.Meta.FetchInfo)
	assert.True(t, got.Meta.FetchInfo.Deduped)
	assert.False(t, got.IsCanonical())

	// The canonical itself is never marked a duplicate.
	self, err := DedupeSource(ctx, s, canonical, hash)
	require.NoError(t, err)
	assert.False(t, self)
}
