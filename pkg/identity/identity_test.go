package identity

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
	"github.com/Mindburn-Labs/prospector/pkg/store"
)

func exec(id string, created time.Time) *contracts.Executive {
	return &contracts.Executive{
		ID: id, TenantID: "t1", RunID: "r1", ProspectID: "p1",
		NameRaw: id, NameNormalized: id,
		VerificationStatus: contracts.VerifyUnverified,
		CreatedAt:          created,
	}
}

func decision(left, right string, dt contracts.DecisionType) *contracts.MergeDecision {
	return &contracts.MergeDecision{
		TenantID: "t1", RunID: "r1", ProspectID: "p1",
		LeftExecutiveID: left, RightExecutiveID: right, DecisionType: dt,
	}
}

func TestBuild_UnionAndCanonical(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	execs := []*contracts.Executive{
		exec("e3", base.Add(2*time.Minute)),
		exec("e1", base),
		exec("e2", base.Add(time.Minute)),
	}

	g, err := Build(execs, []*contracts.MergeDecision{
		decision("e2", "e3", contracts.DecisionMarkSame),
		decision("e1", "e2", contracts.DecisionMarkSame),
	})
	require.NoError(t, err)

	assert.True(t, g.SameComponent("e1", "e3"))
	// Earliest created_at wins canonical selection.
	assert.Equal(t, "e1", g.CanonicalOf("e3").ID)
	assert.Equal(t, "e1", g.CanonicalOf("e1").ID)

	members := g.Members("e2")
	require.Len(t, members, 3)
	assert.Equal(t, []string{"e1", "e2", "e3"},
		[]string{members[0].ID, members[1].ID, members[2].ID})
}

func TestBuild_CanonicalTiebreakOnID(t *testing.T) {
	same := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g, err := Build([]*contracts.Executive{exec("b", same), exec("a", same)},
		[]*contracts.MergeDecision{decision("a", "b", contracts.DecisionMarkSame)})
	require.NoError(t, err)
	assert.Equal(t, "a", g.CanonicalOf("b").ID)
}

func TestBuild_VetoBlocksTransitiveUnion(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	execs := []*contracts.Executive{
		exec("e1", base), exec("e2", base.Add(time.Minute)), exec("e3", base.Add(2*time.Minute)),
	}

	// e1~e2 merged, e1/e3 vetoed; merging e2~e3 would connect e1 and e3.
	g, err := Build(execs, []*contracts.MergeDecision{
		decision("e1", "e2", contracts.DecisionMarkSame),
		decision("e1", "e3", contracts.DecisionKeepSeparate),
	})
	require.NoError(t, err)
	err = g.WouldConflict("e2", "e3")
	assert.True(t, contracts.IsKind(err, contracts.KindConflict))

	// The corrupted-log case surfaces the same conflict at build time.
	_, err = Build(execs, []*contracts.MergeDecision{
		decision("e1", "e2", contracts.DecisionMarkSame),
		decision("e1", "e3", contracts.DecisionKeepSeparate),
		decision("e2", "e3", contracts.DecisionMarkSame),
	})
	assert.True(t, contracts.IsKind(err, contracts.KindConflict))
}

func TestBuild_ComponentVerificationIsMax(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e1 := exec("e1", base)
	e2 := exec("e2", base.Add(time.Minute))
	e2.VerificationStatus = contracts.VerifyVerified

	g, err := Build([]*contracts.Executive{e1, e2},
		[]*contracts.MergeDecision{decision("e1", "e2", contracts.DecisionMarkSame)})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerifyVerified, g.ComponentVerification("e1"))
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := store.New(db)
	require.NoError(t, s.Init(context.Background()))
	return NewService(s), s
}

func seedExecs(t *testing.T, s *store.Store, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		e := &contracts.Executive{
			ID: id, TenantID: "t1", RunID: "r1", ProspectID: "p1",
			NameRaw: id, NameNormalized: id,
			VerificationStatus: contracts.VerifyUnverified,
		}
		require.NoError(t, s.CreateExecutive(ctx, e))
	}
}

func TestRecordDecision_ConflictsRejectedWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t)
	seedExecs(t, s, "e1", "e2", "e3")

	_, err := svc.RecordDecision(ctx, decision("e1", "e2", contracts.DecisionMarkSame))
	require.NoError(t, err)
	_, err = svc.RecordDecision(ctx, decision("e1", "e3", contracts.DecisionKeepSeparate))
	require.NoError(t, err)

	// mark_same across the veto fails.
	_, err = svc.RecordDecision(ctx, decision("e2", "e3", contracts.DecisionMarkSame))
	assert.True(t, contracts.IsKind(err, contracts.KindConflict))

	// keep_separate inside a merged component fails.
	_, err = svc.RecordDecision(ctx, decision("e1", "e2", contracts.DecisionKeepSeparate))
	assert.True(t, contracts.IsKind(err, contracts.KindConflict))

	decisions, err := s.ListMergeDecisions(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Len(t, decisions, 2, "rejected decisions leave the log untouched")
}

func TestRecordDecision_Validation(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t)
	seedExecs(t, s, "e1")

	_, err := svc.RecordDecision(ctx, decision("e1", "e1", contracts.DecisionMarkSame))
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))

	_, err = svc.RecordDecision(ctx, decision("e1", "ghost", contracts.DecisionMarkSame))
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}

func TestSetVerification_MonotonicAndPropagating(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t)
	seedExecs(t, s, "e1", "e2")

	_, err := svc.RecordDecision(ctx, decision("e1", "e2", contracts.DecisionMarkSame))
	require.NoError(t, err)

	// Verifying one member promotes the whole component.
	require.NoError(t, svc.SetVerification(ctx, "t1", "r1", "e2", contracts.VerifyVerified))
	for _, id := range []string{"e1", "e2"} {
		got, err := s.GetExecutive(ctx, "t1", id)
		require.NoError(t, err)
		assert.Equal(t, contracts.VerifyVerified, got.VerificationStatus, id)
	}

	// Downgrades fail with Conflict and change nothing.
	err = svc.SetVerification(ctx, "t1", "r1", "e1", contracts.VerifyPartial)
	assert.True(t, contracts.IsKind(err, contracts.KindConflict))
	got, err := s.GetExecutive(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.Equal(t, contracts.VerifyVerified, got.VerificationStatus)
}
