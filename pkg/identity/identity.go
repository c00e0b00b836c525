// Package identity maintains the executive identity graph: a union-find
// forest rebuilt from the merge-decision log. mark_same decisions union two
// executives; keep_separate decisions are vetoes no union may cross. Each
// component elects a deterministic canonical and carries the maximum
// verification status of its members.
package identity

import (
	"context"
	"sort"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/store"
)

// Graph is an immutable snapshot of the identity forest for one run.
type Graph struct {
	execs  map[string]*contracts.Executive
	parent map[string]string
	rank   map[string]int
	// vetoes holds keep_separate pairs keyed by unordered pair.
	vetoes map[[2]string]bool
}

// Build constructs the forest from executives and the ordered decision log.
// A mark_same decision that would connect a vetoed pair is a conflict; the
// recorder rejects such decisions, so an error here means a corrupted log.
func Build(execs []*contracts.Executive, decisions []*contracts.MergeDecision) (*Graph, error) {
	g := &Graph{
		execs:  make(map[string]*contracts.Executive, len(execs)),
		parent: make(map[string]string, len(execs)),
		rank:   make(map[string]int, len(execs)),
		vetoes: make(map[[2]string]bool),
	}
	for _, e := range execs {
		g.execs[e.ID] = e
		g.parent[e.ID] = e.ID
	}

	for _, d := range decisions {
		if _, ok := g.execs[d.LeftExecutiveID]; !ok {
			continue
		}
		if _, ok := g.execs[d.RightExecutiveID]; !ok {
			continue
		}
		switch d.DecisionType {
		case contracts.DecisionKeepSeparate:
			g.vetoes[pairKey(d.LeftExecutiveID, d.RightExecutiveID)] = true
		case contracts.DecisionMarkSame:
			if err := g.union(d.LeftExecutiveID, d.RightExecutiveID); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

func pairKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

// find resolves the root with path compression.
func (g *Graph) find(id string) string {
	root := id
	for g.parent[root] != root {
		root = g.parent[root]
	}
	for g.parent[id] != root {
		g.parent[id], id = root, g.parent[id]
	}
	return root
}

// union merges the components of a and b with union-by-rank, unless any veto
// spans the merged component.
func (g *Graph) union(a, b string) error {
	ra, rb := g.find(a), g.find(b)
	if ra == rb {
		return nil
	}
	if err := g.checkVetoAcross(ra, rb); err != nil {
		return err
	}
	if g.rank[ra] < g.rank[rb] {
		ra, rb = rb, ra
	}
	g.parent[rb] = ra
	if g.rank[ra] == g.rank[rb] {
		g.rank[ra]++
	}
	return nil
}

// checkVetoAcross rejects a union when any member of one component holds a
// keep_separate edge to any member of the other.
func (g *Graph) checkVetoAcross(rootA, rootB string) error {
	var membersA, membersB []string
	for id := range g.execs {
		switch g.find(id) {
		case rootA:
			membersA = append(membersA, id)
		case rootB:
			membersB = append(membersB, id)
		}
	}
	for _, a := range membersA {
		for _, b := range membersB {
			if g.vetoes[pairKey(a, b)] {
				return contracts.NewError(contracts.KindConflict,
					"executives %s and %s are held separate by a keep_separate decision", a, b).
					WithCode("MERGE_VETOED")
			}
		}
	}
	return nil
}

// WouldConflict reports whether a mark_same over the pair would cross a veto.
func (g *Graph) WouldConflict(a, b string) error {
	ra, rb := g.find(a), g.find(b)
	if ra == rb {
		return nil
	}
	return g.checkVetoAcross(ra, rb)
}

// Members returns the executive's component sorted by (created_at, id).
func (g *Graph) Members(id string) []*contracts.Executive {
	root := g.find(id)
	var out []*contracts.Executive
	for memberID := range g.execs {
		if g.find(memberID) == root {
			out = append(out, g.execs[memberID])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CanonicalOf returns the component's canonical executive: earliest
// created_at, lowest id as tiebreak.
func (g *Graph) CanonicalOf(id string) *contracts.Executive {
	members := g.Members(id)
	if len(members) == 0 {
		return nil
	}
	return members[0]
}

// ComponentVerification returns the maximum verification status across the
// component.
func (g *Graph) ComponentVerification(id string) contracts.VerificationStatus {
	status := contracts.VerifyUnverified
	for _, m := range g.Members(id) {
		status = contracts.MaxVerification(status, m.VerificationStatus)
	}
	return status
}

// SameComponent reports whether two executives share a component.
func (g *Graph) SameComponent(a, b string) bool {
	if _, ok := g.execs[a]; !ok {
		return false
	}
	if _, ok := g.execs[b]; !ok {
		return false
	}
	return g.find(a) == g.find(b)
}

// Service persists merge decisions and verification transitions on top of the
// graph.
type Service struct {
	store *store.Store
}

// NewService wraps the store.
func NewService(s *store.Store) *Service {
	return &Service{store: s}
}

// Load rebuilds the graph for a run from storage.
func (s *Service) Load(ctx context.Context, tenantID, runID string) (*Graph, error) {
	execs, err := s.store.ListExecutivesByRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	decisions, err := s.store.ListMergeDecisions(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	return Build(execs, decisions)
}

// RecordDecision validates a decision against the current graph and appends
// it to the log. mark_same across a veto and keep_separate within an already
// merged component both fail with Conflict and change nothing.
func (s *Service) RecordDecision(ctx context.Context, d *contracts.MergeDecision) (*Graph, error) {
	left, err := s.store.GetExecutive(ctx, d.TenantID, d.LeftExecutiveID)
	if err != nil {
		return nil, err
	}
	right, err := s.store.GetExecutive(ctx, d.TenantID, d.RightExecutiveID)
	if err != nil {
		return nil, err
	}
	if left.RunID != d.RunID || right.RunID != d.RunID {
		return nil, contracts.NewError(contracts.KindNotFound,
			"executives %s, %s not in run %s", d.LeftExecutiveID, d.RightExecutiveID, d.RunID)
	}
	if d.LeftExecutiveID == d.RightExecutiveID {
		return nil, contracts.NewError(contracts.KindValidation,
			"merge decision needs two distinct executives").WithCode("SELF_MERGE")
	}

	graph, err := s.Load(ctx, d.TenantID, d.RunID)
	if err != nil {
		return nil, err
	}

	switch d.DecisionType {
	case contracts.DecisionMarkSame:
		if err := graph.WouldConflict(d.LeftExecutiveID, d.RightExecutiveID); err != nil {
			return nil, err
		}
	case contracts.DecisionKeepSeparate:
		if graph.SameComponent(d.LeftExecutiveID, d.RightExecutiveID) {
			return nil, contracts.NewError(contracts.KindConflict,
				"executives %s and %s are already merged", d.LeftExecutiveID, d.RightExecutiveID).
				WithCode("ALREADY_MERGED")
		}
	default:
		return nil, contracts.NewError(contracts.KindValidation,
			"unknown decision type %q", d.DecisionType)
	}

	if err := s.store.AddMergeDecision(ctx, d); err != nil {
		return nil, err
	}
	return s.Load(ctx, d.TenantID, d.RunID)
}

// SetVerification moves an executive's verification status upward and
// propagates the component maximum to every member. Downgrades fail with
// Conflict and change nothing.
func (s *Service) SetVerification(ctx context.Context, tenantID, runID, execID string, status contracts.VerificationStatus) error {
	exec, err := s.store.GetExecutive(ctx, tenantID, execID)
	if err != nil {
		return err
	}
	if exec.RunID != runID {
		return contracts.NewError(contracts.KindNotFound, "executive %s not in run %s", execID, runID)
	}

	graph, err := s.Load(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	current := graph.ComponentVerification(execID)
	if status.Rank() < current.Rank() {
		return contracts.NewError(contracts.KindConflict,
			"verification cannot move from %s to %s", current, status).
			WithCode("VERIFICATION_DOWNGRADE")
	}

	target := contracts.MaxVerification(current, status)
	for _, member := range graph.Members(execID) {
		if member.VerificationStatus == target {
			continue
		}
		member.VerificationStatus = target
		if err := s.store.UpdateExecutive(ctx, member); err != nil {
			return err
		}
	}
	return nil
}
