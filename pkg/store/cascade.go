package store

import (
	"context"
	"fmt"
)

// runOwnedTables lists every table a run owns, children before parents.
// Cascade delete is an explicit batch, not a runtime traversal.
var runOwnedTables = []string{
	"fetch_events",
	"export_packs",
	"enrichment_records",
	"merge_decisions",
	"executive_evidence",
	"executives",
	"prospect_evidence",
	"prospects",
	"source_documents",
	"content_blobs",
	"run_steps",
	"runs",
}

// DeleteRunCascade removes a run and everything it owns within one
// transaction. Jobs are owned by the queue and cleaned by its own cascade.
func (s *Store) DeleteRunCascade(ctx context.Context, tenantID, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cascade delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range runOwnedTables {
		col := "run_id"
		if table == "runs" {
			col = "id"
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE tenant_id = $1 AND %s = $2", table, col)
		if _, err := tx.ExecContext(ctx, query, tenantID, runID); err != nil {
			return fmt.Errorf("cascade delete %s: %w", table, err)
		}
	}

	return tx.Commit()
}
