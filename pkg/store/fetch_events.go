package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RecordFetchEvent appends one fetch lifecycle event. Event types follow the
// fetcher: fetch_started, fetch_succeeded, fetch_failed, retry_scheduled,
// retry_exhausted.
func (s *Store) RecordFetchEvent(ctx context.Context, tenantID, runID, sourceID, eventType string, detail map[string]any) error {
	var detailJSON []byte
	if detail != nil {
		var err error
		detailJSON, err = json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal event detail: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_events (id, tenant_id, run_id, source_document_id, event_type, detail_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), tenantID, runID, nullStr(sourceID), eventType,
		nullStr(string(detailJSON)), s.now())
	if err != nil {
		return fmt.Errorf("insert fetch event: %w", err)
	}
	return nil
}

// CountFetchEvents returns how many events of a type a source accumulated.
func (s *Store) CountFetchEvents(ctx context.Context, tenantID, sourceID, eventType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fetch_events
		WHERE tenant_id = $1 AND source_document_id = $2 AND event_type = $3
	`, tenantID, sourceID, eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fetch events: %w", err)
	}
	return n, nil
}
