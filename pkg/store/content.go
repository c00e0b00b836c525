package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// ContentBlob is one content-addressed document body.
type ContentBlob struct {
	ID          string
	TenantID    string
	RunID       string
	ContentHash string
	MediaType   string
	Body        []byte
}

// HashContent returns the SHA-256 hex digest of raw bytes. This is the
// content address for every stored document.
func HashContent(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// PutContent stores a blob content-addressed within (tenant, run). Writes are
// idempotent: a duplicate write returns the existing blob id and hash without
// touching the stored bytes.
func (s *Store) PutContent(ctx context.Context, tenantID, runID, mediaType string, body []byte) (*ContentBlob, bool, error) {
	hash := HashContent(body)

	existing, err := s.GetContent(ctx, tenantID, runID, hash)
	if err == nil {
		return existing, false, nil
	}
	if !contracts.IsKind(err, contracts.KindNotFound) {
		return nil, false, err
	}

	blob := &ContentBlob{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		RunID:       runID,
		ContentHash: hash,
		MediaType:   mediaType,
		Body:        body,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_blobs (id, tenant_id, run_id, content_hash, media_type, byte_size, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, blob.ID, tenantID, runID, hash, nullStr(mediaType), len(body), body, s.now())
	if err != nil {
		// Concurrent writers of the same hash converge on one row: on a unique
		// violation, re-read the winner.
		if winner, gerr := s.GetContent(ctx, tenantID, runID, hash); gerr == nil {
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("insert content blob: %w", err)
	}
	return blob, true, nil
}

// GetContent loads a blob by content hash within (tenant, run).
func (s *Store) GetContent(ctx context.Context, tenantID, runID, contentHash string) (*ContentBlob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, run_id, content_hash, media_type, body
		FROM content_blobs
		WHERE tenant_id = $1 AND run_id = $2 AND content_hash = $3
	`, tenantID, runID, contentHash)

	var blob ContentBlob
	var mediaType sql.NullString
	err := row.Scan(&blob.ID, &blob.TenantID, &blob.RunID, &blob.ContentHash, &mediaType, &blob.Body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "content %s not found", contentHash)
		}
		return nil, fmt.Errorf("get content: %w", err)
	}
	blob.MediaType = strVal(mediaType)
	return &blob, nil
}
