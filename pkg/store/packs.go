package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// InsertExportPack appends a registry row. The registry is append-only; rows
// are never updated or deleted outside run cascade cleanup.
func (s *Store) InsertExportPack(ctx context.Context, pack *contracts.ExportPack) error {
	if pack.ID == "" {
		pack.ID = uuid.New().String()
	}
	pack.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_packs (id, tenant_id, run_id, storage_pointer, sha256,
			size_bytes, format_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, pack.ID, pack.TenantID, pack.RunID, pack.StoragePointer, pack.SHA256,
		pack.SizeBytes, pack.FormatVersion, pack.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert export pack: %w", err)
	}
	return nil
}

// GetExportPack loads one registry row in tenant scope.
func (s *Store) GetExportPack(ctx context.Context, tenantID, packID string) (*contracts.ExportPack, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, run_id, storage_pointer, sha256, size_bytes, format_version, created_at
		FROM export_packs WHERE id = $1 AND tenant_id = $2
	`, packID, tenantID)

	var pack contracts.ExportPack
	err := row.Scan(&pack.ID, &pack.TenantID, &pack.RunID, &pack.StoragePointer,
		&pack.SHA256, &pack.SizeBytes, &pack.FormatVersion, &pack.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "export pack %s not found", packID)
		}
		return nil, fmt.Errorf("get export pack: %w", err)
	}
	return &pack, nil
}

// ListExportPacks returns a run's packs ordered (created_at desc, id desc).
func (s *Store) ListExportPacks(ctx context.Context, tenantID, runID string) ([]*contracts.ExportPack, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, run_id, storage_pointer, sha256, size_bytes, format_version, created_at
		FROM export_packs WHERE tenant_id = $1 AND run_id = $2
		ORDER BY created_at DESC, id DESC
	`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("list export packs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ExportPack
	for rows.Next() {
		var pack contracts.ExportPack
		if err := rows.Scan(&pack.ID, &pack.TenantID, &pack.RunID, &pack.StoragePointer,
			&pack.SHA256, &pack.SizeBytes, &pack.FormatVersion, &pack.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan export pack: %w", err)
		}
		out = append(out, &pack)
	}
	return out, rows.Err()
}
