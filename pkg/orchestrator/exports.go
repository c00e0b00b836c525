package orchestrator

import (
	"context"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/exportpack"
)

// ExportRunPack builds a run pack, registers it and returns the registry row.
func (e *Engine) ExportRunPack(ctx context.Context, tenantID, runID string, opts exportpack.BuildOptions) (*contracts.ExportPack, error) {
	if _, err := e.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return e.packs.Build(ctx, tenantID, runID, opts)
}

// ListExportPacks lists a run's pack registry, newest first.
func (e *Engine) ListExportPacks(ctx context.Context, tenantID, runID string) ([]*contracts.ExportPack, error) {
	if _, err := e.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return e.packs.List(ctx, tenantID, runID)
}

// DownloadExportPack returns a pack's archive bytes after integrity and
// format-version checks.
func (e *Engine) DownloadExportPack(ctx context.Context, tenantID, packID string) ([]byte, *contracts.ExportPack, error) {
	return e.packs.Download(ctx, tenantID, packID)
}

// BuildEvidenceBundle builds the run's evidence archive: every canonical
// source body plus a hashed manifest.
func (e *Engine) BuildEvidenceBundle(ctx context.Context, tenantID, runID string) ([]byte, error) {
	return e.packs.BuildEvidenceBundle(ctx, tenantID, runID, e.cfg.EvidenceBundleMaxZipBytes)
}
