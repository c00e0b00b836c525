package exportpack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/prospector/pkg/canonicalize"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// manifestEntry describes one bundled source document.
type manifestEntry struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
}

// BuildEvidenceBundle packs every canonical source document of a run together
// with a MANIFEST.json and its MANIFEST.sha256 side file. Two builds over the
// same run state are byte-identical. Provider and LLM envelopes are included
// like any other source.
func (b *Builder) BuildEvidenceBundle(ctx context.Context, tenantID, runID string, maxBytes int64) ([]byte, error) {
	if _, err := b.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	sources, err := b.store.ListSources(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	var entries []archiveEntry
	var manifest []manifestEntry
	for _, doc := range sources {
		if !doc.IsCanonical() || doc.ContentHash == "" {
			continue
		}
		blob, err := b.store.GetContent(ctx, tenantID, runID, doc.ContentHash)
		if err != nil {
			return nil, err
		}
		name := evidenceFileName(doc)
		entries = append(entries, archiveEntry{Name: name, Body: blob.Body})
		manifest = append(manifest, manifestEntry{
			FileName:    name,
			ContentType: blob.MediaType,
			SizeBytes:   int64(len(blob.Body)),
			SHA256:      doc.ContentHash,
		})
	}
	sort.Slice(manifest, func(i, j int) bool { return manifest[i].FileName < manifest[j].FileName })

	manifestJSON, err := canonicalize.JCS(map[string]any{
		"run_id": runID,
		"files":  manifest,
	})
	if err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}
	manifestSum := sha256.Sum256(manifestJSON)
	sideFile := fmt.Sprintf("SHA256(MANIFEST.json)=%s\n", hex.EncodeToString(manifestSum[:]))

	entries = append(entries,
		archiveEntry{Name: "MANIFEST.json", Body: manifestJSON},
		archiveEntry{Name: "MANIFEST.sha256", Body: []byte(sideFile)},
	)

	data, err := buildArchive(entries)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, contracts.NewError(contracts.KindLimitExceeded,
			"evidence bundle is %d bytes, over the %d byte cap", len(data), maxBytes).
			WithCode("EVIDENCE_ZIP_TOO_LARGE").
			WithDetails(map[string]any{"max_zip_bytes": maxBytes})
	}
	return data, nil
}

// evidenceFileName builds the deterministic bundle name of a source document:
// <source_id>_<short content hash>.<extension from its type>.
func evidenceFileName(doc *contracts.SourceDocument) string {
	short := doc.ContentHash
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s.%s", doc.ID, short, evidenceExt(doc))
}

func evidenceExt(doc *contracts.SourceDocument) string {
	switch doc.SourceType {
	case contracts.SourcePDF:
		return "pdf"
	case contracts.SourceText:
		return "txt"
	case contracts.SourceProviderJSON, contracts.SourceLLMJSON:
		return "json"
	}
	mime := strings.ToLower(doc.MimeType)
	switch {
	case strings.Contains(mime, "html"):
		return "html"
	case strings.Contains(mime, "json"):
		return "json"
	case strings.Contains(mime, "pdf"):
		return "pdf"
	case strings.HasPrefix(mime, "text/"):
		return "txt"
	}
	return "bin"
}
