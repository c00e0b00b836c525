package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/prospector/pkg/config"
	"github.com/Mindburn-Labs/prospector/pkg/exportpack"
)

// runExportCmd builds a run pack (or evidence bundle) offline, without the
// API server. The pack still lands in the registry and pack storage; --out
// additionally writes the archive to a local path.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID   string
		runID      string
		outPath    string
		printView  bool
		evidence   bool
		jsonOutput bool
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant ID (REQUIRED)")
	cmd.StringVar(&runID, "run", "", "Run ID (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Also write the archive to this path")
	cmd.BoolVar(&printView, "print-view", false, "Include the print view in the pack")
	cmd.BoolVar(&evidence, "evidence", false, "Build the evidence bundle instead of a run pack")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" || runID == "" {
		fmt.Fprintln(stderr, "Error: --tenant and --run are required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "engine init failed: %v\n", err)
		return 1
	}

	if evidence {
		data, err := eng.BuildEvidenceBundle(ctx, tenantID, runID)
		if err != nil {
			fmt.Fprintf(stderr, "Error building evidence bundle: %v\n", err)
			return 1
		}
		if outPath == "" {
			outPath = "evidence-" + runID + ".zip"
		}
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			fmt.Fprintf(stderr, "Error writing %s: %v\n", outPath, err)
			return 1
		}
		if jsonOutput {
			printJSON(stdout, map[string]any{"run_id": runID, "path": outPath, "size_bytes": len(data)})
		} else {
			fmt.Fprintf(stdout, "Evidence bundle written: %s (%d bytes)\n", outPath, len(data))
		}
		return 0
	}

	pack, err := eng.ExportRunPack(ctx, tenantID, runID, exportpack.BuildOptions{IncludePrintView: printView})
	if err != nil {
		fmt.Fprintf(stderr, "Error building pack: %v\n", err)
		return 1
	}
	if outPath != "" {
		data, _, err := eng.DownloadExportPack(ctx, tenantID, pack.ID)
		if err != nil {
			fmt.Fprintf(stderr, "Error reading pack back: %v\n", err)
			return 1
		}
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			fmt.Fprintf(stderr, "Error writing %s: %v\n", outPath, err)
			return 1
		}
	}

	if jsonOutput {
		printJSON(stdout, map[string]any{
			"pack_id":        pack.ID,
			"run_id":         pack.RunID,
			"sha256":         pack.SHA256,
			"size_bytes":     pack.SizeBytes,
			"format_version": pack.FormatVersion,
			"out":            outPath,
		})
	} else {
		fmt.Fprintf(stdout, "Pack created: %s\n", pack.ID)
		fmt.Fprintf(stdout, "   SHA256:  %s\n", pack.SHA256)
		fmt.Fprintf(stdout, "   Size:    %d bytes\n", pack.SizeBytes)
		fmt.Fprintf(stdout, "   Format:  %s\n", pack.FormatVersion)
		if outPath != "" {
			fmt.Fprintf(stdout, "   Written: %s\n", outPath)
		}
	}
	return 0
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}
