package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/prospector/pkg/api"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/exportpack"
	"github.com/Mindburn-Labs/prospector/pkg/orchestrator"
)

// tenantHeader identifies the caller's tenant on every request.
const tenantHeader = "X-Tenant-ID"

// maxRequestBody bounds request bodies; PDF sources arrive base64-encoded in
// JSON and dominate the budget.
const maxRequestBody = 16 << 20

type router struct {
	eng *orchestrator.Engine
	log *slog.Logger
}

// newRouter builds the engine's HTTP surface. Every mutating route reads the
// tenant header; errors leave as RFC 7807 problem documents.
func newRouter(eng *orchestrator.Engine, log *slog.Logger) http.Handler {
	rt := &router{eng: eng, log: log.With("component", "api")}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/runs", rt.createRun)
	mux.HandleFunc("GET /v1/runs/{runID}", rt.getRun)
	mux.HandleFunc("GET /v1/runs/{runID}/steps", rt.listSteps)
	mux.HandleFunc("POST /v1/runs/{runID}/start", rt.startRun)
	mux.HandleFunc("POST /v1/runs/{runID}/cancel", rt.cancelRun)
	mux.HandleFunc("POST /v1/runs/{runID}/retry", rt.retryRun)
	mux.HandleFunc("GET /v1/runs/{runID}/jobs/{jobID}", rt.getJob)

	mux.HandleFunc("POST /v1/runs/{runID}/sources", rt.addSource)
	mux.HandleFunc("GET /v1/runs/{runID}/sources", rt.listSources)
	mux.HandleFunc("POST /v1/runs/{runID}/acquire", rt.acquire)

	mux.HandleFunc("GET /v1/runs/{runID}/prospects", rt.listProspects)
	mux.HandleFunc("POST /v1/runs/{runID}/prospects/{prospectID}/review", rt.reviewProspect)
	mux.HandleFunc("POST /v1/runs/{runID}/providers/{provider}", rt.runProvider)

	mux.HandleFunc("GET /v1/runs/{runID}/executives", rt.listExecutives)
	mux.HandleFunc("POST /v1/runs/{runID}/executives/discover", rt.discoverExecutives)
	mux.HandleFunc("GET /v1/runs/{runID}/prospects/{prospectID}/executives/compare", rt.compareExecutives)
	mux.HandleFunc("POST /v1/runs/{runID}/merge-decisions", rt.recordMergeDecision)
	mux.HandleFunc("POST /v1/runs/{runID}/executives/{execID}/review", rt.reviewExecutive)
	mux.HandleFunc("POST /v1/runs/{runID}/executives/{execID}/verification", rt.verifyExecutive)
	mux.HandleFunc("POST /v1/runs/{runID}/executives/{execID}/promote", rt.promoteExecutive)

	mux.HandleFunc("POST /v1/runs/{runID}/export-packs", rt.buildExportPack)
	mux.HandleFunc("GET /v1/runs/{runID}/export-packs", rt.listExportPacks)
	mux.HandleFunc("GET /v1/export-packs/{packID}/download", rt.downloadExportPack)
	mux.HandleFunc("GET /v1/runs/{runID}/evidence-bundle", rt.evidenceBundle)

	return rt.withRequestLog(mux)
}

func (rt *router) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
		rt.log.Debug("request", "method", r.Method, "path", r.URL.Path,
			"tenant", r.Header.Get(tenantHeader), "duration", time.Since(start))
	})
}

// tenant extracts the tenant id or writes the 400 itself.
func (rt *router) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	t := r.Header.Get(tenantHeader)
	if t == "" {
		api.WriteBadRequest(w, fmt.Sprintf("missing %s header", tenantHeader))
		return "", false
	}
	return t, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		api.WriteBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (rt *router) createRun(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	var spec contracts.RunSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	run, err := rt.eng.CreateRun(r.Context(), tenantID, spec)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, run)
}

func (rt *router) getRun(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	run, err := rt.eng.GetRun(r.Context(), tenantID, r.PathValue("runID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, run)
}

func (rt *router) listSteps(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	steps, err := rt.eng.Store().ListSteps(r.Context(), tenantID, r.PathValue("runID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (rt *router) startRun(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	res, err := rt.eng.StartRun(r.Context(), tenantID, r.PathValue("runID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, res)
}

func (rt *router) cancelRun(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("runID")
	outcome, err := rt.eng.CancelRun(r.Context(), tenantID, runID)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	if outcome == orchestrator.CancelNotFound {
		api.WriteNotFound(w, fmt.Sprintf("run %s not found", runID))
		return
	}
	api.WriteJSON(w, http.StatusAccepted, map[string]string{"outcome": string(outcome)})
}

func (rt *router) retryRun(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	res, err := rt.eng.RetryRun(r.Context(), tenantID, r.PathValue("runID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, res)
}

func (rt *router) getJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	job, err := rt.eng.GetJob(r.Context(), tenantID, r.PathValue("runID"), r.PathValue("jobID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.JobStatus(job))
}

func (rt *router) addSource(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	var spec orchestrator.SourceSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	doc, err := rt.eng.AddSource(r.Context(), tenantID, r.PathValue("runID"), spec)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, doc)
}

func (rt *router) listSources(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	docs, err := rt.eng.Store().ListSources(r.Context(), tenantID, r.PathValue("runID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"sources": docs})
}

func (rt *router) acquire(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	var params orchestrator.AcquireParams
	if !decodeBody(w, r, &params) {
		return
	}
	runID := r.PathValue("runID")

	if r.URL.Query().Get("sync") == "true" {
		res, err := rt.eng.AcquireExtract(r.Context(), tenantID, runID, params)
		if err != nil {
			api.WriteEngineError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, res)
		return
	}
	res, err := rt.eng.EnqueueAcquireExtract(r.Context(), tenantID, runID, params)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, res)
}

func (rt *router) listProspects(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	prospects, err := rt.eng.Store().ListProspects(r.Context(), tenantID, r.PathValue("runID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"prospects": prospects})
}

func (rt *router) reviewProspect(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	var body struct {
		Status            contracts.ReviewStatus `json:"status"`
		TriggerExecSearch bool                   `json:"trigger_exec_search"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	prospect, err := rt.eng.SetProspectReview(r.Context(), tenantID,
		r.PathValue("runID"), r.PathValue("prospectID"), body.Status, body.TriggerExecSearch)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, prospect)
}

func (rt *router) runProvider(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	var req contracts.DiscoveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Force = r.URL.Query().Get("force") == "true"
	res, err := rt.eng.RunDiscoveryProvider(r.Context(), tenantID,
		r.PathValue("runID"), r.PathValue("provider"), req)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (rt *router) listExecutives(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	execs, err := rt.eng.Store().ListExecutivesByRun(r.Context(), tenantID, r.PathValue("runID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"executives": execs})
}

func (rt *router) discoverExecutives(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	var body struct {
		Mode    contracts.DiscoveryMode    `json:"mode"`
		Payload contracts.DiscoveryPayload `json:"payload"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := rt.eng.RunExecutiveDiscovery(r.Context(), tenantID,
		r.PathValue("runID"), &body.Payload, body.Mode)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (rt *router) compareExecutives(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	res, err := rt.eng.CompareExecutives(r.Context(), tenantID,
		r.PathValue("runID"), r.PathValue("prospectID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (rt *router) recordMergeDecision(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	var d contracts.MergeDecision
	if !decodeBody(w, r, &d) {
		return
	}
	d.TenantID = tenantID
	d.RunID = r.PathValue("runID")
	if err := rt.eng.RecordMergeDecision(r.Context(), &d); err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, d)
}

func (rt *router) reviewExecutive(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	var body struct {
		Status contracts.ReviewStatus `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	exec, err := rt.eng.SetExecutiveReview(r.Context(), tenantID,
		r.PathValue("runID"), r.PathValue("execID"), body.Status)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, exec)
}

func (rt *router) verifyExecutive(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	var body struct {
		Status contracts.VerificationStatus `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := rt.eng.SetExecutiveVerification(r.Context(), tenantID,
		r.PathValue("runID"), r.PathValue("execID"), body.Status)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": string(body.Status)})
}

func (rt *router) promoteExecutive(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	res, err := rt.eng.PromoteExecutive(r.Context(), tenantID,
		r.PathValue("runID"), r.PathValue("execID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (rt *router) buildExportPack(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	var body struct {
		IncludePrintView bool `json:"include_print_view"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	pack, err := rt.eng.ExportRunPack(r.Context(), tenantID, r.PathValue("runID"),
		exportpack.BuildOptions{IncludePrintView: body.IncludePrintView})
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, pack)
}

func (rt *router) listExportPacks(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	packs, err := rt.eng.ListExportPacks(r.Context(), tenantID, r.PathValue("runID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"export_packs": packs})
}

func (rt *router) downloadExportPack(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	data, pack, err := rt.eng.DownloadExportPack(r.Context(), tenantID, r.PathValue("packID"))
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pack.ID+".zip"))
	w.Header().Set("X-Content-SHA256", pack.SHA256)
	_, _ = w.Write(data)
}

func (rt *router) evidenceBundle(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := rt.tenant(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("runID")
	data, err := rt.eng.BuildEvidenceBundle(r.Context(), tenantID, runID)
	if err != nil {
		api.WriteEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "evidence-"+runID+".zip"))
	_, _ = w.Write(data)
}
