package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/Mindburn-Labs/prospector/pkg/canonicalize"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/runstate"
	"github.com/Mindburn-Labs/prospector/pkg/worker"
)

// errAcquireCancelled stops an acquisition pass at a checkpoint. It never
// escapes the orchestrator: executors translate it to the worker's sentinel.
var errAcquireCancelled = errors.New("acquisition cancelled at checkpoint")

// checkCancel folds context death and cooperative cancellation into one probe.
func checkCancel(ctx context.Context, cancelled runstate.CancelCheck) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if cancelled == nil {
		return false, nil
	}
	return cancelled(ctx)
}

// runStepsParams builds the root job parameters. cycle distinguishes retry
// generations so a retried run never collides with a succeeded job's params
// hash.
func runStepsParams(runID string, cycle int) map[string]any {
	return map[string]any{"run_id": runID, "cycle": cycle}
}

func cycleOf(job *contracts.Job) int {
	var p struct {
		Cycle int `json:"cycle"`
	}
	if err := json.Unmarshal([]byte(job.ParamsJSON), &p); err != nil {
		return 0
	}
	return p.Cycle
}

// Executors returns the worker executor table for the engine's job types.
func (e *Engine) Executors() map[contracts.JobType]worker.Executor {
	return map[contracts.JobType]worker.Executor{
		contracts.JobRunSteps:       worker.ExecutorFunc(e.executeRunSteps),
		contracts.JobAcquireExtract: worker.ExecutorFunc(e.executeAcquireExtract),
	}
}

func (e *Engine) executeRunSteps(ctx context.Context, job *contracts.Job, cancelled func(ctx context.Context) (bool, error)) (any, error) {
	handlers := e.stepHandlers(job.TenantID, job.RunID)
	if err := e.machine.Execute(ctx, job.TenantID, job.RunID, handlers, runstate.CancelCheck(cancelled)); err != nil {
		return nil, err
	}
	run, err := e.store.GetRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status == contracts.RunCancelled {
		return nil, worker.ErrCancelled
	}
	return map[string]any{"run_status": run.Status}, nil
}

func (e *Engine) executeAcquireExtract(ctx context.Context, job *contracts.Job, cancelled func(ctx context.Context) (bool, error)) (any, error) {
	var params AcquireParams
	if job.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(job.ParamsJSON), &params); err != nil {
			return nil, contracts.WrapError(contracts.KindValidation, err, "decode acquire params")
		}
	}
	res, err := e.acquireExtract(ctx, job.TenantID, job.RunID, params, runstate.CancelCheck(cancelled))
	if errors.Is(err, errAcquireCancelled) {
		return nil, worker.ErrCancelled
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// stepHandlers wires the fixed run plan. Cancellation is honored between
// steps by the machine; each step runs to completion once started.
func (e *Engine) stepHandlers(tenantID, runID string) map[string]runstate.Handler {
	return map[string]runstate.Handler{
		runstate.StepAcquireURLs: {
			Input: func(ctx context.Context) (any, error) {
				urls, err := e.urlSourceList(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"urls": urls}, nil
			},
			Run: func(ctx context.Context, step *contracts.RunStep, input any) (any, error) {
				sources, err := e.store.ListSources(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				urlCount, pending := 0, 0
				for _, doc := range sources {
					if doc.SourceType != contracts.SourceURL {
						continue
					}
					urlCount++
					if doc.Status == contracts.SourceNew {
						pending++
					}
				}
				return map[string]int{"url_sources": urlCount, "pending": pending}, nil
			},
		},

		runstate.StepFetchURLSources: {
			Run: func(ctx context.Context, step *contracts.RunStep, input any) (any, error) {
				sources, err := e.sortedSources(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				result := &AcquireResult{}
				if err := e.fetchPhase(ctx, tenantID, runID, sources, AcquireParams{}, result, nil); err != nil {
					return nil, err
				}
				return result.Fetch, nil
			},
		},

		runstate.StepExtractSources: {
			Run: func(ctx context.Context, step *contracts.RunStep, input any) (any, error) {
				run, err := e.store.GetRun(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				sources, err := e.sortedSources(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				result := &AcquireResult{}
				if err := e.extractPhase(ctx, run, sources, AcquireParams{}, result, nil); err != nil {
					return nil, err
				}
				return result.Extract, nil
			},
		},

		runstate.StepDedupeProspects: {
			Run: func(ctx context.Context, step *contracts.RunStep, input any) (any, error) {
				prospects, err := e.store.ListProspects(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				rejected := 0
				for _, p := range prospects {
					if p.ReviewStatus == contracts.ReviewRejected {
						rejected++
					}
				}
				return map[string]int{"prospects": len(prospects), "rejected": rejected}, nil
			},
		},

		runstate.StepEnrichCompanies: {
			Input: func(ctx context.Context) (any, error) {
				run, err := e.store.GetRun(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"providers": run.Providers}, nil
			},
			Run: func(ctx context.Context, step *contracts.RunStep, input any) (any, error) {
				return e.runEnrichStep(ctx, tenantID, runID)
			},
		},

		runstate.StepExecDiscovery: {
			Run: func(ctx context.Context, step *contracts.RunStep, input any) (any, error) {
				prospects, err := e.store.ListProspects(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				eligible := 0
				for _, p := range prospects {
					if p.ExecEligible() {
						eligible++
					}
				}
				execs, err := e.store.ListExecutivesByRun(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				// Executive payloads arrive through the API; the step records
				// what the review gate has opened up so far.
				return map[string]int{"eligible_prospects": eligible, "executives": len(execs)}, nil
			},
		},

		runstate.StepFinalize: {
			Run: func(ctx context.Context, step *contracts.RunStep, input any) (any, error) {
				prospects, err := e.store.ListProspects(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				execs, err := e.store.ListExecutivesByRun(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				sources, err := e.store.ListSources(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				enrichments, err := e.store.CountEnrichments(ctx, tenantID, runID)
				if err != nil {
					return nil, err
				}
				return map[string]int{
					"prospects":   len(prospects),
					"executives":  len(execs),
					"sources":     len(sources),
					"enrichments": enrichments,
				}, nil
			},
		},
	}
}

// runEnrichStep calls each of the run's configured providers once through the
// enrichment ledger. Runs without providers succeed as a noop.
func (e *Engine) runEnrichStep(ctx context.Context, tenantID, runID string) (any, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if len(run.Providers) == 0 {
		return map[string]int{"providers": 0}, nil
	}

	seedHosts, err := e.prospectHosts(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	req := contracts.DiscoveryRequest{
		Mandate:      run.Mandate,
		MaxCompanies: e.cfg.MaxCompanies,
		Region:       run.Region,
		Sector:       run.Sector,
		SeedHosts:    seedHosts,
	}

	summary := map[string]int{"providers": len(run.Providers)}
	for _, key := range run.Providers {
		res, err := e.RunDiscoveryProvider(ctx, tenantID, runID, key, req)
		if err != nil {
			return nil, err
		}
		if res.Skipped {
			summary["skipped"]++
			continue
		}
		summary["companies_added"] += res.CompaniesAdded
		summary["companies_merged"] += res.CompaniesMerged
	}
	return summary, nil
}

// urlSourceList snapshots the run's URL inputs for step input hashing.
func (e *Engine) urlSourceList(ctx context.Context, tenantID, runID string) ([]string, error) {
	sources, err := e.store.ListSources(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, doc := range sources {
		if doc.SourceType == contracts.SourceURL {
			urls = append(urls, doc.URLNormalized)
		}
	}
	sort.Strings(urls)
	return urls, nil
}

func (e *Engine) sortedSources(ctx context.Context, tenantID, runID string) ([]*contracts.SourceDocument, error) {
	sources, err := e.store.ListSources(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].ID < sources[j].ID
	})
	return sources, nil
}

// prospectHosts collects the canonical website hosts of the run's prospects
// as seed hosts for provider requests.
func (e *Engine) prospectHosts(ctx context.Context, tenantID, runID string) ([]string, error) {
	prospects, err := e.store.ListProspects(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var hosts []string
	for _, p := range prospects {
		host := canonicalize.Host(p.WebsiteURL)
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts, nil
}
