// Package discovery holds the provider registry for company and executive
// discovery. Four providers exist: two internal (deterministic, seed_list)
// and two external (search_api, llm). External calls pass through the config
// gate; with mock mode on every provider serves its fixture instead.
package discovery

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/prospector/pkg/config"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/extract"
)

// Version is stamped into every ProviderResult.
const Version = "1.0.0"

// Provider keys. The registry is a fixed initialization-time table.
const (
	KeyDeterministic = "deterministic"
	KeySeedList      = "seed_list"
	KeySearchAPI     = "search_api"
	KeyLLM           = "llm"
)

// Provider runs one discovery backend.
type Provider interface {
	Key() string
	SourceType() contracts.SourceType
	Run(ctx context.Context, tenantID, runID string, req contracts.DiscoveryRequest) (*contracts.ProviderResult, error)
}

// Registry resolves provider keys to providers.
type Registry struct {
	providers map[string]Provider
	keys      []string
}

// NewRegistry builds the static provider table.
func NewRegistry(cfg *config.Config, gate *config.Gate, ex *extract.Extractor, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "discovery")

	client := &http.Client{Timeout: cfg.ProviderTimeout}
	fixtures := newFixtureLoader(cfg.ProviderFixturesRoot, ex)

	table := []Provider{
		&deterministicProvider{maxCompanies: cfg.MaxCompanies},
		&seedListProvider{maxCompanies: cfg.MaxCompanies},
		&externalProvider{
			key: KeySearchAPI, sourceType: contracts.SourceProviderJSON,
			endpoint: cfg.SearchAPIEndpoint, apiKey: cfg.SearchAPIKey,
			gate: gate, fixtures: fixtures, client: client, ex: ex,
			maxCompanies: cfg.MaxCompanies, log: log,
		},
		&externalProvider{
			key: KeyLLM, sourceType: contracts.SourceLLMJSON,
			endpoint: cfg.LLMEndpoint, apiKey: cfg.LLMAPIKey, model: cfg.LLMModel,
			gate: gate, fixtures: fixtures, client: client, ex: ex,
			maxCompanies: cfg.MaxCompanies, log: log,
		},
	}

	r := &Registry{providers: make(map[string]Provider, len(table))}
	for _, p := range table {
		r.providers[p.Key()] = p
		r.keys = append(r.keys, p.Key())
	}
	return r
}

// Get resolves a provider key.
func (r *Registry) Get(key string) (Provider, error) {
	p, ok := r.providers[key]
	if !ok {
		return nil, contracts.NewError(contracts.KindValidation, "unknown discovery provider %q", key).
			WithCode("UNKNOWN_PROVIDER")
	}
	return p, nil
}

// Keys lists registered provider keys in registration order.
func (r *Registry) Keys() []string {
	return append([]string(nil), r.keys...)
}
