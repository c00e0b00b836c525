package config

import (
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// Gate is the single point of truth for "can we call the outside world right
// now". Providers consult it before any network call; callers never bypass it.
//
// With mock mode on, every provider is allowed and must load its deterministic
// fixture instead of calling out. Otherwise external discovery must be enabled
// and the provider's credentials present.
type Gate struct {
	mock     bool
	external bool
	creds    map[string][]credential
}

type credential struct {
	envVar string
	value  string
}

// NewGate builds the gate from the loaded configuration.
func NewGate(cfg *Config) *Gate {
	return &Gate{
		mock:     cfg.MockExternalProviders,
		external: cfg.ExternalDiscoveryEnabled,
		creds: map[string][]credential{
			"search_api": {
				{"SEARCH_API_KEY", cfg.SearchAPIKey},
				{"SEARCH_API_ENDPOINT", cfg.SearchAPIEndpoint},
			},
			"llm": {
				{"LLM_API_KEY", cfg.LLMAPIKey},
				{"LLM_ENDPOINT", cfg.LLMEndpoint},
			},
			// Deterministic and seed-list providers never leave the process.
			"deterministic": nil,
			"seed_list":     nil,
		},
	}
}

// MockEnabled reports whether providers must serve fixtures.
func (g *Gate) MockEnabled() bool { return g.mock }

// CanCallExternal returns nil when the named provider may run, or an
// external_provider_config error listing the missing variables.
func (g *Gate) CanCallExternal(provider string) error {
	creds, known := g.creds[provider]
	if !known {
		return contracts.NewError(contracts.KindValidation, "unknown provider %q", provider)
	}
	if g.mock || len(creds) == 0 {
		return nil
	}
	if !g.external {
		return contracts.NewError(contracts.KindExternalProviderConfig,
			"external discovery disabled; set EXTERNAL_DISCOVERY_ENABLED or MOCK_EXTERNAL_PROVIDERS").
			WithCode("EXTERNAL_DISABLED").
			WithDetails(map[string]any{"provider": provider})
	}
	var missing []string
	for _, c := range creds {
		if c.value == "" {
			missing = append(missing, c.envVar)
		}
	}
	if len(missing) > 0 {
		return contracts.NewError(contracts.KindExternalProviderConfig,
			"provider %q missing credentials", provider).
			WithCode("MISSING_CREDENTIALS").
			WithDetails(map[string]any{"provider": provider, "missing": missing})
	}
	return nil
}
