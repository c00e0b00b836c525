package discovery

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// deterministicProvider synthesizes companies from the request alone, with no
// I/O. The same canonical request always yields the same payload, which makes
// it the workhorse of tests and mock-mode runs.
type deterministicProvider struct {
	maxCompanies int
}

func (p *deterministicProvider) Key() string                      { return KeyDeterministic }
func (p *deterministicProvider) SourceType() contracts.SourceType { return contracts.SourceProviderJSON }

func (p *deterministicProvider) Run(_ context.Context, _, runID string, req contracts.DiscoveryRequest) (*contracts.ProviderResult, error) {
	canon := CanonicalRequest(req, p.maxCompanies)

	var companies []contracts.DiscoveredEntity
	for _, host := range canon.SeedHosts {
		if len(companies) >= canon.MaxCompanies {
			break
		}
		companies = append(companies, contracts.DiscoveredEntity{
			Name:       companyNameFromHost(host),
			WebsiteURL: "https://" + host,
			Confidence: 0.7,
			Evidence: []contracts.PayloadEvidence{
				{URL: "https://" + host, Label: "seed host"},
			},
		})
	}
	for _, c := range canon.Companies {
		if len(companies) >= canon.MaxCompanies {
			break
		}
		entity := contracts.DiscoveredEntity{Name: c.Name, Confidence: 0.9}
		if c.Host != "" {
			entity.WebsiteURL = "https://" + c.Host
		}
		companies = append(companies, entity)
	}

	payload := &contracts.DiscoveryPayload{
		SchemaName: contracts.PayloadSchemaName,
		Provider:   KeyDeterministic,
		RunContext: canon.Mandate,
		Companies:  companies,
	}
	return p.result(runID, canon, payload), nil
}

func (p *deterministicProvider) result(runID string, canon contracts.DiscoveryRequest, payload *contracts.DiscoveryPayload) *contracts.ProviderResult {
	return &contracts.ProviderResult{
		Payload:    canonicalPayload(payload),
		Provider:   KeyDeterministic,
		Version:    Version,
		SourceType: contracts.SourceProviderJSON,
		RawInputMeta: map[string]any{
			"mandate":       canon.Mandate,
			"max_companies": canon.MaxCompanies,
			"run_id":        runID,
		},
		Envelope: map[string]any{"mode": "deterministic"},
	}
}

// companyNameFromHost turns "heliolabs.io" into "Heliolabs".
func companyNameFromHost(host string) string {
	label := host
	if i := strings.IndexByte(label, '.'); i > 0 {
		label = label[:i]
	}
	label = strings.ReplaceAll(label, "-", " ")
	return cases.Title(language.English).String(label)
}

// seedListProvider projects the request's companies straight into a payload.
// It carries user-curated seed lists from mandate profiles.
type seedListProvider struct {
	maxCompanies int
}

func (p *seedListProvider) Key() string                      { return KeySeedList }
func (p *seedListProvider) SourceType() contracts.SourceType { return contracts.SourceProviderJSON }

func (p *seedListProvider) Run(_ context.Context, _, _ string, req contracts.DiscoveryRequest) (*contracts.ProviderResult, error) {
	canon := CanonicalRequest(req, p.maxCompanies)
	if len(canon.Companies) == 0 && len(canon.SeedHosts) == 0 {
		return nil, contracts.NewError(contracts.KindValidation,
			"seed_list provider needs companies or seed hosts").WithCode("EMPTY_SEED_LIST")
	}

	var companies []contracts.DiscoveredEntity
	for _, c := range canon.Companies {
		if len(companies) >= canon.MaxCompanies {
			break
		}
		entity := contracts.DiscoveredEntity{
			Name:       c.Name,
			Confidence: 1.0,
			Evidence:   []contracts.PayloadEvidence{{Label: "seed list"}},
		}
		if c.Host != "" {
			entity.WebsiteURL = "https://" + c.Host
		}
		companies = append(companies, entity)
	}
	for _, host := range canon.SeedHosts {
		if len(companies) >= canon.MaxCompanies {
			break
		}
		companies = append(companies, contracts.DiscoveredEntity{
			Name:       companyNameFromHost(host),
			WebsiteURL: "https://" + host,
			Confidence: 1.0,
			Evidence:   []contracts.PayloadEvidence{{URL: "https://" + host, Label: "seed list"}},
		})
	}

	payload := &contracts.DiscoveryPayload{
		SchemaName: contracts.PayloadSchemaName,
		Provider:   KeySeedList,
		RunContext: canon.Mandate,
		Companies:  companies,
	}
	return &contracts.ProviderResult{
		Payload:    canonicalPayload(payload),
		Provider:   KeySeedList,
		Version:    Version,
		SourceType: contracts.SourceProviderJSON,
		RawInputMeta: map[string]any{
			"seed_count": len(companies),
			"mandate":    canon.Mandate,
		},
		Envelope: map[string]any{"mode": "seed_list"},
	}, nil
}
