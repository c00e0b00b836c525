package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/prospector/pkg/config"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/extract"
)

// externalProvider covers search_api and llm: both POST the canonical request
// to an HTTP endpoint and expect a company_discovery_v1 payload back. The
// gate decides whether the call may happen; in mock mode the fixture replaces
// the wire call entirely.
type externalProvider struct {
	key          string
	sourceType   contracts.SourceType
	endpoint     string
	apiKey       string
	model        string
	maxCompanies int

	gate     *config.Gate
	fixtures *fixtureLoader
	client   *http.Client
	ex       *extract.Extractor
	log      *slog.Logger
}

func (p *externalProvider) Key() string                      { return p.key }
func (p *externalProvider) SourceType() contracts.SourceType { return p.sourceType }

func (p *externalProvider) Run(ctx context.Context, tenantID, runID string, req contracts.DiscoveryRequest) (*contracts.ProviderResult, error) {
	if err := p.gate.CanCallExternal(p.key); err != nil {
		return nil, err
	}
	canon := CanonicalRequest(req, p.maxCompanies)

	if p.gate.MockEnabled() {
		payload, raw, err := p.fixtures.Load(p.key)
		if err != nil {
			return nil, err
		}
		return p.result(canon, payload, raw, map[string]any{"mode": "fixture"}), nil
	}

	body, err := json.Marshal(requestBody{
		Mandate:      canon.Mandate,
		MaxCompanies: canon.MaxCompanies,
		Region:       canon.Region,
		Sector:       canon.Sector,
		SeedHosts:    canon.SeedHosts,
		Companies:    canon.Companies,
		Model:        p.model,
		Schema:       contracts.PayloadSchemaName,
	})
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "marshal provider request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "build provider request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindUpstream, err, "call provider %s", p.key)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, contracts.WrapError(contracts.KindUpstream, err, "read provider %s response", p.key)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, contracts.NewError(contracts.KindUpstream,
			"provider %s returned status %d", p.key, resp.StatusCode).
			WithCode("PROVIDER_NON_2XX").
			WithDetails(map[string]any{
				"provider": p.key, "status": resp.StatusCode,
				"content_type": resp.Header.Get("Content-Type"),
			})
	}

	payload, err := p.ex.ValidatePayload(raw)
	if err != nil {
		return nil, err
	}
	return p.result(canon, payload, raw, map[string]any{
		"mode": "live", "status": resp.StatusCode, "endpoint": p.endpoint,
	}), nil
}

type requestBody struct {
	Mandate      string                     `json:"mandate"`
	MaxCompanies int                        `json:"max_companies"`
	Region       string                     `json:"region,omitempty"`
	Sector       string                     `json:"sector,omitempty"`
	SeedHosts    []string                   `json:"seed_hosts,omitempty"`
	Companies    []contracts.RequestCompany `json:"companies,omitempty"`
	Model        string                     `json:"model,omitempty"`
	Schema       string                     `json:"schema"`
}

func (p *externalProvider) result(canon contracts.DiscoveryRequest, payload *contracts.DiscoveryPayload, raw []byte, envelope map[string]any) *contracts.ProviderResult {
	model := payload.Model
	if model == "" {
		model = p.model
	}
	return &contracts.ProviderResult{
		Payload:      canonicalPayload(payload),
		Provider:     p.key,
		Model:        model,
		Version:      Version,
		SourceType:   p.sourceType,
		RawInputText: string(raw),
		RawInputMeta: map[string]any{
			"mandate":       canon.Mandate,
			"max_companies": canon.MaxCompanies,
		},
		Envelope: envelope,
	}
}
