package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// companyDiscoverySchema is the wire contract for provider payloads
// (company_discovery_v1). Validation happens before any projection; a payload
// that fails here never reaches dedupe.
const companyDiscoverySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$id": "https://prospector.mindburn.dev/schemas/company_discovery_v1.json",
	"type": "object",
	"required": ["provider", "companies"],
	"properties": {
		"schema": {"type": "string"},
		"provider": {"type": "string", "minLength": 1},
		"model": {"type": "string"},
		"run_context": {"type": "string"},
		"companies": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"website_url": {"type": "string"},
					"hq_city": {"type": "string"},
					"hq_country": {"type": "string"},
					"sector": {"type": "string"},
					"subsector": {"type": "string"},
					"description": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"evidence": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"url": {"type": "string"},
								"snippet": {"type": "string"},
								"label": {"type": "string"}
							}
						}
					},
					"executives": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["name"],
							"properties": {
								"name": {"type": "string", "minLength": 1},
								"title": {"type": "string"},
								"profile_url": {"type": "string"},
								"linkedin_url": {"type": "string"},
								"email": {"type": "string"},
								"confidence": {"type": "number", "minimum": 0, "maximum": 1}
							}
						}
					}
				}
			}
		}
	}
}`

type payloadSchema struct {
	compiled *jsonschema.Schema
}

func compilePayloadSchema() (*payloadSchema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("company_discovery_v1.json",
		strings.NewReader(companyDiscoverySchema)); err != nil {
		return nil, fmt.Errorf("register payload schema: %w", err)
	}
	compiled, err := compiler.Compile("company_discovery_v1.json")
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &payloadSchema{compiled: compiled}, nil
}

// ValidatePayload checks raw bytes against company_discovery_v1 and decodes
// them.
func (e *Extractor) ValidatePayload(raw []byte) (*contracts.DiscoveryPayload, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "provider payload is not JSON").
			WithCode("PAYLOAD_NOT_JSON")
	}
	if err := e.schema.compiled.Validate(generic); err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "provider payload fails company_discovery_v1").
			WithCode("PAYLOAD_SCHEMA_INVALID")
	}

	var payload contracts.DiscoveryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "decode provider payload")
	}
	return &payload, nil
}

// extractProviderPayload validates the payload and projects its companies as
// candidates. The payload itself is the extract; no heuristics apply.
func (e *Extractor) extractProviderPayload(raw []byte) ([]Candidate, error) {
	payload, err := e.ValidatePayload(raw)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(payload.Companies))
	for _, c := range payload.Companies {
		snippet := c.Description
		if snippet == "" && len(c.Evidence) > 0 {
			snippet = c.Evidence[0].Snippet
		}
		out = append(out, Candidate{Name: c.Name, Snippet: snippet})
	}
	return out, nil
}
