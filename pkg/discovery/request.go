package discovery

import (
	"sort"
	"strings"

	"github.com/Mindburn-Labs/prospector/pkg/canonicalize"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// CanonicalRequest normalizes a discovery request so that equivalent inputs
// hash identically: an unset max_companies takes the configured maximum,
// explicit values clamp to [1, maxCompanies], host fields are lower-cased,
// seed hosts sorted, companies sorted by case-insensitive name.
func CanonicalRequest(req contracts.DiscoveryRequest, maxCompanies int) contracts.DiscoveryRequest {
	out := req
	out.Mandate = strings.TrimSpace(req.Mandate)

	if out.MaxCompanies < 1 {
		out.MaxCompanies = maxCompanies
	}
	if out.MaxCompanies < 1 {
		out.MaxCompanies = 1
	}
	if maxCompanies > 0 && out.MaxCompanies > maxCompanies {
		out.MaxCompanies = maxCompanies
	}

	if len(req.SeedHosts) > 0 {
		out.SeedHosts = make([]string, len(req.SeedHosts))
		for i, h := range req.SeedHosts {
			out.SeedHosts[i] = strings.ToLower(strings.TrimSpace(h))
		}
		sort.Strings(out.SeedHosts)
	}

	if len(req.Companies) > 0 {
		out.Companies = make([]contracts.RequestCompany, len(req.Companies))
		for i, c := range req.Companies {
			out.Companies[i] = contracts.RequestCompany{
				Name: strings.TrimSpace(c.Name),
				Host: strings.ToLower(strings.TrimSpace(c.Host)),
			}
		}
		sort.SliceStable(out.Companies, func(i, j int) bool {
			return strings.ToLower(out.Companies[i].Name) < strings.ToLower(out.Companies[j].Name)
		})
	}
	return out
}

// RequestHash returns the content hash of the canonical form of a request.
func RequestHash(req contracts.DiscoveryRequest, maxCompanies int) (string, error) {
	return canonicalize.ParamsHash(CanonicalRequest(req, maxCompanies))
}

// canonicalPayload sorts companies by case-insensitive name so identical
// provider outputs always hash identically.
func canonicalPayload(p *contracts.DiscoveryPayload) *contracts.DiscoveryPayload {
	out := *p
	out.SchemaName = contracts.PayloadSchemaName
	out.Companies = append([]contracts.DiscoveredEntity(nil), p.Companies...)
	sort.SliceStable(out.Companies, func(i, j int) bool {
		return strings.ToLower(out.Companies[i].Name) < strings.ToLower(out.Companies[j].Name)
	})
	return &out
}

// PayloadHash hashes the canonical form of a provider payload.
func PayloadHash(p *contracts.DiscoveryPayload) (string, error) {
	return canonicalize.CanonicalHash(canonicalPayload(p))
}
