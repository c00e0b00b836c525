package contracts

// PayloadSchemaName identifies the discovery payload format carried by every
// provider, internal or external.
const PayloadSchemaName = "company_discovery_v1"

// DiscoveryRequest is the canonicalized input to a discovery provider. The
// request is normalized (clamped counts, lower-cased hosts, sorted companies)
// before hashing so identical inputs always hash identically.
type DiscoveryRequest struct {
	Mandate      string           `json:"mandate"`
	MaxCompanies int              `json:"max_companies"`
	Region       string           `json:"region,omitempty"`
	Sector       string           `json:"sector,omitempty"`
	SeedHosts    []string         `json:"seed_hosts,omitempty"`
	Companies    []RequestCompany `json:"companies,omitempty"`
	Force        bool             `json:"-"`
}

// RequestCompany scopes a request to known companies, used for executive
// discovery.
type RequestCompany struct {
	Name string `json:"name"`
	Host string `json:"host,omitempty"`
}

// DiscoveryPayload is the company_discovery_v1 object every provider emits.
type DiscoveryPayload struct {
	SchemaName string             `json:"schema"`
	Provider   string             `json:"provider"`
	Model      string             `json:"model,omitempty"`
	RunContext string             `json:"run_context,omitempty"`
	Companies  []DiscoveredEntity `json:"companies"`
}

// DiscoveredEntity is one company (or, for executive discovery, one person
// within a company) reported by a provider.
type DiscoveredEntity struct {
	Name        string            `json:"name"`
	WebsiteURL  string            `json:"website_url,omitempty"`
	HQCity      string            `json:"hq_city,omitempty"`
	HQCountry   string            `json:"hq_country,omitempty"`
	Sector      string            `json:"sector,omitempty"`
	Subsector   string            `json:"subsector,omitempty"`
	Description string            `json:"description,omitempty"`
	Confidence  float64           `json:"confidence,omitempty"`
	Evidence    []PayloadEvidence `json:"evidence,omitempty"`
	Executives  []PayloadPerson   `json:"executives,omitempty"`
}

// PayloadEvidence is a provider-supplied citation.
type PayloadEvidence struct {
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Label   string `json:"label,omitempty"`
}

// PayloadPerson is one executive reported for a company.
type PayloadPerson struct {
	Name        string  `json:"name"`
	Title       string  `json:"title,omitempty"`
	ProfileURL  string  `json:"profile_url,omitempty"`
	LinkedInURL string  `json:"linkedin_url,omitempty"`
	Email       string  `json:"email,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// ProviderResult is what a discovery provider run returns.
type ProviderResult struct {
	Payload      *DiscoveryPayload `json:"payload"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model,omitempty"`
	Version      string            `json:"version"`
	SourceType   SourceType        `json:"source_type"`
	RawInputText string            `json:"raw_input_text,omitempty"`
	RawInputMeta map[string]any    `json:"raw_input_meta,omitempty"`
	Envelope     map[string]any    `json:"envelope,omitempty"`
	Error        string            `json:"error,omitempty"`
}
