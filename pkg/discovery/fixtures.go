package discovery

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/extract"
)

// fixtureIndex is the YAML file listing per-provider fixture payloads:
//
//	fixtures:
//	  search_api: search_api.json
//	  llm: llm.json
type fixtureIndex struct {
	Fixtures map[string]string `yaml:"fixtures"`
}

// fixtureLoader serves deterministic provider payloads from disk in mock
// mode. Payloads are validated against company_discovery_v1 on load.
type fixtureLoader struct {
	root string
	ex   *extract.Extractor
}

func newFixtureLoader(root string, ex *extract.Extractor) *fixtureLoader {
	return &fixtureLoader{root: root, ex: ex}
}

// Load returns the fixture payload for a provider. The index file is
// optional; without it the loader falls back to <root>/<provider>.json.
func (l *fixtureLoader) Load(provider string) (*contracts.DiscoveryPayload, []byte, error) {
	name := provider + ".json"
	if idx, err := l.readIndex(); err == nil {
		if mapped, ok := idx.Fixtures[provider]; ok {
			name = mapped
		}
	}

	path := filepath.Join(l.root, filepath.Clean(name))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, contracts.WrapError(contracts.KindExternalProviderConfig, err,
			"fixture for provider %q missing at %s", provider, path).
			WithCode("FIXTURE_MISSING").
			WithDetails(map[string]any{"provider": provider, "path": path})
	}

	payload, err := l.ex.ValidatePayload(raw)
	if err != nil {
		return nil, nil, err
	}
	return payload, raw, nil
}

func (l *fixtureLoader) readIndex() (*fixtureIndex, error) {
	raw, err := os.ReadFile(filepath.Join(l.root, "index.yaml"))
	if err != nil {
		return nil, err
	}
	var idx fixtureIndex
	if err := yaml.Unmarshal(raw, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}
