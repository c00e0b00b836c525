package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MandateProfile is a reusable research mandate definition loaded from YAML.
// Profiles let operators pre-can sector/region scopes, provider selections and
// eligibility filters instead of repeating them per run.
type MandateProfile struct {
	Name          string         `yaml:"name" json:"name"`
	Code          string         `yaml:"code" json:"code"`
	Sector        string         `yaml:"sector,omitempty" json:"sector,omitempty"`
	Region        string         `yaml:"region,omitempty" json:"region,omitempty"`
	Providers     []string       `yaml:"providers,omitempty" json:"providers,omitempty"`
	DiscoveryMode string         `yaml:"discovery_mode,omitempty" json:"discovery_mode,omitempty"`
	Filter        string         `yaml:"filter,omitempty" json:"filter,omitempty"` // CEL over prospect fields
	Limits        ProfileLimits  `yaml:"limits" json:"limits"`
	SeedLists     []SeedListSpec `yaml:"seed_lists,omitempty" json:"seed_lists,omitempty"`
}

// ProfileLimits caps per-run discovery volume.
type ProfileLimits struct {
	MaxCompanies  int `yaml:"max_companies,omitempty" json:"max_companies,omitempty"`
	MaxExecutives int `yaml:"max_executives,omitempty" json:"max_executives,omitempty"`
	MaxURLs       int `yaml:"max_urls,omitempty" json:"max_urls,omitempty"`
}

// SeedListSpec names a seed URL list the acquire step should ingest.
type SeedListSpec struct {
	Name string   `yaml:"name" json:"name"`
	URLs []string `yaml:"urls" json:"urls"`
}

// LoadProfile loads a mandate profile YAML by code. It searches the profiles
// directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*MandateProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile MandateProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// ListProfiles returns the codes of all profiles in the directory.
func ListProfiles(profilesDir string) ([]string, error) {
	entries, err := os.ReadDir(profilesDir)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	var codes []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "profile_") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		codes = append(codes, strings.TrimSuffix(strings.TrimPrefix(name, "profile_"), ".yaml"))
	}
	return codes, nil
}
