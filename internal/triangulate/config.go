// Package triangulate merges raw provider results for one prospect into a
// single confidence-scored record. Everything here is a pure function over
// provider outputs; extraction is heuristic and tagged with confidence
// rather than treated as ground truth.
package triangulate

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Config controls provider priority and source authority for triangulation.
type Config struct {
	// ProviderPriority is the fixed order used to break ties and pick the
	// primary narrative. First match wins.
	ProviderPriority []string `yaml:"provider_priority"`

	// AuthoritativeDomains are source hosts treated as government or
	// regulatory filings. A suffix match on the host qualifies;
	// ".gov" covers federal and state registries.
	AuthoritativeDomains []string `yaml:"authoritative_domains"`

	// AgreementTolerance is the relative band within which two numeric
	// values count as agreeing (0.15 = ±15%).
	AgreementTolerance float64 `yaml:"agreement_tolerance"`
}

// DefaultConfig returns the compiled-in triangulation settings.
func DefaultConfig() *Config {
	return &Config{
		ProviderPriority: []string{"perplexity", "jina", "anthropic"},
		AuthoritativeDomains: []string{
			".gov",
			"sec.gov",
			"fec.gov",
			"irs.gov",
			"propublica.org",
			"guidestar.org",
			"opensecrets.org",
		},
		AgreementTolerance: 0.15,
	}
}

// LoadConfig reads triangulation settings from a YAML file, filling any
// missing values from defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "triangulate: read config %s", path)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, eris.Wrap(err, "triangulate: parse config")
	}
	if cfg.AgreementTolerance <= 0 {
		cfg.AgreementTolerance = DefaultConfig().AgreementTolerance
	}
	if len(cfg.ProviderPriority) == 0 {
		cfg.ProviderPriority = DefaultConfig().ProviderPriority
	}
	return cfg, nil
}

// IsAuthoritative reports whether a source host belongs to a government or
// regulatory category.
func (c *Config) IsAuthoritative(host string) bool {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	for _, d := range c.AuthoritativeDomains {
		d = strings.ToLower(d)
		if host == strings.TrimPrefix(d, ".") || strings.HasSuffix(host, d) {
			return true
		}
	}
	return false
}

// providerRank returns the priority index for a provider, lower is better.
func (c *Config) providerRank(provider string) int {
	for i, p := range c.ProviderPriority {
		if p == provider {
			return i
		}
	}
	return len(c.ProviderPriority)
}
