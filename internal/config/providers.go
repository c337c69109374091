// providers.go -- SMTP provider seed file (SMTP_PROVIDERS_FILE).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderSeed is one SMTP provider entry from the seed file.
// Password is plaintext here; run() encrypts it before storing.
type ProviderSeed struct {
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	From         string `yaml:"from"`
	TLS          bool   `yaml:"tls"`
	SSL          bool   `yaml:"ssl"`
	Enabled      *bool  `yaml:"enabled"` // nil means enabled
	MaxPerMinute *int   `yaml:"max_per_minute"`
	MaxPerDay    *int   `yaml:"max_per_day"`
}

// IsEnabled reports the effective enabled flag.
func (p ProviderSeed) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

func (p ProviderSeed) validate() error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(p.Host) == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if p.Port <= 0 || p.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", p.Port))
	}
	if !strings.Contains(p.From, "@") {
		errs = append(errs, fmt.Errorf("from %q is not an address", p.From))
	}
	if p.TLS && p.SSL {
		errs = append(errs, errors.New("tls and ssl are mutually exclusive"))
	}
	if p.MaxPerMinute != nil && *p.MaxPerMinute < 0 {
		errs = append(errs, errors.New("max_per_minute must not be negative"))
	}
	if p.MaxPerDay != nil && *p.MaxPerDay < 0 {
		errs = append(errs, errors.New("max_per_day must not be negative"))
	}
	return errors.Join(errs...)
}

// LoadProviders reads and validates the provider seed file at path.
// The file is a YAML list; provider names must be unique.
func LoadProviders(path string) ([]ProviderSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading providers file: %w", err)
	}
	return ParseProviders(data)
}

// ParseProviders decodes and validates a provider seed document.
func ParseProviders(data []byte) ([]ProviderSeed, error) {
	var seeds []ProviderSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parsing providers file: %w", err)
	}
	seen := make(map[string]bool, len(seeds))
	for i, s := range seeds {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("provider %d (%s): %w", i, s.Name, err)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("provider %d: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return seeds, nil
}
