package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lexiqai/voice-bridge/internal/platform"
)

// platformsFile is the on-disk layout of PLATFORMS_FILE
type platformsFile struct {
	Platforms []platform.PlatformConfig `yaml:"platforms"`
}

// LoadPlatforms reads the platform list from a YAML file. ${VAR} references
// are expanded from the environment before parsing.
func LoadPlatforms(path string) ([]platform.PlatformConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read platforms file: %w", err)
	}
	return ParsePlatforms(raw)
}

// ParsePlatforms decodes and validates a platform list
func ParsePlatforms(raw []byte) ([]platform.PlatformConfig, error) {
	expanded := os.ExpandEnv(string(raw))

	var file platformsFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("failed to parse platforms file: %w", err)
	}

	if err := ValidatePlatforms(file.Platforms); err != nil {
		return nil, err
	}
	return file.Platforms, nil
}

// ValidatePlatforms checks ids, kinds and numeric fields. Disabled entries
// are validated too so a typo is caught before someone enables it.
func ValidatePlatforms(configs []platform.PlatformConfig) error {
	seen := make(map[string]bool, len(configs))
	for i, cfg := range configs {
		if cfg.ID == "" {
			return fmt.Errorf("platform %d: platform_id is required", i)
		}
		if seen[cfg.ID] {
			return fmt.Errorf("platform %s: duplicate platform_id", cfg.ID)
		}
		seen[cfg.ID] = true

		if !cfg.Kind.Valid() {
			return fmt.Errorf("platform %s: unknown kind %q", cfg.ID, cfg.Kind)
		}
		if cfg.Priority < 0 {
			return fmt.Errorf("platform %s: priority must be >= 0", cfg.ID)
		}
		if cfg.RateLimit < 0 {
			return fmt.Errorf("platform %s: rate_limit must be >= 0", cfg.ID)
		}
		if cfg.CostPerUnit < 0 {
			return fmt.Errorf("platform %s: cost_per_unit must be >= 0", cfg.ID)
		}
	}
	return nil
}
