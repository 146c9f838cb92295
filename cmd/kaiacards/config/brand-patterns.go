package config

import (
	"fmt"
	"os"
	"path/filepath"

	"kaiacards/internal/kaiacards/fulfillment/providers"

	"gopkg.in/yaml.v2"
)

type brandPatternEntry struct {
	Brand        string `yaml:"brand"`
	Prefix       string `yaml:"prefix"`
	Pattern      string `yaml:"pattern"`
	PINPattern   string `yaml:"pin_pattern"`
	Instructions string `yaml:"instructions"`
}

type brandPatternsFile struct {
	Brands []brandPatternEntry `yaml:"brands"`
}

// LoadBrandPatterns reads the offline card formats from a YAML file. An empty
// path selects the built-in defaults.
func LoadBrandPatterns(file string) (map[string]providers.BrandPattern, error) {
	if file == "" {
		return providers.DefaultBrandPatterns(), nil
	}

	var path string
	if filepath.IsAbs(file) {
		path = file
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, file)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", file, err)
	}

	var parsed brandPatternsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", file, err)
	}

	patterns := make(map[string]providers.BrandPattern, len(parsed.Brands))
	for i, entry := range parsed.Brands {
		if entry.Brand == "" {
			return nil, fmt.Errorf("brand at index %d missing name", i)
		}
		if entry.Pattern == "" {
			return nil, fmt.Errorf("brand %q missing pattern", entry.Brand)
		}
		patterns[entry.Brand] = providers.BrandPattern{
			Prefix:       entry.Prefix,
			Pattern:      entry.Pattern,
			PINPattern:   entry.PINPattern,
			Instructions: entry.Instructions,
		}
	}
	return patterns, nil
}
