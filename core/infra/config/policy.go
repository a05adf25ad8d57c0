package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyConfig overrides gate importance per workflow. Keys are "workflow.gate".
type PolicyConfig struct {
	DefaultAutomationLevel int               `yaml:"default_automation_level"`
	Gates                  map[string]string `yaml:"gates"`
}

// LoadPolicy loads a YAML policy file; returns defaults if missing.
func LoadPolicy(path string) (*PolicyConfig, error) {
	if path == "" {
		return defaultPolicy(), nil
	}
	// #nosec G304 -- policy path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultPolicy(), fmt.Errorf("read policy config: %w", err)
	}
	var cfg PolicyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultPolicy(), fmt.Errorf("parse policy config: %w", err)
	}
	if cfg.DefaultAutomationLevel == 0 {
		cfg.DefaultAutomationLevel = defaultAutomationLevel
	}
	cfg.DefaultAutomationLevel = clampLevel(cfg.DefaultAutomationLevel)
	gates := make(map[string]string, len(cfg.Gates))
	for key, importance := range cfg.Gates {
		importance = strings.ToLower(strings.TrimSpace(importance))
		if importance != "major" && importance != "minor" {
			return defaultPolicy(), fmt.Errorf("gate %s: importance must be major or minor, got %q", key, importance)
		}
		gates[strings.TrimSpace(key)] = importance
	}
	cfg.Gates = gates
	return &cfg, nil
}

func defaultPolicy() *PolicyConfig {
	return &PolicyConfig{
		DefaultAutomationLevel: defaultAutomationLevel,
		Gates:                  map[string]string{},
	}
}
