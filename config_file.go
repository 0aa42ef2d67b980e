package authcore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfigFile reads a YAML configuration file over the defaults:
// omitted keys keep their default values, present keys override them.
// The result is validated; a bad file fails here, before any engine is
// built.
func LoadConfigFile(path string) (Config, error) {
	cfg := defaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
