package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAML renders the configuration with secrets masked.
func (c Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return data, nil
}
