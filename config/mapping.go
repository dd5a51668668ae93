package config

import (
	"encoding/json"
	"fmt"
)

// ToMap renders c as a generic mapping keyed by the YAML/JSON field names.
// Numbers come back as float64 and lists as []interface{}.
func (c *Config) ToMap() (map[string]interface{}, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return m, nil
}

// FromMap rebuilds a Config from a mapping produced by ToMap. Missing keys
// take their Default value and unknown keys are ignored. The result is
// validated.
func FromMap(m map[string]interface{}) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", ErrConfiguration, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
