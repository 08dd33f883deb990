package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a feedd config file. Errors name the file so a bad
// --config flag is obvious from the startup log.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feedd config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("feedd config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a feedd config document. ${VAR} references are expanded
// first, so database credentials and exchange host overrides can come from
// the environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults is Load followed by ApplyDefaults. streamtest uses it
// directly since it streams a single exchange and skips validation.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadAndValidate is what feedd runs at startup.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("feedd config %s rejected: %w", path, err)
	}
	return cfg, nil
}

// Default is the config streamtest falls back to without --config: every
// built-in exchange enabled and archiving off.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}
