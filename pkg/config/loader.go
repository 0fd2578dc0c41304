package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "REQFORGE_"

// providersEnvVar carries the provider list as a JSON array; nested list
// configuration does not map cleanly onto flat environment variables.
const providersEnvVar = "REQFORGE_PROVIDERS"

// Load builds the effective configuration: struct defaults, then REQFORGE_*
// environment overrides, then validation.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			if key == providersEnvVar {
				return "", nil
			}
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return strings.ReplaceAll(key, "__", "."), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if raw := os.Getenv(providersEnvVar); raw != "" {
		var providers []ProviderConfig
		if err := json.Unmarshal([]byte(raw), &providers); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", providersEnvVar, err)
		}
		cfg.Providers = providers
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints on the configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: configuration is required")
	}
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	for i := range cfg.Providers {
		if err := validate.Struct(&cfg.Providers[i]); err != nil {
			return fmt.Errorf("config: provider %q invalid: %w", cfg.Providers[i].Name, err)
		}
	}
	if cfg.Search.VectorWeight+cfg.Search.LexicalWeight == 0 {
		return fmt.Errorf("config: search weights cannot both be zero")
	}
	return nil
}
