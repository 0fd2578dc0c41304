package provider

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	appconfig "github.com/reqforge/reqforge/pkg/config"
)

// Kind enumerates supported provider backends.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindOllama    Kind = "ollama"
	// KindMock is an in-process provider used by tests.
	KindMock Kind = "mock"
)

// Capability describes what a provider can serve.
type Capability string

const (
	CapabilityCompletion Capability = "completion"
	CapabilityEmbedding  Capability = "embedding"
)

// Config is the normalized configuration of one provider.
type Config struct {
	Name            string
	Kind            Kind
	Model           string
	APIKey          string
	APIURL          string
	Capabilities    []Capability
	Priority        int
	InputCostPer1K  decimal.Decimal
	OutputCostPer1K decimal.Decimal
	// ChargesFailures marks providers that bill rejected or failed calls.
	ChargesFailures bool
	Concurrency     int
	RequestsPerMin  float64
}

// Supports reports whether the provider serves the given capability.
func (c *Config) Supports(capability Capability) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// FromAppConfig converts the application provider list into normalized configs.
func FromAppConfig(items []appconfig.ProviderConfig, defaultConcurrency int) ([]Config, error) {
	configs := make([]Config, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i := range items {
		item := &items[i]
		name := strings.TrimSpace(item.Name)
		if name == "" {
			return nil, fmt.Errorf("provider: name is required")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("provider: duplicate provider %q", name)
		}
		seen[name] = struct{}{}
		inputCost, err := parseCost(item.InputCostPer1K)
		if err != nil {
			return nil, fmt.Errorf("provider %q: input cost: %w", name, err)
		}
		outputCost, err := parseCost(item.OutputCostPer1K)
		if err != nil {
			return nil, fmt.Errorf("provider %q: output cost: %w", name, err)
		}
		capabilities := make([]Capability, 0, len(item.Capabilities))
		for _, raw := range item.Capabilities {
			capabilities = append(capabilities, Capability(raw))
		}
		if len(capabilities) == 0 {
			return nil, fmt.Errorf("provider %q: at least one capability is required", name)
		}
		concurrency := item.Concurrency
		if concurrency <= 0 {
			concurrency = defaultConcurrency
		}
		configs = append(configs, Config{
			Name:            name,
			Kind:            Kind(item.Kind),
			Model:           item.Model,
			APIKey:          item.APIKey,
			APIURL:          item.APIURL,
			Capabilities:    capabilities,
			Priority:        item.Priority,
			InputCostPer1K:  inputCost,
			OutputCostPer1K: outputCost,
			ChargesFailures: item.ChargesFailures,
			Concurrency:     concurrency,
			RequestsPerMin:  item.RequestsPerMin,
		})
	}
	return configs, nil
}

func parseCost(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", raw, err)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("cost %q cannot be negative", raw)
	}
	return value, nil
}
