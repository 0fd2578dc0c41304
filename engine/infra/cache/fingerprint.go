package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// FingerprintInput is the normalized identity of a generation request. Keys
// are derived from it, never from raw prompt text, so they stay bounded and
// comparable across callers.
type FingerprintInput struct {
	Template        string            `json:"template"`
	TemplateVersion string            `json:"template_version"`
	Variables       map[string]string `json:"variables,omitempty"`
	Model           string            `json:"model"`
	Temperature     float64           `json:"temperature"`
	MaxTokens       int               `json:"max_tokens"`
}

// Fingerprint produces the cache key: sha256 over the canonical JSON
// encoding of the input. Map keys marshal in sorted order, so equal inputs
// always produce equal keys.
func Fingerprint(input *FingerprintInput) (string, error) {
	if input == nil {
		return "", fmt.Errorf("cache: fingerprint input is required")
	}
	if input.Template == "" {
		return "", fmt.Errorf("cache: fingerprint template is required")
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("cache: encode fingerprint input: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
