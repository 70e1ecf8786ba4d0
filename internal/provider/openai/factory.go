package openai

import (
	"fmt"
	"net/url"

	"github.com/tjfontaine/assistd/internal/config"
	"github.com/tjfontaine/assistd/internal/domain"
	"github.com/tjfontaine/assistd/internal/provider"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = "openai"

// ProviderTypeCompatible is the provider type for OpenAI-compatible APIs.
const ProviderTypeCompatible = "openai-compatible"

// Register adds both OpenAI provider types to reg.
func Register(reg *provider.Registry) {
	_ = reg.Register(provider.Factory{
		Type:           ProviderType,
		Description:    "OpenAI API (Responses and Chat Completions)",
		Create:         CreateFromConfig,
		ValidateConfig: ValidateConfig,
	})
	_ = reg.Register(provider.Factory{
		Type:           ProviderTypeCompatible,
		Description:    "OpenAI-compatible Chat Completions API",
		Create:         CreateFromConfig,
		ValidateConfig: ValidateCompatibleConfig,
	})
}

// CreateFromConfig creates a new OpenAI provider from configuration.
// This function is used by the provider registry factory.
func CreateFromConfig(cfg config.ProviderConfig, resolver *provider.Resolver) (domain.Provider, error) {
	opts := []ProviderOption{
		WithName(cfg.Type),
		WithResolver(resolver),
		WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	return New(cfg.APIKey, opts...), nil
}

// ValidateConfig validates the provider configuration.
func ValidateConfig(cfg config.ProviderConfig) error {
	if cfg.BaseURL == "" {
		return nil
	}
	return validateBaseURL(cfg.BaseURL)
}

// ValidateCompatibleConfig requires a base URL pointing at the compatible
// server.
func ValidateCompatibleConfig(cfg config.ProviderConfig) error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("base_url is required for %s", ProviderTypeCompatible)
	}
	return validateBaseURL(cfg.BaseURL)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base_url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base_url %q: missing host", raw)
	}
	return nil
}
