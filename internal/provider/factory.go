// Package provider classifies models into capability families, builds
// outbound request parameters, and holds the registry of upstream provider
// factories.
//
// # Adding a New Provider
//
// Implement domain.Provider in a sub-package and expose a registration
// function that calls Registry.Register. Wire it from cmd/assistd (or tests)
// so no init() side effects are involved:
//
//	func Register(reg *provider.Registry) {
//	    reg.Register(provider.Factory{
//	        Type:           ProviderType,
//	        Description:    "Google Gemini API provider",
//	        Create:         CreateFromConfig,
//	        ValidateConfig: ValidateConfig,
//	    })
//	}
package provider

import (
	"github.com/tjfontaine/assistd/internal/config"
	"github.com/tjfontaine/assistd/internal/domain"
)

// Factory defines how to create a provider of a specific type.
type Factory struct {
	// Type is the provider type identifier used in configuration
	// (e.g., "openai", "openai-compatible").
	Type string

	// Description provides a human-readable description of the provider.
	Description string

	// Create instantiates a provider from configuration.
	Create func(cfg config.ProviderConfig, resolver *Resolver) (domain.Provider, error)

	// ValidateConfig performs provider-specific configuration validation.
	// Optional: if nil, no additional validation is performed.
	ValidateConfig func(cfg config.ProviderConfig) error
}

// Registration records the outcome of registering one factory.
type Registration struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Err         error  `json:"-"`
}

// OK reports whether the factory was registered.
func (r Registration) OK() bool {
	return r.Err == nil
}
