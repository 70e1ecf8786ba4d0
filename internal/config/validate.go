package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError lists every problem found in a configuration. Its message
// names each missing or invalid concern so it can be persisted as the
// startup error verbatim.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "configuration validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validated is a configuration that passed Validate.
type Validated struct {
	Config
}

// Validate checks the configuration needed before the server may bind.
// knownProviders, when non-empty, restricts provider.type to those values.
func Validate(cfg *Config, knownProviders ...string) (*Validated, error) {
	if cfg == nil {
		return nil, &ValidationError{Problems: []string{"no configuration loaded"}}
	}

	verr := &ValidationError{}

	providerType := strings.TrimSpace(cfg.Provider.Type)
	switch {
	case providerType == "":
		verr.add("provider.type: no provider selected")
	case len(knownProviders) > 0 && !slices.Contains(knownProviders, providerType):
		verr.add("provider.type: unknown provider %q (registered: %s)", providerType, strings.Join(knownProviders, ", "))
	}

	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		name := providerType
		if name == "" {
			name = "<none>"
		}
		verr.add("provider.api_key: missing API credential for provider %q (set %sPROVIDER__API_KEY or OPENAI_API_KEY)", name, EnvPrefix)
	}

	if strings.TrimSpace(cfg.Model.ID) == "" {
		verr.add("model.id: no model identifier configured")
	}
	if t := cfg.Model.Temperature; t != nil && (*t < 0 || *t > 2) {
		verr.add("model.temperature: %v is outside [0, 2]", *t)
	}
	if m := cfg.Model.MaxTokens; m != nil && *m <= 0 {
		verr.add("model.max_tokens: must be positive, got %d", *m)
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		verr.add("server.port: %d is not a valid TCP port", cfg.Server.Port)
	}
	if strings.TrimSpace(cfg.Server.LifecycleDir) == "" {
		verr.add("server.lifecycle_dir: must not be empty")
	}
	if cfg.Server.StartupTimeout < 0 {
		verr.add("server.startup_timeout: must not be negative")
	}

	switch cfg.Storage.Type {
	case "none", "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			verr.add("storage.path: required for sqlite storage")
		}
	default:
		verr.add("storage.type: unknown storage %q (want sqlite, memory or none)", cfg.Storage.Type)
	}

	if len(verr.Problems) > 0 {
		return nil, verr
	}
	return &Validated{Config: *cfg}, nil
}
