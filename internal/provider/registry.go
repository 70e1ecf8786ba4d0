package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/assistd/internal/config"
	"github.com/tjfontaine/assistd/internal/domain"
)

// Registry holds provider factories. It is an explicit value populated at
// startup; every registration attempt is recorded, including failures, so
// they can be reported through the startup error path.
type Registry struct {
	mu            sync.RWMutex
	factories     map[string]Factory
	registrations []Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. It never panics; a rejected factory is recorded
// with its error and returned.
func (r *Registry) Register(f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	switch {
	case f.Type == "":
		err = errors.New("provider factory type cannot be empty")
	case f.Create == nil:
		err = fmt.Errorf("provider factory %q must have a Create function", f.Type)
	default:
		if _, exists := r.factories[f.Type]; exists {
			err = fmt.Errorf("provider factory %q already registered", f.Type)
		}
	}

	r.registrations = append(r.registrations, Registration{
		Type:        f.Type,
		Description: f.Description,
		Err:         err,
	})
	if err != nil {
		return err
	}

	r.factories[f.Type] = f
	return nil
}

// Registrations returns every registration attempt in order.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, len(r.registrations))
	copy(out, r.registrations)
	return out
}

// Err joins the errors of all failed registrations, or returns nil.
func (r *Registry) Err() error {
	var errs []error
	for _, reg := range r.Registrations() {
		if reg.Err != nil {
			errs = append(errs, fmt.Errorf("register provider: %w", reg.Err))
		}
	}
	return errors.Join(errs...)
}

// Types returns the registered provider types sorted by name.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Lookup returns the factory for a provider type, if registered.
func (r *Registry) Lookup(providerType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[providerType]
	return f, ok
}

// Create builds the provider named by cfg.Type.
func (r *Registry) Create(cfg config.ProviderConfig, resolver *Resolver) (domain.Provider, error) {
	f, ok := r.Lookup(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (registered types: %v)", cfg.Type, r.Types())
	}

	if f.ValidateConfig != nil {
		if err := f.ValidateConfig(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration for provider type %s: %w", cfg.Type, err)
		}
	}

	if resolver == nil {
		resolver = defaultResolver
	}
	return f.Create(cfg, resolver)
}
