package provider

import (
	"github.com/tjfontaine/assistd/internal/domain"
)

// Keys used in domain.OutboundParams.
const (
	KeyModel       = "model"
	KeyStream      = "stream"
	KeyTemperature = "temperature"
	KeyMaxTokens   = "max_tokens"

	// KeyUsageInStream asks the upstream to report usage in the stream.
	KeyUsageInStream = "usage_in_stream"
)

// RequestConfig is the caller-supplied input to the Builder.
type RequestConfig struct {
	Model       string
	Temperature *float64
	MaxTokens   *int
	Streaming   bool
}

// Builder composes outbound request parameters from a RequestConfig and the
// model's capability profile. It has no state besides its resolver.
type Builder struct {
	resolver *Resolver
}

// NewBuilder creates a builder. A nil resolver uses the default table.
func NewBuilder(resolver *Resolver) *Builder {
	if resolver == nil {
		resolver = defaultResolver
	}
	return &Builder{resolver: resolver}
}

// Resolver returns the resolver the builder classifies with.
func (b *Builder) Resolver() *Resolver {
	return b.resolver
}

// Build returns the parameters for one provider call. Identical input
// always yields identical output.
//
// max_tokens is attached whenever it is set, for every family, while
// temperature is gated on the profile. That asymmetry is kept on purpose
// until it is known whether either family rejects max_tokens.
func (b *Builder) Build(cfg RequestConfig) domain.OutboundParams {
	profile := b.resolver.Classify(cfg.Model)

	params := domain.OutboundParams{
		Base: map[string]any{
			KeyModel:  cfg.Model,
			KeyStream: cfg.Streaming,
		},
		Extra: map[string]any{},
	}

	if cfg.Temperature != nil && profile.SupportsTemperature {
		params.Base[KeyTemperature] = *cfg.Temperature
	}
	if cfg.MaxTokens != nil {
		params.Base[KeyMaxTokens] = *cfg.MaxTokens
	}
	if profile.SupportsUsageInStream {
		params.Extra[KeyUsageInStream] = true
	}

	return params
}

// ParamString returns a string parameter from Base.
func ParamString(p domain.OutboundParams, key string) string {
	s, _ := p.Base[key].(string)
	return s
}

// ParamBool returns a boolean parameter from Base or Extra.
func ParamBool(p domain.OutboundParams, key string) bool {
	if v, ok := p.Base[key].(bool); ok {
		return v
	}
	v, _ := p.Extra[key].(bool)
	return v
}

// ParamFloat returns a float parameter from Base and whether it was set.
func ParamFloat(p domain.OutboundParams, key string) (float64, bool) {
	v, ok := p.Base[key].(float64)
	return v, ok
}

// ParamInt returns an int parameter from Base and whether it was set.
func ParamInt(p domain.OutboundParams, key string) (int, bool) {
	v, ok := p.Base[key].(int)
	return v, ok
}
