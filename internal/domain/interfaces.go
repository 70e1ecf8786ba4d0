package domain

import (
	"context"
)

// Provider defines the interface for upstream chat providers.
type Provider interface {
	Name() string

	// Complete handles unary requests (non-streaming).
	Complete(ctx context.Context, req *ChatRequest, params OutboundParams) (*ChatResponse, error)

	// Stream returns a channel of ordered deltas.
	// The channel MUST be closed by the provider when done, and the provider
	// must stop sending once ctx is done.
	Stream(ctx context.Context, req *ChatRequest, params OutboundParams) (<-chan Delta, error)
}
