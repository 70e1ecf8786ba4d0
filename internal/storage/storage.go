// Package storage records one summary per chat exchange so recent activity
// can be inspected over the API.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tjfontaine/assistd/internal/domain"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("interaction not found")

// InteractionStatus is the outcome of an exchange.
type InteractionStatus string

const (
	StatusCompleted InteractionStatus = "completed"
	StatusFailed    InteractionStatus = "failed"
	StatusCancelled InteractionStatus = "cancelled"
)

// Interaction summarises one chat request and its outcome.
type Interaction struct {
	ID              string            `json:"id"`
	RequestID       string            `json:"request_id,omitempty"`
	Model           string            `json:"model"`
	Family          string            `json:"family"`
	Streaming       bool              `json:"streaming"`
	Status          InteractionStatus `json:"status"`
	ContentChars    int               `json:"content_chars"`
	ReasoningBlocks int               `json:"reasoning_blocks"`
	Usage           *domain.Usage     `json:"usage,omitempty"`
	Error           string            `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Duration        time.Duration     `json:"duration_ns"`
}

// ListOptions bounds a List call.
type ListOptions struct {
	// Limit caps the number of results; zero means DefaultListLimit.
	Limit int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// EffectiveLimit returns the limit to apply.
func (o ListOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return o.Limit
	}
}

// InteractionStore persists interaction summaries.
type InteractionStore interface {
	// Record stores it, assigning an ID and CreatedAt when unset.
	Record(ctx context.Context, it *Interaction) error
	Get(ctx context.Context, id string) (*Interaction, error)
	// List returns the most recent interactions first.
	List(ctx context.Context, opts ListOptions) ([]*Interaction, error)
	Close() error
}

// Prepare fills in the ID and creation time of a new record.
func Prepare(it *Interaction) {
	if it.ID == "" {
		it.ID = ulid.Make().String()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
}

// Nop is a store that keeps nothing.
type Nop struct{}

func (Nop) Record(ctx context.Context, it *Interaction) error { Prepare(it); return nil }

func (Nop) Get(ctx context.Context, id string) (*Interaction, error) { return nil, ErrNotFound }

func (Nop) List(ctx context.Context, opts ListOptions) ([]*Interaction, error) {
	return []*Interaction{}, nil
}

func (Nop) Close() error { return nil }
