package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tjfontaine/assistd/internal/storage"
)

// Store is an in-memory InteractionStore.
type Store struct {
	mu           sync.RWMutex
	interactions map[string]*storage.Interaction
}

var _ storage.InteractionStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		interactions: make(map[string]*storage.Interaction),
	}
}

func (s *Store) Record(ctx context.Context, it *storage.Interaction) error {
	storage.Prepare(it)

	cp := *it
	if it.Usage != nil {
		u := *it.Usage
		cp.Usage = &u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions[cp.ID] = &cp
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, exists := s.interactions[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]*storage.Interaction, error) {
	s.mu.RLock()
	result := make([]*storage.Interaction, 0, len(s.interactions))
	for _, it := range s.interactions {
		cp := *it
		result = append(result, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit := opts.EffectiveLimit(); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) Close() error {
	return nil
}
