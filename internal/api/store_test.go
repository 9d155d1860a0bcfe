package api

import (
	"context"
	"sync"

	"bracket-enginev1/internal/model"
)

// apiStore is an in-memory BracketStore for handler tests.
type apiStore struct {
	mu   sync.Mutex
	byID map[string]model.BracketOrder
}

func newAPIStore() *apiStore {
	return &apiStore{byID: make(map[string]model.BracketOrder)}
}

func (s *apiStore) Upsert(_ context.Context, b *model.BracketOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[b.ID] = *b.Clone()
	return nil
}

func (s *apiStore) Get(_ context.Context, id string) (*model.BracketOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return b.Clone(), nil
}

func (s *apiStore) ListByUser(_ context.Context, userID string) ([]model.BracketOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BracketOrder
	for _, b := range s.byID {
		if b.UserID == userID {
			out = append(out, *b.Clone())
		}
	}
	return out, nil
}

func (s *apiStore) LoadOpen(_ context.Context) ([]model.BracketOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BracketOrder
	for _, b := range s.byID {
		if !b.Terminal() {
			out = append(out, *b.Clone())
		}
	}
	return out, nil
}

func (s *apiStore) Close() error { return nil }
