package usermodel

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when no model exists for a user.
	ErrNotFound = errors.New("user model not found")
	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version has advanced past the expected one.
	ErrVersionConflict = errors.New("user model version conflict")
)

// Store is the narrow persistence contract the core depends on. The pgx
// implementation lives in internal/store; MemStore below backs tests and
// single-process deployments.
type Store interface {
	// Get returns a committed snapshot of the model. Callers own the copy.
	Get(ctx context.Context, userID string) (*Model, error)
	// Create persists a fresh model at version 0. Fails if one exists.
	Create(ctx context.Context, m *Model) error
	// CompareAndSwap commits m only if the stored version still equals
	// expectedVersion. m.Version must be expectedVersion+1.
	CompareAndSwap(ctx context.Context, userID string, expectedVersion int64, m *Model) error
}

// MemStore is an in-memory Store with the same optimistic-concurrency
// semantics as the database implementation.
type MemStore struct {
	mu     sync.RWMutex
	models map[string]*Model
}

func NewMemStore() *MemStore {
	return &MemStore{models: make(map[string]*Model)}
}

func (s *MemStore) Get(ctx context.Context, userID string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemStore) Create(ctx context.Context, m *Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.UserID]; ok {
		return ErrVersionConflict
	}
	s.models[m.UserID] = m.Clone()
	return nil
}

func (s *MemStore) CompareAndSwap(ctx context.Context, userID string, expectedVersion int64, m *Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.models[userID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.models[userID] = m.Clone()
	return nil
}
