package credstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/models"
)

// MemoryStore keeps tokens for the lifetime of the process only
type MemoryStore struct {
	mu    sync.RWMutex
	creds models.Credentials
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, creds models.Credentials) error {
	if !creds.Valid() {
		return fmt.Errorf("memory store error: %w", apperrors.ErrPartialCredentials)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds

	return nil
}

func (s *MemoryStore) Load(_ context.Context) (models.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.creds.Valid() {
		return models.Credentials{}, fmt.Errorf("memory store error: %w", apperrors.ErrCredentialsNotFound)
	}

	return s.creds, nil
}

func (s *MemoryStore) Replace(_ context.Context, refresh string, creds models.Credentials) error {
	if !creds.Valid() {
		return fmt.Errorf("memory store error: %w", apperrors.ErrPartialCredentials)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.creds.Valid() || s.creds.Refresh != refresh {
		return fmt.Errorf("memory store error: %w", apperrors.ErrCredentialsChanged)
	}
	s.creds = creds

	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = models.Credentials{}

	return nil
}
