package service

import (
	"context"
	"sync"
)

// Keys of the per-chat key-value namespace.
const (
	keyGrammarChecks   = "grammarChecks"
	keySeenReviewCount = "seenReviewCount"
	keyOfferShownAt    = "offerShownAt"
	keyHasViewedOffer  = "hasViewedOffer"
	keyAppLaunched     = "appLaunched"
)

// KeyValueStore is the persistence collaborator: plain string values under
// fixed keys. Implementations need not be transactional.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// MemoryStore keeps values in process memory. Used in tests and when a chat
// must keep working while the database is unreachable.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}
