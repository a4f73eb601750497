// Package memorystore is the process-local MetadataStore. It backs the
// gateway's local-only mode: records are visible to this process alone, so
// no cross-replica reconstruction is possible. Tests also use a shared
// instance across two registries to simulate a distributed store.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/flowgate/n8n-mcp-gateway/sessions"
)

// Store keeps session records in process memory. Expiry is enforced lazily
// on read; there is no background sweeper because the local map of live
// transports, not this store, bounds resource usage in local-only mode.
type Store struct {
	mu      sync.RWMutex
	records map[string]sessions.Record
}

// New builds an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]sessions.Record)}
}

func (s *Store) Put(ctx context.Context, rec sessions.Record, ttl time.Duration) error {
	if rec.ExpiresAt.IsZero() && ttl > 0 {
		rec.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (sessions.Record, bool, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return sessions.Record{}, false, nil
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		s.mu.Lock()
		delete(s.records, id)
		s.mu.Unlock()
		return sessions.Record{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	delete(s.records, id)
	return ok, nil
}

func (s *Store) Mode() string { return "local" }

func (s *Store) Close() error { return nil }

// Interface compliance
var _ sessions.MetadataStore = (*Store)(nil)
