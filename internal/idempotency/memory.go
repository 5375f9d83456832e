package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryStore is the in-process fallback used when Redis is not
// configured. Semantics match RedisStore; replay protection is then only
// per instance.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Begin(ctx context.Context, userID, key, fingerprint string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cacheKey(userID, key)
	now := s.now()

	entry, ok := s.entries[k]
	if ok && now.Before(entry.expiresAt) {
		prior, err := resolve(&entry.rec, fingerprint)
		return prior, false, err
	}
	s.entries[k] = memoryEntry{
		rec:       Record{State: StateProcessing, Fingerprint: fingerprint},
		expiresAt: now.Add(ProcessingTTL),
	}
	return nil, true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, userID, key string, statusCode int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cacheKey(userID, key)
	entry := s.entries[k]
	entry.rec.State = StateCompleted
	entry.rec.StatusCode = statusCode
	entry.rec.Body = body
	entry.expiresAt = s.now().Add(RecordTTL)
	s.entries[k] = entry
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, userID, key string, statusCode int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cacheKey(userID, key)
	entry := s.entries[k]
	entry.rec.State = StateFailed
	entry.rec.StatusCode = statusCode
	entry.rec.Body = body
	entry.expiresAt = s.now().Add(RecordTTL)
	s.entries[k] = entry
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, cacheKey(userID, key))
	return nil
}
