package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps reservations in process. Used by the memory order store and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok || !now.Before(record.ExpiresAt) {
		record = Record{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
		s.records[key] = record
		return Reservation{State: StateNew, Record: record}, nil
	}
	if record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.Completed {
		return Reservation{State: StateCompleted, Record: record}, nil
	}
	return Reservation{State: StatePending, Record: record}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key string, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok && existing.Fingerprint != record.Fingerprint {
		return ErrFingerprintMismatch
	}
	record.Completed = true
	record.Body = append([]byte(nil), record.Body...)
	s.records[key] = record
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}
