package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process window store: a concurrent key→counter map
// with per-key expiry. It backs both the abuse limiter and log flood gates.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Increment creates-or-bumps the counter for key. An expired record is
// replaced with a fresh window rather than continuing to accumulate.
func (s *MemoryStore) Increment(key string, window time.Duration, now time.Time) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[key]
	if rec == nil || rec.Expired(now) {
		rec = &Record{Count: 1, ResetAt: now.Add(window)}
		s.records[key] = rec
		return *rec
	}
	rec.Count++
	return *rec
}

// Get returns the live record for key, if any. Expired records are
// reported as absent even before the sweeper removes them.
func (s *MemoryStore) Get(key string, now time.Time) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[key]
	if rec == nil || rec.Expired(now) {
		return Record{}, false
	}
	return *rec, true
}

// Sweep removes every record whose window elapsed before now and returns
// how many were evicted.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of physically present records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Allow implements Limiter on top of the window store. The counter is
// bumped on every call; denial does not stop the window from filling.
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	rec := s.Increment(key, window, now)
	remaining := limit - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: rec.Count <= limit, Remaining: remaining, Reset: rec.ResetAt}, nil
}
