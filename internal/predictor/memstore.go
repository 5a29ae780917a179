package predictor

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default in-process history store: a mutex-protected map
// of bounded per-signature rings. Read-mostly; simple mutual exclusion is
// sufficient.
type MemoryStore struct {
	mu   sync.RWMutex
	cap  int
	data map[string][]time.Duration
}

// NewMemoryStore creates a store keeping at most cap samples per signature.
func NewMemoryStore(cap int) *MemoryStore {
	if cap <= 0 {
		cap = DefaultConfig().Window
	}
	return &MemoryStore{
		cap:  cap,
		data: make(map[string][]time.Duration),
	}
}

// Append records a duration, evicting the oldest once the cap is exceeded.
func (s *MemoryStore) Append(_ context.Context, signature string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.data[signature], d)
	if len(list) > s.cap {
		list = list[len(list)-s.cap:]
	}
	s.data[signature] = list
	return nil
}

// Recent returns up to limit most recent samples, oldest first.
func (s *MemoryStore) Recent(_ context.Context, signature string, limit int) ([]time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.data[signature]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]time.Duration, len(list))
	copy(out, list)
	return out, nil
}
