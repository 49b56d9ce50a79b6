package policy

import (
	"context"
	"sync"
	"time"
)

// RateLimitResult is the outcome of one fixed-window check.
type RateLimitResult struct {
	Allowed      bool      `json:"allowed"`
	CurrentCount int       `json:"currentCount"`
	Limit        int       `json:"limit"`
	ResetAt      time.Time `json:"resetAt"`
}

// CounterStore atomically increments a fixed-window counter. The first
// increment of a window sets its expiry; ResetAt is the window end.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
	// Peek reads the live window without consuming from it. An expired or
	// absent window reads as zero.
	Peek(ctx context.Context, key string) (count int64, resetAt time.Time, err error)
}

type windowCounter struct {
	count   int64
	resetAt time.Time
}

// MemoryCounterStore is a process-local CounterStore.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]windowCounter
	now     func() time.Time
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		windows: make(map[string]windowCounter),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Incr implements CounterStore.
func (s *MemoryCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !w.resetAt.After(now) {
		w = windowCounter{resetAt: now.Add(window)}
	}
	w.count++
	s.windows[key] = w

	// Opportunistic sweep of expired windows.
	for k, other := range s.windows {
		if !other.resetAt.After(now) {
			delete(s.windows, k)
		}
	}
	return w.count, w.resetAt, nil
}

// Peek implements CounterStore.
func (s *MemoryCounterStore) Peek(ctx context.Context, key string) (int64, time.Time, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !w.resetAt.After(now) {
		return 0, time.Time{}, nil
	}
	return w.count, w.resetAt, nil
}
