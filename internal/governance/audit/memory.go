package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a process-local audit store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []Entry
	lastHash string

	// failAppend, when set, makes the next Append fail; lets tests prove
	// "no audit, no action" ordering. failAction scopes the injection to
	// the first entry with that action.
	failAppend error
	failAction string
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailNextAppend injects err on the next Append call.
func (s *MemoryStore) FailNextAppend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = err
	s.failAction = ""
}

// FailAppendOn injects err on the first Append of an entry with the given
// action; earlier appends pass through.
func (s *MemoryStore) FailAppendOn(action string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = err
	s.failAction = action
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppend != nil && (s.failAction == "" || s.failAction == entry.Action) {
		err := s.failAppend
		s.failAppend = nil
		s.failAction = ""
		return err
	}

	if err := seal(entry, s.lastHash); err != nil {
		return err
	}
	s.entries = append(s.entries, *entry)
	s.lastHash = entry.Hash
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			e := s.entries[i]
			return &e, nil
		}
	}
	return nil, fmt.Errorf("audit entry %s: not found", id)
}

// Query implements Store. Entries are returned newest-first unless the
// filter asks for ascending order.
func (s *MemoryStore) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var selected []Entry
	for i := range s.entries {
		if matches(&s.entries[i], filter) {
			selected = append(selected, s.entries[i])
		}
	}
	if !filter.Ascending {
		for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
			selected[i], selected[j] = selected[j], selected[i]
		}
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(selected) {
			return nil, nil
		}
		selected = selected[filter.Offset:]
	}
	if filter.Limit > 0 && len(selected) > filter.Limit {
		selected = selected[:filter.Limit]
	}
	return selected, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := range s.entries {
		if matches(&s.entries[i], filter) {
			n++
		}
	}
	return n, nil
}

// VerifyChain implements Store.
func (s *MemoryStore) VerifyChain(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prev := ""
	for i := range s.entries {
		e := s.entries[i]
		want, err := ComputeHash(&e, prev)
		if err != nil {
			return "", err
		}
		if e.PrevHash != prev || e.Hash != want {
			return e.ID, nil
		}
		prev = e.Hash
	}
	return "", nil
}

// Tamper mutates a stored entry in place; testing helper for chain
// verification. Production stores expose no such operation.
func (s *MemoryStore) Tamper(id string, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			mutate(&s.entries[i])
			return true
		}
	}
	return false
}
