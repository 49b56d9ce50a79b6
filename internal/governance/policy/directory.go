// Package policy implements the security policy engine: permission scopes,
// rate limits, anomaly heuristics, confirmation tokens, and the global
// concurrency cap for deletion operations.
//
// Every decision, grant or deny, is appended to the audit trail before it
// is returned. A failed audit append fails the decision.
package policy

import (
	"context"
	"errors"
	"sync"

	"conservatory.io/cadenza/internal/domain"
)

// ErrUserUnknown means the directory has no record for the user.
var ErrUserUnknown = errors.New("user not found in directory")

// DeletionScope is a user's deletion privilege tier.
type DeletionScope string

const (
	ScopeNone    DeletionScope = "none"
	ScopeOwn     DeletionScope = "own"
	ScopeLimited DeletionScope = "limited"
	ScopeFull    DeletionScope = "full"
)

var scopeRank = map[DeletionScope]int{
	ScopeNone:    0,
	ScopeOwn:     1,
	ScopeLimited: 2,
	ScopeFull:    3,
}

// requiredScope maps an operation class to the minimum privilege tier.
var requiredScope = map[domain.TokenScope]DeletionScope{
	domain.ScopeSingle:  ScopeOwn,
	domain.ScopeBulk:    ScopeLimited,
	domain.ScopeCascade: ScopeFull,
	domain.ScopeCleanup: ScopeFull,
}

// User is a directory record consulted for permission decisions.
type User struct {
	ID   string
	Name string
	Role string

	Scope DeletionScope
	// ManagedEntityIDs limits own/limited scopes to specific records;
	// empty means no entity-level restriction within the tier.
	ManagedEntityIDs []string
}

// Manages reports whether the user's entity restriction covers entityID.
func (u *User) Manages(entityID string) bool {
	if len(u.ManagedEntityIDs) == 0 {
		return u.Scope != ScopeOwn
	}
	for _, id := range u.ManagedEntityIDs {
		if id == entityID {
			return true
		}
	}
	return false
}

// UserDirectory resolves acting users for permission checks.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}

// MemoryDirectory is a process-local directory for development and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]User)}
}

// AddUser registers or replaces a directory record.
func (d *MemoryDirectory) AddUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// GetUser implements UserDirectory.
func (d *MemoryDirectory) GetUser(ctx context.Context, userID string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, ErrUserUnknown
	}
	return &u, nil
}

// SessionDirectory resolves users from authenticated JWT sessions. The auth
// middleware registers claims on login; records expire with the session.
type SessionDirectory struct {
	mu       sync.RWMutex
	sessions map[string]User
}

// NewSessionDirectory creates an empty session-backed directory.
func NewSessionDirectory() *SessionDirectory {
	return &SessionDirectory{sessions: make(map[string]User)}
}

// RegisterSession publishes an authenticated user's claims to the
// directory. Role maps to a deletion scope unless claims carry one.
func (d *SessionDirectory) RegisterSession(u User) {
	if u.Scope == "" {
		u.Scope = ScopeForRole(u.Role)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[u.ID] = u
}

// DropSession removes a user's session record.
func (d *SessionDirectory) DropSession(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, userID)
}

// GetUser implements UserDirectory.
func (d *SessionDirectory) GetUser(ctx context.Context, userID string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.sessions[userID]
	if !ok {
		return nil, ErrUserUnknown
	}
	return &u, nil
}

// ScopeForRole maps console roles to deletion scopes.
func ScopeForRole(role string) DeletionScope {
	switch role {
	case "admin":
		return ScopeFull
	case "conductor", "coordinator":
		return ScopeLimited
	case "teacher":
		return ScopeOwn
	default:
		return ScopeNone
	}
}
