// Package audit implements the append-only audit trail.
//
// Audit entries are compliance records: never mutated, never deleted.
// Every governed action appends its entry before the action's side effects
// are attempted ("no audit, no action"). Entries are hash-chained so any
// later mutation of history is detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conservatory.io/cadenza/internal/domain"
)

// Actor is the acting user recorded on an entry.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Change is one structured field mutation.
type Change struct {
	Field      string `json:"field"`
	OldValue   string `json:"oldValue,omitempty"`
	NewValue   string `json:"newValue,omitempty"`
	ChangeType string `json:"changeType"`
}

// Entry is one append-only audit record.
type Entry struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Action       string                 `json:"action"`
	EntityType   domain.EntityType      `json:"entityType,omitempty"`
	EntityID     string                 `json:"entityId,omitempty"`
	EntityName   string                 `json:"entityName,omitempty"`
	OperationID  string                 `json:"operationId,omitempty"`
	User         Actor                  `json:"user"`
	Changes      []Change               `json:"changes,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Rollbackable bool                   `json:"rollbackable"`

	// PrevHash/Hash form the tamper-evidence chain; assigned by the store.
	PrevHash string `json:"prevHash"`
	Hash     string `json:"hash"`
}

// RollbackStatus tracks a RollbackOperation's own lifecycle, distinct from
// the entry it compensates.
type RollbackStatus string

const (
	RollbackPending   RollbackStatus = "pending"
	RollbackCompleted RollbackStatus = "completed"
	RollbackFailed    RollbackStatus = "failed"
)

// RollbackOperation references a target entry and tracks its completion.
type RollbackOperation struct {
	ID            string         `json:"id"`
	TargetEntryID string         `json:"targetEntryId"`
	Status        RollbackStatus `json:"status"`
	RequestedBy   string         `json:"requestedBy"`
	CreatedAt     time.Time      `json:"createdAt"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Filter selects entries for operator review.
type Filter struct {
	From         *time.Time
	To           *time.Time
	EntityType   domain.EntityType
	EntityID     string
	UserID       string
	Action       string
	OperationID  string
	Rollbackable *bool
	Limit        int
	Offset       int
	// Ascending sorts oldest-first; default is newest-first.
	Ascending bool
}

// Store is the append-only persistence behind the trail. Append never
// fails silently: a returned error means the entry was not durably
// recorded and the governed action must not proceed.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	Query(ctx context.Context, filter Filter) ([]Entry, error)
	Count(ctx context.Context, filter Filter) (int, error)
	// VerifyChain walks the chain oldest-first and returns the ID of the
	// first entry whose hash no longer matches, or "" when intact.
	VerifyChain(ctx context.Context) (string, error)
}

// chainPayload is the canonical byte form hashed into the chain. Metadata
// is included so silently editing free-form details also breaks the chain.
type chainPayload struct {
	PrevHash     string                 `json:"prevHash"`
	ID           string                 `json:"id"`
	Timestamp    int64                  `json:"timestamp"`
	Action       string                 `json:"action"`
	EntityType   domain.EntityType      `json:"entityType"`
	EntityID     string                 `json:"entityId"`
	EntityName   string                 `json:"entityName"`
	OperationID  string                 `json:"operationId"`
	User         Actor                  `json:"user"`
	Changes      []Change               `json:"changes"`
	Metadata     map[string]interface{} `json:"metadata"`
	Rollbackable bool                   `json:"rollbackable"`
}

// ComputeHash derives the chained hash for an entry given its predecessor.
func ComputeHash(entry *Entry, prevHash string) (string, error) {
	payload := chainPayload{
		PrevHash:     prevHash,
		ID:           entry.ID,
		Timestamp:    entry.Timestamp.UnixMicro(),
		Action:       entry.Action,
		EntityType:   entry.EntityType,
		EntityID:     entry.EntityID,
		EntityName:   entry.EntityName,
		OperationID:  entry.OperationID,
		User:         entry.User,
		Changes:      entry.Changes,
		Metadata:     entry.Metadata,
		Rollbackable: entry.Rollbackable,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chain payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// seal assigns identity, timestamp, and chain hashes to a new entry.
func seal(entry *Entry, prevHash string) error {
	if entry.ID == "" {
		entry.ID = generateAuditID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	// Postgres keeps microsecond precision; hash what survives a round trip.
	entry.Timestamp = entry.Timestamp.Truncate(time.Microsecond)
	entry.PrevHash = prevHash
	hash, err := ComputeHash(entry, prevHash)
	if err != nil {
		return err
	}
	entry.Hash = hash
	return nil
}

func generateAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "audit-" + uuid.New().String()
	}
	return "audit-" + id.String()
}

func matches(e *Entry, f Filter) bool {
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.UserID != "" && e.User.ID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.OperationID != "" && e.OperationID != f.OperationID {
		return false
	}
	if f.Rollbackable != nil && e.Rollbackable != *f.Rollbackable {
		return false
	}
	return true
}
