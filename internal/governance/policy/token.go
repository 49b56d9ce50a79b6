package policy

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"conservatory.io/cadenza/internal/domain"
	apperrors "conservatory.io/cadenza/internal/pkg/errors"
)

// ReplayStore tracks consumed single-use token IDs.
type ReplayStore interface {
	// Consume marks tokenID used on first sight; false means replay.
	Consume(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error)
}

// MemoryReplayStore is a process-local replay marker store.
type MemoryReplayStore struct {
	mu   sync.Mutex
	used map[string]time.Time
}

// NewMemoryReplayStore creates an in-memory replay marker store.
func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{used: make(map[string]time.Time)}
}

// Consume implements ReplayStore.
func (s *MemoryReplayStore) Consume(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, exp := range s.used {
		if exp.Before(now) {
			delete(s.used, id)
		}
	}
	if _, exists := s.used[tokenID]; exists {
		return false, nil
	}
	s.used[tokenID] = expiresAt.UTC()
	return true, nil
}

// tokenPayload is the sealed confirmation token content. The client holds
// it opaque; only the server can open it.
type tokenPayload struct {
	TokenID     string            `json:"tid"`
	OperationID string            `json:"oid"`
	Scope       domain.TokenScope `json:"scope"`
	IssuedAt    int64             `json:"iat"`
	ExpiresAt   int64             `json:"exp"`
}

// TokenManager issues and redeems single-use confirmation tokens. Payloads
// are AEAD-sealed so a token cannot be forged or retargeted to another
// operation.
type TokenManager struct {
	aead   cipher.AEAD
	nonceN int
	ttl    time.Duration
	replay ReplayStore
	now    func() time.Time
}

// NewTokenManager creates a token manager. key must be 32 bytes.
func NewTokenManager(key []byte, ttl time.Duration, replay ReplayStore) (*TokenManager, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("token sealing key: %w", err)
	}
	if replay == nil {
		replay = NewMemoryReplayStore()
	}
	return &TokenManager{
		aead:   aead,
		nonceN: aead.NonceSize(),
		ttl:    ttl,
		replay: replay,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Issue seals a fresh token bound to one operation.
func (m *TokenManager) Issue(ctx context.Context, operationID string, scope domain.TokenScope) (token, tokenID string, expiresAt time.Time, err error) {
	now := m.now()
	expiresAt = now.Add(m.ttl)

	id, uerr := uuid.NewV7()
	if uerr != nil {
		return "", "", time.Time{}, fmt.Errorf("generate token id: %w", uerr)
	}
	tokenID = "tok-" + id.String()

	plain, err := json.Marshal(tokenPayload{
		TokenID:     tokenID,
		OperationID: operationID,
		Scope:       scope,
		IssuedAt:    now.Unix(),
		ExpiresAt:   expiresAt.Unix(),
	})
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("marshal token payload: %w", err)
	}

	nonce := make([]byte, m.nonceN)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", time.Time{}, fmt.Errorf("token nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), tokenID, expiresAt, nil
}

// Redeem opens a presented token, binds it to the expected operation, and
// consumes it. Exactly one of N concurrent redemptions of the same token
// succeeds.
func (m *TokenManager) Redeem(ctx context.Context, operationID, presented string) (domain.TokenScope, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(presented)
	if err != nil || len(raw) <= m.nonceN {
		return "", "", apperrors.Unauthorized(apperrors.CodeTokenInvalid, "confirmation token is malformed")
	}

	plain, err := m.aead.Open(nil, raw[:m.nonceN], raw[m.nonceN:], nil)
	if err != nil {
		return "", "", apperrors.Unauthorized(apperrors.CodeTokenInvalid, "confirmation token failed authentication")
	}
	var payload tokenPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return "", "", apperrors.Unauthorized(apperrors.CodeTokenInvalid, "confirmation token payload is corrupt")
	}

	if payload.OperationID != operationID {
		return "", "", apperrors.Unauthorized(apperrors.CodeTokenInvalid, "confirmation token targets a different operation")
	}
	expiresAt := time.Unix(payload.ExpiresAt, 0)
	if !m.now().Before(expiresAt) {
		return "", payload.TokenID, apperrors.Unauthorized(apperrors.CodeTokenExpired, "confirmation token expired")
	}

	fresh, err := m.replay.Consume(ctx, payload.TokenID, expiresAt)
	if err != nil {
		return "", payload.TokenID, fmt.Errorf("consume token: %w", err)
	}
	if !fresh {
		return "", payload.TokenID, apperrors.Unauthorized(apperrors.CodeTokenConsumed, "confirmation token already used")
	}
	return payload.Scope, payload.TokenID, nil
}
