package policy

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conservatory.io/cadenza/internal/config"
	"conservatory.io/cadenza/internal/domain"
	"conservatory.io/cadenza/internal/governance/audit"
	apperrors "conservatory.io/cadenza/internal/pkg/errors"
	"conservatory.io/cadenza/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("error", "json")
	os.Exit(m.Run())
}

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		TokenTTL:                5 * time.Minute,
		MaxConcurrentOperations: 2,
		RateLimits: map[string]config.RateLimitRule{
			"delete_cascade": {Cap: 5, Window: 5 * time.Minute},
		},
		Anomaly: config.AnomalyConfig{
			WeightDeletionBurst:    30,
			WeightAuthFailures:     25,
			WeightPermissionDenied: 20,
			WeightOffHoursBulk:     15,
			BurstCount:             5,
			BurstWindow:            5 * time.Minute,
			AuthFailureCount:       3,
			DenialCount:            3,
			WorkHoursStart:         7,
			WorkHoursEnd:           21,
			WarnScore:              20,
			RestrictScore:          40,
			LockScore:              60,
			LockDuration:           30 * time.Minute,
		},
	}
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := hex.DecodeString("6368616368613230706f6c79313330356b65792d6d7573742d62652d33322d62")
	require.NoError(t, err)
	require.Len(t, key, 32)
	return key
}

func newTestEngine(t *testing.T) (*Engine, *MemoryDirectory, *audit.MemoryStore) {
	t.Helper()
	cfg := testSecurityConfig()
	dir := NewMemoryDirectory()
	store := audit.NewMemoryStore()
	trail := audit.NewTrail(store, nil)
	tokens, err := NewTokenManager(testKey(t), cfg.TokenTTL, NewMemoryReplayStore())
	require.NoError(t, err)
	engine := NewEngine(cfg, dir, NewMemoryCounterStore(), tokens, NewAnomalyDetector(cfg.Anomaly), trail)
	return engine, dir, store
}

func TestValidatePermissionScopeLadder(t *testing.T) {
	engine, dir, _ := newTestEngine(t)
	dir.AddUser(User{ID: "admin-1", Role: "admin", Scope: ScopeFull})
	dir.AddUser(User{ID: "teacher-7", Role: "teacher", Scope: ScopeOwn, ManagedEntityIDs: []string{"42"}})

	decision, err := engine.ValidatePermission(context.Background(), "admin-1", "42", domain.ScopeCascade)
	require.NoError(t, err)
	assert.True(t, decision.Granted)
	assert.Equal(t, domain.RiskHigh, decision.RiskLevel)

	decision, err = engine.ValidatePermission(context.Background(), "teacher-7", "42", domain.ScopeSingle)
	require.NoError(t, err)
	assert.True(t, decision.Granted)
	assert.Equal(t, domain.RiskLow, decision.RiskLevel)

	// Own scope does not reach cascade operations.
	decision, err = engine.ValidatePermission(context.Background(), "teacher-7", "42", domain.ScopeCascade)
	require.NoError(t, err)
	assert.False(t, decision.Granted)
	assert.NotEmpty(t, decision.Violations)

	// Own scope is bound to the managed entity set.
	decision, err = engine.ValidatePermission(context.Background(), "teacher-7", "43", domain.ScopeSingle)
	require.NoError(t, err)
	assert.False(t, decision.Granted)
}

func TestValidatePermissionUnknownUser(t *testing.T) {
	engine, _, store := newTestEngine(t)

	decision, err := engine.ValidatePermission(context.Background(), "ghost", "42", domain.ScopeSingle)
	require.NoError(t, err)
	assert.False(t, decision.Granted)

	denied, err := store.Query(context.Background(), audit.Filter{Action: "permission.denied"})
	require.NoError(t, err)
	assert.Len(t, denied, 1)
}

func TestValidatePermissionAuditedBeforeReturn(t *testing.T) {
	engine, dir, store := newTestEngine(t)
	dir.AddUser(User{ID: "admin-1", Scope: ScopeFull})

	store.FailNextAppend(fmt.Errorf("audit store down"))
	_, err := engine.ValidatePermission(context.Background(), "admin-1", "42", domain.ScopeSingle)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeAuditAppendFailed, appErr.Code)
}

func TestCheckRateLimitBoundary(t *testing.T) {
	engine, _, store := newTestEngine(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := engine.CheckRateLimit(ctx, "admin-1", "delete_cascade")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should pass", i)
		assert.Equal(t, i, res.CurrentCount)
	}

	res, err := engine.CheckRateLimit(ctx, "admin-1", "delete_cascade")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 6, res.CurrentCount)
	assert.Equal(t, 5, res.Limit)
	assert.True(t, res.ResetAt.After(time.Now()))

	hits, err := store.Query(ctx, audit.Filter{Action: "rate_limit.exceeded"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestCheckRateLimitWindowReset(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	counters := engine.counters.(*MemoryCounterStore)

	base := time.Now().UTC()
	counters.now = func() time.Time { return base }

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := engine.CheckRateLimit(ctx, "admin-1", "delete_cascade")
		require.NoError(t, err)
	}

	counters.now = func() time.Time { return base.Add(5*time.Minute + time.Second) }
	res, err := engine.CheckRateLimit(ctx, "admin-1", "delete_cascade")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.CurrentCount)
}

func TestPeekRateLimitDoesNotConsume(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	peeked, err := engine.PeekRateLimit(ctx, "admin-1", "delete_cascade")
	require.NoError(t, err)
	assert.True(t, peeked.Allowed)
	assert.Equal(t, 0, peeked.CurrentCount)

	res, err := engine.CheckRateLimit(ctx, "admin-1", "delete_cascade")
	require.NoError(t, err)
	require.Equal(t, 1, res.CurrentCount)

	// Repeated peeks never move the counter.
	for i := 0; i < 3; i++ {
		peeked, err = engine.PeekRateLimit(ctx, "admin-1", "delete_cascade")
		require.NoError(t, err)
		assert.True(t, peeked.Allowed)
		assert.Equal(t, 1, peeked.CurrentCount)
	}
}

func TestPeekRateLimitReportsFullWindow(t *testing.T) {
	engine, _, store := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := engine.CheckRateLimit(ctx, "admin-1", "delete_cascade")
		require.NoError(t, err)
	}

	peeked, err := engine.PeekRateLimit(ctx, "admin-1", "delete_cascade")
	require.NoError(t, err)
	assert.False(t, peeked.Allowed)
	assert.Equal(t, 6, peeked.CurrentCount)

	hits, err := store.Query(ctx, audit.Filter{Action: "rate_limit.exceeded"})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestCheckRateLimitUnknownClass(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.CheckRateLimit(context.Background(), "admin-1", "delete_everything")
	require.Error(t, err)
}

func TestAnomalyBurstLocksUser(t *testing.T) {
	engine, dir, store := newTestEngine(t)
	dir.AddUser(User{ID: "admin-1", Scope: ScopeFull})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		engine.RecordActivity("admin-1", ActionDeletion, false)
		engine.RecordActivity("admin-1", ActionAuthFailure, false)
		engine.RecordActivity("admin-1", ActionPermissionDenied, false)
	}

	report, err := engine.DetectAnomalousPattern(ctx, "admin-1", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Score, 60)
	assert.Equal(t, StepLock, report.Recommendation)
	assert.Contains(t, report.Patterns, "deletion_burst")

	// The lock blocks subsequent permission checks.
	_, err = engine.ValidatePermission(ctx, "admin-1", "42", domain.ScopeSingle)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeAnomalyBlocked, appErr.Code)

	detected, err := store.Query(ctx, audit.Filter{Action: "anomaly.detected"})
	require.NoError(t, err)
	assert.Len(t, detected, 1)
}

func TestAnomalyCleanEvaluationAudited(t *testing.T) {
	engine, _, store := newTestEngine(t)
	ctx := context.Background()

	report, err := engine.DetectAnomalousPattern(ctx, "admin-1", nil)
	require.NoError(t, err)
	assert.Zero(t, report.Score)

	evaluations, err := store.Query(ctx, audit.Filter{Action: "anomaly.clear"})
	require.NoError(t, err)
	require.Len(t, evaluations, 1)
	assert.Equal(t, true, evaluations[0].Metadata["granted"])

	// The trail outage still fails the evaluation.
	store.FailNextAppend(fmt.Errorf("disk full"))
	_, err = engine.DetectAnomalousPattern(ctx, "admin-1", nil)
	require.Error(t, err)
}

func TestAnomalyStepFunction(t *testing.T) {
	cfg := testSecurityConfig().Anomaly
	d := NewAnomalyDetector(cfg)
	now := time.Now().UTC()

	var actions []RecordedAction
	for i := 0; i < 3; i++ {
		actions = append(actions, RecordedAction{Kind: ActionPermissionDenied, At: now})
	}
	report := d.Evaluate("u-1", actions)
	assert.Equal(t, 20, report.Score)
	assert.Equal(t, StepWarn, report.Recommendation)

	for i := 0; i < 3; i++ {
		actions = append(actions, RecordedAction{Kind: ActionAuthFailure, At: now})
	}
	report = d.Evaluate("u-1", actions)
	assert.Equal(t, 45, report.Score)
	assert.Equal(t, StepRestrict, report.Recommendation)

	_, locked := d.LockedUntil("u-1")
	assert.False(t, locked)
}

func TestTokenIssueRedeemRoundTrip(t *testing.T) {
	engine, _, store := newTestEngine(t)
	ctx := context.Background()

	token, tokenID, expiresAt, err := engine.IssueToken(ctx, "admin-1", "op-1", domain.ScopeCascade)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEmpty(t, tokenID)
	assert.True(t, expiresAt.After(time.Now()))

	scope, err := engine.RedeemToken(ctx, "admin-1", "op-1", token)
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeCascade, scope)

	// Second presentation is a replay.
	_, err = engine.RedeemToken(ctx, "admin-1", "op-1", token)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeTokenConsumed, appErr.Code)

	issued, err := store.Query(ctx, audit.Filter{Action: "token.issued"})
	require.NoError(t, err)
	assert.Len(t, issued, 1)
	rejected, err := store.Query(ctx, audit.Filter{Action: "token.rejected"})
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
}

func TestTokenWrongOperation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	token, _, _, err := engine.IssueToken(ctx, "admin-1", "op-1", domain.ScopeSingle)
	require.NoError(t, err)

	_, err = engine.RedeemToken(ctx, "admin-1", "op-2", token)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeTokenInvalid, appErr.Code)
}

func TestTokenExpiry(t *testing.T) {
	manager, err := NewTokenManager(testKey(t), time.Minute, NewMemoryReplayStore())
	require.NoError(t, err)

	base := time.Now().UTC()
	manager.now = func() time.Time { return base }
	token, _, _, err := manager.Issue(context.Background(), "op-1", domain.ScopeSingle)
	require.NoError(t, err)

	manager.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, _, err = manager.Redeem(context.Background(), "op-1", token)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeTokenExpired, appErr.Code)
}

func TestTokenTamperedCiphertext(t *testing.T) {
	manager, err := NewTokenManager(testKey(t), time.Minute, NewMemoryReplayStore())
	require.NoError(t, err)

	token, _, _, err := manager.Issue(context.Background(), "op-1", domain.ScopeSingle)
	require.NoError(t, err)

	tampered := []byte(token)
	tampered[len(tampered)-1] ^= 0x01
	_, _, err = manager.Redeem(context.Background(), "op-1", string(tampered))
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeTokenInvalid, appErr.Code)
}

func TestTokenConcurrentRedemption(t *testing.T) {
	manager, err := NewTokenManager(testKey(t), time.Minute, NewMemoryReplayStore())
	require.NoError(t, err)

	token, _, _, err := manager.Issue(context.Background(), "op-1", domain.ScopeCascade)
	require.NoError(t, err)

	const goroutines = 100
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if _, _, err := manager.Redeem(context.Background(), "op-1", token); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestOperationSlots(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.AcquireOperationSlot(ctx, "admin-1", "op-1"))
	require.NoError(t, engine.AcquireOperationSlot(ctx, "admin-1", "op-2"))
	assert.Equal(t, 2, engine.InFlight())

	err := engine.AcquireOperationSlot(ctx, "admin-1", "op-3")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeTooManyOperations, appErr.Code)

	engine.ReleaseOperationSlot()
	require.NoError(t, engine.AcquireOperationSlot(ctx, "admin-1", "op-3"))
}

func TestSessionDirectoryRoleMapping(t *testing.T) {
	d := NewSessionDirectory()
	d.RegisterSession(User{ID: "u-1", Role: "admin"})
	d.RegisterSession(User{ID: "u-2", Role: "teacher"})

	u, err := d.GetUser(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, ScopeFull, u.Scope)

	u, err = d.GetUser(context.Background(), "u-2")
	require.NoError(t, err)
	assert.Equal(t, ScopeOwn, u.Scope)

	d.DropSession("u-2")
	_, err = d.GetUser(context.Background(), "u-2")
	assert.ErrorIs(t, err, ErrUserUnknown)
}
