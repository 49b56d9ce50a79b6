package policy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"conservatory.io/cadenza/internal/config"
	"conservatory.io/cadenza/internal/domain"
	"conservatory.io/cadenza/internal/governance/audit"
	apperrors "conservatory.io/cadenza/internal/pkg/errors"
	"conservatory.io/cadenza/internal/pkg/logger"
)

// PermissionDecision is the outcome of a permission check. Violations are
// operator-readable reasons; an ungranted decision lists at least one.
type PermissionDecision struct {
	Granted    bool             `json:"granted"`
	Violations []string         `json:"violations,omitempty"`
	RiskLevel  domain.RiskLevel `json:"riskLevel"`
}

// Engine is the security policy engine. All checks audit their outcome
// before returning it; a failed audit append fails the check.
type Engine struct {
	cfg       config.SecurityConfig
	directory UserDirectory
	counters  CounterStore
	tokens    *TokenManager
	anomaly   *AnomalyDetector
	trail     *audit.Trail

	inflight atomic.Int32
}

// NewEngine assembles the policy engine.
func NewEngine(cfg config.SecurityConfig, directory UserDirectory, counters CounterStore, tokens *TokenManager, anomaly *AnomalyDetector, trail *audit.Trail) *Engine {
	return &Engine{
		cfg:       cfg,
		directory: directory,
		counters:  counters,
		tokens:    tokens,
		anomaly:   anomaly,
		trail:     trail,
	}
}

// Anomaly exposes the detector for activity recording by other components.
func (e *Engine) Anomaly() *AnomalyDetector { return e.anomaly }

func scopeRisk(scope domain.TokenScope) domain.RiskLevel {
	switch scope {
	case domain.ScopeSingle:
		return domain.RiskLow
	case domain.ScopeBulk:
		return domain.RiskMedium
	default:
		return domain.RiskHigh
	}
}

// ValidatePermission checks whether userID may run an operation of the
// given scope against entityID. A live anomaly lock refuses outright.
func (e *Engine) ValidatePermission(ctx context.Context, userID, entityID string, scope domain.TokenScope) (*PermissionDecision, error) {
	if until, locked := e.anomaly.LockedUntil(userID); locked {
		if err := e.trail.LogDecision(ctx, "permission.denied", audit.Actor{ID: userID}, "", false, map[string]interface{}{
			"reason":       "anomaly_lock",
			"locked_until": until.Format(time.RFC3339),
		}); err != nil {
			return nil, err
		}
		return nil, apperrors.Forbidden(apperrors.CodeAnomalyBlocked,
			fmt.Sprintf("account locked by anomaly detection until %s", until.Format(time.RFC3339)))
	}

	decision := &PermissionDecision{RiskLevel: scopeRisk(scope)}

	user, err := e.directory.GetUser(ctx, userID)
	switch {
	case errors.Is(err, ErrUserUnknown):
		decision.Violations = append(decision.Violations, "user is not known to the directory")
	case err != nil:
		return nil, fmt.Errorf("directory lookup: %w", err)
	default:
		required := requiredScope[scope]
		if scopeRank[user.Scope] < scopeRank[required] {
			decision.Violations = append(decision.Violations,
				fmt.Sprintf("scope %q does not meet required %q for %s operations", user.Scope, required, scope))
		}
		if (user.Scope == ScopeOwn || user.Scope == ScopeLimited) && entityID != "" && !user.Manages(entityID) {
			decision.Violations = append(decision.Violations,
				fmt.Sprintf("entity %s is outside the user's managed set", entityID))
		}
	}
	decision.Granted = len(decision.Violations) == 0

	action := "permission.granted"
	if !decision.Granted {
		action = "permission.denied"
		e.anomaly.Record(userID, RecordedAction{Kind: ActionPermissionDenied})
	}
	if err := e.trail.LogDecision(ctx, action, audit.Actor{ID: userID}, "", decision.Granted, map[string]interface{}{
		"entity_id":  entityID,
		"scope":      string(scope),
		"violations": decision.Violations,
	}); err != nil {
		return nil, err
	}
	return decision, nil
}

// CheckRateLimit applies the fixed-window cap for one action class.
func (e *Engine) CheckRateLimit(ctx context.Context, userID, action string) (*RateLimitResult, error) {
	rule, ok := e.cfg.RateLimits[action]
	if !ok {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidRequest,
			fmt.Sprintf("unknown rate limit class %q", action))
	}

	count, resetAt, err := e.counters.Incr(ctx, userID+":"+action, rule.Window)
	if err != nil {
		return nil, fmt.Errorf("rate limit counter: %w", err)
	}
	result := &RateLimitResult{
		Allowed:      count <= int64(rule.Cap),
		CurrentCount: int(count),
		Limit:        rule.Cap,
		ResetAt:      resetAt,
	}

	auditAction := "rate_limit.allowed"
	if !result.Allowed {
		auditAction = "rate_limit.exceeded"
		logger.Warn("Rate limit exceeded",
			zap.String("user_id", userID),
			zap.String("action_class", action),
			zap.Int("count", result.CurrentCount),
			zap.Int("cap", result.Limit),
		)
	}
	if err := e.trail.LogDecision(ctx, auditAction, audit.Actor{ID: userID}, "", result.Allowed, map[string]interface{}{
		"action_class":  action,
		"current_count": result.CurrentCount,
		"limit":         result.Limit,
		"reset_at":      result.ResetAt.Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// PeekRateLimit re-reads the current window without consuming from it.
// The engine's validating phase uses this so one operation is charged a
// single increment, at submission.
func (e *Engine) PeekRateLimit(ctx context.Context, userID, action string) (*RateLimitResult, error) {
	rule, ok := e.cfg.RateLimits[action]
	if !ok {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidRequest,
			fmt.Sprintf("unknown rate limit class %q", action))
	}

	count, resetAt, err := e.counters.Peek(ctx, userID+":"+action)
	if err != nil {
		return nil, fmt.Errorf("rate limit counter: %w", err)
	}
	result := &RateLimitResult{
		Allowed:      count <= int64(rule.Cap),
		CurrentCount: int(count),
		Limit:        rule.Cap,
		ResetAt:      resetAt,
	}

	if !result.Allowed {
		if err := e.trail.LogDecision(ctx, "rate_limit.exceeded", audit.Actor{ID: userID}, "", false, map[string]interface{}{
			"action_class":  action,
			"current_count": result.CurrentCount,
			"limit":         result.Limit,
			"reset_at":      result.ResetAt.Format(time.RFC3339),
		}); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// DetectAnomalousPattern scores recent activity. Passing nil evaluates the
// detector's own retained window for the user.
func (e *Engine) DetectAnomalousPattern(ctx context.Context, userID string, recent []RecordedAction) (*AnomalyReport, error) {
	if recent == nil {
		recent = e.anomaly.Recent(userID)
	}
	report := e.anomaly.Evaluate(userID, recent)

	// Clean evaluations are logged too; the trail shows every time the
	// detector looked, not just when it fired.
	action := "anomaly.clear"
	ok := true
	if report.Score > 0 {
		action = "anomaly.detected"
		ok = report.Recommendation == StepMonitor
	}
	if err := e.trail.LogDecision(ctx, action, audit.Actor{ID: userID}, "", ok, map[string]interface{}{
		"score":          report.Score,
		"patterns":       report.Patterns,
		"recommendation": string(report.Recommendation),
	}); err != nil {
		return nil, err
	}
	if report.Recommendation == StepLock {
		logger.Warn("Anomaly lock engaged",
			zap.String("user_id", userID),
			zap.Int("score", report.Score),
			zap.Strings("patterns", report.Patterns),
		)
	}
	return report, nil
}

// RecordActivity feeds the anomaly detector's activity window.
func (e *Engine) RecordActivity(userID string, kind ActionKind, bulk bool) {
	e.anomaly.Record(userID, RecordedAction{Kind: kind, Bulk: bulk})
}

// IssueToken seals a single-use confirmation token for an operation.
func (e *Engine) IssueToken(ctx context.Context, userID, operationID string, scope domain.TokenScope) (token, tokenID string, expiresAt time.Time, err error) {
	token, tokenID, expiresAt, err = e.tokens.Issue(ctx, operationID, scope)
	if err != nil {
		return "", "", time.Time{}, err
	}
	if err = e.trail.LogDecision(ctx, "token.issued", audit.Actor{ID: userID}, operationID, true, map[string]interface{}{
		"token_id":   tokenID,
		"scope":      string(scope),
		"expires_at": expiresAt.Format(time.RFC3339),
	}); err != nil {
		return "", "", time.Time{}, err
	}
	return token, tokenID, expiresAt, nil
}

// RedeemToken consumes a presented confirmation token for an operation.
func (e *Engine) RedeemToken(ctx context.Context, userID, operationID, presented string) (domain.TokenScope, error) {
	scope, tokenID, err := e.tokens.Redeem(ctx, operationID, presented)

	granted := err == nil
	action := "token.redeemed"
	if !granted {
		action = "token.rejected"
	}
	if auditErr := e.trail.LogDecision(ctx, action, audit.Actor{ID: userID}, operationID, granted, map[string]interface{}{
		"token_id": tokenID,
		"scope":    string(scope),
	}); auditErr != nil {
		return "", auditErr
	}
	if err != nil {
		return "", err
	}
	return scope, nil
}

// AcquireOperationSlot claims one of the global in-flight operation slots.
func (e *Engine) AcquireOperationSlot(ctx context.Context, userID, operationID string) error {
	limit := int32(e.cfg.MaxConcurrentOperations)
	for {
		cur := e.inflight.Load()
		if cur >= limit {
			if err := e.trail.LogDecision(ctx, "operation.slot_denied", audit.Actor{ID: userID}, operationID, false, map[string]interface{}{
				"in_flight": cur,
				"cap":       limit,
			}); err != nil {
				return err
			}
			return apperrors.TooManyRequests(apperrors.CodeTooManyOperations,
				fmt.Sprintf("operation cap reached (%d in flight)", cur))
		}
		if e.inflight.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// ReleaseOperationSlot returns a slot claimed by AcquireOperationSlot.
func (e *Engine) ReleaseOperationSlot() {
	if e.inflight.Add(-1) < 0 {
		e.inflight.Store(0)
	}
}

// InFlight reports the current number of claimed operation slots.
func (e *Engine) InFlight() int {
	return int(e.inflight.Load())
}
