// Package engine runs deletion operations. Each operation is owned by one
// actor goroutine from the cascade worker pool; external interaction goes
// through serialized commands, never shared mutation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conservatory.io/cadenza/internal/analyzer"
	"conservatory.io/cadenza/internal/config"
	"conservatory.io/cadenza/internal/domain"
	"conservatory.io/cadenza/internal/governance/audit"
	"conservatory.io/cadenza/internal/governance/policy"
	apperrors "conservatory.io/cadenza/internal/pkg/errors"
	"conservatory.io/cadenza/internal/pkg/logger"
	"conservatory.io/cadenza/internal/pkg/worker"
	"conservatory.io/cadenza/internal/repository"
)

// ProgressPublisher receives progress snapshots after every mutation of an
// operation's progress record.
type ProgressPublisher interface {
	Publish(operationID string, snapshot domain.DeletionProgress)
}

// ExecOptions are caller-supplied execution knobs.
type ExecOptions struct {
	ContinueOnError   bool   `json:"continueOnError"`
	BatchSize         int    `json:"batchSize"`
	ConfirmationToken string `json:"confirmationToken"`
	// ExpectedAffectedCount, when non-nil, is the count the caller saw at
	// preview time; a differing fresh count aborts the operation.
	ExpectedAffectedCount *int `json:"expectedAffectedCount,omitempty"`
}

// Request describes one deletion operation to start.
type Request struct {
	EntityType  domain.EntityType
	EntityID    string
	Scope       domain.TokenScope
	RequestedBy string
	UserName    string
	UserRole    string
	Options     ExecOptions
}

// operationState is the registry record for one operation. The actor
// goroutine is the only writer of op and progress after start; reads take
// the mutex and copy.
type operationState struct {
	mu       sync.Mutex
	op       domain.DeletionOperation
	progress domain.DeletionProgress
	impact   *domain.DeletionImpact
	// cancelCh carries the requesting user ID; buffered so Cancel never
	// blocks on the actor.
	cancelCh chan string
	doneAt   time.Time
}

// Engine executes deletion operations end to end.
type Engine struct {
	repo      repository.Repository
	analyzer  *analyzer.Analyzer
	policy    *policy.Engine
	trail     *audit.Trail
	publisher ProgressPublisher
	pools     *worker.Pools
	events    *domain.EventDispatcher
	cfg       config.EngineConfig

	mu  sync.RWMutex
	ops map[string]*operationState
	now func() time.Time
}

// New assembles the execution engine.
func New(
	repo repository.Repository,
	an *analyzer.Analyzer,
	pol *policy.Engine,
	trail *audit.Trail,
	publisher ProgressPublisher,
	pools *worker.Pools,
	events *domain.EventDispatcher,
	cfg config.EngineConfig,
) *Engine {
	return &Engine{
		repo:      repo,
		analyzer:  an,
		policy:    pol,
		trail:     trail,
		publisher: publisher,
		pools:     pools,
		events:    events,
		cfg:       cfg,
		ops:       make(map[string]*operationState),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EntityKey binds preview-time confirmation tokens to their target; the
// operation does not exist yet when the token is issued.
func EntityKey(entityType domain.EntityType, entityID string) string {
	return string(entityType) + ":" + entityID
}

// ActionClass maps an operation scope to its rate limit class.
func ActionClass(scope domain.TokenScope) string {
	switch scope {
	case domain.ScopeSingle:
		return "delete_single"
	case domain.ScopeBulk:
		return "delete_bulk"
	case domain.ScopeCleanup:
		return "cleanup"
	default:
		return "delete_cascade"
	}
}

// Start validates the request, claims an operation slot, and hands the
// operation to a cascade actor. The returned operation is pending; callers
// follow it via Get or the progress channel.
func (e *Engine) Start(ctx context.Context, req Request) (*domain.DeletionOperation, error) {
	e.sweepExpired()

	if req.Scope == "" {
		req.Scope = domain.ScopeCascade
	}
	actor := audit.Actor{ID: req.RequestedBy, Name: req.UserName, Role: req.UserRole}

	decision, err := e.policy.ValidatePermission(ctx, req.RequestedBy, req.EntityID, req.Scope)
	if err != nil {
		return nil, err
	}
	if !decision.Granted {
		return nil, apperrors.Forbidden(apperrors.CodePermissionDenied,
			fmt.Sprintf("deletion not permitted: %v", decision.Violations))
	}

	limit, err := e.policy.CheckRateLimit(ctx, req.RequestedBy, ActionClass(req.Scope))
	if err != nil {
		return nil, err
	}
	if !limit.Allowed {
		return nil, apperrors.TooManyRequests(apperrors.CodeRateLimitExceeded,
			fmt.Sprintf("rate limit for %s reached; resets at %s", ActionClass(req.Scope), limit.ResetAt.Format(time.RFC3339)))
	}

	ref, err := e.repo.GetEntity(ctx, req.EntityType, req.EntityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeEntityNotFound,
				fmt.Sprintf("%s %s not found", req.EntityType, req.EntityID))
		}
		return nil, fmt.Errorf("resolve entity: %w", err)
	}

	opID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate operation id: %w", err)
	}
	state := &operationState{
		op: domain.DeletionOperation{
			ID:          "del-" + opID.String(),
			EntityType:  req.EntityType,
			EntityID:    req.EntityID,
			EntityName:  ref.Name,
			Status:      domain.StatusPending,
			RequestedBy: req.RequestedBy,
			CreatedAt:   e.now(),
		},
		cancelCh: make(chan string, 1),
	}
	state.progress = domain.DeletionProgress{
		OperationID: state.op.ID,
		Phase:       domain.PhaseAnalyzing,
		CurrentStep: "queued",
	}

	if err := e.policy.AcquireOperationSlot(ctx, req.RequestedBy, state.op.ID); err != nil {
		return nil, err
	}

	if err := e.trail.Append(ctx, &audit.Entry{
		Action:      "deletion.requested",
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		EntityName:  ref.Name,
		OperationID: state.op.ID,
		User:        actor,
		Metadata: map[string]interface{}{
			"scope":             string(req.Scope),
			"continue_on_error": req.Options.ContinueOnError,
		},
	}); err != nil {
		e.policy.ReleaseOperationSlot()
		return nil, err
	}

	e.mu.Lock()
	e.ops[state.op.ID] = state
	e.mu.Unlock()

	e.dispatchEvent(ctx, domain.EventDeletionRequested, state.op.ID, req.RequestedBy, domain.DeletionRequestedPayload{
		OperationID: state.op.ID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		EntityName:  ref.Name,
		Actor:       req.RequestedBy,
	})

	e.policy.RecordActivity(req.RequestedBy, policy.ActionDeletion, req.Scope != domain.ScopeSingle)
	if _, err := e.policy.DetectAnomalousPattern(ctx, req.RequestedBy, nil); err != nil {
		logger.Warn("Anomaly evaluation failed",
			zap.String("user_id", req.RequestedBy),
			zap.Error(err),
		)
	}

	if err := e.pools.SubmitDetached("cascade", func(runCtx context.Context) {
		e.run(runCtx, state, req, actor)
	}); err != nil {
		e.policy.ReleaseOperationSlot()
		e.mu.Lock()
		delete(e.ops, state.op.ID)
		e.mu.Unlock()
		return nil, fmt.Errorf("submit cascade actor: %w", err)
	}

	op := state.snapshotOp()
	return &op, nil
}

// Get returns copies of an operation and its progress.
func (e *Engine) Get(operationID string) (*domain.DeletionOperation, *domain.DeletionProgress, error) {
	e.mu.RLock()
	state, ok := e.ops[operationID]
	e.mu.RUnlock()
	if !ok {
		return nil, nil, apperrors.NotFound(apperrors.CodeOperationNotFound,
			fmt.Sprintf("operation %s not found", operationID))
	}
	op := state.snapshotOp()
	progress := state.snapshotProgress()
	return &op, &progress, nil
}

// Cancel requests cancellation of a running operation. Only operations
// still analyzing or validating can be cancelled; later requests are
// refused and the refusal is audited.
func (e *Engine) Cancel(ctx context.Context, operationID, requestedBy string) error {
	e.mu.RLock()
	state, ok := e.ops[operationID]
	e.mu.RUnlock()
	if !ok {
		return apperrors.NotFound(apperrors.CodeOperationNotFound,
			fmt.Sprintf("operation %s not found", operationID))
	}

	state.mu.Lock()
	status := state.op.Status
	phase := state.progress.Phase
	state.mu.Unlock()

	if status.Terminal() || !domain.CancellablePhase(phase) {
		if err := e.trail.Append(ctx, &audit.Entry{
			Action:      "deletion.cancel.refused",
			OperationID: operationID,
			User:        audit.Actor{ID: requestedBy},
			Metadata: map[string]interface{}{
				"status": string(status),
				"phase":  string(phase),
			},
		}); err != nil {
			return err
		}
		return apperrors.Conflict(apperrors.CodeCancelRefused,
			fmt.Sprintf("operation %s is %s in phase %s and can no longer be cancelled", operationID, status, phase))
	}

	if err := e.trail.Append(ctx, &audit.Entry{
		Action:      "deletion.cancel.requested",
		OperationID: operationID,
		User:        audit.Actor{ID: requestedBy},
	}); err != nil {
		return err
	}

	select {
	case state.cancelCh <- requestedBy:
	default:
		// A cancel command is already queued; idempotent.
	}
	return nil
}

func (state *operationState) snapshotOp() domain.DeletionOperation {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.op
}

func (state *operationState) snapshotProgress() domain.DeletionProgress {
	state.mu.Lock()
	defer state.mu.Unlock()
	p := state.progress
	p.ProcessedEntities = append([]domain.ProcessedEntity(nil), state.progress.ProcessedEntities...)
	p.Errors = append([]domain.DeletionError(nil), state.progress.Errors...)
	p.Warnings = append([]domain.DeletionWarning(nil), state.progress.Warnings...)
	return p
}

// sweepExpired drops terminal operations past the retention window.
func (e *Engine) sweepExpired() {
	cutoff := e.now().Add(-e.cfg.OperationRetention)

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, state := range e.ops {
		state.mu.Lock()
		expired := state.op.Status.Terminal() && !state.doneAt.IsZero() && state.doneAt.Before(cutoff)
		state.mu.Unlock()
		if expired {
			delete(e.ops, id)
		}
	}
}

func (e *Engine) dispatchEvent(ctx context.Context, eventType domain.EventType, operationID, createdBy string, payload interface{ ToJSON() ([]byte, error) }) {
	data, err := payload.ToJSON()
	if err != nil {
		logger.Error("Failed to marshal event payload",
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
		return
	}
	event := &domain.DomainEvent{
		EventID:     uuid.New().String(),
		EventType:   eventType,
		OperationID: operationID,
		Payload:     data,
		CreatedBy:   createdBy,
		CreatedAt:   e.now(),
	}
	if err := e.events.Dispatch(ctx, event); err != nil {
		logger.Warn("Event dispatch reported handler failure",
			zap.String("event_type", string(eventType)),
			zap.String("operation_id", operationID),
			zap.Error(err),
		)
	}
}
