package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"conservatory.io/cadenza/internal/domain"
	"conservatory.io/cadenza/internal/governance/audit"
	apperrors "conservatory.io/cadenza/internal/pkg/errors"
	"conservatory.io/cadenza/internal/pkg/logger"
	"conservatory.io/cadenza/internal/repository"
)

// run is the operation actor. It owns all writes to the operation state;
// the registry only reads copies.
func (e *Engine) run(ctx context.Context, state *operationState, req Request, actor audit.Actor) {
	defer e.policy.ReleaseOperationSlot()

	state.mu.Lock()
	now := e.now()
	state.op.Status = domain.StatusInProgress
	state.op.StartedAt = &now
	state.mu.Unlock()

	// Analyzing: fresh impact, drift and regression checks.
	if !e.enterPhase(ctx, state, domain.PhaseAnalyzing, "analyzing deletion impact", actor) {
		return
	}
	impact, err := e.analyzer.Preview(ctx, req.EntityType, req.EntityID)
	if err != nil {
		e.fail(ctx, state, actor, err)
		return
	}
	if !impact.CanDelete {
		e.fail(ctx, state, actor, apperrors.Conflict(apperrors.CodeDeletionBlocked,
			"deletion is blocked by restricted dependents"))
		return
	}
	if want := req.Options.ExpectedAffectedCount; want != nil && *want != impact.TotalAffectedCount {
		e.fail(ctx, state, actor, apperrors.Conflict(apperrors.CodeImpactDrift,
			fmt.Sprintf("impact changed since preview: expected %d affected, found %d", *want, impact.TotalAffectedCount)))
		return
	}
	state.mu.Lock()
	state.impact = impact
	state.progress.Warnings = append(state.progress.Warnings, impact.Warnings...)
	state.mu.Unlock()
	e.publish(state)

	if e.honorCancel(ctx, state, actor) {
		return
	}

	// Validating: re-check policy, consume the confirmation token. No
	// record is written before every check passes.
	if !e.enterPhase(ctx, state, domain.PhaseValidating, "validating permissions and confirmation", actor) {
		return
	}
	decision, err := e.policy.ValidatePermission(ctx, req.RequestedBy, req.EntityID, req.Scope)
	if err != nil {
		e.fail(ctx, state, actor, err)
		return
	}
	if !decision.Granted {
		e.fail(ctx, state, actor, apperrors.Forbidden(apperrors.CodePermissionDenied,
			fmt.Sprintf("deletion not permitted: %v", decision.Violations)))
		return
	}
	// The window was consumed at submission; this re-read catches a limit
	// that filled up while the operation sat queued.
	limit, err := e.policy.PeekRateLimit(ctx, req.RequestedBy, ActionClass(req.Scope))
	if err != nil {
		e.fail(ctx, state, actor, err)
		return
	}
	if !limit.Allowed {
		e.fail(ctx, state, actor, apperrors.TooManyRequests(apperrors.CodeRateLimitExceeded,
			fmt.Sprintf("rate limit for %s reached; resets at %s", ActionClass(req.Scope), limit.ResetAt.Format(time.RFC3339))))
		return
	}
	// Every execution redeems a token, even when the preview needed no
	// confirmation dialog. RequiresConfirmation is a UI signal only.
	if req.Options.ConfirmationToken == "" {
		e.fail(ctx, state, actor, apperrors.Unauthorized(apperrors.CodeTokenInvalid,
			"operation requires a confirmation token"))
		return
	}
	if _, err := e.policy.RedeemToken(ctx, req.RequestedBy, EntityKey(req.EntityType, req.EntityID), req.Options.ConfirmationToken); err != nil {
		e.fail(ctx, state, actor, err)
		return
	}

	if e.honorCancel(ctx, state, actor) {
		return
	}

	// Deleting: leaves first, root last. Cancellation is refused from here
	// on; a queued request surfaces as a refusal audit entry.
	e.refuseLateCancel(ctx, state, actor)
	if !e.enterPhase(ctx, state, domain.PhaseDeleting, "deleting dependent records", actor) {
		return
	}

	nodes := flattenPostOrder(impact.Dependents)
	state.mu.Lock()
	state.progress.TotalSteps = len(nodes) + 1
	state.progress.CompletedSteps = 0
	state.progress.Recompute()
	state.mu.Unlock()
	e.publish(state)

	batch := req.Options.BatchSize
	if batch <= 0 {
		batch = e.cfg.DefaultBatchSize
	}

	var failed int
	for i, node := range nodes {
		outcome := e.applyNode(ctx, node)
		if outcome.Outcome == domain.OutcomeFailed {
			failed++
		}
		e.recordNode(ctx, state, actor, outcome, node.Field)

		if outcome.Outcome == domain.OutcomeFailed && !req.Options.ContinueOnError {
			e.skipRemaining(ctx, state, actor, nodes[i+1:])
			e.fail(ctx, state, actor, apperrors.Internal(apperrors.CodeExecutionFailed,
				fmt.Sprintf("aborted after failure on %s %s", outcome.Type, outcome.ID)))
			return
		}
		if (i+1)%batch == 0 {
			logger.Debug("Deletion batch complete",
				zap.String("operation_id", state.op.ID),
				zap.Int("processed", i+1),
				zap.Int("total", len(nodes)),
			)
		}
	}

	// Root goes last so a partial failure never leaves dangling dependents
	// of a missing owner.
	rootOutcome := e.applyRoot(ctx, req)
	if rootOutcome.Outcome == domain.OutcomeFailed {
		failed++
	}
	e.recordNode(ctx, state, actor, rootOutcome, "")
	if rootOutcome.Outcome == domain.OutcomeFailed && !req.Options.ContinueOnError {
		e.fail(ctx, state, actor, apperrors.Internal(apperrors.CodeExecutionFailed,
			fmt.Sprintf("failed to delete root %s %s", req.EntityType, req.EntityID)))
		return
	}

	// Cleaning up: best-effort verification sweep; failures become
	// warnings, never operation failure.
	if !e.enterPhase(ctx, state, domain.PhaseCleaningUp, "sweeping orphaned references", actor) {
		return
	}
	e.cleanupSweep(ctx, state)

	e.complete(ctx, state, actor, failed)
}

// enterPhase audits and publishes a phase transition. Append-before-effect:
// a failed audit append aborts the operation before the phase runs.
func (e *Engine) enterPhase(ctx context.Context, state *operationState, phase domain.Phase, step string, actor audit.Actor) bool {
	op := state.snapshotOp()
	if err := e.trail.LogPhase(ctx, &op, phase, actor); err != nil {
		e.failWithoutAudit(ctx, state, actor, err)
		return false
	}

	state.mu.Lock()
	if state.progress.Phase.Before(phase) || state.progress.Phase == phase {
		state.progress.Phase = phase
	}
	state.progress.CurrentStep = step
	state.progress.Recompute()
	state.mu.Unlock()
	e.publish(state)
	return true
}

// honorCancel consumes a queued cancel command at a cancellable boundary.
func (e *Engine) honorCancel(ctx context.Context, state *operationState, actor audit.Actor) bool {
	select {
	case requestedBy := <-state.cancelCh:
		e.terminate(ctx, state, actor, domain.StatusCancelled, "deletion.phase.cancelled", map[string]interface{}{
			"cancelled_by": requestedBy,
		})
		return true
	default:
		return false
	}
}

// refuseLateCancel drains a cancel that raced the deleting transition.
func (e *Engine) refuseLateCancel(ctx context.Context, state *operationState, actor audit.Actor) {
	select {
	case requestedBy := <-state.cancelCh:
		if err := e.trail.Append(ctx, &audit.Entry{
			Action:      "deletion.cancel.refused",
			OperationID: state.op.ID,
			User:        audit.Actor{ID: requestedBy},
			Metadata:    map[string]interface{}{"phase": string(domain.PhaseDeleting)},
		}); err != nil {
			logger.Error("Failed to audit late cancel refusal",
				zap.String("operation_id", state.op.ID),
				zap.Error(err),
			)
		}
	default:
	}
}

// applyNode applies one dependent's cascade action with transient retry.
func (e *Engine) applyNode(ctx context.Context, node domain.DependentEntity) domain.ProcessedEntity {
	outcome := domain.ProcessedEntity{ID: node.ID, Type: node.Type, Name: node.Name}

	var err error
	switch node.CascadeAction {
	case domain.ActionDelete:
		err = e.withRetry(ctx, func() error { return e.repo.Delete(ctx, node.Type, node.ID) })
		outcome.Outcome = domain.OutcomeDeleted
	case domain.ActionNullify:
		err = e.withRetry(ctx, func() error { return e.repo.Nullify(ctx, node.Type, node.ID, node.Field) })
		outcome.Outcome = domain.OutcomeNullified
	case domain.ActionSetDefault:
		err = e.withRetry(ctx, func() error { return e.repo.SetDefault(ctx, node.Type, node.ID, node.Field) })
		outcome.Outcome = domain.OutcomeNullified
	default:
		outcome.Outcome = domain.OutcomeSkipped
	}

	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Already gone; deletion is idempotent per node.
			outcome.Outcome = domain.OutcomeSkipped
			return outcome
		}
		outcome.Outcome = domain.OutcomeFailed
		outcome.Error = err.Error()
	}
	return outcome
}

func (e *Engine) applyRoot(ctx context.Context, req Request) domain.ProcessedEntity {
	outcome := domain.ProcessedEntity{ID: req.EntityID, Type: req.EntityType, Outcome: domain.OutcomeDeleted}
	if err := e.withRetry(ctx, func() error { return e.repo.Delete(ctx, req.EntityType, req.EntityID) }); err != nil {
		outcome.Outcome = domain.OutcomeFailed
		outcome.Error = err.Error()
	}
	return outcome
}

// withRetry retries transient IO failures; other errors return untouched.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.TransientRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.TransientRetryWait):
			}
		}
		err = op()
		if err == nil || !errors.Is(err, repository.ErrTransientIO) {
			return err
		}
	}
	return err
}

// recordNode audits one processed node and publishes refreshed progress.
func (e *Engine) recordNode(ctx context.Context, state *operationState, actor audit.Actor, outcome domain.ProcessedEntity, field string) {
	if err := e.trail.LogNode(ctx, state.op.ID, actor, outcome, field); err != nil {
		logger.Error("Failed to audit processed node",
			zap.String("operation_id", state.op.ID),
			zap.String("entity_id", outcome.ID),
			zap.Error(err),
		)
	}

	state.mu.Lock()
	state.progress.ProcessedEntities = append(state.progress.ProcessedEntities, outcome)
	state.progress.CompletedSteps++
	state.progress.CurrentStep = fmt.Sprintf("%s %s %q", outcome.Outcome, outcome.Type, outcome.Name)
	if outcome.Outcome == domain.OutcomeFailed {
		state.progress.Errors = append(state.progress.Errors, domain.DeletionError{
			EntityID:   outcome.ID,
			EntityType: outcome.Type,
			Message:    outcome.Error,
		})
	}
	state.progress.Recompute()
	state.mu.Unlock()
	e.publish(state)
}

// skipRemaining marks unprocessed nodes after an aborting failure.
func (e *Engine) skipRemaining(ctx context.Context, state *operationState, actor audit.Actor, rest []domain.DependentEntity) {
	for _, node := range rest {
		e.recordNode(ctx, state, actor, domain.ProcessedEntity{
			ID:      node.ID,
			Type:    node.Type,
			Name:    node.Name,
			Outcome: domain.OutcomeSkipped,
		}, node.Field)
	}
}

// cleanupSweep verifies nullified survivors still resolve; problems become
// warnings only.
func (e *Engine) cleanupSweep(ctx context.Context, state *operationState) {
	state.mu.Lock()
	processed := append([]domain.ProcessedEntity(nil), state.progress.ProcessedEntities...)
	state.mu.Unlock()

	var warnings []domain.DeletionWarning
	for _, p := range processed {
		if p.Outcome != domain.OutcomeNullified {
			continue
		}
		if _, err := e.repo.GetEntity(ctx, p.Type, p.ID); err != nil {
			warnings = append(warnings, domain.DeletionWarning{
				Type:           domain.WarningIntegrityRisk,
				Severity:       domain.SeverityLow,
				Message:        fmt.Sprintf("post-deletion check failed for %s %s: %v", p.Type, p.ID, err),
				AffectedEntity: string(p.Type) + ":" + p.ID,
			})
		}
	}
	if len(warnings) > 0 {
		state.mu.Lock()
		state.progress.Warnings = append(state.progress.Warnings, warnings...)
		state.mu.Unlock()
		e.publish(state)
	}
}

func (e *Engine) complete(ctx context.Context, state *operationState, actor audit.Actor, failed int) {
	result := domain.ResultCompleted
	if failed > 0 {
		result = domain.ResultCompletedWithErrors
	}

	state.mu.Lock()
	state.op.Result = result
	state.mu.Unlock()

	e.terminate(ctx, state, actor, domain.StatusCompleted, "deletion.phase.completed", map[string]interface{}{
		"result":       string(result),
		"failed_nodes": failed,
	})
}

// fail audits and terminates an operation with its error.
func (e *Engine) fail(ctx context.Context, state *operationState, actor audit.Actor, cause error) {
	logger.Warn("Deletion operation failed",
		zap.String("operation_id", state.op.ID),
		zap.Error(cause),
	)
	state.mu.Lock()
	state.op.Metadata = map[string]interface{}{"error": cause.Error()}
	state.mu.Unlock()

	e.terminate(ctx, state, actor, domain.StatusFailed, "deletion.phase.failed", map[string]interface{}{
		"error": cause.Error(),
	})
}

// failWithoutAudit terminates when the audit trail itself is down. The
// terminal event still fires so progress streams close instead of hanging.
func (e *Engine) failWithoutAudit(ctx context.Context, state *operationState, actor audit.Actor, cause error) {
	now := e.now()
	state.mu.Lock()
	if domain.CanTransition(state.op.Status, domain.StatusFailed) {
		state.op.Status = domain.StatusFailed
		state.op.FinishedAt = &now
		state.doneAt = now
	}
	state.progress.Phase = domain.PhaseFailed
	state.progress.CurrentStep = "audit trail unavailable"
	state.progress.Errors = append(state.progress.Errors, domain.DeletionError{Message: cause.Error()})
	op := state.op
	processed := len(state.progress.ProcessedEntities)
	failedCount := len(state.progress.Errors)
	state.mu.Unlock()

	// Snapshot first: the failed event closes the progress topic.
	e.publish(state)
	e.dispatchEvent(ctx, domain.EventDeletionFailed, op.ID, actor.ID, domain.DeletionFinishedPayload{
		OperationID:    op.ID,
		Status:         op.Status,
		Result:         op.Result,
		ProcessedCount: processed,
		FailedCount:    failedCount,
	})
}

// terminate moves an operation to a terminal status, audits it, publishes
// the final snapshot, and emits the matching domain event.
func (e *Engine) terminate(ctx context.Context, state *operationState, actor audit.Actor, status domain.OperationStatus, auditAction string, details map[string]interface{}) {
	now := e.now()

	state.mu.Lock()
	if domain.CanTransition(state.op.Status, status) {
		state.op.Status = status
	}
	state.op.FinishedAt = &now
	state.doneAt = now

	switch status {
	case domain.StatusCompleted:
		state.progress.Phase = domain.PhaseCompleted
		state.progress.CompletedSteps = state.progress.TotalSteps
		state.progress.CurrentStep = "completed"
	case domain.StatusFailed:
		state.progress.Phase = domain.PhaseFailed
		state.progress.CurrentStep = "failed"
	case domain.StatusCancelled:
		state.progress.CurrentStep = "cancelled"
	}
	state.progress.Recompute()
	op := state.op
	processed := len(state.progress.ProcessedEntities)
	failedCount := len(state.progress.Errors)
	state.mu.Unlock()

	if err := e.trail.Append(ctx, &audit.Entry{
		Action:      auditAction,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		EntityName:  op.EntityName,
		OperationID: op.ID,
		User:        actor,
		Metadata:    details,
	}); err != nil {
		logger.Error("Failed to audit terminal transition",
			zap.String("operation_id", op.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	e.publish(state)

	eventType := domain.EventDeletionCompleted
	switch status {
	case domain.StatusFailed:
		eventType = domain.EventDeletionFailed
	case domain.StatusCancelled:
		eventType = domain.EventDeletionCancelled
	}
	e.dispatchEvent(ctx, eventType, op.ID, actor.ID, domain.DeletionFinishedPayload{
		OperationID:    op.ID,
		Status:         op.Status,
		Result:         op.Result,
		ProcessedCount: processed,
		FailedCount:    failedCount,
	})
}

func (e *Engine) publish(state *operationState) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(state.op.ID, state.snapshotProgress())
}

// flattenPostOrder orders the impact tree children-before-parent so leaves
// are removed first.
func flattenPostOrder(nodes []domain.DependentEntity) []domain.DependentEntity {
	var out []domain.DependentEntity
	for _, node := range nodes {
		out = append(out, flattenPostOrder(node.Children)...)
		out = append(out, node)
	}
	return out
}
