package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conservatory.io/cadenza/internal/domain"
	apperrors "conservatory.io/cadenza/internal/pkg/errors"
	"conservatory.io/cadenza/internal/pkg/logger"
)

// Compensator applies the compensating write for a rollback-capable audit
// entry. Implemented by repository adapters that can undo their own writes;
// rollback is best-effort and carries no cross-store atomicity guarantee.
type Compensator interface {
	Compensate(ctx context.Context, entry *Entry) error
}

// ExportResult describes a produced export for operator tooling. File
// persistence is the console's concern; the trail keeps the shaped record
// set available until ExpiresAt.
type ExportResult struct {
	ExportID    string    `json:"exportId"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
	RecordCount int       `json:"recordCount"`
}

const exportRetention = 15 * time.Minute

type export struct {
	contentType string
	data        []byte
	expiresAt   time.Time
}

// Trail is the audit trail service: append helpers for the policy engine
// and execution engine, plus operator review, rollback, and export.
type Trail struct {
	store       Store
	compensator Compensator

	mu      sync.Mutex
	exports map[string]export
}

// NewTrail creates a Trail over the given store.
func NewTrail(store Store, compensator Compensator) *Trail {
	return &Trail{
		store:       store,
		compensator: compensator,
		exports:     make(map[string]export),
	}
}

// Append records an entry. A failed append means the governed action must
// not proceed; callers propagate the error instead of continuing.
func (t *Trail) Append(ctx context.Context, entry *Entry) error {
	if err := t.store.Append(ctx, entry); err != nil {
		logger.Error("Failed to append audit entry",
			zap.String("action", entry.Action),
			zap.String("operation_id", entry.OperationID),
			zap.Error(err),
		)
		return apperrors.Wrap(err, apperrors.CodeAuditAppendFailed, "audit append failed", 500)
	}
	return nil
}

// LogDecision records a security policy decision (grant or deny) before it
// is returned to the caller.
func (t *Trail) LogDecision(ctx context.Context, action string, user Actor, operationID string, granted bool, details map[string]interface{}) error {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["granted"] = granted
	return t.Append(ctx, &Entry{
		Action:      action,
		OperationID: operationID,
		User:        user,
		Metadata:    details,
	})
}

// LogPhase records an execution phase transition. Appended before the
// phase's side effects are attempted.
func (t *Trail) LogPhase(ctx context.Context, op *domain.DeletionOperation, phase domain.Phase, user Actor) error {
	return t.Append(ctx, &Entry{
		Action:      "deletion.phase." + string(phase),
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		EntityName:  op.EntityName,
		OperationID: op.ID,
		User:        user,
	})
}

// LogNode records one processed dependent node during the deleting phase.
// Delete and nullify outcomes are rollback candidates.
func (t *Trail) LogNode(ctx context.Context, operationID string, user Actor, node domain.ProcessedEntity, field string) error {
	change := Change{Field: field, ChangeType: string(node.Outcome)}
	rollbackable := node.Outcome == domain.OutcomeDeleted || node.Outcome == domain.OutcomeNullified
	return t.Append(ctx, &Entry{
		Action:       "deletion.node." + string(node.Outcome),
		EntityType:   node.Type,
		EntityID:     node.ID,
		EntityName:   node.Name,
		OperationID:  operationID,
		User:         user,
		Changes:      []Change{change},
		Rollbackable: rollbackable,
		Metadata: map[string]interface{}{
			"error": node.Error,
		},
	})
}

// Get returns one entry by id.
func (t *Trail) Get(ctx context.Context, id string) (*Entry, error) {
	return t.store.Get(ctx, id)
}

// Query returns entries matching the filter.
func (t *Trail) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	return t.store.Query(ctx, filter)
}

// VerifyChain reports the first tampered entry ID, or "" when intact.
func (t *Trail) VerifyChain(ctx context.Context) (string, error) {
	return t.store.VerifyChain(ctx)
}

// Rollback compensates a prior rollbackable entry. Historical entries are
// never mutated: the compensation is itself a new audit entry, and the
// RollbackOperation tracks its own completion separately.
func (t *Trail) Rollback(ctx context.Context, entryID, requestedBy string) (*RollbackOperation, error) {
	entry, err := t.store.Get(ctx, entryID)
	if err != nil {
		return nil, apperrors.NotFound(apperrors.CodeAuditEntryNotFound, fmt.Sprintf("audit entry %s not found", entryID))
	}
	if !entry.Rollbackable {
		return nil, apperrors.Conflict(apperrors.CodeRollbackNotAllowed,
			fmt.Sprintf("audit entry %s is not rollback-capable", entryID))
	}

	op := &RollbackOperation{
		ID:            "rollback-" + uuid.New().String(),
		TargetEntryID: entryID,
		Status:        RollbackPending,
		RequestedBy:   requestedBy,
		CreatedAt:     time.Now().UTC(),
	}

	// Append-before-effect: the rollback request is durable before the
	// compensating write is attempted.
	if err := t.Append(ctx, &Entry{
		Action:      "audit.rollback.requested",
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		EntityName:  entry.EntityName,
		OperationID: entry.OperationID,
		User:        Actor{ID: requestedBy},
		Metadata: map[string]interface{}{
			"rollback_id":   op.ID,
			"target_entry":  entryID,
			"target_action": entry.Action,
		},
	}); err != nil {
		return nil, err
	}

	var compErr error
	if t.compensator == nil {
		compErr = fmt.Errorf("no compensator configured")
	} else {
		compErr = t.compensator.Compensate(ctx, entry)
	}

	now := time.Now().UTC()
	op.FinishedAt = &now
	resultAction := "audit.rollback.completed"
	if compErr != nil {
		op.Status = RollbackFailed
		op.Error = compErr.Error()
		resultAction = "audit.rollback.failed"
	} else {
		op.Status = RollbackCompleted
	}

	if err := t.Append(ctx, &Entry{
		Action:      resultAction,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		EntityName:  entry.EntityName,
		OperationID: entry.OperationID,
		User:        Actor{ID: requestedBy},
		Metadata: map[string]interface{}{
			"rollback_id": op.ID,
			"error":       op.Error,
		},
	}); err != nil {
		return nil, err
	}

	if compErr != nil {
		return op, apperrors.Wrap(compErr, apperrors.CodeRollbackFailed, "compensating write failed", 500)
	}
	return op, nil
}

// Export produces the filtered record set in json or csv form and keeps it
// retrievable by export id until it expires.
func (t *Trail) Export(ctx context.Context, filter Filter, format string) (*ExportResult, error) {
	entries, err := t.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	var (
		data        []byte
		contentType string
	)
	switch format {
	case "", "json":
		data, err = json.Marshal(entries)
		contentType = "application/json"
	case "csv":
		data, err = encodeCSV(entries)
		contentType = "text/csv"
	default:
		return nil, apperrors.BadRequest(apperrors.CodeInvalidRequest,
			fmt.Sprintf("unsupported export format %q", format))
	}
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}

	exportID := "export-" + uuid.New().String()
	expiresAt := time.Now().UTC().Add(exportRetention)

	t.mu.Lock()
	t.exports[exportID] = export{contentType: contentType, data: data, expiresAt: expiresAt}
	for id, ex := range t.exports {
		if ex.expiresAt.Before(time.Now()) {
			delete(t.exports, id)
		}
	}
	t.mu.Unlock()

	return &ExportResult{
		ExportID:    exportID,
		DownloadURL: "/api/v1/audit-logs/exports/" + exportID,
		ExpiresAt:   expiresAt,
		RecordCount: len(entries),
	}, nil
}

// TakeExport consumes a previously produced export. Each export downloads
// once; unknown or expired IDs return false.
func (t *Trail) TakeExport(exportID string) (data []byte, contentType string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ex, found := t.exports[exportID]
	if !found || ex.expiresAt.Before(time.Now()) {
		return nil, "", false
	}
	delete(t.exports, exportID)
	return ex.data, ex.contentType, true
}

func encodeCSV(entries []Entry) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write([]string{
		"id", "timestamp", "action", "entity_type", "entity_id", "entity_name",
		"operation_id", "user_id", "user_name", "user_role", "rollbackable",
	}); err != nil {
		return nil, err
	}
	for i := range entries {
		e := &entries[i]
		if err := w.Write([]string{
			e.ID, e.Timestamp.Format(time.RFC3339Nano), e.Action,
			string(e.EntityType), e.EntityID, e.EntityName,
			e.OperationID, e.User.ID, e.User.Name, e.User.Role,
			strconv.FormatBool(e.Rollbackable),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}
