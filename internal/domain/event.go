package domain

import (
	"encoding/json"
	"time"
)

// EventType defines the type of domain event.
type EventType string

const (
	// Deletion lifecycle events.
	EventDeletionPreviewed EventType = "DELETION_PREVIEWED"
	EventDeletionRequested EventType = "DELETION_REQUESTED"
	EventDeletionStarted   EventType = "DELETION_STARTED"
	EventDeletionCompleted EventType = "DELETION_COMPLETED"
	EventDeletionFailed    EventType = "DELETION_FAILED"
	EventDeletionCancelled EventType = "DELETION_CANCELLED"

	// Security policy events.
	EventPermissionGranted EventType = "PERMISSION_GRANTED"
	EventPermissionDenied  EventType = "PERMISSION_DENIED"
	EventRateLimitHit      EventType = "RATE_LIMIT_HIT"
	EventAnomalyDetected   EventType = "ANOMALY_DETECTED"
	EventTokenIssued       EventType = "TOKEN_ISSUED"
	EventTokenRedeemed     EventType = "TOKEN_REDEEMED"
	EventTokenRejected     EventType = "TOKEN_REJECTED"

	// Audit trail events.
	EventRollbackRequested EventType = "ROLLBACK_REQUESTED"
	EventRollbackCompleted EventType = "ROLLBACK_COMPLETED"
	EventAuditExported     EventType = "AUDIT_EXPORTED"
)

// DomainEvent is an immutable in-process notification of something that
// already happened. The audit trail, not this stream, is the source of
// truth for governance records.
type DomainEvent struct {
	EventID     string          `json:"event_id"`
	EventType   EventType       `json:"event_type"`
	OperationID string          `json:"operation_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DeletionRequestedPayload is the payload for DELETION_REQUESTED events.
type DeletionRequestedPayload struct {
	OperationID string     `json:"operation_id"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	EntityName  string     `json:"entity_name"`
	Actor       string     `json:"actor"`
}

// ToJSON converts payload to JSON bytes.
func (p DeletionRequestedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// DeletionFinishedPayload is the payload for terminal deletion events.
type DeletionFinishedPayload struct {
	OperationID    string          `json:"operation_id"`
	Status         OperationStatus `json:"status"`
	Result         OperationResult `json:"result,omitempty"`
	ProcessedCount int             `json:"processed_count"`
	FailedCount    int             `json:"failed_count"`
}

// ToJSON converts payload to JSON bytes.
func (p DeletionFinishedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}
