// Package domain holds the core types of the cascade-deletion subsystem.
//
// JSON field names and enum values are the wire contract shared with the
// admin console; existing consumers depend on them staying stable.
package domain

import (
	"time"
)

// EntityType identifies one of the conservatory record collections.
type EntityType string

const (
	EntityStudent      EntityType = "student"
	EntityTeacher      EntityType = "teacher"
	EntityOrchestra    EntityType = "orchestra"
	EntityRehearsal    EntityType = "rehearsal"
	EntityTheoryLesson EntityType = "theory_lesson"
	EntityBagrut       EntityType = "bagrut"
)

// Valid reports whether t names a known collection.
func (t EntityType) Valid() bool {
	switch t {
	case EntityStudent, EntityTeacher, EntityOrchestra, EntityRehearsal, EntityTheoryLesson, EntityBagrut:
		return true
	}
	return false
}

// OperationStatus is the lifecycle status of a DeletionOperation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in_progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusCancelled  OperationStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// OperationResult qualifies a completed operation. The status enum is fixed
// by the wire contract, so partial success is expressed here instead of as
// a sixth status value.
type OperationResult string

const (
	ResultCompleted           OperationResult = "completed"
	ResultCompletedWithErrors OperationResult = "completed_with_errors"
)

// DeletionOperation identifies one cascade request. Created on preview,
// mutated only by the execution engine, terminal once
// completed/failed/cancelled.
type DeletionOperation struct {
	ID          string                 `json:"id"`
	EntityType  EntityType             `json:"entityType"`
	EntityID    string                 `json:"entityId"`
	EntityName  string                 `json:"entityName"`
	Status      OperationStatus        `json:"status"`
	Result      OperationResult        `json:"result,omitempty"`
	RequestedBy string                 `json:"requestedBy"`
	CreatedAt   time.Time              `json:"createdAt"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	FinishedAt  *time.Time             `json:"finishedAt,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Relationship distinguishes first-hop dependents from transitively
// reachable ones.
type Relationship string

const (
	RelationshipDirect   Relationship = "direct"
	RelationshipIndirect Relationship = "indirect"
)

// CascadeAction says what happens to a dependent when its owner is deleted.
type CascadeAction string

const (
	ActionDelete     CascadeAction = "delete"
	ActionNullify    CascadeAction = "nullify"
	ActionRestrict   CascadeAction = "restrict"
	ActionSetDefault CascadeAction = "set_default"
)

// DependentEntity is one node of the impact tree.
type DependentEntity struct {
	ID            string            `json:"id"`
	Type          EntityType        `json:"type"`
	Name          string            `json:"name"`
	Relationship  Relationship      `json:"relationship"`
	CascadeAction CascadeAction     `json:"cascadeAction"`
	AffectedCount int               `json:"affectedCount"`
	// Field is the reference to clear for nullify/set_default actions.
	Field    string            `json:"field,omitempty"`
	Children []DependentEntity `json:"children,omitempty"`
}

// WarningType classifies a DeletionWarning.
type WarningType string

const (
	WarningDataLoss           WarningType = "data_loss"
	WarningIntegrityRisk      WarningType = "integrity_risk"
	WarningPermissionRequired WarningType = "permission_required"
	WarningActiveDependencies WarningType = "active_dependencies"
)

// WarningSeverity grades a DeletionWarning. Severity feeds risk scoring but
// never blocks by itself; only canDelete=false blocks.
type WarningSeverity string

const (
	SeverityLow      WarningSeverity = "low"
	SeverityMedium   WarningSeverity = "medium"
	SeverityHigh     WarningSeverity = "high"
	SeverityCritical WarningSeverity = "critical"
)

// DeletionWarning is an advisory note attached to an impact report or an
// in-flight operation.
type DeletionWarning struct {
	Type           WarningType     `json:"type"`
	Severity       WarningSeverity `json:"severity"`
	Message        string          `json:"message"`
	AffectedEntity string          `json:"affectedEntity,omitempty"`
}

// RiskLevel summarizes an impact report for the confirmation dialog.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// DeletionImpact is the read-only analysis result. Immutable once produced;
// regenerated per preview call, never cached across entity mutations.
type DeletionImpact struct {
	EntityType           EntityType        `json:"entityType"`
	EntityID             string            `json:"entityId"`
	EntityName           string            `json:"entityName"`
	Dependents           []DependentEntity `json:"dependents"`
	TotalAffectedCount   int               `json:"totalAffectedCount"`
	Depth                int               `json:"depth"`
	Warnings             []DeletionWarning `json:"warnings"`
	CanDelete            bool              `json:"canDelete"`
	RequiresConfirmation bool              `json:"requiresConfirmation"`
	RiskLevel            RiskLevel         `json:"riskLevel"`
}

// Phase is the execution phase of an in-flight operation.
type Phase string

const (
	PhaseAnalyzing  Phase = "analyzing"
	PhaseValidating Phase = "validating"
	PhaseDeleting   Phase = "deleting"
	PhaseCleaningUp Phase = "cleaning_up"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// phaseOrder backs the monotonicity rule: progress never moves to an
// earlier phase.
var phaseOrder = map[Phase]int{
	PhaseAnalyzing:  0,
	PhaseValidating: 1,
	PhaseDeleting:   2,
	PhaseCleaningUp: 3,
	PhaseCompleted:  4,
	PhaseFailed:     4,
}

// Before reports whether p is strictly earlier than other in phase order.
func (p Phase) Before(other Phase) bool {
	return phaseOrder[p] < phaseOrder[other]
}

// EntityOutcome is the per-node result within the deleting phase.
type EntityOutcome string

const (
	OutcomeDeleted   EntityOutcome = "deleted"
	OutcomeNullified EntityOutcome = "nullified"
	OutcomeSkipped   EntityOutcome = "skipped"
	OutcomeFailed    EntityOutcome = "failed"
)

// ProcessedEntity records the outcome for one dependent node.
type ProcessedEntity struct {
	ID      string        `json:"id"`
	Type    EntityType    `json:"type"`
	Name    string        `json:"name"`
	Outcome EntityOutcome `json:"outcome"`
	Error   string        `json:"error,omitempty"`
}

// DeletionError is one accumulated per-node failure.
type DeletionError struct {
	EntityID   string     `json:"entityId"`
	EntityType EntityType `json:"entityType"`
	Message    string     `json:"message"`
}

// DeletionProgress is the live state of an in-flight operation. One record
// exists per operation, mutated in place as phases advance, never rolled
// back to an earlier phase.
type DeletionProgress struct {
	OperationID       string            `json:"operationId"`
	Phase             Phase             `json:"phase"`
	CurrentStep       string            `json:"currentStep"`
	TotalSteps        int               `json:"totalSteps"`
	CompletedSteps    int               `json:"completedSteps"`
	Percentage        float64           `json:"percentage"`
	ProcessedEntities []ProcessedEntity `json:"processedEntities"`
	Errors            []DeletionError   `json:"errors"`
	Warnings          []DeletionWarning `json:"warnings"`
}

// Recompute refreshes the derived percentage. Percentage is monotonically
// non-decreasing within an operation.
func (p *DeletionProgress) Recompute() {
	if p.TotalSteps <= 0 {
		return
	}
	pct := float64(p.CompletedSteps) / float64(p.TotalSteps) * 100
	if pct > p.Percentage {
		p.Percentage = pct
	}
}

// TokenScope scopes a confirmation token to one class of operation.
type TokenScope string

const (
	ScopeSingle  TokenScope = "single"
	ScopeBulk    TokenScope = "bulk"
	ScopeCascade TokenScope = "cascade"
	ScopeCleanup TokenScope = "cleanup"
)

// Valid reports whether s names a known operation class.
func (s TokenScope) Valid() bool {
	switch s {
	case ScopeSingle, ScopeBulk, ScopeCascade, ScopeCleanup:
		return true
	}
	return false
}

// validTransitions captures the operation state machine. failed is also
// reachable from every non-terminal state.
var validTransitions = map[OperationStatus][]OperationStatus{
	StatusPending:    {StatusInProgress, StatusCancelled, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the status transition is legal.
func CanTransition(from, to OperationStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CancellablePhase reports whether a cancellation request arriving in the
// given phase may be honored. Once deleting has started the cascade runs to
// completion or documented failure, never abandoned mid-write.
func CancellablePhase(p Phase) bool {
	return p == PhaseAnalyzing || p == PhaseValidating
}
