package repository

import (
	"context"
	"fmt"

	"conservatory.io/cadenza/internal/domain"
	"conservatory.io/cadenza/internal/governance/audit"
)

// Restorer is the optional rollback capability of a repository: records
// and reference fields removed by the deletion engine can be reinstated.
type Restorer interface {
	Restore(ctx context.Context, entityType domain.EntityType, entityID string) error
	RestoreField(ctx context.Context, entityType domain.EntityType, entityID, field string) error
}

// Compensator maps rollbackable audit entries onto repository restore
// calls. Best effort: the restore and the compensating audit entry are not
// atomic across stores.
type Compensator struct {
	repo Restorer
}

// NewCompensator creates a repository-backed audit compensator.
func NewCompensator(repo Restorer) *Compensator {
	return &Compensator{repo: repo}
}

// Compensate implements audit.Compensator.
func (c *Compensator) Compensate(ctx context.Context, entry *audit.Entry) error {
	switch entry.Action {
	case "deletion.node.deleted":
		return c.repo.Restore(ctx, entry.EntityType, entry.EntityID)
	case "deletion.node.nullified":
		if len(entry.Changes) == 0 || entry.Changes[0].Field == "" {
			return fmt.Errorf("entry %s records no field to restore", entry.ID)
		}
		return c.repo.RestoreField(ctx, entry.EntityType, entry.EntityID, entry.Changes[0].Field)
	default:
		return fmt.Errorf("action %s has no compensation", entry.Action)
	}
}
