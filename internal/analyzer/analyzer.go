package analyzer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"conservatory.io/cadenza/internal/config"
	"conservatory.io/cadenza/internal/domain"
	apperrors "conservatory.io/cadenza/internal/pkg/errors"
	"conservatory.io/cadenza/internal/pkg/logger"
	"conservatory.io/cadenza/internal/repository"
)

// Analyzer walks relationship edges and builds DeletionImpact reports.
type Analyzer struct {
	repo   repository.Repository
	policy *CascadePolicy
	cfg    config.AnalyzerConfig
}

// New creates an Analyzer.
func New(repo repository.Repository, policy *CascadePolicy, cfg config.AnalyzerConfig) *Analyzer {
	return &Analyzer{repo: repo, policy: policy, cfg: cfg}
}

// PreviewOptions narrow a single preview below the configured limits.
type PreviewOptions struct {
	// IncludeIndirect expands dependents of dependents. When false only
	// first-level relations are reported.
	IncludeIndirect bool
	// MaxDepth lowers the traversal cap for this call. Zero keeps the
	// configured cap; values above it are ignored.
	MaxDepth int
}

// traversal carries per-preview state through the recursive walk.
type traversal struct {
	visited   map[string]bool
	depthCap  int
	total     int
	maxDepth  int
	truncated bool
	restricts []domain.DependentEntity
	deletes   int
}

func refKey(t domain.EntityType, id string) string {
	return string(t) + ":" + id
}

// Preview analyzes the full cascade for deleting one entity. The report is
// computed fresh on every call so repeated previews of an unchanged entity
// are identical.
func (a *Analyzer) Preview(ctx context.Context, entityType domain.EntityType, entityID string) (*domain.DeletionImpact, error) {
	return a.preview(ctx, entityType, entityID, a.cfg.MaxDepth)
}

// PreviewWithOptions is Preview with a per-call depth cap. The engine always
// re-analyzes at full depth before deleting, so a shallow preview cannot
// bypass confirmation.
func (a *Analyzer) PreviewWithOptions(ctx context.Context, entityType domain.EntityType, entityID string, opts PreviewOptions) (*domain.DeletionImpact, error) {
	depthCap := a.cfg.MaxDepth
	if opts.MaxDepth > 0 && opts.MaxDepth < depthCap {
		depthCap = opts.MaxDepth
	}
	if !opts.IncludeIndirect {
		depthCap = 1
	}
	return a.preview(ctx, entityType, entityID, depthCap)
}

func (a *Analyzer) preview(ctx context.Context, entityType domain.EntityType, entityID string, depthCap int) (*domain.DeletionImpact, error) {
	root, err := a.repo.GetEntity(ctx, entityType, entityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeEntityNotFound,
				fmt.Sprintf("%s %s not found", entityType, entityID))
		}
		return nil, apperrors.Wrap(err, apperrors.CodeAnalysisFailed, "impact analysis failed", 500)
	}

	tr := &traversal{
		visited:  map[string]bool{refKey(entityType, entityID): true},
		depthCap: depthCap,
	}
	dependents, err := a.walk(ctx, root, 1, tr)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeAnalysisFailed, "impact analysis failed", 500)
	}

	impact := &domain.DeletionImpact{
		EntityType:         root.Type,
		EntityID:           root.ID,
		EntityName:         root.Name,
		Dependents:         dependents,
		TotalAffectedCount: tr.total,
		Depth:              tr.maxDepth,
		CanDelete:          len(tr.restricts) == 0,
	}
	a.attachWarnings(impact, tr)
	a.grade(impact, tr)

	logger.Debug("Deletion impact computed",
		zap.String("entity_type", string(root.Type)),
		zap.String("entity_id", root.ID),
		zap.Int("total_affected", impact.TotalAffectedCount),
		zap.Int("depth", impact.Depth),
		zap.Bool("can_delete", impact.CanDelete),
		zap.String("risk_level", string(impact.RiskLevel)),
	)
	return impact, nil
}

// walk expands one entity's relations at the given depth. Only dependents
// that will themselves be deleted are expanded further; a nullified or
// restricted record keeps its own dependents.
func (a *Analyzer) walk(ctx context.Context, ref repository.EntityRef, depth int, tr *traversal) ([]domain.DependentEntity, error) {
	relations, err := a.repo.GetRelated(ctx, ref.Type, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("related of %s %s: %w", ref.Type, ref.ID, err)
	}

	var dependents []domain.DependentEntity
	for _, rel := range relations {
		key := refKey(rel.Entity.Type, rel.Entity.ID)
		if tr.visited[key] {
			continue
		}
		tr.visited[key] = true

		relationship := domain.RelationshipDirect
		if depth > 1 {
			relationship = domain.RelationshipIndirect
		}
		node := domain.DependentEntity{
			ID:            rel.Entity.ID,
			Type:          rel.Entity.Type,
			Name:          rel.Entity.Name,
			Relationship:  relationship,
			CascadeAction: a.policy.ActionFor(rel.RelationType),
			AffectedCount: 1,
			Field:         rel.Field,
		}
		tr.total++
		if depth > tr.maxDepth {
			tr.maxDepth = depth
		}

		switch node.CascadeAction {
		case domain.ActionDelete:
			tr.deletes++
			if depth >= tr.depthCap {
				// Unexpanded edges below the cap surface as a warning
				// instead of silently shrinking the count.
				more, err := a.repo.GetRelated(ctx, node.Type, node.ID)
				if err != nil {
					return nil, fmt.Errorf("related of %s %s: %w", node.Type, node.ID, err)
				}
				if len(more) > 0 {
					tr.truncated = true
				}
			} else {
				children, err := a.walk(ctx, rel.Entity, depth+1, tr)
				if err != nil {
					return nil, err
				}
				node.Children = children
				for _, c := range children {
					node.AffectedCount += c.AffectedCount
				}
			}
		case domain.ActionRestrict:
			tr.restricts = append(tr.restricts, node)
		}

		dependents = append(dependents, node)
	}
	return dependents, nil
}

func (a *Analyzer) attachWarnings(impact *domain.DeletionImpact, tr *traversal) {
	if tr.deletes > 0 {
		impact.Warnings = append(impact.Warnings, domain.DeletionWarning{
			Type:     domain.WarningDataLoss,
			Severity: domain.SeverityHigh,
			Message:  fmt.Sprintf("%d dependent record(s) will be permanently deleted", tr.deletes),
		})
	}
	for _, r := range tr.restricts {
		impact.Warnings = append(impact.Warnings, domain.DeletionWarning{
			Type:           domain.WarningActiveDependencies,
			Severity:       domain.SeverityCritical,
			Message:        fmt.Sprintf("deletion blocked by active %s %q", r.Type, r.Name),
			AffectedEntity: string(r.Type) + ":" + r.ID,
		})
	}
	if tr.truncated {
		impact.Warnings = append(impact.Warnings, domain.DeletionWarning{
			Type:     domain.WarningIntegrityRisk,
			Severity: domain.SeverityMedium,
			Message:  fmt.Sprintf("cascade truncated at depth %d; deeper dependents exist and are not counted", tr.depthCap),
		})
	}
	if impact.TotalAffectedCount > a.cfg.HighAffected {
		impact.Warnings = append(impact.Warnings, domain.DeletionWarning{
			Type:     domain.WarningPermissionRequired,
			Severity: domain.SeverityHigh,
			Message:  fmt.Sprintf("large cascade (%d records) requires elevated permission", impact.TotalAffectedCount),
		})
	}
}

// grade derives risk level and the confirmation requirement from the
// traversal summary.
func (a *Analyzer) grade(impact *domain.DeletionImpact, tr *traversal) {
	switch {
	case len(tr.restricts) > 0,
		tr.truncated,
		impact.TotalAffectedCount > a.cfg.HighAffected:
		impact.RiskLevel = domain.RiskHigh
	case impact.TotalAffectedCount == 0:
		impact.RiskLevel = domain.RiskLow
	default:
		impact.RiskLevel = domain.RiskMedium
	}
	impact.RequiresConfirmation = impact.TotalAffectedCount > a.cfg.ConfirmAboveAffected ||
		impact.RiskLevel == domain.RiskHigh
}
