package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"conservatory.io/cadenza/internal/analyzer"
	"conservatory.io/cadenza/internal/domain"
	"conservatory.io/cadenza/internal/engine"
	apperrors "conservatory.io/cadenza/internal/pkg/errors"
	"conservatory.io/cadenza/internal/pkg/logger"
)

type previewRequest struct {
	EntityType      string `json:"entityType" binding:"required"`
	EntityID        string `json:"entityId" binding:"required"`
	Scope           string `json:"scope"`
	IncludeIndirect *bool  `json:"includeIndirect"`
	MaxDepth        int    `json:"maxDepth"`
}

type previewResponse struct {
	Impact            *domain.DeletionImpact `json:"impact"`
	ConfirmationToken string                 `json:"confirmationToken,omitempty"`
	TokenExpiresAt    *time.Time             `json:"tokenExpiresAt,omitempty"`
}

// PreviewDeletion handles POST /api/v1/deletions/preview. Deletable
// previews issue a single-use token, bound to the target entity so it can
// only execute the previewed deletion.
func (s *Server) PreviewDeletion(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest, "entityType and entityId are required"))
		return
	}

	entityType := domain.EntityType(req.EntityType)
	if !entityType.Valid() {
		c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "unknown entity type: "+req.EntityType))
		return
	}
	scope := domain.TokenScope(req.Scope)
	if req.Scope == "" {
		scope = domain.ScopeCascade
	}
	if !scope.Valid() {
		c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "unknown scope: "+req.Scope))
		return
	}

	opts := analyzer.PreviewOptions{IncludeIndirect: true, MaxDepth: req.MaxDepth}
	if req.IncludeIndirect != nil {
		opts.IncludeIndirect = *req.IncludeIndirect
	}
	impact, err := s.analyzer.PreviewWithOptions(c.Request.Context(), entityType, req.EntityID, opts)
	if err != nil {
		c.Error(err)
		return
	}

	// Every deletable preview carries a token; execution always redeems
	// one. RequiresConfirmation only tells the UI to show a dialog.
	resp := previewResponse{Impact: impact}
	if impact.CanDelete {
		actor := actorFromCtx(c)
		token, _, expiresAt, err := s.policy.IssueToken(
			c.Request.Context(), actor.ID, engine.EntityKey(entityType, req.EntityID), scope)
		if err != nil {
			c.Error(err)
			return
		}
		resp.ConfirmationToken = token
		resp.TokenExpiresAt = &expiresAt
	}

	logger.Debug("Deletion previewed",
		zap.String("entityType", string(entityType)),
		zap.String("entityId", req.EntityID),
		zap.Int("totalAffected", impact.TotalAffectedCount),
		zap.String("riskLevel", string(impact.RiskLevel)),
	)
	c.JSON(http.StatusOK, resp)
}

type startRequest struct {
	EntityType string             `json:"entityType" binding:"required"`
	EntityID   string             `json:"entityId" binding:"required"`
	Scope      string             `json:"scope"`
	Options    engine.ExecOptions `json:"options"`
}

// StartDeletion handles POST /api/v1/deletions. The operation runs
// asynchronously; the response carries the operation to poll or stream.
func (s *Server) StartDeletion(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest, "entityType and entityId are required"))
		return
	}

	entityType := domain.EntityType(req.EntityType)
	if !entityType.Valid() {
		c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "unknown entity type: "+req.EntityType))
		return
	}
	scope := domain.TokenScope(req.Scope)
	if req.Scope == "" {
		scope = domain.ScopeCascade
	}
	if !scope.Valid() {
		c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "unknown scope: "+req.Scope))
		return
	}

	actor := actorFromCtx(c)
	op, err := s.engine.Start(c.Request.Context(), engine.Request{
		EntityType:  entityType,
		EntityID:    req.EntityID,
		Scope:       scope,
		RequestedBy: actor.ID,
		UserName:    actor.Name,
		UserRole:    actor.Role,
		Options:     req.Options,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"operation": op})
}

// GetDeletion handles GET /api/v1/deletions/:id.
func (s *Server) GetDeletion(c *gin.Context) {
	op, progress, err := s.engine.Get(c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operation": op,
		"progress":  progress,
	})
}

// CancelDeletion handles POST /api/v1/deletions/:id/cancel. Cancellation
// is honored only before destructive work begins.
func (s *Server) CancelDeletion(c *gin.Context) {
	operationID := c.Param("id")
	actor := actorFromCtx(c)
	if err := s.engine.Cancel(c.Request.Context(), operationID, actor.ID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"operationId": operationID,
		"status":      "cancellation_requested",
	})
}
