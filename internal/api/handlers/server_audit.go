package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"conservatory.io/cadenza/internal/domain"
	"conservatory.io/cadenza/internal/governance/audit"
	apperrors "conservatory.io/cadenza/internal/pkg/errors"
)

const maxAuditPageSize = 500

// auditFilterFromQuery builds an audit filter from list/export parameters.
func auditFilterFromQuery(c *gin.Context) (audit.Filter, error) {
	filter := audit.Filter{
		EntityType:  domain.EntityType(c.Query("entityType")),
		EntityID:    c.Query("entityId"),
		UserID:      c.Query("userId"),
		Action:      c.Query("action"),
		OperationID: c.Query("operationId"),
		Ascending:   c.Query("order") == "asc",
	}

	if v := c.Query("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, apperrors.BadRequest(apperrors.CodeInvalidRequestField, "from must be RFC 3339")
		}
		filter.From = &ts
	}
	if v := c.Query("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, apperrors.BadRequest(apperrors.CodeInvalidRequestField, "to must be RFC 3339")
		}
		filter.To = &ts
	}
	if v := c.Query("rollbackable"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, apperrors.BadRequest(apperrors.CodeInvalidRequestField, "rollbackable must be a boolean")
		}
		filter.Rollbackable = &b
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, apperrors.BadRequest(apperrors.CodeInvalidRequestField, "limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	if filter.Limit == 0 || filter.Limit > maxAuditPageSize {
		filter.Limit = maxAuditPageSize
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, apperrors.BadRequest(apperrors.CodeInvalidRequestField, "offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}

// ListAuditLogs handles GET /api/v1/audit-logs.
func (s *Server) ListAuditLogs(c *gin.Context) {
	filter, err := auditFilterFromQuery(c)
	if err != nil {
		c.Error(err)
		return
	}

	entries, err := s.trail.Query(c.Request.Context(), filter)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items": entries,
		"count": len(entries),
	})
}

// GetAuditLog handles GET /api/v1/audit-logs/:id.
func (s *Server) GetAuditLog(c *gin.Context) {
	entry, err := s.trail.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// VerifyAuditChain handles GET /api/v1/audit-logs/verify.
func (s *Server) VerifyAuditChain(c *gin.Context) {
	brokenAt, err := s.trail.VerifyChain(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":    brokenAt == "",
		"brokenAt": brokenAt,
	})
}

// RollbackAuditEntry handles POST /api/v1/audit-logs/:id/rollback.
func (s *Server) RollbackAuditEntry(c *gin.Context) {
	actor := actorFromCtx(c)
	op, err := s.trail.Rollback(c.Request.Context(), c.Param("id"), actor.ID)
	if err != nil {
		// A failed rollback still has a tracking record worth returning.
		if op != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":      apperrors.CodeRollbackFailed,
				"message":   "rollback failed",
				"operation": op,
			})
			return
		}
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation": op})
}

type exportRequest struct {
	Format string `json:"format"`
}

// ExportAuditLogs handles POST /api/v1/audit-logs/export. Filters come
// from the query string so list and export accept identical parameters.
func (s *Server) ExportAuditLogs(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest, "malformed export request"))
		return
	}
	if req.Format == "" {
		req.Format = "json"
	}

	filter, err := auditFilterFromQuery(c)
	if err != nil {
		c.Error(err)
		return
	}

	result, err := s.trail.Export(c.Request.Context(), filter, req.Format)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// DownloadAuditExport handles GET /api/v1/audit-logs/exports/:id. Each
// export is downloadable once within its retention window.
func (s *Server) DownloadAuditExport(c *gin.Context) {
	data, contentType, ok := s.trail.TakeExport(c.Param("id"))
	if !ok {
		c.Error(apperrors.NotFound(apperrors.CodeInvalidRequest, "export not found or expired"))
		return
	}
	c.Data(http.StatusOK, contentType, data)
}
