package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"conservatory.io/cadenza/internal/governance/audit"
)

// GetHealth handles GET /api/v1/health.
func (s *Server) GetHealth(c *gin.Context) {
	checks := make(map[string]string)
	allHealthy := true

	// Audit store check: governed actions stop when the trail is down.
	if _, err := s.trail.Query(c.Request.Context(), audit.Filter{Limit: 1}); err != nil {
		checks["audit"] = "error"
		allHealthy = false
	} else {
		checks["audit"] = "ok"
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":           status,
		"checks":           checks,
		"activeOperations": s.policy.InFlight(),
	})
}
