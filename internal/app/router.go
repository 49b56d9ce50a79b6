package app

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"conservatory.io/cadenza/internal/api/handlers"
	"conservatory.io/cadenza/internal/api/middleware"
	"conservatory.io/cadenza/internal/governance/policy"
	"conservatory.io/cadenza/internal/progress"
)

// auditRoles may query, export, and roll back the audit trail.
var auditRoles = []string{"admin", "coordinator"}

func newRouter(server *handlers.Server, stream *progress.StreamHandler, sessions *policy.SessionDirectory, jwtCfg middleware.JWTConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	v1 := router.Group("/api/v1")
	v1.GET("/health", server.GetHealth)
	v1.POST("/auth/login", server.Login)

	authed := v1.Group("")
	authed.Use(middleware.JWTAuth(jwtCfg.SigningKey, sessions))
	authed.GET("/auth/me", server.GetCurrentUser)

	authed.POST("/deletions/preview", server.PreviewDeletion)
	authed.POST("/deletions", server.StartDeletion)
	authed.GET("/deletions/:id", server.GetDeletion)
	authed.POST("/deletions/:id/cancel", server.CancelDeletion)
	authed.GET("/deletions/:id/progress", stream.Handle)

	auditLogs := authed.Group("/audit-logs")
	auditLogs.Use(middleware.RequireRole(auditRoles...))
	auditLogs.GET("", server.ListAuditLogs)
	auditLogs.GET("/verify", server.VerifyAuditChain)
	auditLogs.GET("/:id", server.GetAuditLog)
	auditLogs.POST("/:id/rollback", server.RollbackAuditEntry)
	auditLogs.POST("/export", server.ExportAuditLogs)
	auditLogs.GET("/exports/:id", server.DownloadAuditExport)

	return router
}
