// Package handlers implements the admin console's deletion and audit API.
// Route registration lives in internal/app; handlers translate HTTP to
// the analyzer, engine, policy, and audit components and push all errors
// through the centralized error middleware.
package handlers

import (
	"github.com/gin-gonic/gin"

	"conservatory.io/cadenza/internal/analyzer"
	"conservatory.io/cadenza/internal/api/middleware"
	"conservatory.io/cadenza/internal/engine"
	"conservatory.io/cadenza/internal/governance/audit"
	"conservatory.io/cadenza/internal/governance/policy"
)

// Server holds the handlers' dependencies.
type Server struct {
	analyzer *analyzer.Analyzer
	engine   *engine.Engine
	policy   *policy.Engine
	trail    *audit.Trail
	accounts *AccountStore
	jwtCfg   middleware.JWTConfig
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	Analyzer *analyzer.Analyzer
	Engine   *engine.Engine
	Policy   *policy.Engine
	Trail    *audit.Trail
	Accounts *AccountStore
	JWTCfg   middleware.JWTConfig
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		analyzer: deps.Analyzer,
		engine:   deps.Engine,
		policy:   deps.Policy,
		trail:    deps.Trail,
		accounts: deps.Accounts,
		jwtCfg:   deps.JWTCfg,
	}
}

// actorFromCtx extracts the authenticated user from the request context.
func actorFromCtx(c *gin.Context) audit.Actor {
	actor := audit.Actor{
		ID:   c.GetString("user_id"),
		Name: c.GetString("username"),
		Role: c.GetString("role"),
	}
	if actor.ID == "" {
		actor.ID = "anonymous"
	}
	return actor
}
