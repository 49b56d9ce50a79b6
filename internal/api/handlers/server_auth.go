package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"conservatory.io/cadenza/internal/api/middleware"
	"conservatory.io/cadenza/internal/governance/audit"
	"conservatory.io/cadenza/internal/governance/policy"
	"conservatory.io/cadenza/internal/pkg/logger"
)

const passwordHashCost = 12

// dummyHash keeps the bcrypt cost identical for unknown usernames.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("cadenza-placeholder"), passwordHashCost)

// Account is a console login record.
type Account struct {
	ID           string
	Username     string
	DisplayName  string
	Role         string
	PasswordHash []byte
}

// AccountStore is a process-local credential store. Production deployments
// sit behind the school's SSO; this store backs development and tests.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewAccountStore creates an empty store.
func NewAccountStore() *AccountStore {
	return &AccountStore{accounts: make(map[string]Account)}
}

// AddAccount hashes the password and registers the account.
func (s *AccountStore) AddAccount(id, username, displayName, role, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = Account{
		ID:           id,
		Username:     username,
		DisplayName:  displayName,
		Role:         role,
		PasswordHash: hash,
	}
	return nil
}

// Lookup returns the account for a username.
func (s *AccountStore) Lookup(username string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[username]
	return a, ok
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
}

// Login handles POST /api/v1/auth/login.
func (s *Server) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "username and password are required"})
		return
	}

	account, ok := s.accounts.Lookup(req.Username)
	if !ok {
		// Constant-cost compare so unknown usernames are not distinguishable
		// by timing.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		logger.Warn("login failed: invalid credentials", zap.String("username", req.Username))
		c.JSON(http.StatusUnauthorized, gin.H{"code": "INVALID_CREDENTIALS", "message": "invalid credentials"})
		return
	}

	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(req.Password)); err != nil {
		logger.Warn("login failed: invalid credentials", zap.String("username", req.Username))
		if s.policy != nil {
			s.policy.RecordActivity(account.ID, policy.ActionAuthFailure, false)
		}
		c.JSON(http.StatusUnauthorized, gin.H{"code": "INVALID_CREDENTIALS", "message": "invalid credentials"})
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.jwtCfg, account.ID, account.DisplayName, account.Role)
	if err != nil {
		logger.Error("failed to generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR"})
		return
	}

	if s.trail != nil {
		err := s.trail.LogDecision(c.Request.Context(), "user.login",
			audit.Actor{ID: account.ID, Name: account.DisplayName, Role: account.Role}, "", true, nil)
		if err != nil {
			logger.Warn("audit log write failed",
				zap.Error(err),
				zap.String("action", "user.login"),
				zap.String("user_id", account.ID),
			)
		}
	}

	c.JSON(http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    account.ID,
		Username:  account.Username,
		Role:      account.Role,
	})
}

// GetCurrentUser handles GET /api/v1/auth/me.
func (s *Server) GetCurrentUser(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"userId":   c.GetString("user_id"),
		"username": c.GetString("username"),
		"role":     c.GetString("role"),
	})
}
