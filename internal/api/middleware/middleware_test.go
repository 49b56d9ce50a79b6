package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conservatory.io/cadenza/internal/governance/policy"
	apperrors "conservatory.io/cadenza/internal/pkg/errors"
	"conservatory.io/cadenza/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("error", "json")
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var testSigningKey = []byte("unit-test-signing-key-0123456789")

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/ping", func(c *gin.Context) {
		assert.NotEmpty(t, GetRequestID(c.Request.Context()))
		c.Status(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	router.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
}

func TestErrorHandlerRendersAppError(t *testing.T) {
	router := gin.New()
	router.Use(RequestID(), ErrorHandler())
	router.GET("/boom", func(c *gin.Context) {
		c.Error(apperrors.Conflict(apperrors.CodeCancelRefused, "operation already finished"))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), apperrors.CodeCancelRefused)
	assert.Contains(t, rec.Body.String(), "operation already finished")
}

func TestErrorHandlerFallsBackToInternal(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandler())
	router.GET("/boom", func(c *gin.Context) {
		c.Error(assert.AnError)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}

func jwtRouter(sessions *policy.SessionDirectory) *gin.Engine {
	router := gin.New()
	router.Use(JWTAuth(testSigningKey, sessions))
	router.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"userId": GetUserID(c.Request.Context()),
			"role":   GetRole(c.Request.Context()),
		})
	})
	return router
}

func TestJWTAuthAcceptsValidTokenAndRegistersSession(t *testing.T) {
	sessions := policy.NewSessionDirectory()
	router := jwtRouter(sessions)

	token, _, err := GenerateToken(JWTConfig{
		SigningKey: testSigningKey,
		Issuer:     "cadenza",
		ExpiresIn:  time.Hour,
	}, "u-1", "Dana", "coordinator")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "u-1")
	assert.Contains(t, rec.Body.String(), "coordinator")

	user, err := sessions.GetUser(req.Context(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, policy.ScopeLimited, user.Scope)
}

func TestJWTAuthRejectsBadTokens(t *testing.T) {
	router := jwtRouter(policy.NewSessionDirectory())

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestJWTAuthRejectsExpiredToken(t *testing.T) {
	router := jwtRouter(policy.NewSessionDirectory())

	token, _, err := GenerateToken(JWTConfig{
		SigningKey: testSigningKey,
		Issuer:     "cadenza",
		ExpiresIn:  -time.Minute,
	}, "u-1", "Dana", "teacher")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token expired")
}

func TestRequireRole(t *testing.T) {
	router := gin.New()
	router.GET("/audit", func(c *gin.Context) {
		c.Set("role", c.Query("as"))
	}, RequireRole("admin", "coordinator"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for role, want := range map[string]int{
		"admin":       http.StatusOK,
		"coordinator": http.StatusOK,
		"teacher":     http.StatusForbidden,
		"":            http.StatusForbidden,
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?as="+role, nil))
		assert.Equal(t, want, rec.Code, "role %q", role)
	}
}
