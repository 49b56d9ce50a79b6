package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conservatory.io/cadenza/internal/config"
	"conservatory.io/cadenza/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("error", "json")
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func devConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0},
		Log:    config.LogConfig{Level: "error", Format: "json"},
		Security: config.SecurityConfig{
			SessionSecret:           "bootstrap-test-secret-0123456789abcdef",
			SessionTTL:              time.Hour,
			TokenSealingKey:         "6368616368613230706f6c79313330356b65792d6d7573742d62652d33322d62",
			TokenTTL:                5 * time.Minute,
			MaxConcurrentOperations: 10,
			RateLimits: map[string]config.RateLimitRule{
				"delete_single":  {Cap: 100, Window: time.Minute},
				"delete_bulk":    {Cap: 100, Window: time.Minute},
				"delete_cascade": {Cap: 100, Window: time.Minute},
				"cleanup":        {Cap: 100, Window: time.Minute},
			},
			Anomaly: config.AnomalyConfig{
				WeightDeletionBurst: 30, BurstCount: 1000, BurstWindow: time.Minute,
				AuthFailureCount: 1000, DenialCount: 1000,
				WorkHoursStart: 0, WorkHoursEnd: 24,
				WarnScore: 20, RestrictScore: 40, LockScore: 60,
				LockDuration: time.Minute,
			},
		},
		Analyzer: config.AnalyzerConfig{MaxDepth: 5, HighAffected: 20},
		Engine: config.EngineConfig{
			DefaultBatchSize:   25,
			TransientRetries:   2,
			TransientRetryWait: 5 * time.Millisecond,
			OperationRetention: time.Hour,
		},
		Progress: config.ProgressConfig{
			BufferSize:          16,
			ReconnectInitial:    10 * time.Millisecond,
			ReconnectMax:        50 * time.Millisecond,
			ReconnectMaxRetries: 2,
		},
		Worker: config.WorkerConfig{GeneralPoolSize: 4, CascadePoolSize: 4},
	}
}

func bootstrapApp(t *testing.T) *Application {
	t.Helper()
	application, err := Bootstrap(context.Background(), devConfig())
	require.NoError(t, err)
	t.Cleanup(application.Shutdown)
	return application
}

func postJSON(t *testing.T, router *gin.Engine, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestBootstrapServesHealth(t *testing.T) {
	application := bootstrapApp(t)

	rec := httptest.NewRecorder()
	application.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestBootstrapDevLoginAndPreview(t *testing.T) {
	application := bootstrapApp(t)

	rec := postJSON(t, application.Router, "/api/v1/auth/login", "", gin.H{
		"username": "admin",
		"password": "cadenza-admin",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var login struct {
		Token string `json:"token"`
		Role  string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)
	assert.Equal(t, "admin", login.Role)

	rec = postJSON(t, application.Router, "/api/v1/deletions/preview", login.Token, gin.H{
		"entityType": "student",
		"entityId":   "42",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"totalAffectedCount":4`)
	assert.Contains(t, rec.Body.String(), `"canDelete":true`)
}

func TestBootstrapGuardsAuditRoutes(t *testing.T) {
	application := bootstrapApp(t)

	rec := postJSON(t, application.Router, "/api/v1/auth/login", "", gin.H{
		"username": "teacher",
		"password": "cadenza-teacher",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec = httptest.NewRecorder()
	application.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
