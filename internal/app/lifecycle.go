package app

import (
	"go.uber.org/zap"

	"conservatory.io/cadenza/internal/pkg/logger"
)

// Shutdown gracefully shuts down all application components. Worker pools
// drain first so no operation writes to a closed store.
func (a *Application) Shutdown() {
	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn("redis close returned error", zap.Error(err))
		}
	}
	logger.Info("Application components stopped")
}
