package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/internal/observability"
	"github.com/xkilldash9x/formpilot/internal/store"
)

// Components holds everything a command runs against and centralizes its
// shutdown order.
type Components struct {
	Service *Service
	// Store is nil when no database is configured.
	Store *store.Store

	closeDB func()
}

// Shutdown stops the service first so queued history is flushed, then
// closes the database pool.
func (c *Components) Shutdown(ctx context.Context) {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.Service != nil {
		if err := c.Service.Shutdown(ctx); err != nil {
			logger.Warn("Error during service shutdown.", zap.Error(err))
		}
	}
	if c.closeDB != nil {
		c.closeDB()
		logger.Debug("Database connection pool closed.")
	}
	logger.Info("All components shut down.")
}
