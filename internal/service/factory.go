package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
)

// ComponentFactory creates the set of components a command needs. The
// abstraction lets commands be tested with fake browsers.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	launchers LauncherFactory
}

// NewComponentFactory creates a factory that launches browsers through
// launchers, or through Chrome when launchers is nil.
func NewComponentFactory(launchers LauncherFactory) ComponentFactory {
	if launchers == nil {
		launchers = ChromeLaunchers
	}
	return &concreteFactory{launchers: launchers}
}

// Create connects the optional history database, seeds the in-memory history
// from it and starts the service.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{}

	db, closeDB, err := InitializeStore(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, err
	}
	components.closeDB = closeDB

	var history schemas.SubmissionStore
	if db != nil {
		components.Store = db
		history = db
	}

	svc := New(cfg, f.launchers, history, logger)
	components.Service = svc

	if db != nil {
		recent, err := db.RecentSubmissions(ctx, cfg.Form().HistoryLimit)
		if err != nil {
			logger.Warn("Could not load submission history; starting empty.", zap.Error(err))
		} else {
			svc.history.Load(recent)
			logger.Debug("Submission history loaded.", zap.Int("records", len(recent)))
		}
	}

	logger.Info("All components initialized successfully.")
	return components, nil
}
