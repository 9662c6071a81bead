package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/store"
)

// InitializeStore connects to the history database. It returns a nil store
// and no error when no database is configured.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*store.Store, func(), error) {
	if cfg.URL == "" {
		logger.Info("No database configured; submission history is kept in memory only.")
		return nil, nil, nil
	}

	s, closeFn, err := store.Connect(ctx, cfg.URL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to history database: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	logger.Info("Submission history database connected.")
	return s, closeFn, nil
}

// historyEntry is one submission waiting to be persisted.
type historyEntry struct {
	record   schemas.SubmissionRecord
	attempts []schemas.Attempt
}

// StartHistoryPersister launches a goroutine that writes queued submissions
// to the store in batches. It manages its lifecycle using the provided
// WaitGroup and drains the channel once it is closed.
func StartHistoryPersister(ctx context.Context, wg *sync.WaitGroup, entries <-chan historyEntry, db schemas.SubmissionStore, logger *zap.Logger) {
	const batchSize = 20
	const batchTimeout = 2 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Debug("History persister started.")
		defer logger.Debug("History persister stopped.")

		batch := make([]historyEntry, 0, batchSize)
		ticker := time.NewTicker(batchTimeout)
		defer ticker.Stop()

		flush := func() {
			if len(batch) == 0 {
				return
			}
			// Persistence outlives the caller's context so a shutdown still
			// writes what was queued.
			persistCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, e := range batch {
				if err := db.SaveSubmission(persistCtx, e.record, e.attempts); err != nil {
					logger.Error("Failed to persist submission. It remains in memory only.",
						zap.String("task_id", e.record.TaskID), zap.Error(err))
				}
			}
			batch = batch[:0]
		}

		for {
			select {
			case e, ok := <-entries:
				if !ok {
					flush()
					return
				}
				batch = append(batch, e)
				if len(batch) >= batchSize {
					flush()
					ticker.Reset(batchTimeout)
				}
			case <-ticker.C:
				flush()
			case <-ctx.Done():
				drainEntries(entries, &batch)
				flush()
				return
			}
		}
	}()
}

// drainEntries reads whatever is buffered without blocking.
func drainEntries(entries <-chan historyEntry, batch *[]historyEntry) {
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			*batch = append(*batch, e)
		default:
			return
		}
	}
}
