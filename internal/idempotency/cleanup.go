package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// RunPeriodicCleanup drops expired in-memory records every interval until ctx is done.
func RunPeriodicCleanup(ctx context.Context, repo *InMemoryRepository, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if deleted := repo.DeleteExpired(); deleted > 0 {
				logger.Info("cleaned up expired idempotency keys", "deleted", deleted)
			}
		case <-ctx.Done():
			logger.Info("stopping idempotency cleanup")
			return
		}
	}
}
