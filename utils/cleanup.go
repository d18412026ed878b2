package utils

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartCleaner runs fn every interval in a background goroutine until ctx is
// cancelled. fn returns how many items it removed; non-zero counts are logged.
func StartCleaner(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, fn func() int) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("cleaner", name))
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Info("cleaner started", zap.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				log.Info("cleaner stopped")
				return
			case <-ticker.C:
				if n := runCleaner(log, fn); n > 0 {
					log.Debug("cleaner pass", zap.Int("removed", n))
				}
			}
		}
	}()
}

// runCleaner keeps a panicking pass from killing the loop.
func runCleaner(log *zap.Logger, fn func() int) (n int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("cleaner pass panicked", zap.Any("panic", r))
			n = 0
		}
	}()
	return fn()
}
