package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPendingTTL is how long an unanswered clarification survives.
const DefaultPendingTTL = 600 * time.Second

// JanitorConfig configures StartJanitor.
type JanitorConfig struct {
	Interval   time.Duration
	PendingTTL time.Duration
	IdleTTL    time.Duration
	// OnSweep, if set, receives every non-empty sweep result.
	OnSweep func(SweepResult)
}

// StartJanitor runs a background goroutine that periodically expires stale
// clarifications and evicts idle sessions until ctx is done.
func StartJanitor(ctx context.Context, store *Store, cfg JanitorConfig, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Session janitor started",
			"interval", cfg.Interval,
			"pending_ttl", cfg.PendingTTL,
			"idle_ttl", cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				res := store.Sweep(cfg.PendingTTL, cfg.IdleTTL)
				if res.ExpiredPending == 0 && res.Evicted == 0 {
					continue
				}
				logger.Info("Session janitor sweep completed",
					"expired_pending", res.ExpiredPending,
					"evicted", res.Evicted,
					"remaining", store.Len())
				if cfg.OnSweep != nil {
					cfg.OnSweep(res)
				}
			case <-ctx.Done():
				logger.Info("Session janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
