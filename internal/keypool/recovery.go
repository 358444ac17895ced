package keypool

import (
	"context"
	"log/slog"
	"time"
)

// RecoveryTicker periodically drains the failed queue back into the
// available queue, giving cooled-down keys another chance.
type RecoveryTicker struct {
	pool     Pool
	interval time.Duration
	cancel   context.CancelFunc
}

// NewRecoveryTicker creates a ticker that recovers failed keys every
// interval (the key cool-down period).
func NewRecoveryTicker(pool Pool, interval time.Duration) *RecoveryTicker {
	return &RecoveryTicker{pool: pool, interval: interval}
}

// Start launches the recovery loop. Call Stop to shut it down.
func (t *RecoveryTicker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if failed := t.pool.FailedCount(); failed > 0 {
					slog.Info("recovering failed keys", "failed", failed)
					recovered := t.pool.RecoverFailedKeys()
					slog.Info("key recovery done",
						"recovered", recovered,
						"available", t.pool.AvailableCount())
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the recovery loop.
func (t *RecoveryTicker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}
