// Package sweeper deletes expired sessions on a fixed period, independent
// of any client activity.
package sweeper

import (
	"context"
	"log/slog"
	"time"
)

type Cleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type Sweeper struct {
	cleaner  Cleaner
	interval time.Duration
	logger   *slog.Logger
}

func New(cleaner Cleaner, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{cleaner: cleaner, interval: interval, logger: logger}
}

// Run ticks until the context is cancelled. Each tick is independent and
// idempotent; a failed sweep is logged and retried on the next tick, never
// fatal to the process.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one cleanup pass. Safe to call concurrently with live
// client traffic and with other sweeps.
func (s *Sweeper) Sweep(ctx context.Context) {
	cleaned, err := s.cleaner.CleanupExpired(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if cleaned > 0 {
		s.logger.Info("swept expired sessions", "cleaned", cleaned)
	}
}
