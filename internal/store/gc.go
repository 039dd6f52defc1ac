package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunGC starts the background expiry loop and blocks until the provided
// context is cancelled or StopGC is called, whichever comes
// first. It is meant to be run in its own goroutine: a single loop per
// resource, started once from main and stopped on shutdown.
func (s *Store) RunGC(ctx context.Context) {
	defer close(s.gcDone)

	interval := s.cleanupInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.expireSessions(ctx); err != nil {
				s.logger.Error("session gc failed", zap.Error(err))
			}
		}
	}
}

// StopGC signals RunGC to exit and waits for it to finish.
func (s *Store) StopGC() {
	select {
	case <-s.stopGC:
		// already closed
	default:
		close(s.stopGC)
	}
	<-s.gcDone
}

// expireSessions deletes sessions whose last update is older than the
// configured TTL and, if any row was removed, truncates the WAL so the
// database file does not grow unbounded between checkpoints.
func (s *Store) expireSessions(ctx context.Context) error {
	if s.sessionTTL <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-s.sessionTTL)

	res, err := s.writer.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	s.logger.Info("expired sessions", zap.Int64("count", n))

	return s.Checkpoint(ctx)
}
