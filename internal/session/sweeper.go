package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/movi/internal/domain"
)

// SweepStore is the persistence the sweeper needs.
type SweepStore interface {
	ListExpiredCheckpoints(ctx context.Context, now time.Time) ([]*domain.Checkpoint, error)
	DeleteIdleSessions(ctx context.Context, ttl time.Duration) (int64, error)
	DeleteExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// ExpireFunc cancels one expired checkpoint: it must delete the checkpoint
// and record the cancellation in the session history.
type ExpireFunc func(ctx context.Context, cp *domain.Checkpoint) error

// SweepResult counts what one sweep removed.
type SweepResult struct {
	ExpiredCheckpoints int
	IdleSessions       int64
	StaleLeases        int64
}

// Sweeper periodically cancels stale confirmations, evicts idle sessions and
// clears leases abandoned by crashed runs.
type Sweeper struct {
	store    SweepStore
	manager  *Manager
	expire   ExpireFunc
	idleTTL  time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper. manager may be nil when no cache needs
// invalidating.
func NewSweeper(store SweepStore, manager *Manager, expire ExpireFunc, idleTTL, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		manager:  manager,
		expire:   expire,
		idleTTL:  idleTTL,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("session sweeper started", "interval", s.interval, "idle_ttl", s.idleTTL)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("session sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one pass. Failures are logged and the pass continues.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.now()

	expired, err := s.store.ListExpiredCheckpoints(ctx, now)
	if err != nil {
		s.logger.Error("sweeper failed to list expired checkpoints", "error", err)
	}
	for _, cp := range expired {
		if s.expire == nil {
			break
		}
		if s.manager != nil && s.manager.Busy(cp.SessionID) {
			// The run in flight resolves or supersedes it.
			s.logger.Debug("sweeper skipped busy session", "session_id", cp.SessionID)
			continue
		}
		if err := s.expire(ctx, cp); err != nil {
			s.logger.Warn("sweeper failed to expire checkpoint", "session_id", cp.SessionID, "error", err)
			continue
		}
		res.ExpiredCheckpoints++
	}

	if res.IdleSessions, err = s.store.DeleteIdleSessions(ctx, s.idleTTL); err != nil {
		s.logger.Error("sweeper failed to delete idle sessions", "error", err)
	} else if res.IdleSessions > 0 && s.manager != nil {
		s.manager.Purge()
	}

	if res.StaleLeases, err = s.store.DeleteExpiredLeases(ctx, now); err != nil {
		s.logger.Error("sweeper failed to delete stale leases", "error", err)
	}

	if res.ExpiredCheckpoints > 0 || res.IdleSessions > 0 || res.StaleLeases > 0 {
		s.logger.Info("session sweep completed",
			"expired_checkpoints", res.ExpiredCheckpoints,
			"idle_sessions", res.IdleSessions,
			"stale_leases", res.StaleLeases)
	}
	return res
}
