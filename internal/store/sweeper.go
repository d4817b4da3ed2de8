package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often SessionSweeper purges expired sessions by default.
const DefaultSweepInterval = time.Minute

// SessionSweeper periodically deletes sessions that expired. Expiry is already enforced
// lazily on read; sweeping only reclaims storage.
type SessionSweeper struct {
	repo     SessionRepo
	interval time.Duration
	now      func() time.Time
	onPurge  func(n int)
}

// NewSessionSweeper creates a new SessionSweeper.
func NewSessionSweeper(repo SessionRepo, interval time.Duration) *SessionSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &SessionSweeper{repo: repo, interval: interval, now: time.Now}
}

// OnPurge registers fn to be called with the count of every successful non-empty sweep.
func (s *SessionSweeper) OnPurge(fn func(n int)) *SessionSweeper {
	s.onPurge = fn
	return s
}

// Run starts the sweep loop. It blocks until the context is cancelled.
func (s *SessionSweeper) Run(ctx context.Context) {
	slog.Info("SessionSweeper.Run: starting session sweeper", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("SessionSweeper.Run: stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce purges expired sessions once and returns how many were removed.
func (s *SessionSweeper) SweepOnce(ctx context.Context) int {
	n, err := s.repo.PurgeExpiredSessions(ctx, s.now())
	if err != nil {
		slog.Error("SessionSweeper.SweepOnce: purge failed", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("SessionSweeper.SweepOnce: purged expired sessions", "count", n)
		if s.onPurge != nil {
			s.onPurge(n)
		}
	}
	return n
}
