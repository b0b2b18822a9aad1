package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const DefaultInactivityWindow = 24 * time.Hour

type InactivityStore interface {
	DeactivateInactive(ctx context.Context, cutoff time.Time) (int64, error)
}

// LockPurger drops idempotency locks whose TTL has passed.
type LockPurger interface {
	PurgeLocks(ctx context.Context) (int, error)
}

// Sweeper closes idle conversations so the next message starts a new one.
type Sweeper struct {
	store  InactivityStore
	locks  LockPurger
	window time.Duration
	log    *zap.Logger
	now    func() time.Time
}

func NewSweeper(store InactivityStore, locks LockPurger, window time.Duration, log *zap.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("usecase: inactivity store must not be nil")
	}
	if window <= 0 {
		window = DefaultInactivityWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: store, locks: locks, window: window, log: log, now: time.Now}, nil
}

// Sweep runs one pass and returns the number of conversations closed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.window)
	n, err := s.store.DeactivateInactive(ctx, cutoff)
	if err != nil {
		return 0, newError(ErrorInternal, "deactivate_error", err)
	}
	purged := 0
	if s.locks != nil {
		if purged, err = s.locks.PurgeLocks(ctx); err != nil {
			s.log.Warn("purge locks", zap.Error(err))
		}
	}
	s.log.Info("inactivity sweep", zap.Time("cutoff", cutoff), zap.Int64("deactivated", n), zap.Int("locks_purged", purged))
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("inactivity sweep", zap.Error(err))
			}
		}
	}
}
