package reservation

import (
	"context"
	"log/slog"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
)

// SessionExpirer expires payment sessions whose deadline passed.
type SessionExpirer interface {
	ExpireStale(ctx context.Context) ([]domain.PaymentSession, error)
}

// Sweeper drives expiry from the server side on a fixed interval, independent of any client.
type Sweeper struct {
	reservations ReservationUseCase
	sessions     SessionExpirer
	logger       *slog.Logger
}

type SweeperOption func(*Sweeper)

func WithSessionExpirer(e SessionExpirer) SweeperOption {
	return func(s *Sweeper) { s.sessions = e }
}

func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

func NewSweeper(reservations ReservationUseCase, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{reservations: reservations, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Failures are logged and retried on the next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.sessions != nil {
		stale, err := s.sessions.ExpireStale(ctx)
		if err != nil {
			s.logger.Error("expire payment sessions", "error", err)
		} else if len(stale) > 0 {
			s.logger.Info("expired payment sessions", "count", len(stale))
		}
	}

	expired, err := s.reservations.ExpireDue(ctx)
	if err != nil {
		s.logger.Error("expire reservations", "error", err)
		return
	}
	if len(expired) > 0 {
		s.logger.Info("expired reservations", "count", len(expired))
	}
}
