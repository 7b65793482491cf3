package reservation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/stretchr/testify/assert"
)

type sweepRecorder struct {
	ReservationUseCase
	passes chan struct{}
	err    error
}

func (r *sweepRecorder) ExpireDue(context.Context) ([]domain.Reservation, error) {
	select {
	case r.passes <- struct{}{}:
	default:
	}
	return nil, r.err
}

type staleSessions struct{ calls int }

func (s *staleSessions) ExpireStale(context.Context) ([]domain.PaymentSession, error) {
	s.calls++
	return []domain.PaymentSession{{OrderID: "order-1"}}, nil
}

func TestSweeper_RunUntilCanceled(t *testing.T) {
	rec := &sweepRecorder{passes: make(chan struct{}, 8), err: errors.New("db down")}
	sessions := &staleSessions{}
	sweeper := NewSweeper(rec, WithSessionExpirer(sessions))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	// one pass right away, then at least one on the ticker despite the failing first pass
	for i := 0; i < 2; i++ {
		select {
		case <-rec.passes:
		case <-time.After(time.Second):
			t.Fatal("sweeper did not run")
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.GreaterOrEqual(t, sessions.calls, 2)
}
