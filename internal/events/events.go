package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	TypeReservationCreated  = "reservation_created"
	TypeReservationReleased = "reservation_released"
	TypeReservationExpired  = "reservation_expired"
	TypePaymentInitiated    = "payment_initiated"
	TypePaymentStatus       = "payment_status_changed"
	TypeRefundRequested     = "refund_requested"
	TypeBookingConfirmed    = "booking_confirmed"
	TypeBookingPostPayment  = "booking_expired_post_payment"
)

// Event is the single envelope published on every topic.
type Event struct {
	Type          string    `json:"type"`
	ReservationID string    `json:"reservation_id,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
	BookingID     string    `json:"booking_id,omitempty"`
	StudentID     string    `json:"student_id,omitempty"`
	TutorID       string    `json:"tutor_id,omitempty"`
	SlotIDs       []int64   `json:"slot_ids,omitempty"`
	Status        string    `json:"status,omitempty"`
	Amount        int64     `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

// Handler returning an error stops the subscription.
type Handler func(ctx context.Context, event Event) error

type Subscriber interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Nop drops every event; used when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, interface{}) error { return nil }

type retrying struct {
	next     Publisher
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// WithRetry retries failed publishes with linear backoff.
func WithRetry(next Publisher, attempts int, backoff time.Duration, logger *slog.Logger) Publisher {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: next, attempts: attempts, backoff: backoff, logger: logger}
}

func (r *retrying) Publish(ctx context.Context, topic, key string, value interface{}) error {
	var lastErr error
	for i := 0; i < r.attempts; i++ {
		err := r.next.Publish(ctx, topic, key, value)
		if err == nil {
			return nil
		}
		lastErr = err
		r.logger.Warn("publish attempt failed", "topic", topic, "key", key, "attempt", i+1, "error", err)

		if i < r.attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * r.backoff):
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", r.attempts, lastErr)
}
