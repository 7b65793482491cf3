package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/events"
	"github.com/Domenick1991/tutorbooking/internal/repository"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/Domenick1991/tutorbooking/internal/service/confirmation")

type Outcome string

const (
	OutcomeBooked         Outcome = "booked"
	OutcomeRetry          Outcome = "retry"
	OutcomeRefunded       Outcome = "refunded"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeExpired        Outcome = "expired"
	OutcomeContactSupport Outcome = "contact_support"
	OutcomeRefundExpected Outcome = "refund_expected"
)

// NextAction is what the client should offer the student for an outcome.
func (o Outcome) NextAction() string {
	switch o {
	case OutcomeBooked:
		return "view_booking"
	case OutcomeRetry:
		return "retry_payment"
	case OutcomeCancelled, OutcomeExpired:
		return "reselect_slots"
	case OutcomeRefundExpected:
		return "await_refund"
	case OutcomeRefunded:
		return "none"
	}
	return "contact_support"
}

type Result struct {
	Outcome     Outcome
	Session     *domain.PaymentSession
	Reservation *domain.Reservation
	Booking     *domain.Booking
}

func (r *Result) NextAction() string { return r.Outcome.NextAction() }

type SettlementUseCase interface {
	Settle(ctx context.Context, orderID string) (*Result, error)
	BookingForReservation(ctx context.Context, reservationID string) (*domain.Booking, error)
}

type Payments interface {
	Reconcile(ctx context.Context, orderID string) (*domain.PaymentSession, error)
	RequestRefund(ctx context.Context, orderID, reason string) error
}

type Reservations interface {
	Get(ctx context.Context, id string) (*domain.Reservation, error)
	Confirm(ctx context.Context, id string) (*domain.Reservation, error)
}

// Coordinator turns a reconciled payment into a booking. It is the only writer of bookings.
type Coordinator struct {
	payments     Payments
	reservations Reservations
	bookings     repository.BookingRepository
	producer     events.Publisher
	topic        string
	clock        domain.Clock
	logger       *slog.Logger
}

type Option func(*Coordinator)

func WithProducer(producer events.Publisher, notificationsTopic string) Option {
	return func(c *Coordinator) {
		c.producer = producer
		c.topic = notificationsTopic
	}
}

func WithClock(clock domain.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func NewCoordinator(payments Payments, reservations Reservations, bookings repository.BookingRepository, opts ...Option) *Coordinator {
	c := &Coordinator{
		payments:     payments,
		reservations: reservations,
		bookings:     bookings,
		producer:     events.Nop{},
		clock:        domain.RealClock{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settle reconciles the order and routes its status. A result is returned alongside
// ErrPaymentReconciliationAmbiguous and ErrReservationExpiredPostPayment so callers can
// still show the student what happens next.
func (c *Coordinator) Settle(ctx context.Context, orderID string) (result *Result, err error) {
	ctx, span := tracer.Start(ctx, "confirmation.Settle", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		if result != nil {
			span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	session, err := c.payments.Reconcile(ctx, orderID)
	if errors.Is(err, domain.ErrPaymentReconciliationAmbiguous) {
		c.logger.Warn("payment status unresolved", "order_id", orderID, "error", err)
		return &Result{Outcome: OutcomeContactSupport, Session: session}, err
	}
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case domain.PaymentStatusSuccess:
		if session.RefundRequested {
			return &Result{Outcome: OutcomeRefundExpected, Session: session}, nil
		}
		return c.book(ctx, session)
	case domain.PaymentStatusFailed:
		return &Result{Outcome: OutcomeRetry, Session: session}, nil
	case domain.PaymentStatusRefunded:
		return &Result{Outcome: OutcomeRefunded, Session: session}, nil
	case domain.PaymentStatusCancelled:
		return &Result{Outcome: OutcomeCancelled, Session: session}, nil
	case domain.PaymentStatusExpired:
		return &Result{Outcome: OutcomeExpired, Session: session}, nil
	}
	return &Result{Outcome: OutcomeContactSupport, Session: session},
		fmt.Errorf("%w: session is %s", domain.ErrPaymentReconciliationAmbiguous, session.Status)
}

func (c *Coordinator) book(ctx context.Context, session *domain.PaymentSession) (*Result, error) {
	existing, err := c.bookings.GetByReservation(ctx, session.ReservationID)
	switch {
	case err == nil:
		return c.booked(ctx, session, existing, false)
	case !errors.Is(err, domain.ErrBookingNotFound):
		return nil, fmt.Errorf("get booking: %w", err)
	}

	res, err := c.reservations.Confirm(ctx, session.ReservationID)
	if errors.Is(err, domain.ErrReservationExpired) {
		return c.expiredAfterPayment(ctx, session, err)
	}
	if err != nil {
		return nil, fmt.Errorf("confirm reservation: %w", err)
	}

	booking := &domain.Booking{
		ID:            uuid.NewString(),
		ReservationID: res.ID,
		OrderID:       session.OrderID,
		SlotIDs:       res.SlotIDs,
		TutorID:       res.TutorID,
		StudentID:     res.StudentID,
		SubjectID:     res.SubjectID,
		LanguageID:    res.LanguageID,
		ClassTypeID:   res.ClassTypeID,
		Amount:        session.Amount,
		Currency:      session.Currency,
		Month:         res.Month,
		Year:          res.Year,
	}
	stored, err := c.bookings.CreateOnce(ctx, booking)
	if err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	return c.booked(ctx, session, stored, stored.ID == booking.ID)
}

func (c *Coordinator) booked(ctx context.Context, session *domain.PaymentSession, booking *domain.Booking, created bool) (*Result, error) {
	if booking.OrderID != session.OrderID {
		// a second successful session for an already booked reservation
		c.logger.Error("duplicate payment for booked reservation", "order_id", session.OrderID, "reservation_id", session.ReservationID, "booking_id", booking.ID)
		if err := c.payments.RequestRefund(ctx, session.OrderID, "duplicate payment"); err != nil {
			c.logger.Error("request refund", "order_id", session.OrderID, "error", err)
		}
		return &Result{Outcome: OutcomeRefundExpected, Session: session, Booking: booking}, nil
	}

	res, err := c.reservations.Get(ctx, session.ReservationID)
	if err != nil {
		return nil, err
	}
	if created {
		c.logger.Info("booking confirmed", "booking_id", booking.ID, "reservation_id", booking.ReservationID, "order_id", booking.OrderID)
		c.publish(ctx, events.Event{
			Type:          events.TypeBookingConfirmed,
			ReservationID: booking.ReservationID,
			OrderID:       booking.OrderID,
			BookingID:     booking.ID,
			StudentID:     booking.StudentID,
			TutorID:       booking.TutorID,
			SlotIDs:       booking.SlotIDs,
			Amount:        booking.Amount,
			Currency:      booking.Currency,
		})
	}
	return &Result{Outcome: OutcomeBooked, Session: session, Reservation: res, Booking: booking}, nil
}

func (c *Coordinator) expiredAfterPayment(ctx context.Context, session *domain.PaymentSession, cause error) (*Result, error) {
	c.logger.Error("payment succeeded after reservation expired",
		"order_id", session.OrderID, "reservation_id", session.ReservationID, "amount", session.Amount, "error", cause)

	if err := c.payments.RequestRefund(ctx, session.OrderID, "reservation expired before payment completed"); err != nil {
		c.logger.Error("request refund", "order_id", session.OrderID, "error", err)
	}
	event := events.Event{
		Type:          events.TypeBookingPostPayment,
		ReservationID: session.ReservationID,
		OrderID:       session.OrderID,
		Amount:        session.Amount,
		Currency:      session.Currency,
		Reason:        cause.Error(),
	}
	res, err := c.reservations.Get(ctx, session.ReservationID)
	if err == nil {
		event.StudentID = res.StudentID
		event.TutorID = res.TutorID
		event.SlotIDs = res.SlotIDs
	} else {
		res = nil
	}
	c.publish(ctx, event)

	return &Result{Outcome: OutcomeRefundExpected, Session: session, Reservation: res},
		fmt.Errorf("%w: reservation %s", domain.ErrReservationExpiredPostPayment, session.ReservationID)
}

func (c *Coordinator) BookingForReservation(ctx context.Context, reservationID string) (*domain.Booking, error) {
	return c.bookings.GetByReservation(ctx, reservationID)
}

func (c *Coordinator) publish(ctx context.Context, event events.Event) {
	if c.topic == "" {
		return
	}
	event.OccurredAt = c.clock.Now()
	if err := c.producer.Publish(ctx, c.topic, event.ReservationID, event); err != nil {
		c.logger.Warn("publish booking event", "type", event.Type, "reservation_id", event.ReservationID, "error", err)
	}
}

var _ SettlementUseCase = (*Coordinator)(nil)
