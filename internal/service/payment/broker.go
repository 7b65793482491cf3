package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/events"
	"github.com/Domenick1991/tutorbooking/internal/gateway"
	"github.com/Domenick1991/tutorbooking/internal/repository"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/Domenick1991/tutorbooking/internal/service/payment")

type PaymentUseCase interface {
	Initiate(ctx context.Context, reservationID string) (*domain.PaymentSession, *gateway.Checkout, error)
	ComputeIntegrityHash(orderID string, amount int64, currency string) string
	Reconcile(ctx context.Context, orderID string) (*domain.PaymentSession, error)
	HandleNotification(ctx context.Context, n gateway.Notification) (*domain.PaymentSession, error)
	RequestRefund(ctx context.Context, orderID, reason string) error
	Refund(ctx context.Context, orderID, reason string) (*domain.PaymentSession, error)
	ExpireStale(ctx context.Context) ([]domain.PaymentSession, error)
	Get(ctx context.Context, orderID string) (*domain.PaymentSession, error)
	ForReservation(ctx context.Context, reservationID string) ([]domain.PaymentSession, error)
}

// ReservationReader is the part of the reservation store the broker needs.
type ReservationReader interface {
	GetByID(ctx context.Context, id string) (*domain.Reservation, error)
}

// Broker owns payment sessions: one open session per reservation, statuses pulled from the
// gateway and never taken from the client.
type Broker struct {
	gw           gateway.Gateway
	sessions     repository.PaymentRepository
	reservations ReservationReader
	producer     events.Publisher
	clock        domain.Clock
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error

	refundsTopic       string
	notificationsTopic string
	sessionTTL         time.Duration
	attempts           int
	backoff            time.Duration
}

type BrokerOption func(*Broker)

func WithProducer(producer events.Publisher, refundsTopic, notificationsTopic string) BrokerOption {
	return func(b *Broker) {
		b.producer = producer
		b.refundsTopic = refundsTopic
		b.notificationsTopic = notificationsTopic
	}
}

func WithClock(clock domain.Clock) BrokerOption {
	return func(b *Broker) { b.clock = clock }
}

func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = logger }
}

func WithSessionTTL(d time.Duration) BrokerOption {
	return func(b *Broker) { b.sessionTTL = d }
}

// WithReconcile sets how many status pulls Reconcile makes and the linear backoff step between them.
func WithReconcile(attempts int, backoff time.Duration) BrokerOption {
	return func(b *Broker) {
		b.attempts = attempts
		b.backoff = backoff
	}
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) BrokerOption {
	return func(b *Broker) { b.sleep = sleep }
}

func NewBroker(gw gateway.Gateway, sessions repository.PaymentRepository, reservations ReservationReader, opts ...BrokerOption) *Broker {
	b := &Broker{
		gw:           gw,
		sessions:     sessions,
		reservations: reservations,
		producer:     events.Nop{},
		clock:        domain.RealClock{},
		logger:       slog.Default(),
		sleep:        sleepCtx,
		sessionTTL:   15 * time.Minute,
		attempts:     3,
		backoff:      time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.attempts < 1 {
		b.attempts = 1
	}
	return b
}

// Initiate opens the payment session of a reservation, or hands back the one already open.
func (b *Broker) Initiate(ctx context.Context, reservationID string) (session *domain.PaymentSession, checkout *gateway.Checkout, err error) {
	ctx, span := tracer.Start(ctx, "payment.Initiate", trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer func() { endSpan(span, err) }()

	res, err := b.reservations.GetByID(ctx, reservationID)
	if err != nil {
		return nil, nil, err
	}
	now := b.clock.Now()
	if !res.Holdable(now) {
		if res.Status == domain.ReservationStatusConfirmed {
			return nil, nil, fmt.Errorf("%w: reservation %s is already confirmed", domain.ErrReservationNotActive, res.ID)
		}
		return nil, nil, fmt.Errorf("%w: reservation %s is %s", domain.ErrReservationExpired, res.ID, res.Status)
	}

	expiresAt := now.Add(b.sessionTTL)
	if res.ExpiresAt.Before(expiresAt) {
		expiresAt = res.ExpiresAt
	}
	stored, created, err := b.sessions.CreateOrGetOpen(ctx, &domain.PaymentSession{
		OrderID:       uuid.NewString(),
		ReservationID: res.ID,
		Amount:        res.Amount,
		Currency:      res.Currency,
		Gateway:       b.gw.Name(),
		Status:        domain.PaymentStatusPending,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create payment session: %w", err)
	}
	span.SetAttributes(attribute.String("order.id", stored.OrderID), attribute.Bool("created", created))

	if !created {
		if stored.Status == domain.PaymentStatusSuccess {
			// paid, waiting for settlement
			return stored, nil, nil
		}
		resumed := b.gw.Resume(*stored)
		if resumed.URL == "" {
			// the first Initiate has not stored the checkout yet
			return nil, nil, fmt.Errorf("%w: checkout for order %s is not ready", domain.ErrPaymentSessionInitFailed, stored.OrderID)
		}
		return stored, resumed, nil
	}

	checkout, err = b.gw.Checkout(ctx, gateway.CheckoutRequest{
		OrderID:       stored.OrderID,
		ReservationID: res.ID,
		Amount:        stored.Amount,
		Currency:      stored.Currency,
		CustomerID:    res.StudentID,
		ExpiresAt:     stored.ExpiresAt,
	})
	if err == nil {
		err = b.sessions.SetCheckout(ctx, stored.OrderID, checkout.PaymentID, checkout.URL)
	}
	if err != nil {
		b.logger.Error("payment session init failed", "order_id", stored.OrderID, "reservation_id", res.ID, "gateway", b.gw.Name(), "error", err)
		if _, uerr := b.sessions.UpdateStatus(ctx, stored.OrderID, domain.PaymentStatusPending, domain.PaymentStatusFailed, ""); uerr != nil {
			b.logger.Error("mark payment session failed", "order_id", stored.OrderID, "error", uerr)
		}
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrPaymentSessionInitFailed, err)
	}
	stored.PaymentID = checkout.PaymentID
	stored.CheckoutURL = checkout.URL

	b.publish(ctx, b.notificationsTopic, events.TypePaymentInitiated, stored, res.StudentID, "")
	b.logger.Info("payment session created", "order_id", stored.OrderID, "reservation_id", res.ID, "amount", stored.Amount, "expires_at", stored.ExpiresAt)
	return stored, checkout, nil
}

func (b *Broker) ComputeIntegrityHash(orderID string, amount int64, currency string) string {
	return b.gw.Hash(orderID, amount, currency)
}

// Reconcile pulls the gateway status and persists it. Statuses only move forward; a session the
// gateway still reports as pending after every attempt yields ErrPaymentReconciliationAmbiguous.
// Money the session cannot be booked with (wrong amount, or a second success for the same
// reservation) is recorded as SUCCESS flagged for refund and handed to the refund path.
func (b *Broker) Reconcile(ctx context.Context, orderID string) (session *domain.PaymentSession, err error) {
	ctx, span := tracer.Start(ctx, "payment.Reconcile", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	session, err = b.sessions.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case domain.PaymentStatusFailed, domain.PaymentStatusCancelled, domain.PaymentStatusRefunded:
		return session, nil
	}

	var lastErr error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		if attempt > 1 {
			if err := b.sleep(ctx, time.Duration(attempt-1)*b.backoff); err != nil {
				return session, err
			}
		}

		st, err := b.gw.Status(ctx, orderID)
		if err != nil {
			lastErr = err
			b.logger.Warn("payment status pull failed", "order_id", orderID, "attempt", attempt, "error", err)
			continue
		}
		lastErr = nil

		if st.Status == domain.PaymentStatusSuccess && st.Amount != 0 && st.Amount != session.Amount {
			b.logger.Error("gateway amount mismatch", "order_id", orderID, "expected", session.Amount, "reported", st.Amount)
			return b.refundOnSuccess(ctx, session, st, fmt.Sprintf("amount mismatch: charged %d, expected %d", st.Amount, session.Amount))
		}

		if session.Status.CanMoveTo(st.Status) {
			updated, err := b.sessions.UpdateStatus(ctx, orderID, session.Status, st.Status, st.PaymentID)
			if errors.Is(err, domain.ErrDuplicatePayment) {
				b.logger.Error("second successful payment for reservation", "order_id", orderID, "reservation_id", session.ReservationID)
				return b.refundOnSuccess(ctx, session, st, "duplicate payment")
			}
			if err != nil {
				return session, fmt.Errorf("update payment status: %w", err)
			}
			if updated.Status == st.Status {
				b.logger.Info("payment status changed", "order_id", orderID, "from", session.Status, "to", st.Status)
				b.publish(ctx, b.notificationsTopic, events.TypePaymentStatus, updated, "", "")
			}
			session = updated
		}

		if st.Status != domain.PaymentStatusPending || session.Status != domain.PaymentStatusPending {
			return session, nil
		}
	}

	if lastErr != nil {
		return session, fmt.Errorf("%w: %v", domain.ErrPaymentReconciliationAmbiguous, lastErr)
	}
	return session, fmt.Errorf("%w: still pending after %d attempts", domain.ErrPaymentReconciliationAmbiguous, b.attempts)
}

// refundOnSuccess flags the session before moving it to SUCCESS, so it never counts as the
// reservation's open session, then dispatches the refund once.
func (b *Broker) refundOnSuccess(ctx context.Context, session *domain.PaymentSession, st *gateway.StatusResult, reason string) (*domain.PaymentSession, error) {
	first, err := b.sessions.MarkRefundRequested(ctx, session.OrderID)
	if err != nil {
		return session, fmt.Errorf("mark refund requested: %w", err)
	}
	session.RefundRequested = true

	if session.Status.CanMoveTo(domain.PaymentStatusSuccess) {
		updated, err := b.sessions.UpdateStatus(ctx, session.OrderID, session.Status, domain.PaymentStatusSuccess, st.PaymentID)
		if err != nil {
			return session, fmt.Errorf("update payment status: %w", err)
		}
		if updated.Status == domain.PaymentStatusSuccess && session.Status != domain.PaymentStatusSuccess {
			b.publish(ctx, b.notificationsTopic, events.TypePaymentStatus, updated, "", reason)
		}
		session = updated
	}
	if !first || session.Status != domain.PaymentStatusSuccess {
		return session, nil
	}

	if err := b.dispatchRefund(ctx, session, reason); err != nil {
		b.logger.Error("refund dispatch failed", "order_id", session.OrderID, "reason", reason, "error", err)
	}
	if current, err := b.sessions.GetByOrderID(ctx, session.OrderID); err == nil {
		session = current
	}
	return session, nil
}

// HandleNotification only uses a gateway callback as a trigger; the payload status is ignored.
func (b *Broker) HandleNotification(ctx context.Context, n gateway.Notification) (*domain.PaymentSession, error) {
	orderID, err := b.gw.VerifyNotification(n)
	if err != nil {
		b.logger.Warn("rejected gateway notification", "gateway", b.gw.Name(), "error", err)
		return nil, err
	}
	return b.Reconcile(ctx, orderID)
}

// RequestRefund flags the session and hands the refund to the worker. Repeated requests are no-ops.
func (b *Broker) RequestRefund(ctx context.Context, orderID, reason string) error {
	session, err := b.sessions.GetByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	first, err := b.sessions.MarkRefundRequested(ctx, orderID)
	if err != nil {
		return fmt.Errorf("mark refund requested: %w", err)
	}
	if !first {
		return nil
	}
	session.RefundRequested = true
	return b.dispatchRefund(ctx, session, reason)
}

// dispatchRefund hands the refund to the worker, or refunds inline when no bus takes it.
func (b *Broker) dispatchRefund(ctx context.Context, session *domain.PaymentSession, reason string) error {
	if b.refundsTopic != "" {
		err := b.producer.Publish(ctx, b.refundsTopic, session.OrderID, b.event(events.TypeRefundRequested, session, "", reason))
		if err == nil {
			b.logger.Warn("refund requested", "order_id", session.OrderID, "reservation_id", session.ReservationID, "reason", reason)
			return nil
		}
		b.logger.Error("publish refund request, refunding inline", "order_id", session.OrderID, "error", err)
	}
	_, err := b.Refund(ctx, session.OrderID, reason)
	return err
}

// Refund returns the money of a SUCCESS session through the gateway.
func (b *Broker) Refund(ctx context.Context, orderID, reason string) (session *domain.PaymentSession, err error) {
	ctx, span := tracer.Start(ctx, "payment.Refund", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	session, err = b.sessions.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case domain.PaymentStatusRefunded:
		return session, nil
	case domain.PaymentStatusSuccess:
	default:
		return nil, fmt.Errorf("%w: cannot refund a %s session", domain.ErrInvalidInput, session.Status)
	}

	if err := b.gw.Refund(ctx, gateway.RefundRequest{
		OrderID:   orderID,
		PaymentID: session.PaymentID,
		Amount:    session.Amount,
		Reason:    reason,
	}); err != nil {
		return nil, fmt.Errorf("gateway refund: %w", err)
	}

	updated, err := b.sessions.UpdateStatus(ctx, orderID, domain.PaymentStatusSuccess, domain.PaymentStatusRefunded, "")
	if err != nil {
		return nil, fmt.Errorf("mark refunded: %w", err)
	}
	b.publish(ctx, b.notificationsTopic, events.TypePaymentStatus, updated, "", reason)
	b.logger.Info("payment refunded", "order_id", orderID, "amount", updated.Amount)
	return updated, nil
}

func (b *Broker) ExpireStale(ctx context.Context) ([]domain.PaymentSession, error) {
	expired, err := b.sessions.ExpirePendingBefore(ctx, b.clock.Now())
	if err != nil {
		return nil, err
	}
	for i := range expired {
		b.publish(ctx, b.notificationsTopic, events.TypePaymentStatus, &expired[i], "", "session expired")
	}
	return expired, nil
}

func (b *Broker) Get(ctx context.Context, orderID string) (*domain.PaymentSession, error) {
	return b.sessions.GetByOrderID(ctx, orderID)
}

func (b *Broker) ForReservation(ctx context.Context, reservationID string) ([]domain.PaymentSession, error) {
	return b.sessions.ListByReservation(ctx, reservationID)
}

func (b *Broker) event(eventType string, s *domain.PaymentSession, studentID, reason string) events.Event {
	return events.Event{
		Type:          eventType,
		ReservationID: s.ReservationID,
		OrderID:       s.OrderID,
		StudentID:     studentID,
		Status:        string(s.Status),
		Amount:        s.Amount,
		Currency:      s.Currency,
		Reason:        reason,
		ExpiresAt:     s.ExpiresAt,
		OccurredAt:    b.clock.Now(),
	}
}

func (b *Broker) publish(ctx context.Context, topic, eventType string, s *domain.PaymentSession, studentID, reason string) {
	if topic == "" {
		return
	}
	if err := b.producer.Publish(ctx, topic, s.OrderID, b.event(eventType, s, studentID, reason)); err != nil {
		b.logger.Warn("publish payment event", "type", eventType, "order_id", s.OrderID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, domain.ErrPaymentReconciliationAmbiguous) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var _ PaymentUseCase = (*Broker)(nil)
