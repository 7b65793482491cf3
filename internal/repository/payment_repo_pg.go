package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/jackc/pgx/v5"
)

type PaymentRepository interface {
	// CreateOrGetOpen inserts the session unless the reservation already has an open one
	// (PENDING, or SUCCESS not flagged for refund), in which case that session is returned
	// and created is false.
	CreateOrGetOpen(ctx context.Context, session *domain.PaymentSession) (existing *domain.PaymentSession, created bool, err error)
	GetByOrderID(ctx context.Context, orderID string) (*domain.PaymentSession, error)
	ListByReservation(ctx context.Context, reservationID string) ([]domain.PaymentSession, error)
	// UpdateStatus is a compare-and-set on status. Moving to SUCCESS expires the other PENDING
	// sessions of the reservation and fails with ErrDuplicatePayment while another open SUCCESS exists.
	UpdateStatus(ctx context.Context, orderID string, from, to domain.PaymentStatus, paymentID string) (*domain.PaymentSession, error)
	SetCheckout(ctx context.Context, orderID, paymentID, checkoutURL string) error
	// MarkRefundRequested reports true only for the call that flipped the flag.
	MarkRefundRequested(ctx context.Context, orderID string) (bool, error)
	ExpirePendingBefore(ctx context.Context, deadline time.Time) ([]domain.PaymentSession, error)
}

type PGPaymentRepository struct {
	db DB
}

func NewPaymentRepository(db DB) PaymentRepository {
	return &PGPaymentRepository{db: db}
}

const paymentColumns = `order_id, reservation_id, payment_id, amount, currency, gateway, status, expires_at,
	refund_requested, checkout_url, created_at, updated_at`

// openSession must match the predicate of payment_sessions_open_uidx.
const openSession = `(status = 'PENDING' OR (status = 'SUCCESS' AND NOT refund_requested))`

func (r *PGPaymentRepository) CreateOrGetOpen(ctx context.Context, s *domain.PaymentSession) (*domain.PaymentSession, bool, error) {
	created, err := scanPayment(r.db.QueryRow(ctx, `INSERT INTO payment_sessions
		(order_id, reservation_id, payment_id, amount, currency, gateway, status, expires_at, checkout_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (reservation_id) WHERE `+openSession+` DO NOTHING
		RETURNING `+paymentColumns,
		s.OrderID, s.ReservationID, s.PaymentID, s.Amount, s.Currency, s.Gateway, domain.PaymentStatusPending, s.ExpiresAt, s.CheckoutURL))
	if err == nil {
		return created, true, nil
	}
	if !isNoRows(err) {
		return nil, false, err
	}

	existing, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_sessions
		WHERE reservation_id = $1 AND `+openSession, s.ReservationID))
	if isNoRows(err) {
		// the conflicting session settled between the two statements
		return nil, false, domain.ErrPaymentSessionNotFound
	}
	return existing, false, err
}

func (r *PGPaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.PaymentSession, error) {
	s, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_sessions WHERE order_id = $1`, orderID))
	if isNoRows(err) {
		return nil, domain.ErrPaymentSessionNotFound
	}
	return s, err
}

func (r *PGPaymentRepository) ListByReservation(ctx context.Context, reservationID string) ([]domain.PaymentSession, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payment_sessions WHERE reservation_id = $1 ORDER BY created_at`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func (r *PGPaymentRepository) UpdateStatus(ctx context.Context, orderID string, from, to domain.PaymentStatus, paymentID string) (*domain.PaymentSession, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if to == domain.PaymentStatusSuccess {
		// a late payment on an expired session wins over a checkout opened after it
		if _, err := tx.Exec(ctx, `UPDATE payment_sessions AS sibling SET status = $1, updated_at = now()
			FROM payment_sessions AS paid
			WHERE paid.order_id = $2 AND paid.status = $3 AND NOT paid.refund_requested
			AND sibling.reservation_id = paid.reservation_id AND sibling.order_id <> paid.order_id AND sibling.status = $4`,
			domain.PaymentStatusExpired, orderID, from, domain.PaymentStatusPending); err != nil {
			return nil, err
		}
	}

	s, err := scanPayment(tx.QueryRow(ctx, `UPDATE payment_sessions
		SET status = $1, payment_id = CASE WHEN $4 = '' THEN payment_id ELSE $4 END, updated_at = now()
		WHERE order_id = $2 AND status = $3
		RETURNING `+paymentColumns, to, orderID, from, paymentID))
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case isUniqueViolation(err):
		return nil, fmt.Errorf("%w: order %s", domain.ErrDuplicatePayment, orderID)
	case !isNoRows(err):
		return nil, err
	}
	if err := tx.Rollback(ctx); err != nil {
		return nil, err
	}

	current, err := r.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// lost the race; the caller decides from the current state
	return current, nil
}

func (r *PGPaymentRepository) SetCheckout(ctx context.Context, orderID, paymentID, checkoutURL string) error {
	_, err := r.db.Exec(ctx, `UPDATE payment_sessions SET payment_id = $2, checkout_url = $3, updated_at = now() WHERE order_id = $1`,
		orderID, paymentID, checkoutURL)
	return err
}

func (r *PGPaymentRepository) MarkRefundRequested(ctx context.Context, orderID string) (bool, error) {
	cmd, err := r.db.Exec(ctx, `UPDATE payment_sessions SET refund_requested = true, updated_at = now()
		WHERE order_id = $1 AND NOT refund_requested`, orderID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *PGPaymentRepository) ExpirePendingBefore(ctx context.Context, deadline time.Time) ([]domain.PaymentSession, error) {
	rows, err := r.db.Query(ctx, `UPDATE payment_sessions SET status = $1, updated_at = now()
		WHERE status = $2 AND expires_at <= $3
		RETURNING `+paymentColumns, domain.PaymentStatusExpired, domain.PaymentStatusPending, deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func collectPayments(rows pgx.Rows) ([]domain.PaymentSession, error) {
	var out []domain.PaymentSession
	for rows.Next() {
		s, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (*domain.PaymentSession, error) {
	var s domain.PaymentSession
	if err := row.Scan(&s.OrderID, &s.ReservationID, &s.PaymentID, &s.Amount, &s.Currency, &s.Gateway, &s.Status, &s.ExpiresAt,
		&s.RefundRequested, &s.CheckoutURL, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

var _ PaymentRepository = (*PGPaymentRepository)(nil)
