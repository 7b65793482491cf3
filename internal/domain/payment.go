package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusSuccess   PaymentStatus = "SUCCESS"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusExpired   PaymentStatus = "EXPIRED"
)

// Terminal reports whether the gateway will not move the payment any further on its own.
// SUCCESS can still become REFUNDED through the refund workflow.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusCancelled, PaymentStatusExpired:
		return true
	}
	return false
}

// CanMoveTo guards session transitions so a reconciled terminal status never regresses.
func (s PaymentStatus) CanMoveTo(next PaymentStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case PaymentStatusPending:
		return true
	case PaymentStatusSuccess:
		return next == PaymentStatusRefunded
	case PaymentStatusExpired:
		// the gateway may still settle a session we timed out locally
		return next == PaymentStatusSuccess || next == PaymentStatusRefunded
	}
	return false
}

type PaymentSession struct {
	OrderID         string
	ReservationID   string
	PaymentID       string
	Amount          int64
	Currency        string
	Gateway         string
	Status          PaymentStatus
	ExpiresAt       time.Time
	RefundRequested bool
	CheckoutURL     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Open reports whether the session blocks a new one for the same reservation. A paid
// session flagged for refund no longer does.
func (s *PaymentSession) Open() bool {
	return s.Status == PaymentStatusPending || (s.Status == PaymentStatusSuccess && !s.RefundRequested)
}
