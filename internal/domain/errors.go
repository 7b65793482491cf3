package domain

import "errors"

var (
	ErrInvalidInput                   = errors.New("invalid input")
	ErrSlotUnavailable                = errors.New("slot unavailable")
	ErrWeekLimitExceeded              = errors.New("week limit exceeded")
	ErrLeadTime                       = errors.New("occurrence is too close to start")
	ErrReservationNotFound            = errors.New("reservation not found")
	ErrReservationNotActive           = errors.New("reservation is not active")
	ErrReservationExpired             = errors.New("reservation expired")
	ErrReservationExpiredPostPayment  = errors.New("reservation expired after payment")
	ErrPeriodAlreadyPaid              = errors.New("period already paid")
	ErrPaymentSessionNotFound         = errors.New("payment session not found")
	ErrPaymentSessionInitFailed       = errors.New("payment session init failed")
	ErrPaymentReconciliationAmbiguous = errors.New("payment reconciliation ambiguous")
	ErrDuplicatePayment               = errors.New("reservation already has a successful payment")
	ErrInvalidSignature               = errors.New("invalid gateway signature")
	ErrBookingNotFound                = errors.New("booking not found")
	ErrRateNotFound                   = errors.New("tutor has no session rate")
	ErrPreviewNotFound                = errors.New("next period preview not found")
	ErrNextPeriodClosed               = errors.New("next period payment window closed")
)
