package api

import (
	"context"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/gateway"
	"github.com/Domenick1991/tutorbooking/internal/service/confirmation"
	"github.com/Domenick1991/tutorbooking/internal/service/reservation"
	"github.com/stretchr/testify/mock"
)

type MockReservationUseCase struct {
	mock.Mock
}

func (m *MockReservationUseCase) Reserve(ctx context.Context, input reservation.ReserveInput) (*domain.Reservation, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *MockReservationUseCase) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *MockReservationUseCase) Cancel(ctx context.Context, id string) (*domain.Reservation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *MockReservationUseCase) Confirm(ctx context.Context, id string) (*domain.Reservation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *MockReservationUseCase) ExpireDue(ctx context.Context) ([]domain.Reservation, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.Reservation), args.Error(1)
}

type MockPaymentUseCase struct {
	mock.Mock
}

func (m *MockPaymentUseCase) Initiate(ctx context.Context, reservationID string) (*domain.PaymentSession, *gateway.Checkout, error) {
	args := m.Called(ctx, reservationID)
	session, _ := args.Get(0).(*domain.PaymentSession)
	checkout, _ := args.Get(1).(*gateway.Checkout)
	return session, checkout, args.Error(2)
}

func (m *MockPaymentUseCase) ComputeIntegrityHash(orderID string, amount int64, currency string) string {
	return m.Called(orderID, amount, currency).String(0)
}

func (m *MockPaymentUseCase) Reconcile(ctx context.Context, orderID string) (*domain.PaymentSession, error) {
	args := m.Called(ctx, orderID)
	session, _ := args.Get(0).(*domain.PaymentSession)
	return session, args.Error(1)
}

func (m *MockPaymentUseCase) HandleNotification(ctx context.Context, n gateway.Notification) (*domain.PaymentSession, error) {
	args := m.Called(ctx, n)
	session, _ := args.Get(0).(*domain.PaymentSession)
	return session, args.Error(1)
}

func (m *MockPaymentUseCase) RequestRefund(ctx context.Context, orderID, reason string) error {
	return m.Called(ctx, orderID, reason).Error(0)
}

func (m *MockPaymentUseCase) Refund(ctx context.Context, orderID, reason string) (*domain.PaymentSession, error) {
	args := m.Called(ctx, orderID, reason)
	session, _ := args.Get(0).(*domain.PaymentSession)
	return session, args.Error(1)
}

func (m *MockPaymentUseCase) ExpireStale(ctx context.Context) ([]domain.PaymentSession, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.PaymentSession), args.Error(1)
}

func (m *MockPaymentUseCase) Get(ctx context.Context, orderID string) (*domain.PaymentSession, error) {
	args := m.Called(ctx, orderID)
	session, _ := args.Get(0).(*domain.PaymentSession)
	return session, args.Error(1)
}

func (m *MockPaymentUseCase) ForReservation(ctx context.Context, reservationID string) ([]domain.PaymentSession, error) {
	args := m.Called(ctx, reservationID)
	return args.Get(0).([]domain.PaymentSession), args.Error(1)
}

type MockSettlementUseCase struct {
	mock.Mock
}

func (m *MockSettlementUseCase) Settle(ctx context.Context, orderID string) (*confirmation.Result, error) {
	args := m.Called(ctx, orderID)
	result, _ := args.Get(0).(*confirmation.Result)
	return result, args.Error(1)
}

func (m *MockSettlementUseCase) BookingForReservation(ctx context.Context, reservationID string) (*domain.Booking, error) {
	args := m.Called(ctx, reservationID)
	b, _ := args.Get(0).(*domain.Booking)
	return b, args.Error(1)
}

type MockOccurrenceUseCase struct {
	mock.Mock
}

func (m *MockOccurrenceUseCase) Generate(ctx context.Context, tutorID string, mode domain.BookingMode) ([]domain.WeekBreakdown, error) {
	args := m.Called(ctx, tutorID, mode)
	weeks, _ := args.Get(0).([]domain.WeekBreakdown)
	return weeks, args.Error(1)
}

func (m *MockOccurrenceUseCase) GenerateMonth(ctx context.Context, tutorID string, patterns []domain.Pattern, month, year int) ([]domain.WeekBreakdown, error) {
	args := m.Called(ctx, tutorID, patterns, month, year)
	weeks, _ := args.Get(0).([]domain.WeekBreakdown)
	return weeks, args.Error(1)
}

type MockAvailabilityUseCase struct {
	mock.Mock
}

func (m *MockAvailabilityUseCase) GetSlots(ctx context.Context, tutorID string, date time.Time, recurring bool) ([]domain.Slot, error) {
	args := m.Called(ctx, tutorID, date, recurring)
	slots, _ := args.Get(0).([]domain.Slot)
	return slots, args.Error(1)
}

func (m *MockAvailabilityUseCase) GetNextPeriodSlots(ctx context.Context, availabilityIDs []int64, month, year int) ([]domain.PeriodAvailability, error) {
	args := m.Called(ctx, availabilityIDs, month, year)
	out, _ := args.Get(0).([]domain.PeriodAvailability)
	return out, args.Error(1)
}

func (m *MockAvailabilityUseCase) Invalidate(ctx context.Context, tutorID string) {
	m.Called(ctx, tutorID)
}

type MockNextPeriodUseCase struct {
	mock.Mock
}

func (m *MockNextPeriodUseCase) Preview(ctx context.Context, reservationID string) (*domain.NextPeriodPreview, error) {
	args := m.Called(ctx, reservationID)
	p, _ := args.Get(0).(*domain.NextPeriodPreview)
	return p, args.Error(1)
}

func (m *MockNextPeriodUseCase) GetPreview(ctx context.Context, previewID string) (*domain.NextPeriodPreview, error) {
	args := m.Called(ctx, previewID)
	p, _ := args.Get(0).(*domain.NextPeriodPreview)
	return p, args.Error(1)
}

func (m *MockNextPeriodUseCase) Reserve(ctx context.Context, previewID, studentID string) (*domain.Reservation, error) {
	args := m.Called(ctx, previewID, studentID)
	r, _ := args.Get(0).(*domain.Reservation)
	return r, args.Error(1)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }
