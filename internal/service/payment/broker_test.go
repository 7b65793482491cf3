package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/events"
	"github.com/Domenick1991/tutorbooking/internal/gateway"
	"github.com/Domenick1991/tutorbooking/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Name() string { return "mock" }

func (m *MockGateway) Checkout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Checkout, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Checkout), args.Error(1)
}

func (m *MockGateway) Resume(s domain.PaymentSession) *gateway.Checkout {
	return &gateway.Checkout{OrderID: s.OrderID, URL: s.CheckoutURL}
}

func (m *MockGateway) Status(ctx context.Context, orderID string) (*gateway.StatusResult, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.StatusResult), args.Error(1)
}

func (m *MockGateway) Refund(ctx context.Context, req gateway.RefundRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockGateway) VerifyNotification(n gateway.Notification) (string, error) {
	args := m.Called(n)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) Hash(orderID string, amount int64, currency string) string {
	return m.Called(orderID, amount, currency).String(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic, key string, value interface{}) error {
	return m.Called(ctx, topic, key, value).Error(0)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	broker *Broker
	store  *repository.MemoryStore
	gw     *MockGateway
	clock  *fixedClock
	sleeps []time.Duration
}

// 2500.00 LKR recurring reservation over slots 101 and 102, held for 15 minutes.
func newFixture(t *testing.T, opts ...BrokerOption) (*fixture, *domain.Reservation) {
	t.Helper()
	f := &fixture{
		gw:    new(MockGateway),
		clock: &fixedClock{now: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)},
	}
	f.store = repository.NewMemoryStore(f.clock)

	res := &domain.Reservation{
		ID:        "res-1",
		StudentID: "student-1",
		TutorID:   "tutor-1",
		Kind:      domain.ReservationKindRecurring,
		SlotIDs:   []int64{101, 102},
		Amount:    250000,
		Currency:  "LKR",
		ExpiresAt: f.clock.Now().Add(15 * time.Minute),
	}
	require.NoError(t, f.store.Create(context.Background(), res))

	all := append([]BrokerOption{
		WithClock(f.clock),
		WithSessionTTL(30 * time.Minute),
		WithReconcile(3, time.Second),
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		}),
	}, opts...)
	f.broker = NewBroker(f.gw, f.store, f.store, all...)
	return f, res
}

func (f *fixture) initiate(t *testing.T, reservationID string) *domain.PaymentSession {
	t.Helper()
	f.gw.On("Checkout", mock.Anything, mock.AnythingOfType("gateway.CheckoutRequest")).
		Return(&gateway.Checkout{PaymentID: "tok-1", URL: "https://pay.example/checkout/tok-1"}, nil).Once()
	session, _, err := f.broker.Initiate(context.Background(), reservationID)
	require.NoError(t, err)
	return session
}

func TestBroker_Initiate_CreatesSessionFromReservation(t *testing.T) {
	f, res := newFixture(t)

	f.gw.On("Checkout", mock.Anything, mock.MatchedBy(func(req gateway.CheckoutRequest) bool {
		return req.ReservationID == res.ID && req.Amount == 250000 && req.Currency == "LKR" && req.CustomerID == "student-1"
	})).Return(&gateway.Checkout{PaymentID: "tok-1", URL: "https://pay.example/checkout/tok-1"}, nil).Once()

	session, checkout, err := f.broker.Initiate(context.Background(), res.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentStatusPending, session.Status)
	assert.Equal(t, int64(250000), session.Amount)
	// capped by the reservation hold, not the 30 minute session ttl
	assert.Equal(t, res.ExpiresAt, session.ExpiresAt)
	assert.Equal(t, "https://pay.example/checkout/tok-1", checkout.URL)

	stored, err := f.broker.Get(context.Background(), session.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", stored.PaymentID)
	f.gw.AssertExpectations(t)
}

func TestBroker_Initiate_NoDoubleSession(t *testing.T) {
	f, res := newFixture(t)
	first := f.initiate(t, res.ID)

	second, checkout, err := f.broker.Initiate(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.OrderID, checkout.OrderID)

	sessions, err := f.broker.ForReservation(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	f.gw.AssertNumberOfCalls(t, "Checkout", 1)
}

func TestBroker_Initiate_ConcurrentCallsShareOneSession(t *testing.T) {
	f, res := newFixture(t)
	f.gw.On("Checkout", mock.Anything, mock.Anything).
		Return(&gateway.Checkout{PaymentID: "tok", URL: "https://pay.example"}, nil)

	var wg sync.WaitGroup
	orders := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, _, err := f.broker.Initiate(context.Background(), res.ID)
			if err == nil {
				orders <- session.OrderID
			}
		}()
	}
	wg.Wait()
	close(orders)

	seen := map[string]bool{}
	for id := range orders {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	f.gw.AssertNumberOfCalls(t, "Checkout", 1)
}

func TestBroker_Initiate_ExpiredReservation(t *testing.T) {
	f, res := newFixture(t)
	f.clock.Advance(16 * time.Minute)

	_, _, err := f.broker.Initiate(context.Background(), res.ID)
	assert.ErrorIs(t, err, domain.ErrReservationExpired)
	f.gw.AssertNotCalled(t, "Checkout", mock.Anything, mock.Anything)

	_, _, err = f.broker.Initiate(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestBroker_Initiate_GatewayFailureMarksSessionFailed(t *testing.T) {
	f, res := newFixture(t)
	f.gw.On("Checkout", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()

	_, _, err := f.broker.Initiate(context.Background(), res.ID)
	require.ErrorIs(t, err, domain.ErrPaymentSessionInitFailed)

	sessions, err := f.broker.ForReservation(context.Background(), res.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.PaymentStatusFailed, sessions[0].Status)

	// a failed session does not block a retry
	retry := f.initiate(t, res.ID)
	assert.NotEqual(t, sessions[0].OrderID, retry.OrderID)
}

func TestBroker_Reconcile_Success(t *testing.T) {
	f, res := newFixture(t)
	session := f.initiate(t, res.ID)

	f.gw.On("Status", mock.Anything, session.OrderID).
		Return(&gateway.StatusResult{Status: domain.PaymentStatusSuccess, PaymentID: "320025071279", Amount: 250000}, nil).Once()

	got, err := f.broker.Reconcile(context.Background(), session.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, got.Status)
	assert.Equal(t, "320025071279", got.PaymentID)
	assert.Empty(t, f.sleeps)
}

func TestBroker_Reconcile_BacksOffWhilePending(t *testing.T) {
	f, res := newFixture(t)
	session := f.initiate(t, res.ID)

	f.gw.On("Status", mock.Anything, session.OrderID).
		Return(&gateway.StatusResult{Status: domain.PaymentStatusPending}, nil).Twice()
	f.gw.On("Status", mock.Anything, session.OrderID).
		Return(&gateway.StatusResult{Status: domain.PaymentStatusFailed}, nil).Once()

	got, err := f.broker.Reconcile(context.Background(), session.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, got.Status)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)
}

func TestBroker_Reconcile_Ambiguous(t *testing.T) {
	t.Run("still pending", func(t *testing.T) {
		f, res := newFixture(t)
		session := f.initiate(t, res.ID)
		f.gw.On("Status", mock.Anything, session.OrderID).
			Return(&gateway.StatusResult{Status: domain.PaymentStatusPending}, nil)

		got, err := f.broker.Reconcile(context.Background(), session.OrderID)
		assert.ErrorIs(t, err, domain.ErrPaymentReconciliationAmbiguous)
		assert.Equal(t, domain.PaymentStatusPending, got.Status)
		f.gw.AssertNumberOfCalls(t, "Status", 3)
	})

	t.Run("gateway unreachable", func(t *testing.T) {
		f, res := newFixture(t)
		session := f.initiate(t, res.ID)
		f.gw.On("Status", mock.Anything, session.OrderID).Return(nil, errors.New("timeout"))

		_, err := f.broker.Reconcile(context.Background(), session.OrderID)
		assert.ErrorIs(t, err, domain.ErrPaymentReconciliationAmbiguous)
	})
}

func TestBroker_Reconcile_AmountMismatchIsRefunded(t *testing.T) {
	t.Run("refund on the bus", func(t *testing.T) {
		pub := new(MockPublisher)
		f, res := newFixture(t, WithProducer(pub, "refunds", ""))
		session := f.initiate(t, res.ID)
		f.gw.On("Status", mock.Anything, session.OrderID).
			Return(&gateway.StatusResult{Status: domain.PaymentStatusSuccess, PaymentID: "p-1", Amount: 2500}, nil)
		pub.On("Publish", mock.Anything, "refunds", session.OrderID, mock.MatchedBy(func(e events.Event) bool {
			return e.Type == events.TypeRefundRequested && e.Reason == "amount mismatch: charged 2500, expected 250000"
		})).Return(nil).Once()

		got, err := f.broker.Reconcile(context.Background(), session.OrderID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusSuccess, got.Status)
		assert.True(t, got.RefundRequested)

		// reconciling again does not request a second refund
		again, err := f.broker.Reconcile(context.Background(), session.OrderID)
		require.NoError(t, err)
		assert.True(t, again.RefundRequested)
		pub.AssertNumberOfCalls(t, "Publish", 1)
	})

	t.Run("inline refund", func(t *testing.T) {
		f, res := newFixture(t)
		session := f.initiate(t, res.ID)
		f.gw.On("Status", mock.Anything, session.OrderID).
			Return(&gateway.StatusResult{Status: domain.PaymentStatusSuccess, PaymentID: "p-1", Amount: 2500}, nil).Once()
		f.gw.On("Refund", mock.Anything, mock.MatchedBy(func(req gateway.RefundRequest) bool {
			return req.OrderID == session.OrderID && req.PaymentID == "p-1"
		})).Return(nil).Once()

		got, err := f.broker.Reconcile(context.Background(), session.OrderID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusRefunded, got.Status)
		f.gw.AssertExpectations(t)
	})
}

func TestBroker_Initiate_MidtransRejectsTruncatedAmount(t *testing.T) {
	f, _ := newFixture(t)
	res := &domain.Reservation{
		ID:        "res-2",
		StudentID: "student-1",
		TutorID:   "tutor-1",
		Kind:      domain.ReservationKindOneTime,
		SlotIDs:   []int64{201},
		Amount:    255050,
		Currency:  "IDR",
		ExpiresAt: f.clock.Now().Add(15 * time.Minute),
	}
	require.NoError(t, f.store.Create(context.Background(), res))

	midtrans := gateway.NewMidtrans(gateway.MidtransConfig{ServerKey: "server-key"}, gateway.URLs{})
	broker := NewBroker(midtrans, f.store, f.store, WithClock(f.clock))

	_, _, err := broker.Initiate(context.Background(), res.ID)
	require.ErrorIs(t, err, domain.ErrPaymentSessionInitFailed)

	sessions, err := broker.ForReservation(context.Background(), res.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.PaymentStatusFailed, sessions[0].Status)
}

func TestBroker_Reconcile_LatePaymentAfterNewCheckout(t *testing.T) {
	f, res := newFixture(t, WithSessionTTL(5*time.Minute))
	first := f.initiate(t, res.ID)

	f.clock.Advance(6 * time.Minute)
	_, err := f.broker.ExpireStale(context.Background())
	require.NoError(t, err)
	second := f.initiate(t, res.ID)
	require.NotEqual(t, first.OrderID, second.OrderID)

	f.gw.On("Status", mock.Anything, first.OrderID).
		Return(&gateway.StatusResult{Status: domain.PaymentStatusSuccess, PaymentID: "p-1", Amount: 250000}, nil).Once()
	got, err := f.broker.Reconcile(context.Background(), first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, got.Status)
	assert.False(t, got.RefundRequested)

	newer, err := f.broker.Get(context.Background(), second.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusExpired, newer.Status)

	// the student paid the newer checkout as well
	f.gw.On("Status", mock.Anything, second.OrderID).
		Return(&gateway.StatusResult{Status: domain.PaymentStatusSuccess, PaymentID: "p-2", Amount: 250000}, nil).Once()
	f.gw.On("Refund", mock.Anything, mock.MatchedBy(func(req gateway.RefundRequest) bool {
		return req.OrderID == second.OrderID && req.Reason == "duplicate payment"
	})).Return(nil).Once()

	dup, err := f.broker.Reconcile(context.Background(), second.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, dup.Status)
	assert.True(t, dup.RefundRequested)

	paid, err := f.broker.Get(context.Background(), first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, paid.Status)
	f.gw.AssertExpectations(t)
}

func TestBroker_Initiate_CheckoutNotReadyIsRetryable(t *testing.T) {
	f, res := newFixture(t)
	_, created, err := f.store.CreateOrGetOpen(context.Background(), &domain.PaymentSession{
		OrderID:       "order-in-flight",
		ReservationID: res.ID,
		Amount:        res.Amount,
		Currency:      res.Currency,
		ExpiresAt:     res.ExpiresAt,
	})
	require.NoError(t, err)
	require.True(t, created)

	_, _, err = f.broker.Initiate(context.Background(), res.ID)
	assert.ErrorIs(t, err, domain.ErrPaymentSessionInitFailed)
	f.gw.AssertNotCalled(t, "Checkout", mock.Anything, mock.Anything)

	require.NoError(t, f.store.SetCheckout(context.Background(), "order-in-flight", "tok-1", "https://pay.example/checkout/tok-1"))
	session, checkout, err := f.broker.Initiate(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, "order-in-flight", session.OrderID)
	assert.Equal(t, "https://pay.example/checkout/tok-1", checkout.URL)
}

func TestBroker_Reconcile_TerminalStatusNeverRegresses(t *testing.T) {
	f, res := newFixture(t)
	session := f.initiate(t, res.ID)

	f.gw.On("Status", mock.Anything, session.OrderID).
		Return(&gateway.StatusResult{Status: domain.PaymentStatusSuccess, Amount: 250000}, nil).Once()
	_, err := f.broker.Reconcile(context.Background(), session.OrderID)
	require.NoError(t, err)

	f.gw.On("Status", mock.Anything, session.OrderID).
		Return(&gateway.StatusResult{Status: domain.PaymentStatusFailed}, nil).Once()
	got, err := f.broker.Reconcile(context.Background(), session.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, got.Status)
}

func TestBroker_HandleNotification(t *testing.T) {
	f, res := newFixture(t)
	session := f.initiate(t, res.ID)

	bad := gateway.Notification{Body: []byte(`{"order_id":"x"}`)}
	f.gw.On("VerifyNotification", bad).Return("", domain.ErrInvalidSignature).Once()
	_, err := f.broker.HandleNotification(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	f.gw.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)

	good := gateway.Notification{Body: []byte(`{"order_id":"` + session.OrderID + `"}`)}
	f.gw.On("VerifyNotification", good).Return(session.OrderID, nil).Once()
	f.gw.On("Status", mock.Anything, session.OrderID).
		Return(&gateway.StatusResult{Status: domain.PaymentStatusSuccess, Amount: 250000}, nil).Once()

	got, err := f.broker.HandleNotification(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, got.Status)
}

func TestBroker_RequestRefund_PublishesOnce(t *testing.T) {
	pub := new(MockPublisher)
	f, res := newFixture(t, WithProducer(pub, "refunds", ""))
	session := f.initiate(t, res.ID)

	pub.On("Publish", mock.Anything, "refunds", session.OrderID, mock.MatchedBy(func(e events.Event) bool {
		return e.Type == events.TypeRefundRequested && e.Amount == 250000 && e.Reason == "expired"
	})).Return(nil).Once()

	require.NoError(t, f.broker.RequestRefund(context.Background(), session.OrderID, "expired"))
	require.NoError(t, f.broker.RequestRefund(context.Background(), session.OrderID, "expired"))

	pub.AssertNumberOfCalls(t, "Publish", 1)
	stored, err := f.broker.Get(context.Background(), session.OrderID)
	require.NoError(t, err)
	assert.True(t, stored.RefundRequested)
}

func TestBroker_RequestRefund_InlineWithoutBus(t *testing.T) {
	f, res := newFixture(t)
	session := f.initiate(t, res.ID)
	f.gw.On("Status", mock.Anything, session.OrderID).
		Return(&gateway.StatusResult{Status: domain.PaymentStatusSuccess, Amount: 250000, PaymentID: "p-1"}, nil).Once()
	_, err := f.broker.Reconcile(context.Background(), session.OrderID)
	require.NoError(t, err)

	f.gw.On("Refund", mock.Anything, gateway.RefundRequest{OrderID: session.OrderID, PaymentID: "p-1", Amount: 250000, Reason: "expired"}).
		Return(nil).Once()
	require.NoError(t, f.broker.RequestRefund(context.Background(), session.OrderID, "expired"))

	stored, err := f.broker.Get(context.Background(), session.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, stored.Status)
}

func TestBroker_Refund(t *testing.T) {
	f, res := newFixture(t)
	session := f.initiate(t, res.ID)

	_, err := f.broker.Refund(context.Background(), session.OrderID, "x")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	f.gw.On("Status", mock.Anything, session.OrderID).
		Return(&gateway.StatusResult{Status: domain.PaymentStatusSuccess, Amount: 250000}, nil).Once()
	_, err = f.broker.Reconcile(context.Background(), session.OrderID)
	require.NoError(t, err)

	f.gw.On("Refund", mock.Anything, mock.Anything).Return(errors.New("gateway down")).Once()
	_, err = f.broker.Refund(context.Background(), session.OrderID, "x")
	assert.Error(t, err)

	f.gw.On("Refund", mock.Anything, mock.Anything).Return(nil).Once()
	got, err := f.broker.Refund(context.Background(), session.OrderID, "x")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, got.Status)

	again, err := f.broker.Refund(context.Background(), session.OrderID, "x")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, again.Status)
	f.gw.AssertNumberOfCalls(t, "Refund", 2)
}

func TestBroker_ExpireStale(t *testing.T) {
	f, res := newFixture(t)
	session := f.initiate(t, res.ID)

	expired, err := f.broker.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Empty(t, expired)

	f.clock.Advance(15 * time.Minute)
	expired, err = f.broker.ExpireStale(context.Background())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, session.OrderID, expired[0].OrderID)

	// the gateway may still settle a session that timed out locally
	f.gw.On("Status", mock.Anything, session.OrderID).
		Return(&gateway.StatusResult{Status: domain.PaymentStatusSuccess, Amount: 250000}, nil).Once()
	got, err := f.broker.Reconcile(context.Background(), session.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, got.Status)
}

func TestBroker_ComputeIntegrityHash(t *testing.T) {
	f, _ := newFixture(t)
	f.gw.On("Hash", "order-1", int64(250000), "LKR").Return("ABC").Once()
	assert.Equal(t, "ABC", f.broker.ComputeIntegrityHash("order-1", 250000, "LKR"))
}
