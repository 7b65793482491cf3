package nextperiod

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/cache"
	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/repository"
	"github.com/Domenick1991/tutorbooking/internal/service/occurrence"
	"github.com/Domenick1991/tutorbooking/internal/service/reservation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var tenToEleven = domain.TimeRange{Start: "10:00", End: "11:00"}

func jan(d int) time.Time {
	return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	ext     *Extension
	store   *repository.MemoryStore
	clock   *testClock
	manager *reservation.Manager
}

// A student paid for Mondays and Fridays of December 2025. January has Mondays 5..26 and
// Fridays 2..30; Friday 16 January is already booked by someone else.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: &testClock{now: time.Date(2025, 12, 10, 8, 0, 0, 0, time.UTC)}}
	f.store = repository.NewMemoryStore(f.clock)
	f.store.AddAvailability(domain.Availability{ID: 1, TutorID: "tutor-1", Weekday: time.Monday, Range: tenToEleven}, true)
	f.store.AddAvailability(domain.Availability{ID: 2, TutorID: "tutor-1", Weekday: time.Friday, Range: tenToEleven}, true)

	for i, d := range []int{5, 12, 19, 26} {
		f.store.AddSlot(domain.Slot{ID: 501 + int64(i), AvailabilityID: 1, TutorID: "tutor-1", Date: jan(d), Range: tenToEleven})
	}
	for i, d := range []int{2, 9, 16, 23, 30} {
		s := domain.Slot{ID: 601 + int64(i), AvailabilityID: 2, TutorID: "tutor-1", Date: jan(d), Range: tenToEleven}
		if d == 16 {
			s.Status = domain.SlotStatusBooked
			s.HeldBy = "someone-else"
		}
		f.store.AddSlot(s)
	}

	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &domain.Reservation{
		ID:              "res-dec",
		StudentID:       "student-1",
		TutorID:         "tutor-1",
		SubjectID:       "math",
		Kind:            domain.ReservationKindRecurring,
		SlotIDs:         []int64{11, 12},
		AvailabilityIDs: []int64{1, 2},
		Month:           12,
		Year:            2025,
		Amount:          200000,
		Currency:        "LKR",
		ExpiresAt:       f.clock.Now().Add(15 * time.Minute),
	}))
	_, err := f.store.Transition(ctx, "res-dec", domain.ReservationStatusActive, domain.ReservationStatusConfirmed, time.Time{})
	require.NoError(t, err)

	f.manager = reservation.NewManager(f.store, f.store, 15*time.Minute,
		reservation.WithClock(f.clock), reservation.WithPeriodChecker(f.store))
	gen := occurrence.NewGenerator(f.store, occurrence.WithClock(f.clock), occurrence.WithLocation(time.UTC))
	f.ext = NewExtension(f.manager, f.store, gen, cache.NewMemoryPreviewStore(f.clock), WithClock(f.clock))
	return f
}

func TestExtension_PreviewRollsOverIntoJanuary(t *testing.T) {
	f := newFixture(t)

	preview, err := f.ext.Preview(context.Background(), "res-dec")
	require.NoError(t, err)

	assert.Equal(t, 1, preview.Month)
	assert.Equal(t, 2026, preview.Year)
	require.Len(t, preview.Patterns, 2)
	assert.Equal(t, 4, preview.Patterns[0].Count)
	assert.Equal(t, []time.Time{jan(2), jan(9), jan(23), jan(30)}, preview.Patterns[1].Dates)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), preview.FirstOccurrence)
	assert.Equal(t, time.Date(2025, 12, 31, 10, 0, 0, 0, time.UTC), preview.PayBy)

	// nothing is locked by a preview
	slots, err := f.store.Get(context.Background(), []int64{501, 601})
	require.NoError(t, err)
	for _, s := range slots {
		assert.Equal(t, domain.SlotStatusAvailable, s.Status)
	}

	got, err := f.ext.GetPreview(context.Background(), preview.ID)
	require.NoError(t, err)
	assert.Equal(t, preview.ReservationID, got.ReservationID)
}

func TestExtension_PreviewAfterCutoff(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(time.Date(2025, 12, 31, 10, 0, 0, 0, time.UTC))

	_, err := f.ext.Preview(context.Background(), "res-dec")
	assert.ErrorIs(t, err, domain.ErrNextPeriodClosed)
}

func TestExtension_PreviewRequiresConfirmedRecurring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active, err := f.manager.Reserve(ctx, reservation.ReserveInput{
		StudentID: "student-2", TutorID: "tutor-1", Kind: domain.ReservationKindRecurring, SlotIDs: []int64{501}, Amount: 100000,
	})
	require.NoError(t, err)
	_, err = f.ext.Preview(ctx, active.ID)
	assert.ErrorIs(t, err, domain.ErrReservationNotActive)

	oneTime, err := f.manager.Reserve(ctx, reservation.ReserveInput{
		StudentID: "student-2", TutorID: "tutor-1", Kind: domain.ReservationKindOneTime, SlotIDs: []int64{602}, Amount: 100000,
	})
	require.NoError(t, err)
	_, err = f.ext.Preview(ctx, oneTime.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.ext.Preview(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestExtension_ReserveLocksPreviewedDates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	preview, err := f.ext.Preview(ctx, "res-dec")
	require.NoError(t, err)

	res, err := f.ext.Reserve(ctx, preview.ID, "student-1")
	require.NoError(t, err)

	assert.Equal(t, []int64{501, 502, 503, 504, 601, 602, 604, 605}, res.SlotIDs)
	assert.Equal(t, int64(800000), res.Amount)
	assert.Equal(t, 1, res.Month)
	assert.Equal(t, 2026, res.Year)
	assert.Equal(t, "math", res.SubjectID)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), res.ExpiresAt)

	_, err = f.ext.GetPreview(ctx, preview.ID)
	assert.ErrorIs(t, err, domain.ErrPreviewNotFound)
}

func TestExtension_ReserveHoldNeverOutlivesPayBy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	preview, err := f.ext.Preview(ctx, "res-dec")
	require.NoError(t, err)

	f.clock.Set(preview.PayBy.Add(-5 * time.Minute))
	res, err := f.ext.Reserve(ctx, preview.ID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, preview.PayBy, res.ExpiresAt)
}

func TestExtension_ReserveRejectsUnknownPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	preview, err := f.ext.Preview(ctx, "res-dec")
	require.NoError(t, err)

	_, err = f.ext.Reserve(ctx, preview.ID, "student-2")
	assert.ErrorIs(t, err, domain.ErrPreviewNotFound)

	_, err = f.ext.Reserve(ctx, "missing", "student-1")
	assert.ErrorIs(t, err, domain.ErrPreviewNotFound)

	f.clock.Set(preview.PayBy)
	_, err = f.ext.Reserve(ctx, preview.ID, "student-1")
	assert.ErrorIs(t, err, domain.ErrPreviewNotFound)
}

type MockPreviewStore struct {
	mock.Mock
}

func (m *MockPreviewStore) SavePreview(ctx context.Context, preview *domain.NextPeriodPreview, ttl time.Duration) error {
	return m.Called(ctx, preview, ttl).Error(0)
}

func (m *MockPreviewStore) GetPreview(ctx context.Context, id string) (*domain.NextPeriodPreview, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.NextPeriodPreview), args.Error(1)
}

func (m *MockPreviewStore) DeletePreview(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func TestExtension_PreviewStoredUntilPayBy(t *testing.T) {
	f := newFixture(t)
	store := new(MockPreviewStore)
	ext := NewExtension(f.manager, f.store, nil, store, WithClock(f.clock))

	// 10 Dec 08:00 to 31 Dec 10:00
	store.On("SavePreview", mock.Anything, mock.AnythingOfType("*domain.NextPeriodPreview"), 21*24*time.Hour+2*time.Hour).
		Return(nil).Once()
	_, err := ext.Preview(context.Background(), "res-dec")
	require.NoError(t, err)
	store.AssertExpectations(t)

	store.On("GetPreview", mock.Anything, "broken").Return(nil, errors.New("redis down")).Once()
	_, err = ext.GetPreview(context.Background(), "broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPreviewNotFound)
}
