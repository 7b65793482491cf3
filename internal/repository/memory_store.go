package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
)

// MemoryStore keeps every table in process memory behind one mutex. It backs the
// memory database driver and the service tests; each method is one critical section,
// which gives the same all-or-nothing guarantees as the PG transactions.
type MemoryStore struct {
	mu             sync.Mutex
	clock          domain.Clock
	availabilities map[int64]domain.Availability
	recurring      map[int64]bool
	slots          map[int64]*domain.Slot
	reservations   map[string]*domain.Reservation
	sessions       map[string]*domain.PaymentSession
	bookings       map[string]*domain.Booking
	rates          map[string]int64
}

func NewMemoryStore(clock domain.Clock) *MemoryStore {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &MemoryStore{
		clock:          clock,
		availabilities: make(map[int64]domain.Availability),
		recurring:      make(map[int64]bool),
		slots:          make(map[int64]*domain.Slot),
		reservations:   make(map[string]*domain.Reservation),
		sessions:       make(map[string]*domain.PaymentSession),
		bookings:       make(map[string]*domain.Booking),
		rates:          make(map[string]int64),
	}
}

// AddAvailability registers a weekly template.
func (m *MemoryStore) AddAvailability(a domain.Availability, recurring bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availabilities[a.ID] = a
	m.recurring[a.ID] = recurring
}

func (m *MemoryStore) SetRate(tutorID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[tutorID] = amount
}

func (m *MemoryStore) SessionRate(ctx context.Context, tutorID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amount, ok := m.rates[tutorID]
	if !ok {
		return 0, fmt.Errorf("%w: tutor %s", domain.ErrRateNotFound, tutorID)
	}
	return amount, nil
}

// AddSlot registers a slot; an empty status means AVAILABLE.
func (m *MemoryStore) AddSlot(s domain.Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Status == "" {
		s.Status = domain.SlotStatusAvailable
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.clock.Now()
	}
	m.slots[s.ID] = &s
}

// ---- SlotLedger ----

func (m *MemoryStore) TryLock(ctx context.Context, holder string, slotIDs []int64) error {
	ids := uniqueIDs(slotIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: no slots to lock", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		s, ok := m.slots[id]
		if !ok || s.Status != domain.SlotStatusAvailable {
			return domain.ErrSlotUnavailable
		}
	}
	now := m.clock.Now()
	for _, id := range ids {
		s := m.slots[id]
		s.Status = domain.SlotStatusLocked
		s.HeldBy = holder
		s.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, holder string, slotIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, id := range uniqueIDs(slotIDs) {
		s, ok := m.slots[id]
		if !ok || s.Status != domain.SlotStatusLocked || s.HeldBy != holder {
			continue
		}
		s.Status = domain.SlotStatusAvailable
		s.HeldBy = ""
		s.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) MarkBooked(ctx context.Context, holder string, slotIDs []int64) error {
	ids := uniqueIDs(slotIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: no slots to book", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		s, ok := m.slots[id]
		if !ok || s.HeldBy != holder || s.Status == domain.SlotStatusAvailable {
			return domain.ErrSlotUnavailable
		}
	}
	now := m.clock.Now()
	for _, id := range ids {
		s := m.slots[id]
		s.Status = domain.SlotStatusBooked
		s.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, slotIDs []int64) ([]domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Slot
	for _, id := range uniqueIDs(slotIDs) {
		if s, ok := m.slots[id]; ok {
			out = append(out, *s)
		}
	}
	sortSlots(out)
	return out, nil
}

func (m *MemoryStore) ReleaseOrphans(ctx context.Context, grace time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	released := 0
	for _, s := range m.slots {
		if s.Status != domain.SlotStatusLocked || now.Sub(s.UpdatedAt) <= grace {
			continue
		}
		if res, ok := m.reservations[s.HeldBy]; ok && (res.Status == domain.ReservationStatusActive || res.Status == domain.ReservationStatusConfirmed) {
			continue
		}
		s.Status = domain.SlotStatusAvailable
		s.HeldBy = ""
		s.UpdatedAt = now
		released++
	}
	return released, nil
}

// ---- AvailabilityRepository ----

func (m *MemoryStore) GetSlots(ctx context.Context, tutorID string, date time.Time, recurring bool) ([]domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Slot
	for _, s := range m.slots {
		if s.TutorID != tutorID || !domain.SameDay(date, s.Date) {
			continue
		}
		if recurring && !m.recurring[s.AvailabilityID] {
			continue
		}
		out = append(out, *s)
	}
	sortSlots(out)
	return out, nil
}

func (m *MemoryStore) GetNextPeriodSlots(ctx context.Context, availabilityIDs []int64, month, year int) ([]domain.PeriodAvailability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.PeriodAvailability
	for _, id := range uniqueIDs(availabilityIDs) {
		a, ok := m.availabilities[id]
		if !ok {
			continue
		}
		pa := domain.PeriodAvailability{AvailabilityID: a.ID, TutorID: a.TutorID, Weekday: a.Weekday, Range: a.Range}
		for _, s := range m.slots {
			if s.AvailabilityID != id || s.Status != domain.SlotStatusAvailable {
				continue
			}
			if int(s.Date.Month()) == month && s.Date.Year() == year {
				pa.AvailableDates = append(pa.AvailableDates, s.Date)
			}
		}
		sort.Slice(pa.AvailableDates, func(i, j int) bool { return pa.AvailableDates[i].Before(pa.AvailableDates[j]) })
		out = append(out, pa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AvailabilityID < out[j].AvailabilityID })
	return out, nil
}

// ---- ReservationRepository ----

func (m *MemoryStore) Create(ctx context.Context, res *domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[res.ID]; ok {
		return fmt.Errorf("reservation %s already exists", res.ID)
	}
	now := m.clock.Now()
	res.Status = domain.ReservationStatusActive
	res.CreatedAt = now
	res.UpdatedAt = now
	stored := cloneReservation(res)
	m.reservations[res.ID] = stored
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[id]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return cloneReservation(res), nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to domain.ReservationStatus, liveAt time.Time) (*domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[id]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	if res.Status != from || (!liveAt.IsZero() && !res.ExpiresAt.After(liveAt)) {
		return cloneReservation(res), domain.ErrReservationNotActive
	}
	res.Status = to
	res.UpdatedAt = m.clock.Now()
	return cloneReservation(res), nil
}

func (m *MemoryStore) ExpireActiveBefore(ctx context.Context, deadline time.Time) ([]domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []domain.Reservation
	now := m.clock.Now()
	for _, res := range m.reservations {
		if res.Status != domain.ReservationStatusActive || res.ExpiresAt.After(deadline) {
			continue
		}
		res.Status = domain.ReservationStatusExpired
		res.UpdatedAt = now
		expired = append(expired, *cloneReservation(res))
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	return expired, nil
}

// ---- PaymentRepository ----

func (m *MemoryStore) CreateOrGetOpen(ctx context.Context, s *domain.PaymentSession) (*domain.PaymentSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if existing.ReservationID == s.ReservationID && existing.Open() {
			c := *existing
			return &c, false, nil
		}
	}
	now := m.clock.Now()
	stored := *s
	stored.Status = domain.PaymentStatusPending
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.sessions[s.OrderID] = &stored
	c := stored
	return &c, true, nil
}

func (m *MemoryStore) GetByOrderID(ctx context.Context, orderID string) (*domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[orderID]
	if !ok {
		return nil, domain.ErrPaymentSessionNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) ListByReservation(ctx context.Context, reservationID string) ([]domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.PaymentSession
	for _, s := range m.sessions {
		if s.ReservationID == reservationID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, orderID string, from, to domain.PaymentStatus, paymentID string) (*domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[orderID]
	if !ok {
		return nil, domain.ErrPaymentSessionNotFound
	}
	if s.Status != from {
		c := *s
		return &c, nil
	}

	now := m.clock.Now()
	if to == domain.PaymentStatusSuccess && !s.RefundRequested {
		var siblings []*domain.PaymentSession
		for _, other := range m.sessions {
			if other.OrderID == orderID || other.ReservationID != s.ReservationID {
				continue
			}
			switch {
			case other.Status == domain.PaymentStatusSuccess && !other.RefundRequested:
				return nil, fmt.Errorf("%w: reservation %s", domain.ErrDuplicatePayment, s.ReservationID)
			case other.Status == domain.PaymentStatusPending:
				siblings = append(siblings, other)
			}
		}
		for _, other := range siblings {
			other.Status = domain.PaymentStatusExpired
			other.UpdatedAt = now
		}
	}

	s.Status = to
	if paymentID != "" {
		s.PaymentID = paymentID
	}
	s.UpdatedAt = now
	c := *s
	return &c, nil
}

func (m *MemoryStore) SetCheckout(ctx context.Context, orderID, paymentID, checkoutURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[orderID]
	if !ok {
		return domain.ErrPaymentSessionNotFound
	}
	s.PaymentID = paymentID
	s.CheckoutURL = checkoutURL
	s.UpdatedAt = m.clock.Now()
	return nil
}

func (m *MemoryStore) MarkRefundRequested(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[orderID]
	if !ok {
		return false, domain.ErrPaymentSessionNotFound
	}
	if s.RefundRequested {
		return false, nil
	}
	s.RefundRequested = true
	s.UpdatedAt = m.clock.Now()
	return true, nil
}

func (m *MemoryStore) ExpirePendingBefore(ctx context.Context, deadline time.Time) ([]domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.PaymentSession
	now := m.clock.Now()
	for _, s := range m.sessions {
		if s.Status != domain.PaymentStatusPending || s.ExpiresAt.After(deadline) {
			continue
		}
		s.Status = domain.PaymentStatusExpired
		s.UpdatedAt = now
		out = append(out, *s)
	}
	return out, nil
}

// ---- BookingRepository ----

func (m *MemoryStore) CreateOnce(ctx context.Context, b *domain.Booking) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.bookings[b.ReservationID]; ok {
		c := *existing
		return &c, nil
	}
	stored := *b
	stored.SlotIDs = append([]int64(nil), b.SlotIDs...)
	stored.CreatedAt = m.clock.Now()
	m.bookings[b.ReservationID] = &stored
	c := stored
	return &c, nil
}

func (m *MemoryStore) GetByReservation(ctx context.Context, reservationID string) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[reservationID]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	c := *b
	return &c, nil
}

func (m *MemoryStore) ExistsForPeriod(ctx context.Context, studentID, tutorID string, month, year int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.bookings {
		if b.StudentID == studentID && b.TutorID == tutorID && b.Month == month && b.Year == year {
			return true, nil
		}
	}
	return false, nil
}

func cloneReservation(r *domain.Reservation) *domain.Reservation {
	c := *r
	c.SlotIDs = append([]int64(nil), r.SlotIDs...)
	c.AvailabilityIDs = append([]int64(nil), r.AvailabilityIDs...)
	return &c
}

func sortSlots(slots []domain.Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].Date.Equal(slots[j].Date) {
			return slots[i].Date.Before(slots[j].Date)
		}
		return slots[i].Range.Start < slots[j].Range.Start
	})
}

var (
	_ SlotLedger             = (*MemoryStore)(nil)
	_ AvailabilityRepository = (*MemoryStore)(nil)
	_ ReservationRepository  = (*MemoryStore)(nil)
	_ PaymentRepository      = (*MemoryStore)(nil)
	_ BookingRepository      = (*MemoryStore)(nil)
	_ RateRepository         = (*MemoryStore)(nil)
)
