package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/events"
	"github.com/Domenick1991/tutorbooking/internal/repository"
	"github.com/Domenick1991/tutorbooking/internal/service/occurrence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/Domenick1991/tutorbooking/internal/service/reservation")

type ReservationUseCase interface {
	Reserve(ctx context.Context, input ReserveInput) (*domain.Reservation, error)
	Get(ctx context.Context, id string) (*domain.Reservation, error)
	Cancel(ctx context.Context, id string) (*domain.Reservation, error)
	Confirm(ctx context.Context, id string) (*domain.Reservation, error)
	ExpireDue(ctx context.Context) ([]domain.Reservation, error)
}

// PeriodChecker answers whether a recurring period was already paid for.
type PeriodChecker interface {
	ExistsForPeriod(ctx context.Context, studentID, tutorID string, month, year int) (bool, error)
}

// RateSource prices one session with a tutor.
type RateSource interface {
	SessionRate(ctx context.Context, tutorID string) (int64, error)
}

// Invalidator is told whenever slots of a tutor change status.
type Invalidator interface {
	Invalidate(ctx context.Context, tutorID string)
}

type ReserveInput struct {
	StudentID   string                 `json:"student_id"`
	TutorID     string                 `json:"tutor_id"`
	SubjectID   string                 `json:"subject_id"`
	LanguageID  string                 `json:"language_id"`
	ClassTypeID string                 `json:"class_type_id"`
	Kind        domain.ReservationKind `json:"kind"`
	SlotIDs     []int64                `json:"slot_ids"`
	// Amount is what the caller expects to pay. With a RateSource it may be zero and must
	// otherwise equal the priced amount.
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	// TTL overrides the configured hold time when positive.
	TTL time.Duration `json:"-"`
	// Deadline caps ExpiresAt when set.
	Deadline time.Time `json:"-"`
	// Month and Year name the recurring period; derived from the first slot when zero.
	Month int `json:"month"`
	Year  int `json:"year"`
}

type Manager struct {
	ledger       repository.SlotLedger
	reservations repository.ReservationRepository
	periods      PeriodChecker
	rates        RateSource
	producer     events.Publisher
	invalidator  Invalidator
	clock        domain.Clock
	logger       *slog.Logger

	topic              string
	notificationsTopic string
	holdTTL            time.Duration
	orphanGrace        time.Duration
	lead               occurrence.LeadTimes
	maxWeekdays        int
	currency           string
}

type ManagerOption func(*Manager)

func WithProducer(producer events.Publisher, topic, notificationsTopic string) ManagerOption {
	return func(m *Manager) {
		m.producer = producer
		m.topic = topic
		m.notificationsTopic = notificationsTopic
	}
}

func WithPeriodChecker(periods PeriodChecker) ManagerOption {
	return func(m *Manager) { m.periods = periods }
}

// WithRates prices reservations from the tutor's session rate times the number of slots.
func WithRates(rates RateSource) ManagerOption {
	return func(m *Manager) { m.rates = rates }
}

func WithInvalidator(inv Invalidator) ManagerOption {
	return func(m *Manager) { m.invalidator = inv }
}

func WithClock(clock domain.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func WithLeadTimes(lead occurrence.LeadTimes) ManagerOption {
	return func(m *Manager) { m.lead = lead }
}

func WithMaxWeekdays(n int) ManagerOption {
	return func(m *Manager) { m.maxWeekdays = n }
}

func WithCurrency(currency string) ManagerOption {
	return func(m *Manager) { m.currency = currency }
}

// WithOrphanGrace sets how old a lock without a live reservation must be before the sweep frees it.
func WithOrphanGrace(d time.Duration) ManagerOption {
	return func(m *Manager) { m.orphanGrace = d }
}

func NewManager(ledger repository.SlotLedger, reservations repository.ReservationRepository, holdTTL time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		ledger:       ledger,
		reservations: reservations,
		producer:     events.Nop{},
		clock:        domain.RealClock{},
		logger:       slog.Default(),
		holdTTL:      holdTTL,
		orphanGrace:  time.Minute,
		lead:         occurrence.DefaultLeadTimes,
		maxWeekdays:  occurrence.DefaultMaxWeekdays,
		currency:     "LKR",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Reserve(ctx context.Context, in ReserveInput) (res *domain.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "reservation.Reserve", trace.WithAttributes(
		attribute.String("tutor.id", in.TutorID),
		attribute.String("reservation.kind", string(in.Kind)),
		attribute.Int("slots", len(in.SlotIDs)),
	))
	defer func() { endSpan(span, err) }()

	if err := m.validate(in); err != nil {
		return nil, err
	}
	ids := sortedUnique(in.SlotIDs)

	slots, err := m.ledger.Get(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get slots: %w", err)
	}
	if len(slots) != len(ids) {
		return nil, fmt.Errorf("%w: unknown slot in selection", domain.ErrSlotUnavailable)
	}

	now := m.clock.Now()
	occs := make([]domain.Occurrence, 0, len(slots))
	availabilityIDs := make([]int64, 0, len(slots))
	for _, s := range slots {
		if s.TutorID != in.TutorID {
			return nil, fmt.Errorf("%w: slot %d belongs to another tutor", domain.ErrInvalidInput, s.ID)
		}
		if s.Status != domain.SlotStatusAvailable {
			return nil, fmt.Errorf("%w: slot %d is %s", domain.ErrSlotUnavailable, s.ID, s.Status)
		}
		if m.lead.TooClose(in.Kind, now, s.Range.StartOn(s.Date)) {
			return nil, fmt.Errorf("%w: slot %d", domain.ErrLeadTime, s.ID)
		}
		id := s.ID
		occs = append(occs, domain.Occurrence{PatternID: s.AvailabilityID, Weekday: s.Date.Weekday(), Range: s.Range, Date: s.Date, IsAvailable: true, SlotID: &id})
		availabilityIDs = appendUnique(availabilityIDs, s.AvailabilityID)
	}

	month, year := in.Month, in.Year
	if in.Kind == domain.ReservationKindRecurring {
		if err := occurrence.ValidateWeeklyCap(occs, m.maxWeekdays); err != nil {
			return nil, err
		}
		if month == 0 || year == 0 {
			first := earliest(slots)
			month, year = int(first.Month()), first.Year()
		}
		if m.periods != nil {
			paid, err := m.periods.ExistsForPeriod(ctx, in.StudentID, in.TutorID, month, year)
			if err != nil {
				return nil, fmt.Errorf("check paid period: %w", err)
			}
			if paid {
				return nil, fmt.Errorf("%w: %02d/%d", domain.ErrPeriodAlreadyPaid, month, year)
			}
		}
	} else {
		month, year = 0, 0
	}

	amount, err := m.price(ctx, in, len(ids))
	if err != nil {
		return nil, err
	}

	ttl := m.holdTTL
	if in.TTL > 0 {
		ttl = in.TTL
	}
	expiresAt := now.Add(ttl)
	if !in.Deadline.IsZero() && in.Deadline.Before(expiresAt) {
		expiresAt = in.Deadline
	}
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: deadline already passed", domain.ErrInvalidInput)
	}

	currency := in.Currency
	if currency == "" {
		currency = m.currency
	}
	res = &domain.Reservation{
		ID:              uuid.NewString(),
		StudentID:       in.StudentID,
		TutorID:         in.TutorID,
		SubjectID:       in.SubjectID,
		LanguageID:      in.LanguageID,
		ClassTypeID:     in.ClassTypeID,
		Kind:            in.Kind,
		SlotIDs:         ids,
		AvailabilityIDs: availabilityIDs,
		Month:           month,
		Year:            year,
		Amount:          amount,
		Currency:        currency,
		ExpiresAt:       expiresAt,
	}

	if err := m.ledger.TryLock(ctx, res.ID, ids); err != nil {
		return nil, err
	}
	if err := m.reservations.Create(ctx, res); err != nil {
		if relErr := m.ledger.Release(ctx, res.ID, ids); relErr != nil {
			m.logger.Error("compensating release failed", "reservation_id", res.ID, "error", relErr)
		}
		return nil, fmt.Errorf("create reservation: %w", err)
	}

	m.invalidate(ctx, res.TutorID)
	m.publish(ctx, events.TypeReservationCreated, res)
	m.logger.Info("reservation created", "reservation_id", res.ID, "slots", len(ids), "expires_at", res.ExpiresAt)
	return res, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	return m.reservations.GetByID(ctx, id)
}

// Cancel releases an ACTIVE reservation. Cancelling an expired or released one returns it unchanged.
func (m *Manager) Cancel(ctx context.Context, id string) (*domain.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.Cancel", trace.WithAttributes(attribute.String("reservation.id", id)))
	defer span.End()

	updated, err := m.reservations.Transition(ctx, id, domain.ReservationStatusActive, domain.ReservationStatusReleased, time.Time{})
	if errors.Is(err, domain.ErrReservationNotActive) {
		switch updated.Status {
		case domain.ReservationStatusExpired, domain.ReservationStatusReleased:
			return updated, nil
		default:
			return nil, fmt.Errorf("%w: reservation is %s", domain.ErrReservationNotActive, updated.Status)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := m.ledger.Release(ctx, updated.ID, updated.SlotIDs); err != nil {
		// the orphan sweep picks these up
		m.logger.Error("release cancelled slots", "reservation_id", id, "error", err)
	}
	m.invalidate(ctx, updated.TutorID)
	m.publish(ctx, events.TypeReservationReleased, updated)
	return updated, nil
}

// Confirm moves an ACTIVE, unexpired reservation to CONFIRMED and books its slots.
// Losing the race against expiry or cancel yields ErrReservationExpired.
func (m *Manager) Confirm(ctx context.Context, id string) (res *domain.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "reservation.Confirm", trace.WithAttributes(attribute.String("reservation.id", id)))
	defer func() { endSpan(span, err) }()

	updated, err := m.reservations.Transition(ctx, id, domain.ReservationStatusActive, domain.ReservationStatusConfirmed, m.clock.Now())
	if errors.Is(err, domain.ErrReservationNotActive) {
		if updated.Status != domain.ReservationStatusConfirmed {
			return nil, fmt.Errorf("%w: reservation is %s", domain.ErrReservationExpired, updated.Status)
		}
		// confirmed before; make sure the slots followed
	} else if err != nil {
		return nil, err
	}

	if err := m.ledger.MarkBooked(ctx, updated.ID, updated.SlotIDs); err != nil {
		m.logger.Error("mark confirmed slots booked", "reservation_id", id, "error", err)
		return nil, fmt.Errorf("mark booked: %w", err)
	}
	m.invalidate(ctx, updated.TutorID)
	return updated, nil
}

// ExpireDue expires every ACTIVE reservation past its deadline, releases its slots and
// then frees locks left behind by reservations that were never persisted.
func (m *Manager) ExpireDue(ctx context.Context) ([]domain.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.ExpireDue")
	defer span.End()

	expired, err := m.reservations.ExpireActiveBefore(ctx, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("expire reservations: %w", err)
	}
	for i := range expired {
		r := &expired[i]
		if err := m.ledger.Release(ctx, r.ID, r.SlotIDs); err != nil {
			m.logger.Error("release expired slots", "reservation_id", r.ID, "error", err)
			continue
		}
		m.invalidate(ctx, r.TutorID)
		m.publish(ctx, events.TypeReservationExpired, r)
	}

	n, err := m.ledger.ReleaseOrphans(ctx, m.orphanGrace)
	if err != nil {
		m.logger.Error("release orphan locks", "error", err)
	} else if n > 0 {
		m.logger.Warn("released orphan locks", "count", n)
	}
	span.SetAttributes(attribute.Int("expired", len(expired)))
	return expired, nil
}

func (m *Manager) validate(in ReserveInput) error {
	if in.StudentID == "" {
		return fmt.Errorf("%w: student id is required", domain.ErrInvalidInput)
	}
	if in.TutorID == "" {
		return fmt.Errorf("%w: tutor id is required", domain.ErrInvalidInput)
	}
	if in.Kind != domain.ReservationKindOneTime && in.Kind != domain.ReservationKindRecurring {
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidInput, in.Kind)
	}
	if len(in.SlotIDs) == 0 {
		return fmt.Errorf("%w: at least one slot is required", domain.ErrInvalidInput)
	}
	if in.Kind == domain.ReservationKindOneTime && len(sortedUnique(in.SlotIDs)) != 1 {
		return fmt.Errorf("%w: a one-time reservation holds exactly one slot", domain.ErrInvalidInput)
	}
	if in.Amount < 0 || (in.Amount == 0 && m.rates == nil) {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	return nil
}

func (m *Manager) price(ctx context.Context, in ReserveInput, slots int) (int64, error) {
	if m.rates == nil {
		return in.Amount, nil
	}
	rate, err := m.rates.SessionRate(ctx, in.TutorID)
	if err != nil {
		return 0, fmt.Errorf("price reservation: %w", err)
	}
	amount := rate * int64(slots)
	if in.Amount != 0 && in.Amount != amount {
		return 0, fmt.Errorf("%w: amount %d does not match the price %d", domain.ErrInvalidInput, in.Amount, amount)
	}
	return amount, nil
}

func (m *Manager) invalidate(ctx context.Context, tutorID string) {
	if m.invalidator != nil {
		m.invalidator.Invalidate(ctx, tutorID)
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, res *domain.Reservation) {
	if m.topic == "" && m.notificationsTopic == "" {
		return
	}
	event := events.Event{
		Type:          eventType,
		ReservationID: res.ID,
		StudentID:     res.StudentID,
		TutorID:       res.TutorID,
		SlotIDs:       res.SlotIDs,
		Status:        string(res.Status),
		Amount:        res.Amount,
		Currency:      res.Currency,
		ExpiresAt:     res.ExpiresAt,
		OccurredAt:    m.clock.Now(),
	}
	for _, topic := range []string{m.topic, m.notificationsTopic} {
		if topic == "" {
			continue
		}
		if err := m.producer.Publish(ctx, topic, res.ID, event); err != nil {
			m.logger.Warn("publish reservation event", "type", eventType, "reservation_id", res.ID, "topic", topic, "error", err)
		}
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func earliest(slots []domain.Slot) time.Time {
	first := slots[0].Date
	for _, s := range slots[1:] {
		if s.Date.Before(first) {
			first = s.Date
		}
	}
	return first
}

func sortedUnique(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = appendUnique(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}

var _ ReservationUseCase = (*Manager)(nil)
