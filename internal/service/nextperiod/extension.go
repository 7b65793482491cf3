package nextperiod

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/service/reservation"
	"github.com/google/uuid"
)

const DefaultCutoff = 48 * time.Hour

type NextPeriodUseCase interface {
	Preview(ctx context.Context, reservationID string) (*domain.NextPeriodPreview, error)
	GetPreview(ctx context.Context, previewID string) (*domain.NextPeriodPreview, error)
	Reserve(ctx context.Context, previewID, studentID string) (*domain.Reservation, error)
}

// PreviewStore keeps previews until they lapse; GetPreview returns (nil, nil) for unknown or lapsed ids.
type PreviewStore interface {
	SavePreview(ctx context.Context, preview *domain.NextPeriodPreview, ttl time.Duration) error
	GetPreview(ctx context.Context, id string) (*domain.NextPeriodPreview, error)
	DeletePreview(ctx context.Context, id string) error
}

type PeriodSlots interface {
	GetNextPeriodSlots(ctx context.Context, availabilityIDs []int64, month, year int) ([]domain.PeriodAvailability, error)
}

type MonthGenerator interface {
	GenerateMonth(ctx context.Context, tutorID string, patterns []domain.Pattern, month, year int) ([]domain.WeekBreakdown, error)
}

type Reservations interface {
	Get(ctx context.Context, id string) (*domain.Reservation, error)
	Reserve(ctx context.Context, in reservation.ReserveInput) (*domain.Reservation, error)
}

// Extension offers a paid recurring reservation the same patterns in the following month.
// Nothing is locked until the student reserves the preview.
type Extension struct {
	reservations Reservations
	periods      PeriodSlots
	generator    MonthGenerator
	previews     PreviewStore
	clock        domain.Clock
	logger       *slog.Logger
	cutoff       time.Duration
}

type Option func(*Extension)

func WithClock(clock domain.Clock) Option {
	return func(e *Extension) { e.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) { e.logger = logger }
}

// WithCutoff sets how long before the first occurrence the next period must be paid.
func WithCutoff(d time.Duration) Option {
	return func(e *Extension) { e.cutoff = d }
}

func NewExtension(reservations Reservations, periods PeriodSlots, generator MonthGenerator, previews PreviewStore, opts ...Option) *Extension {
	e := &Extension{
		reservations: reservations,
		periods:      periods,
		generator:    generator,
		previews:     previews,
		clock:        domain.RealClock{},
		logger:       slog.Default(),
		cutoff:       DefaultCutoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extension) Preview(ctx context.Context, reservationID string) (*domain.NextPeriodPreview, error) {
	res, err := e.reservations.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.Kind != domain.ReservationKindRecurring {
		return nil, fmt.Errorf("%w: only recurring reservations extend into the next period", domain.ErrInvalidInput)
	}
	if res.Status != domain.ReservationStatusConfirmed {
		return nil, fmt.Errorf("%w: reservation is %s", domain.ErrReservationNotActive, res.Status)
	}

	month, year := domain.NextMonth(res.Month, res.Year)
	periods, err := e.periods.GetNextPeriodSlots(ctx, res.AvailabilityIDs, month, year)
	if err != nil {
		return nil, fmt.Errorf("get next period slots: %w", err)
	}

	preview := &domain.NextPeriodPreview{
		ID:            uuid.NewString(),
		ReservationID: res.ID,
		StudentID:     res.StudentID,
		TutorID:       res.TutorID,
		Month:         month,
		Year:          year,
		CreatedAt:     e.clock.Now(),
	}
	for _, p := range periods {
		preview.Patterns = append(preview.Patterns, domain.PatternPreview{
			AvailabilityID: p.AvailabilityID,
			Weekday:        p.Weekday,
			Range:          p.Range,
			Dates:          p.AvailableDates,
			Count:          len(p.AvailableDates),
		})
		for _, d := range p.AvailableDates {
			if start := p.Range.StartOn(d); preview.FirstOccurrence.IsZero() || start.Before(preview.FirstOccurrence) {
				preview.FirstOccurrence = start
			}
		}
	}
	if preview.FirstOccurrence.IsZero() {
		return nil, fmt.Errorf("%w: no availability in %02d/%d", domain.ErrSlotUnavailable, month, year)
	}

	preview.PayBy = preview.FirstOccurrence.Add(-e.cutoff)
	ttl := preview.PayBy.Sub(e.clock.Now())
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: payment was due by %s", domain.ErrNextPeriodClosed, preview.PayBy.Format(time.RFC3339))
	}
	if err := e.previews.SavePreview(ctx, preview, ttl); err != nil {
		return nil, fmt.Errorf("save preview: %w", err)
	}
	e.logger.Info("next period preview created", "preview_id", preview.ID, "reservation_id", res.ID, "month", month, "year", year, "pay_by", preview.PayBy)
	return preview, nil
}

func (e *Extension) GetPreview(ctx context.Context, previewID string) (*domain.NextPeriodPreview, error) {
	preview, err := e.previews.GetPreview(ctx, previewID)
	if err != nil {
		return nil, err
	}
	if preview == nil {
		return nil, domain.ErrPreviewNotFound
	}
	return preview, nil
}

// Reserve locks the previewed dates that are still free. The hold cannot outlive PayBy, so an
// unpaid extension is released before the cutoff.
func (e *Extension) Reserve(ctx context.Context, previewID, studentID string) (*domain.Reservation, error) {
	preview, err := e.GetPreview(ctx, previewID)
	if err != nil {
		return nil, err
	}
	if preview.StudentID != studentID {
		return nil, domain.ErrPreviewNotFound
	}
	if !e.clock.Now().Before(preview.PayBy) {
		return nil, domain.ErrNextPeriodClosed
	}

	orig, err := e.reservations.Get(ctx, preview.ReservationID)
	if err != nil {
		return nil, err
	}

	slotIDs, err := e.resolve(ctx, preview)
	if err != nil {
		return nil, err
	}
	if len(slotIDs) == 0 {
		return nil, fmt.Errorf("%w: every previewed date was taken", domain.ErrSlotUnavailable)
	}

	perSlot := orig.Amount / int64(len(orig.SlotIDs))
	res, err := e.reservations.Reserve(ctx, reservation.ReserveInput{
		StudentID:   orig.StudentID,
		TutorID:     orig.TutorID,
		SubjectID:   orig.SubjectID,
		LanguageID:  orig.LanguageID,
		ClassTypeID: orig.ClassTypeID,
		Kind:        domain.ReservationKindRecurring,
		SlotIDs:     slotIDs,
		Amount:      perSlot * int64(len(slotIDs)),
		Currency:    orig.Currency,
		Deadline:    preview.PayBy,
		Month:       preview.Month,
		Year:        preview.Year,
	})
	if err != nil {
		return nil, err
	}

	if err := e.previews.DeletePreview(ctx, previewID); err != nil {
		e.logger.Warn("delete reserved preview", "preview_id", previewID, "error", err)
	}
	return res, nil
}

// resolve maps previewed dates to the slots that are still available for them.
func (e *Extension) resolve(ctx context.Context, preview *domain.NextPeriodPreview) ([]int64, error) {
	wanted := make(map[int64]map[string]bool, len(preview.Patterns))
	patterns := make([]domain.Pattern, 0, len(preview.Patterns))
	for _, p := range preview.Patterns {
		if p.Count == 0 {
			continue
		}
		dates := make(map[string]bool, len(p.Dates))
		for _, d := range p.Dates {
			dates[d.Format(domain.DateLayout)] = true
		}
		wanted[p.AvailabilityID] = dates
		patterns = append(patterns, domain.Pattern{AvailabilityID: p.AvailabilityID, Weekday: p.Weekday, Range: p.Range})
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	weeks, err := e.generator.GenerateMonth(ctx, preview.TutorID, patterns, preview.Month, preview.Year)
	if err != nil {
		return nil, fmt.Errorf("expand next period: %w", err)
	}
	var ids []int64
	for _, w := range weeks {
		for _, occ := range w.Occurrences {
			if !occ.IsAvailable || occ.SlotID == nil {
				continue
			}
			if wanted[occ.PatternID][occ.Date.Format(domain.DateLayout)] {
				ids = append(ids, *occ.SlotID)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

var _ NextPeriodUseCase = (*Extension)(nil)
