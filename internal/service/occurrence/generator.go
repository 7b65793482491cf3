package occurrence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
)

// SlotSource is the availability provider as the generator sees it.
type SlotSource interface {
	GetSlots(ctx context.Context, tutorID string, date time.Time, recurring bool) ([]domain.Slot, error)
}

type OccurrenceUseCase interface {
	Generate(ctx context.Context, tutorID string, mode domain.BookingMode) ([]domain.WeekBreakdown, error)
	GenerateMonth(ctx context.Context, tutorID string, patterns []domain.Pattern, month, year int) ([]domain.WeekBreakdown, error)
}

type Generator struct {
	slots SlotSource
	clock domain.Clock
	loc   *time.Location
	lead  LeadTimes
}

type GeneratorOption func(*Generator)

func WithClock(clock domain.Clock) GeneratorOption {
	return func(g *Generator) { g.clock = clock }
}

func WithLocation(loc *time.Location) GeneratorOption {
	return func(g *Generator) { g.loc = loc }
}

func WithLeadTimes(lead LeadTimes) GeneratorOption {
	return func(g *Generator) { g.lead = lead }
}

func NewGenerator(slots SlotSource, opts ...GeneratorOption) *Generator {
	g := &Generator{
		slots: slots,
		clock: domain.RealClock{},
		loc:   time.Local,
		lead:  DefaultLeadTimes,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.lead.Location == nil {
		g.lead.Location = g.loc
	}
	return g
}

// Generate expands mode into dated occurrences. A recurring selection covers the rest of
// the current month starting today; a one-time selection covers its single date.
func (g *Generator) Generate(ctx context.Context, tutorID string, mode domain.BookingMode) ([]domain.WeekBreakdown, error) {
	if tutorID == "" {
		return nil, fmt.Errorf("%w: tutor id is required", domain.ErrInvalidInput)
	}
	today := domain.Midnight(g.clock.Now(), g.loc)

	switch m := mode.(type) {
	case domain.OneTime:
		if err := m.Range.Validate(); err != nil {
			return nil, err
		}
		date := domain.Midnight(m.Date, g.loc)
		if date.Before(today) {
			return nil, fmt.Errorf("%w: date %s is in the past", domain.ErrInvalidInput, date.Format(domain.DateLayout))
		}
		pattern := domain.Pattern{Weekday: date.Weekday(), Range: m.Range}
		occs, err := g.expand(ctx, tutorID, []domain.Pattern{pattern}, date, date, m.Kind())
		if err != nil {
			return nil, err
		}
		return GroupByWeek(occs), nil
	case domain.Recurring:
		if err := validatePatterns(m.Patterns); err != nil {
			return nil, err
		}
		end := today.AddDate(0, 1, -today.Day())
		occs, err := g.expand(ctx, tutorID, m.Patterns, today, end, m.Kind())
		if err != nil {
			return nil, err
		}
		return GroupByWeek(occs), nil
	default:
		return nil, fmt.Errorf("%w: unknown booking mode %T", domain.ErrInvalidInput, mode)
	}
}

// GenerateMonth expands recurring patterns over a whole calendar month.
func (g *Generator) GenerateMonth(ctx context.Context, tutorID string, patterns []domain.Pattern, month, year int) ([]domain.WeekBreakdown, error) {
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("%w: month %d", domain.ErrInvalidInput, month)
	}
	if err := validatePatterns(patterns); err != nil {
		return nil, err
	}
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, g.loc)
	last := first.AddDate(0, 1, -1)
	occs, err := g.expand(ctx, tutorID, patterns, first, last, domain.ReservationKindRecurring)
	if err != nil {
		return nil, err
	}
	return GroupByWeek(occs), nil
}

func (g *Generator) expand(ctx context.Context, tutorID string, patterns []domain.Pattern, from, to time.Time, kind domain.ReservationKind) ([]domain.Occurrence, error) {
	now := g.clock.Now()
	recurring := kind == domain.ReservationKindRecurring

	var out []domain.Occurrence
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		var slots []domain.Slot
		fetched := false
		for _, p := range patterns {
			if p.Weekday != day.Weekday() {
				continue
			}
			if g.lead.TooClose(kind, now, p.Range.StartOn(day)) {
				continue
			}
			if !fetched {
				var err error
				slots, err = g.slots.GetSlots(ctx, tutorID, day, recurring)
				if err != nil {
					return nil, fmt.Errorf("get slots for %s: %w", day.Format(domain.DateLayout), err)
				}
				fetched = true
			}
			out = append(out, match(p, day, slots))
		}
	}
	return out, nil
}

// match merges a pattern date with the slot that has the same time range, preferring
// the pattern's own availability template when several match.
func match(p domain.Pattern, day time.Time, slots []domain.Slot) domain.Occurrence {
	occ := domain.Occurrence{PatternID: p.AvailabilityID, Weekday: day.Weekday(), Range: p.Range, Date: day}
	var found *domain.Slot
	for i := range slots {
		s := &slots[i]
		if s.Range != p.Range {
			continue
		}
		if found == nil || (s.AvailabilityID == p.AvailabilityID && found.AvailabilityID != p.AvailabilityID) {
			found = s
		}
	}
	if found != nil {
		id := found.ID
		occ.SlotID = &id
		occ.IsAvailable = found.Status == domain.SlotStatusAvailable
		if occ.PatternID == 0 {
			occ.PatternID = found.AvailabilityID
		}
	}
	return occ
}

func validatePatterns(patterns []domain.Pattern) error {
	if len(patterns) == 0 {
		return fmt.Errorf("%w: at least one pattern is required", domain.ErrInvalidInput)
	}
	for _, p := range patterns {
		if p.Weekday < time.Sunday || p.Weekday > time.Saturday {
			return fmt.Errorf("%w: weekday %d", domain.ErrInvalidInput, p.Weekday)
		}
		if err := p.Range.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// GroupByWeek buckets occurrences by the Monday of their ISO week, ordered by (date, start).
func GroupByWeek(occs []domain.Occurrence) []domain.WeekBreakdown {
	sorted := make([]domain.Occurrence, len(occs))
	copy(sorted, occs)
	sortOccurrences(sorted)

	var weeks []domain.WeekBreakdown
	for _, occ := range sorted {
		start := domain.WeekStart(occ.Date)
		if n := len(weeks); n > 0 && weeks[n-1].WeekStart.Equal(start) {
			weeks[n-1].Occurrences = append(weeks[n-1].Occurrences, occ)
			continue
		}
		weeks = append(weeks, domain.WeekBreakdown{WeekStart: start, Occurrences: []domain.Occurrence{occ}})
	}
	return weeks
}

func sortOccurrences(occs []domain.Occurrence) {
	sort.SliceStable(occs, func(i, j int) bool {
		if !occs[i].Date.Equal(occs[j].Date) {
			return occs[i].Date.Before(occs[j].Date)
		}
		return occs[i].Range.Start < occs[j].Range.Start
	})
}

var _ OccurrenceUseCase = (*Generator)(nil)
