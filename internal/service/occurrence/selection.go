package occurrence

import (
	"fmt"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
)

// DefaultMaxWeekdays is the number of distinct weekdays a student may pick in one ISO week.
const DefaultMaxWeekdays = 4

// Selection accumulates the occurrences a student picks before reserving them.
// It is not safe for concurrent use.
type Selection struct {
	maxWeekdays int
	items       []domain.Occurrence
}

func NewSelection(maxWeekdays int) *Selection {
	if maxWeekdays <= 0 {
		maxWeekdays = DefaultMaxWeekdays
	}
	return &Selection{maxWeekdays: maxWeekdays}
}

// Add appends occ. Adding a new weekday to a week that already has maxWeekdays distinct
// weekdays returns ErrWeekLimitExceeded and leaves the selection unchanged. Adding the
// same occurrence twice is a no-op.
func (s *Selection) Add(occ domain.Occurrence) error {
	if !occ.IsAvailable || occ.SlotID == nil {
		return domain.ErrSlotUnavailable
	}
	for _, it := range s.items {
		if sameOccurrence(it, occ) {
			return nil
		}
	}
	if exceeds(s.items, occ, s.maxWeekdays) {
		return fmt.Errorf("%w: week of %s already has %d weekdays", domain.ErrWeekLimitExceeded,
			domain.WeekStart(occ.Date).Format(domain.DateLayout), s.maxWeekdays)
	}
	s.items = append(s.items, occ)
	return nil
}

// Remove drops occ and reports whether it was selected.
func (s *Selection) Remove(occ domain.Occurrence) bool {
	for i, it := range s.items {
		if sameOccurrence(it, occ) {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Selection) Items() []domain.Occurrence {
	out := make([]domain.Occurrence, len(s.items))
	copy(out, s.items)
	sortOccurrences(out)
	return out
}

func (s *Selection) SlotIDs() []int64 {
	items := s.Items()
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, *it.SlotID)
	}
	return ids
}

func (s *Selection) Weeks() []domain.WeekBreakdown {
	return GroupByWeek(s.items)
}

// ValidateWeeklyCap checks a complete set of occurrences against the per-week weekday cap.
func ValidateWeeklyCap(occs []domain.Occurrence, maxWeekdays int) error {
	if maxWeekdays <= 0 {
		maxWeekdays = DefaultMaxWeekdays
	}
	days := make(map[string]map[time.Weekday]struct{})
	for _, occ := range occs {
		week := domain.WeekStart(occ.Date).Format(domain.DateLayout)
		if days[week] == nil {
			days[week] = make(map[time.Weekday]struct{})
		}
		days[week][occ.Date.Weekday()] = struct{}{}
		if len(days[week]) > maxWeekdays {
			return fmt.Errorf("%w: week of %s has more than %d weekdays", domain.ErrWeekLimitExceeded, week, maxWeekdays)
		}
	}
	return nil
}

func exceeds(items []domain.Occurrence, occ domain.Occurrence, maxWeekdays int) bool {
	week := domain.WeekStart(occ.Date)
	days := make(map[time.Weekday]struct{})
	for _, it := range items {
		if domain.WeekStart(it.Date).Equal(week) {
			days[it.Date.Weekday()] = struct{}{}
		}
	}
	if _, ok := days[occ.Date.Weekday()]; ok {
		return false
	}
	return len(days) >= maxWeekdays
}

func sameOccurrence(a, b domain.Occurrence) bool {
	return domain.SameDay(a.Date, b.Date) && a.Range == b.Range
}
