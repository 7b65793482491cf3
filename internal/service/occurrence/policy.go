package occurrence

import (
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
)

// LeadTimes is the minimum notice required before an occurrence can be booked, per booking mode.
// Location is the calendar the same-day rule uses; start's own location when nil.
type LeadTimes struct {
	OneTime   time.Duration
	Recurring time.Duration
	Location  *time.Location
}

// DefaultLeadTimes: recurring 2h, one-time 3h.
var DefaultLeadTimes = LeadTimes{OneTime: 3 * time.Hour, Recurring: 2 * time.Hour}

func (l LeadTimes) For(kind domain.ReservationKind) time.Duration {
	if kind == domain.ReservationKindRecurring {
		return l.Recurring
	}
	return l.OneTime
}

// TooClose reports whether an occurrence starting at start must be hidden at now:
// it already started, or it starts later today but inside the lead time.
func (l LeadTimes) TooClose(kind domain.ReservationKind, now, start time.Time) bool {
	if !start.After(now) {
		return true
	}
	loc := l.Location
	if loc == nil {
		loc = start.Location()
	}
	return domain.SameDay(now.In(loc), start) && start.Sub(now) < l.For(kind)
}
