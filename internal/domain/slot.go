package domain

import (
	"fmt"
	"time"
)

type SlotStatus string

const (
	SlotStatusAvailable SlotStatus = "AVAILABLE"
	SlotStatusLocked    SlotStatus = "LOCKED"
	SlotStatusBooked    SlotStatus = "BOOKED"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// TimeRange is a wall-clock interval within a single day, "HH:MM" on both ends.
type TimeRange struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

func (r TimeRange) String() string {
	return r.Start + "-" + r.End
}

// Validate checks both ends parse as HH:MM and the range is not empty.
func (r TimeRange) Validate() error {
	start, err := ParseClock(r.Start)
	if err != nil {
		return err
	}
	end, err := ParseClock(r.End)
	if err != nil {
		return err
	}
	if end <= start {
		return fmt.Errorf("%w: time range %s ends before it starts", ErrInvalidInput, r)
	}
	return nil
}

// StartOn returns the instant the range starts on the given date.
func (r TimeRange) StartOn(date time.Time) time.Time {
	minutes, err := ParseClock(r.Start)
	if err != nil {
		return date
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, date.Location()).Add(time.Duration(minutes) * time.Minute)
}

// ParseClock converts "HH:MM" to minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad time of day %q", ErrInvalidInput, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Slot is a bookable unit of one tutor's time on one date.
type Slot struct {
	ID             int64
	AvailabilityID int64
	TutorID        string
	Date           time.Time
	Range          TimeRange
	Status         SlotStatus
	HeldBy         string
	UpdatedAt      time.Time
}

// Availability is the weekly template a slot instance belongs to.
type Availability struct {
	ID      int64
	TutorID string
	Weekday time.Weekday
	Range   TimeRange
}

// PeriodAvailability lists, for one availability template, the dates it can be booked in a month.
type PeriodAvailability struct {
	AvailabilityID int64
	TutorID        string
	Weekday        time.Weekday
	Range          TimeRange
	AvailableDates []time.Time
}

// SameDay reports whether a and b fall on the same calendar date in a's location.
func SameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Midnight truncates t to the start of its calendar day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
