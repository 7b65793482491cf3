package domain

import "time"

// Pattern is one weekday + time range of a recurring selection.
type Pattern struct {
	AvailabilityID int64        `json:"availability_id"`
	Weekday        time.Weekday `json:"weekday"`
	Range          TimeRange    `json:"range"`
}

// BookingMode is either OneTime or Recurring.
type BookingMode interface {
	bookingMode()
	Kind() ReservationKind
}

type OneTime struct {
	Date  time.Time
	Range TimeRange
}

func (OneTime) bookingMode()          {}
func (OneTime) Kind() ReservationKind { return ReservationKindOneTime }

type Recurring struct {
	Patterns []Pattern
}

func (Recurring) bookingMode()          {}
func (Recurring) Kind() ReservationKind { return ReservationKindRecurring }

// Occurrence is a concrete dated instance of a pattern, merged with live slot availability.
type Occurrence struct {
	PatternID   int64
	Weekday     time.Weekday
	Range       TimeRange
	Date        time.Time
	IsAvailable bool
	SlotID      *int64
}

// WeekBreakdown groups occurrences by the Monday that starts their ISO week.
type WeekBreakdown struct {
	WeekStart   time.Time
	Occurrences []Occurrence
}

// WeekStart returns the Monday of t's ISO week at midnight.
func WeekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// NextMonth returns the month following (month, year), rolling December into January.
func NextMonth(month, year int) (int, int) {
	if month == 12 {
		return 1, year + 1
	}
	return month + 1, year
}

// PatternPreview is the next-period projection of one pattern.
type PatternPreview struct {
	AvailabilityID int64        `json:"availability_id"`
	Weekday        time.Weekday `json:"weekday"`
	Range          TimeRange    `json:"range"`
	Dates          []time.Time  `json:"dates"`
	Count          int          `json:"count"`
}

// NextPeriodPreview is a soft, unlocked projection of a recurring reservation into the next month.
type NextPeriodPreview struct {
	ID              string           `json:"id"`
	ReservationID   string           `json:"reservation_id"`
	StudentID       string           `json:"student_id"`
	TutorID         string           `json:"tutor_id"`
	Month           int              `json:"month"`
	Year            int              `json:"year"`
	Patterns        []PatternPreview `json:"patterns"`
	FirstOccurrence time.Time        `json:"first_occurrence"`
	PayBy           time.Time        `json:"pay_by"`
	CreatedAt       time.Time        `json:"created_at"`
}
