package domain

import "time"

type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "ACTIVE"
	ReservationStatusConfirmed ReservationStatus = "CONFIRMED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
	ReservationStatusReleased  ReservationStatus = "RELEASED"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool {
	return s != ReservationStatusActive
}

type ReservationKind string

const (
	ReservationKindOneTime   ReservationKind = "one_time"
	ReservationKindRecurring ReservationKind = "recurring"
)

type Reservation struct {
	ID              string
	StudentID       string
	TutorID         string
	SubjectID       string
	LanguageID      string
	ClassTypeID     string
	Kind            ReservationKind
	SlotIDs         []int64
	AvailabilityIDs []int64
	Month           int
	Year            int
	Amount          int64
	Currency        string
	Status          ReservationStatus
	ExpiresAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Holdable reports whether the reservation still holds its slots at now.
func (r *Reservation) Holdable(now time.Time) bool {
	return r.Status == ReservationStatusActive && now.Before(r.ExpiresAt)
}
