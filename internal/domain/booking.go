package domain

import "time"

// Booking is the durable record of a paid reservation.
type Booking struct {
	ID            string
	ReservationID string
	OrderID       string
	SlotIDs       []int64
	TutorID       string
	StudentID     string
	SubjectID     string
	LanguageID    string
	ClassTypeID   string
	Amount        int64
	Currency      string
	// Month and Year are set for recurring bookings only.
	Month     int
	Year      int
	CreatedAt time.Time
}
