package api

import (
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/gateway"
	"github.com/Domenick1991/tutorbooking/internal/service/confirmation"
)

type reservationResponse struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	TutorID     string    `json:"tutor_id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	SlotIDs     []int64   `json:"slot_ids"`
	Month       int       `json:"month,omitempty"`
	Year        int       `json:"year,omitempty"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	ExpiresAt   time.Time `json:"expires_at"`
	SecondsLeft int64     `json:"seconds_left"`
}

func newReservationResponse(r *domain.Reservation, now time.Time) reservationResponse {
	left := int64(0)
	if r.Holdable(now) {
		left = int64(r.ExpiresAt.Sub(now) / time.Second)
	}
	return reservationResponse{
		ID:          r.ID,
		StudentID:   r.StudentID,
		TutorID:     r.TutorID,
		Kind:        string(r.Kind),
		Status:      string(r.Status),
		SlotIDs:     r.SlotIDs,
		Month:       r.Month,
		Year:        r.Year,
		Amount:      r.Amount,
		Currency:    r.Currency,
		ExpiresAt:   r.ExpiresAt,
		SecondsLeft: left,
	}
}

type sessionResponse struct {
	OrderID         string    `json:"order_id"`
	ReservationID   string    `json:"reservation_id"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Gateway         string    `json:"gateway"`
	ExpiresAt       time.Time `json:"expires_at"`
	RefundRequested bool      `json:"refund_requested"`
}

func newSessionResponse(s *domain.PaymentSession) *sessionResponse {
	if s == nil {
		return nil
	}
	return &sessionResponse{
		OrderID:         s.OrderID,
		ReservationID:   s.ReservationID,
		Status:          string(s.Status),
		Amount:          s.Amount,
		Currency:        s.Currency,
		Gateway:         s.Gateway,
		ExpiresAt:       s.ExpiresAt,
		RefundRequested: s.RefundRequested,
	}
}

type initiateResponse struct {
	Session  *sessionResponse  `json:"session"`
	Checkout *gateway.Checkout `json:"checkout,omitempty"`
}

type bookingResponse struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id"`
	OrderID       string    `json:"order_id"`
	TutorID       string    `json:"tutor_id"`
	SlotIDs       []int64   `json:"slot_ids"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"created_at"`
}

func newBookingResponse(b *domain.Booking) *bookingResponse {
	if b == nil {
		return nil
	}
	return &bookingResponse{
		ID:            b.ID,
		ReservationID: b.ReservationID,
		OrderID:       b.OrderID,
		TutorID:       b.TutorID,
		SlotIDs:       b.SlotIDs,
		Amount:        b.Amount,
		Currency:      b.Currency,
		CreatedAt:     b.CreatedAt,
	}
}

type settleResponse struct {
	Outcome     string               `json:"outcome"`
	NextAction  string               `json:"next_action"`
	Session     *sessionResponse     `json:"session,omitempty"`
	Booking     *bookingResponse     `json:"booking,omitempty"`
	Reservation *reservationResponse `json:"reservation,omitempty"`
	Error       string               `json:"error,omitempty"`
}

func newSettleResponse(r *confirmation.Result, err error, now time.Time) settleResponse {
	resp := settleResponse{
		Outcome:    string(r.Outcome),
		NextAction: r.NextAction(),
		Session:    newSessionResponse(r.Session),
		Booking:    newBookingResponse(r.Booking),
	}
	if r.Reservation != nil {
		res := newReservationResponse(r.Reservation, now)
		resp.Reservation = &res
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

type occurrenceResponse struct {
	PatternID   int64  `json:"pattern_id"`
	Date        string `json:"date"`
	Weekday     string `json:"weekday"`
	Start       string `json:"start"`
	End         string `json:"end"`
	IsAvailable bool   `json:"is_available"`
	SlotID      *int64 `json:"slot_id,omitempty"`
}

type weekResponse struct {
	WeekStart   string               `json:"week_start"`
	Occurrences []occurrenceResponse `json:"occurrences"`
}

func newWeeksResponse(weeks []domain.WeekBreakdown) []weekResponse {
	out := make([]weekResponse, 0, len(weeks))
	for _, w := range weeks {
		wr := weekResponse{WeekStart: w.WeekStart.Format(domain.DateLayout), Occurrences: make([]occurrenceResponse, 0, len(w.Occurrences))}
		for _, o := range w.Occurrences {
			wr.Occurrences = append(wr.Occurrences, occurrenceResponse{
				PatternID:   o.PatternID,
				Date:        o.Date.Format(domain.DateLayout),
				Weekday:     o.Weekday.String(),
				Start:       o.Range.Start,
				End:         o.Range.End,
				IsAvailable: o.IsAvailable,
				SlotID:      o.SlotID,
			})
		}
		out = append(out, wr)
	}
	return out
}
