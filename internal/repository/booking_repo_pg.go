package repository

import (
	"context"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/jackc/pgx/v5"
)

type BookingRepository interface {
	// CreateOnce stores the booking unless one already exists for the reservation and
	// returns whichever row is stored.
	CreateOnce(ctx context.Context, booking *domain.Booking) (*domain.Booking, error)
	GetByReservation(ctx context.Context, reservationID string) (*domain.Booking, error)
	ExistsForPeriod(ctx context.Context, studentID, tutorID string, month, year int) (bool, error)
}

type PGBookingRepository struct {
	db DB
}

func NewBookingRepository(db DB) BookingRepository {
	return &PGBookingRepository{db: db}
}

const bookingColumns = `id, reservation_id, order_id, slot_ids, tutor_id, student_id, subject_id, language_id, class_type_id,
	amount, currency, month, year, created_at`

func (r *PGBookingRepository) CreateOnce(ctx context.Context, b *domain.Booking) (*domain.Booking, error) {
	_, err := r.db.Exec(ctx, `INSERT INTO bookings (id, reservation_id, order_id, slot_ids, tutor_id, student_id, subject_id,
		language_id, class_type_id, amount, currency, month, year)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (reservation_id) DO NOTHING`,
		b.ID, b.ReservationID, b.OrderID, b.SlotIDs, b.TutorID, b.StudentID, b.SubjectID,
		b.LanguageID, b.ClassTypeID, b.Amount, b.Currency, b.Month, b.Year)
	if err != nil {
		return nil, err
	}
	return r.GetByReservation(ctx, b.ReservationID)
}

func (r *PGBookingRepository) GetByReservation(ctx context.Context, reservationID string) (*domain.Booking, error) {
	var b domain.Booking
	err := r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE reservation_id = $1`, reservationID).
		Scan(&b.ID, &b.ReservationID, &b.OrderID, &b.SlotIDs, &b.TutorID, &b.StudentID, &b.SubjectID, &b.LanguageID,
			&b.ClassTypeID, &b.Amount, &b.Currency, &b.Month, &b.Year, &b.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *PGBookingRepository) ExistsForPeriod(ctx context.Context, studentID, tutorID string, month, year int) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings
		WHERE student_id = $1 AND tutor_id = $2 AND month = $3 AND year = $4)`, studentID, tutorID, month, year).Scan(&exists)
	return exists, err
}

var _ BookingRepository = (*PGBookingRepository)(nil)
