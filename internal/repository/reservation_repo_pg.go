package repository

import (
	"context"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/jackc/pgx/v5"
)

type ReservationRepository interface {
	Create(ctx context.Context, reservation *domain.Reservation) error
	GetByID(ctx context.Context, id string) (*domain.Reservation, error)
	// Transition moves a reservation from one status to another only if it is still in from.
	// A non-zero liveAt additionally requires expires_at to be after it.
	Transition(ctx context.Context, id string, from, to domain.ReservationStatus, liveAt time.Time) (*domain.Reservation, error)
	ExpireActiveBefore(ctx context.Context, deadline time.Time) ([]domain.Reservation, error)
}

type PGReservationRepository struct {
	db DB
}

func NewReservationRepository(db DB) ReservationRepository {
	return &PGReservationRepository{db: db}
}

const reservationColumns = `id, student_id, tutor_id, subject_id, language_id, class_type_id, kind, slot_ids, availability_ids,
	month, year, amount, currency, status, expires_at, created_at, updated_at`

func (r *PGReservationRepository) Create(ctx context.Context, res *domain.Reservation) error {
	res.Status = domain.ReservationStatusActive
	return r.db.QueryRow(ctx, `INSERT INTO reservations (id, student_id, tutor_id, subject_id, language_id, class_type_id, kind,
		slot_ids, availability_ids, month, year, amount, currency, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`,
		res.ID, res.StudentID, res.TutorID, res.SubjectID, res.LanguageID, res.ClassTypeID, res.Kind,
		res.SlotIDs, res.AvailabilityIDs, res.Month, res.Year, res.Amount, res.Currency, res.Status, res.ExpiresAt).
		Scan(&res.CreatedAt, &res.UpdatedAt)
}

func (r *PGReservationRepository) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	res, err := scanReservation(r.db.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, domain.ErrReservationNotFound
	}
	return res, err
}

func (r *PGReservationRepository) Transition(ctx context.Context, id string, from, to domain.ReservationStatus, liveAt time.Time) (*domain.Reservation, error) {
	var live *time.Time
	if !liveAt.IsZero() {
		live = &liveAt
	}
	res, err := scanReservation(r.db.QueryRow(ctx, `UPDATE reservations SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3 AND ($4::timestamptz IS NULL OR expires_at > $4)
		RETURNING `+reservationColumns, to, id, from, live))
	if !isNoRows(err) {
		return res, err
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, domain.ErrReservationNotActive
}

func (r *PGReservationRepository) ExpireActiveBefore(ctx context.Context, deadline time.Time) ([]domain.Reservation, error) {
	rows, err := r.db.Query(ctx, `UPDATE reservations SET status = $1, updated_at = now()
		WHERE status = $2 AND expires_at <= $3
		RETURNING `+reservationColumns, domain.ReservationStatusExpired, domain.ReservationStatusActive, deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *res)
	}
	return expired, rows.Err()
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var res domain.Reservation
	if err := row.Scan(&res.ID, &res.StudentID, &res.TutorID, &res.SubjectID, &res.LanguageID, &res.ClassTypeID, &res.Kind,
		&res.SlotIDs, &res.AvailabilityIDs, &res.Month, &res.Year, &res.Amount, &res.Currency, &res.Status,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return nil, err
	}
	return &res, nil
}

var _ ReservationRepository = (*PGReservationRepository)(nil)
