package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/jackc/pgx/v5"
)

// SlotLedger is the source of truth for slot status. Every multi-slot transition is all-or-nothing.
type SlotLedger interface {
	TryLock(ctx context.Context, holder string, slotIDs []int64) error
	Release(ctx context.Context, holder string, slotIDs []int64) error
	MarkBooked(ctx context.Context, holder string, slotIDs []int64) error
	Get(ctx context.Context, slotIDs []int64) ([]domain.Slot, error)
	// ReleaseOrphans frees LOCKED slots whose holder is neither ACTIVE nor CONFIRMED.
	// Locks younger than grace are left alone so an in-flight reserve is not undone.
	ReleaseOrphans(ctx context.Context, grace time.Duration) (int, error)
}

// AvailabilityRepository answers "what can be booked" questions for the occurrence generator.
type AvailabilityRepository interface {
	GetSlots(ctx context.Context, tutorID string, date time.Time, recurring bool) ([]domain.Slot, error)
	GetNextPeriodSlots(ctx context.Context, availabilityIDs []int64, month, year int) ([]domain.PeriodAvailability, error)
}

type PGSlotRepository struct {
	db  DB
	loc *time.Location
}

func NewSlotRepository(db DB, loc *time.Location) *PGSlotRepository {
	if loc == nil {
		loc = time.Local
	}
	return &PGSlotRepository{db: db, loc: loc}
}

const slotColumns = `s.id, s.availability_id, s.tutor_id, s.date, s.start_time, s.end_time, s.status, coalesce(s.held_by, ''), s.updated_at`

func (r *PGSlotRepository) TryLock(ctx context.Context, holder string, slotIDs []int64) error {
	ids := uniqueIDs(slotIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: no slots to lock", domain.ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Row locks are taken in id order so overlapping requests queue instead of deadlocking.
	if _, err := tx.Exec(ctx, `SELECT id FROM slots WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids); err != nil {
		return err
	}
	cmd, err := tx.Exec(ctx, `UPDATE slots SET status = $1, held_by = $2, updated_at = now()
		WHERE id = ANY($3) AND status = $4`,
		domain.SlotStatusLocked, holder, ids, domain.SlotStatusAvailable)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() != int64(len(ids)) {
		return domain.ErrSlotUnavailable
	}
	return tx.Commit(ctx)
}

func (r *PGSlotRepository) Release(ctx context.Context, holder string, slotIDs []int64) error {
	ids := uniqueIDs(slotIDs)
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `UPDATE slots SET status = $1, held_by = NULL, updated_at = now()
		WHERE id = ANY($2) AND status = $3 AND held_by = $4`,
		domain.SlotStatusAvailable, ids, domain.SlotStatusLocked, holder)
	return err
}

func (r *PGSlotRepository) MarkBooked(ctx context.Context, holder string, slotIDs []int64) error {
	ids := uniqueIDs(slotIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: no slots to book", domain.ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT id FROM slots WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids); err != nil {
		return err
	}
	cmd, err := tx.Exec(ctx, `UPDATE slots SET status = $1, updated_at = now()
		WHERE id = ANY($2) AND held_by = $3 AND status IN ($4, $1)`,
		domain.SlotStatusBooked, ids, holder, domain.SlotStatusLocked)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() != int64(len(ids)) {
		return domain.ErrSlotUnavailable
	}
	return tx.Commit(ctx)
}

func (r *PGSlotRepository) Get(ctx context.Context, slotIDs []int64) ([]domain.Slot, error) {
	rows, err := r.db.Query(ctx, `SELECT `+slotColumns+` FROM slots s WHERE s.id = ANY($1) ORDER BY s.date, s.start_time`, uniqueIDs(slotIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanSlots(rows)
}

func (r *PGSlotRepository) ReleaseOrphans(ctx context.Context, grace time.Duration) (int, error) {
	cmd, err := r.db.Exec(ctx, `UPDATE slots s SET status = $1, held_by = NULL, updated_at = now()
		WHERE s.status = $2
		AND s.updated_at < now() - make_interval(secs => $3)
		AND NOT EXISTS (SELECT 1 FROM reservations r WHERE r.id = s.held_by AND r.status IN ($4, $5))`,
		domain.SlotStatusAvailable, domain.SlotStatusLocked, grace.Seconds(),
		domain.ReservationStatusActive, domain.ReservationStatusConfirmed)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (r *PGSlotRepository) GetSlots(ctx context.Context, tutorID string, date time.Time, recurring bool) ([]domain.Slot, error) {
	rows, err := r.db.Query(ctx, `SELECT `+slotColumns+` FROM slots s
		JOIN availabilities a ON a.id = s.availability_id
		WHERE s.tutor_id = $1 AND s.date = $2 AND (NOT $3 OR a.recurring)
		ORDER BY s.start_time`, tutorID, utcDate(date), recurring)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanSlots(rows)
}

func (r *PGSlotRepository) GetNextPeriodSlots(ctx context.Context, availabilityIDs []int64, month, year int) ([]domain.PeriodAvailability, error) {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	rows, err := r.db.Query(ctx, `SELECT a.id, a.tutor_id, a.weekday, a.start_time, a.end_time, s.date
		FROM availabilities a
		LEFT JOIN slots s ON s.availability_id = a.id AND s.status = $2 AND s.date >= $3 AND s.date < $4
		WHERE a.id = ANY($1)
		ORDER BY a.id, s.date`, uniqueIDs(availabilityIDs), domain.SlotStatusAvailable, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PeriodAvailability
	for rows.Next() {
		var (
			pa      domain.PeriodAvailability
			weekday int
			date    *time.Time
		)
		if err := rows.Scan(&pa.AvailabilityID, &pa.TutorID, &weekday, &pa.Range.Start, &pa.Range.End, &date); err != nil {
			return nil, err
		}
		pa.Weekday = time.Weekday(weekday)
		if n := len(out); n == 0 || out[n-1].AvailabilityID != pa.AvailabilityID {
			out = append(out, pa)
		}
		if date != nil {
			last := &out[len(out)-1]
			last.AvailableDates = append(last.AvailableDates, r.localDate(*date))
		}
	}
	return out, rows.Err()
}

func (r *PGSlotRepository) scanSlots(rows pgx.Rows) ([]domain.Slot, error) {
	var slots []domain.Slot
	for rows.Next() {
		var s domain.Slot
		if err := rows.Scan(&s.ID, &s.AvailabilityID, &s.TutorID, &s.Date, &s.Range.Start, &s.Range.End, &s.Status, &s.HeldBy, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Date = r.localDate(s.Date)
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

// localDate re-anchors a DATE column (decoded as UTC midnight) in the service location.
func (r *PGSlotRepository) localDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, r.loc)
}

// utcDate carries a local calendar date into a DATE parameter without shifting the day.
func utcDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

var (
	_ SlotLedger             = (*PGSlotRepository)(nil)
	_ AvailabilityRepository = (*PGSlotRepository)(nil)
)
