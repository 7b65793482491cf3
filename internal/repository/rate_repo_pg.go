package repository

import (
	"context"
	"fmt"

	"github.com/Domenick1991/tutorbooking/internal/domain"
)

// RateRepository prices one session with a tutor, in minor units of the service currency.
type RateRepository interface {
	SessionRate(ctx context.Context, tutorID string) (int64, error)
}

type PGRateRepository struct {
	db DB
}

func NewRateRepository(db DB) RateRepository {
	return &PGRateRepository{db: db}
}

func (r *PGRateRepository) SessionRate(ctx context.Context, tutorID string) (int64, error) {
	var amount int64
	err := r.db.QueryRow(ctx, `SELECT amount FROM tutor_rates WHERE tutor_id = $1`, tutorID).Scan(&amount)
	if isNoRows(err) {
		return 0, fmt.Errorf("%w: tutor %s", domain.ErrRateNotFound, tutorID)
	}
	return amount, err
}

var _ RateRepository = (*PGRateRepository)(nil)
