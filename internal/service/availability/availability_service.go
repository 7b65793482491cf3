package availability

import (
	"context"
	"log/slog"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/repository"
)

type AvailabilityUseCase interface {
	GetSlots(ctx context.Context, tutorID string, date time.Time, recurring bool) ([]domain.Slot, error)
	GetNextPeriodSlots(ctx context.Context, availabilityIDs []int64, month, year int) ([]domain.PeriodAvailability, error)
	Invalidate(ctx context.Context, tutorID string)
}

// Cache returns (nil, nil) on a miss.
type Cache interface {
	GetSlots(ctx context.Context, tutorID string, date time.Time, recurring bool) ([]domain.Slot, error)
	SetSlots(ctx context.Context, tutorID string, date time.Time, recurring bool, slots []domain.Slot) error
	InvalidateTutor(ctx context.Context, tutorID string) error
}

type Service struct {
	repo   repository.AvailabilityRepository
	cache  Cache
	logger *slog.Logger
}

type Option func(*Service)

// WithCache enables read-through caching of per-day slot lists.
func WithCache(cache Cache) Option {
	return func(s *Service) { s.cache = cache }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(repo repository.AvailabilityRepository, opts ...Option) *Service {
	s := &Service{repo: repo, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) GetSlots(ctx context.Context, tutorID string, date time.Time, recurring bool) ([]domain.Slot, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetSlots(ctx, tutorID, date, recurring); err == nil && cached != nil {
			return cached, nil
		}
	}

	slots, err := s.repo.GetSlots(ctx, tutorID, date, recurring)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetSlots(ctx, tutorID, date, recurring, slots); err != nil {
			s.logger.Warn("cache slots", "tutor_id", tutorID, "error", err)
		}
	}
	return slots, nil
}

// GetNextPeriodSlots always reads through; the preview is computed once per request.
func (s *Service) GetNextPeriodSlots(ctx context.Context, availabilityIDs []int64, month, year int) ([]domain.PeriodAvailability, error) {
	return s.repo.GetNextPeriodSlots(ctx, availabilityIDs, month, year)
}

// Invalidate drops cached slot lists of a tutor after their slots changed status.
func (s *Service) Invalidate(ctx context.Context, tutorID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateTutor(ctx, tutorID); err != nil {
		s.logger.Warn("invalidate slot cache", "tutor_id", tutorID, "error", err)
	}
}

var _ AvailabilityUseCase = (*Service)(nil)
