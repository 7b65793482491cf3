package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
)

// MemoryPreviewStore keeps next-period previews in process when redis is not configured.
type MemoryPreviewStore struct {
	mu       sync.Mutex
	clock    domain.Clock
	previews map[string]memoryPreview
}

type memoryPreview struct {
	preview   domain.NextPeriodPreview
	expiresAt time.Time
}

func NewMemoryPreviewStore(clock domain.Clock) *MemoryPreviewStore {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &MemoryPreviewStore{clock: clock, previews: make(map[string]memoryPreview)}
}

func (s *MemoryPreviewStore) SavePreview(_ context.Context, preview *domain.NextPeriodPreview, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews[preview.ID] = memoryPreview{preview: *preview, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryPreviewStore) GetPreview(_ context.Context, id string) (*domain.NextPeriodPreview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.previews[id]
	if !ok {
		return nil, nil
	}
	if !s.clock.Now().Before(p.expiresAt) {
		delete(s.previews, id)
		return nil, nil
	}
	preview := p.preview
	return &preview, nil
}

func (s *MemoryPreviewStore) DeletePreview(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.previews, id)
	return nil
}
