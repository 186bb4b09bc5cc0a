package postgres

import (
	"context"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/cache"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
)

// CachedImageStore fronts an ImageStore with a short TTL cache for single
// record lookups. The allocate path reads the image and machine rows on
// every request; both change rarely, so a 30 second window cuts most of
// that load. Writes invalidate, list queries pass through.
type CachedImageStore struct {
	inner    api.ImageStore
	images   *cache.Cache[uuid.UUID, *domain.Image]
	machines *cache.Cache[uuid.UUID, *domain.Machine]
}

// NewCachedImageStore wraps inner with per-record caching.
func NewCachedImageStore(inner api.ImageStore) *CachedImageStore {
	return &CachedImageStore{
		inner:    inner,
		images:   cache.New[uuid.UUID, *domain.Image](cache.Options{}),
		machines: cache.New[uuid.UUID, *domain.Machine](cache.Options{}),
	}
}

func (s *CachedImageStore) CreateImage(ctx context.Context, img *domain.Image) error {
	return s.inner.CreateImage(ctx, img)
}

func (s *CachedImageStore) GetImage(ctx context.Context, id uuid.UUID) (*domain.Image, error) {
	if img, ok := s.images.Get(id); ok {
		return img, nil
	}
	img, err := s.inner.GetImage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.images.Set(id, img)
	return img, nil
}

func (s *CachedImageStore) ListImages(ctx context.Context, includeDeleted bool) ([]domain.Image, error) {
	return s.inner.ListImages(ctx, includeDeleted)
}

func (s *CachedImageStore) ListPooledImages(ctx context.Context) ([]domain.Image, error) {
	return s.inner.ListPooledImages(ctx)
}

func (s *CachedImageStore) UpdateImage(ctx context.Context, img *domain.Image) error {
	s.images.Delete(img.ID)
	return s.inner.UpdateImage(ctx, img)
}

func (s *CachedImageStore) CreateMachine(ctx context.Context, m *domain.Machine) error {
	return s.inner.CreateMachine(ctx, m)
}

func (s *CachedImageStore) GetMachine(ctx context.Context, id uuid.UUID) (*domain.Machine, error) {
	if m, ok := s.machines.Get(id); ok {
		return m, nil
	}
	m, err := s.inner.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	s.machines.Set(id, m)
	return m, nil
}

func (s *CachedImageStore) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	return s.inner.ListMachines(ctx)
}

var _ api.ImageStore = (*CachedImageStore)(nil)
