package postgres

import (
	"context"
	"testing"

	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingImageStore struct {
	images     map[uuid.UUID]*domain.Image
	machines   map[uuid.UUID]*domain.Machine
	imageGets  int
	machineGet int
}

func (s *countingImageStore) CreateImage(context.Context, *domain.Image) error { return nil }

func (s *countingImageStore) GetImage(_ context.Context, id uuid.UUID) (*domain.Image, error) {
	s.imageGets++
	img, ok := s.images[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return img, nil
}

func (s *countingImageStore) ListImages(context.Context, bool) ([]domain.Image, error) {
	return nil, nil
}

func (s *countingImageStore) ListPooledImages(context.Context) ([]domain.Image, error) {
	return nil, nil
}

func (s *countingImageStore) UpdateImage(_ context.Context, img *domain.Image) error {
	s.images[img.ID] = img
	return nil
}

func (s *countingImageStore) CreateMachine(context.Context, *domain.Machine) error { return nil }

func (s *countingImageStore) GetMachine(_ context.Context, id uuid.UUID) (*domain.Machine, error) {
	s.machineGet++
	m, ok := s.machines[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m, nil
}

func (s *countingImageStore) ListMachines(context.Context) ([]domain.Machine, error) {
	return nil, nil
}

func TestCachedImageStore_GetImage_HitsBackendOnce(t *testing.T) {
	img := &domain.Image{ID: uuid.New(), Status: domain.ImageStatusActive}
	inner := &countingImageStore{images: map[uuid.UUID]*domain.Image{img.ID: img}}
	store := NewCachedImageStore(inner)

	for range 5 {
		got, err := store.GetImage(t.Context(), img.ID)
		require.NoError(t, err)
		assert.Equal(t, img.ID, got.ID)
	}
	assert.Equal(t, 1, inner.imageGets)
}

func TestCachedImageStore_UpdateInvalidates(t *testing.T) {
	img := &domain.Image{ID: uuid.New(), PoolSize: 1}
	inner := &countingImageStore{images: map[uuid.UUID]*domain.Image{img.ID: img}}
	store := NewCachedImageStore(inner)

	_, err := store.GetImage(t.Context(), img.ID)
	require.NoError(t, err)

	updated := &domain.Image{ID: img.ID, PoolSize: 5}
	require.NoError(t, store.UpdateImage(t.Context(), updated))

	got, err := store.GetImage(t.Context(), img.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.PoolSize)
	assert.Equal(t, 2, inner.imageGets, "update must evict the cached row")
}

func TestCachedImageStore_MissIsNotCached(t *testing.T) {
	inner := &countingImageStore{images: map[uuid.UUID]*domain.Image{}}
	store := NewCachedImageStore(inner)
	id := uuid.New()

	_, err := store.GetImage(t.Context(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.GetImage(t.Context(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 2, inner.imageGets)
}

func TestCachedImageStore_GetMachine_Cached(t *testing.T) {
	m := &domain.Machine{ID: uuid.New(), InstanceType: "t3.large"}
	inner := &countingImageStore{machines: map[uuid.UUID]*domain.Machine{m.ID: m}}
	store := NewCachedImageStore(inner)

	for range 3 {
		got, err := store.GetMachine(t.Context(), m.ID)
		require.NoError(t, err)
		assert.Equal(t, "t3.large", got.InstanceType)
	}
	assert.Equal(t, 1, inner.machineGet)
}
