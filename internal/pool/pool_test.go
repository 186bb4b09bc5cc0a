package pool

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poolRunnerStore struct {
	mu      sync.Mutex
	runners map[uuid.UUID]*domain.Runner
}

func newPoolRunnerStore() *poolRunnerStore {
	return &poolRunnerStore{runners: make(map[uuid.UUID]*domain.Runner)}
}

func (s *poolRunnerStore) seed(imageID uuid.UUID, state domain.RunnerState, age time.Duration) *domain.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &domain.Runner{
		ID:        uuid.New(),
		ImageID:   imageID,
		State:     state,
		CreatedAt: time.Now().Add(-age),
		UpdatedAt: time.Now().Add(-age),
	}
	s.runners[r.ID] = r
	return r
}

func (s *poolRunnerStore) CreateRunner(_ context.Context, r *domain.Runner, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[r.ID] = r
	return nil
}

func (s *poolRunnerStore) GetRunner(_ context.Context, id uuid.UUID) (*domain.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func (s *poolRunnerStore) GetByLifecycleToken(context.Context, string) (*domain.Runner, error) {
	return nil, domain.ErrNotFound
}

func (s *poolRunnerStore) GetByTerminalToken(context.Context, string) (*domain.Runner, error) {
	return nil, domain.ErrNotFound
}

func (s *poolRunnerStore) FindUserRunner(context.Context, string, uuid.UUID) (*domain.Runner, error) {
	return nil, domain.ErrNotFound
}

func (s *poolRunnerStore) ListRunners(context.Context, api.RunnerFilter) ([]domain.Runner, error) {
	return nil, nil
}

func (s *poolRunnerStore) ClaimReady(context.Context, uuid.UUID, api.ClaimParams) (*domain.Runner, error) {
	return nil, domain.ErrNotFound
}

func (s *poolRunnerStore) TransitionState(_ context.Context, id uuid.UUID, from, to domain.RunnerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok || r.State != from {
		return domain.ErrConflict
	}
	r.State = to
	return nil
}

func (s *poolRunnerStore) SetState(_ context.Context, id uuid.UUID, to domain.RunnerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[id]; ok {
		r.State = to
	}
	return nil
}

func (s *poolRunnerStore) SetInstance(context.Context, uuid.UUID, string, uuid.UUID) error {
	return nil
}

func (s *poolRunnerStore) SetIP(context.Context, uuid.UUID, string) error { return nil }

func (s *poolRunnerStore) SetUserIP(context.Context, uuid.UUID, string) error { return nil }

func (s *poolRunnerStore) UpdateSessionEnd(context.Context, uuid.UUID, time.Time) error { return nil }

func (s *poolRunnerStore) ListExpired(context.Context, time.Time) ([]domain.Runner, error) {
	return nil, nil
}

func (s *poolRunnerStore) ListIdleReady(_ context.Context, imageID uuid.UUID, cutoff time.Time) ([]domain.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Runner
	for _, r := range s.runners {
		if r.ImageID == imageID && r.State == domain.StateReady && r.UpdatedAt.Before(cutoff) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *poolRunnerStore) OldestReady(_ context.Context, imageID uuid.UUID, n int) ([]domain.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []*domain.Runner
	for _, r := range s.runners {
		if r.ImageID == imageID && r.State == domain.StateReady {
			ready = append(ready, r)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if len(ready) > n {
		ready = ready[:n]
	}
	out := make([]domain.Runner, 0, len(ready))
	for _, r := range ready {
		out = append(out, *r)
	}
	return out, nil
}

func (s *poolRunnerStore) CountByImageAndState(_ context.Context, imageID uuid.UUID, states ...domain.RunnerState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.runners {
		if r.ImageID != imageID {
			continue
		}
		for _, st := range states {
			if r.State == st {
				count++
				break
			}
		}
	}
	return count, nil
}

func (s *poolRunnerStore) AppendHistory(context.Context, uuid.UUID, string, any, string) error {
	return nil
}

func (s *poolRunnerStore) ListHistory(context.Context, uuid.UUID) ([]domain.HistoryRecord, error) {
	return nil, nil
}

type poolImageStore struct {
	pooled []domain.Image
}

func (s *poolImageStore) CreateImage(context.Context, *domain.Image) error { return nil }

func (s *poolImageStore) GetImage(context.Context, uuid.UUID) (*domain.Image, error) {
	return nil, domain.ErrNotFound
}

func (s *poolImageStore) ListImages(context.Context, bool) ([]domain.Image, error) { return nil, nil }

func (s *poolImageStore) ListPooledImages(context.Context) ([]domain.Image, error) {
	return s.pooled, nil
}

func (s *poolImageStore) UpdateImage(context.Context, *domain.Image) error { return nil }

func (s *poolImageStore) CreateMachine(context.Context, *domain.Machine) error { return nil }

func (s *poolImageStore) GetMachine(context.Context, uuid.UUID) (*domain.Machine, error) {
	return nil, domain.ErrNotFound
}

func (s *poolImageStore) ListMachines(context.Context) ([]domain.Machine, error) { return nil, nil }

// countingLauncher records launches and immediately marks runners ready.
type countingLauncher struct {
	store *poolRunnerStore

	mu       sync.Mutex
	launched int
}

func (l *countingLauncher) Launch(_ context.Context, image *domain.Image, claim *api.ClaimParams, _ string) (*domain.Runner, error) {
	l.mu.Lock()
	l.launched++
	l.mu.Unlock()
	r := &domain.Runner{ID: uuid.New(), ImageID: image.ID, State: domain.StateRunnerStarting, CreatedAt: time.Now()}
	if claim != nil {
		r.State = domain.StateRunnerStartingClaimed
	}
	_ = l.store.CreateRunner(context.Background(), r, "pool_controller")
	return r, nil
}

func (l *countingLauncher) Provision(_ context.Context, r *domain.Runner) error {
	return l.store.SetState(context.Background(), r.ID, domain.StateReady)
}

func (l *countingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched
}

type countingTerminator struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]string // runnerID -> initiatedBy
	reaps    map[uuid.UUID]string
	advance  *poolRunnerStore
	finalRun domain.RunnerState
}

func newCountingTerminator(store *poolRunnerStore) *countingTerminator {
	return &countingTerminator{
		runs:     make(map[uuid.UUID]string),
		reaps:    make(map[uuid.UUID]string),
		advance:  store,
		finalRun: domain.StateTerminated,
	}
}

func (t *countingTerminator) Run(_ context.Context, runnerID uuid.UUID, initiatedBy string) error {
	t.mu.Lock()
	t.runs[runnerID] = initiatedBy
	t.mu.Unlock()
	return t.advance.SetState(context.Background(), runnerID, t.finalRun)
}

func (t *countingTerminator) ReapPool(_ context.Context, runnerID uuid.UUID, initiatedBy string) error {
	t.mu.Lock()
	t.reaps[runnerID] = initiatedBy
	t.mu.Unlock()
	return t.advance.SetState(context.Background(), runnerID, domain.StateClosedPool)
}

func newTestController(t *testing.T, store *poolRunnerStore, images *poolImageStore, idleAfter time.Duration) (*Controller, *countingLauncher, *countingTerminator) {
	t.Helper()
	launcher := &countingLauncher{store: store}
	term := newCountingTerminator(store)
	c, err := New(store, images, launcher, term, DefaultSchedule, idleAfter)
	require.NoError(t, err)
	return c, launcher, term
}

func pooledImage(size int) domain.Image {
	return domain.Image{ID: uuid.New(), Status: domain.ImageStatusActive, PoolSize: size}
}

func TestTick_FillsDeficit(t *testing.T) {
	store := newPoolRunnerStore()
	img := pooledImage(3)
	store.seed(img.ID, domain.StateReady, time.Minute)
	images := &poolImageStore{pooled: []domain.Image{img}}
	c, launcher, _ := newTestController(t, store, images, 0)

	c.Tick(t.Context())

	assert.Equal(t, 2, launcher.count())
	ready, _ := store.CountByImageAndState(t.Context(), img.ID, domain.StateReady)
	assert.Equal(t, 3, ready)
}

func TestTick_CountsStartingRunnersTowardTarget(t *testing.T) {
	store := newPoolRunnerStore()
	img := pooledImage(2)
	store.seed(img.ID, domain.StateReady, time.Minute)
	store.seed(img.ID, domain.StateRunnerStarting, time.Minute)
	images := &poolImageStore{pooled: []domain.Image{img}}
	c, launcher, _ := newTestController(t, store, images, 0)

	c.Tick(t.Context())

	assert.Zero(t, launcher.count(), "a booting runner already covers the deficit")
}

func TestTick_ScalesDownOldestFirst(t *testing.T) {
	store := newPoolRunnerStore()
	img := pooledImage(1)
	oldest := store.seed(img.ID, domain.StateReady, 3*time.Hour)
	middle := store.seed(img.ID, domain.StateReady, 2*time.Hour)
	newest := store.seed(img.ID, domain.StateReady, time.Minute)
	images := &poolImageStore{pooled: []domain.Image{img}}
	c, launcher, term := newTestController(t, store, images, 0)

	c.Tick(t.Context())

	assert.Zero(t, launcher.count())
	term.mu.Lock()
	defer term.mu.Unlock()
	require.Len(t, term.runs, 2)
	assert.Equal(t, "pool_scale_down", term.runs[oldest.ID])
	assert.Equal(t, "pool_scale_down", term.runs[middle.ID])
	assert.NotContains(t, term.runs, newest.ID)
}

func TestTick_ReclaimsIdleRunners(t *testing.T) {
	store := newPoolRunnerStore()
	img := pooledImage(2)
	idle := store.seed(img.ID, domain.StateReady, time.Hour)
	fresh := store.seed(img.ID, domain.StateReady, time.Minute)
	images := &poolImageStore{pooled: []domain.Image{img}}
	c, _, term := newTestController(t, store, images, 10*time.Minute)

	c.Tick(t.Context())

	term.mu.Lock()
	defer term.mu.Unlock()
	assert.Equal(t, "idle_pool_reaper", term.reaps[idle.ID])
	assert.NotContains(t, term.reaps, fresh.ID)

	got, _ := store.GetRunner(t.Context(), idle.ID)
	assert.Equal(t, domain.StateClosedPool, got.State)
}

func TestTick_ScaleToZeroDrainsPool(t *testing.T) {
	store := newPoolRunnerStore()
	img := pooledImage(0)
	first := store.seed(img.ID, domain.StateReady, time.Hour)
	second := store.seed(img.ID, domain.StateReady, time.Minute)
	images := &poolImageStore{pooled: []domain.Image{img}}
	c, launcher, term := newTestController(t, store, images, 0)

	c.Tick(t.Context())

	assert.Zero(t, launcher.count())
	term.mu.Lock()
	defer term.mu.Unlock()
	require.Len(t, term.runs, 2)
	assert.Equal(t, "pool_scale_down", term.runs[first.ID])
	assert.Equal(t, "pool_scale_down", term.runs[second.ID])
}

func TestTick_InactiveImageDrainsWithoutLaunching(t *testing.T) {
	store := newPoolRunnerStore()
	img := pooledImage(3)
	img.Status = domain.ImageStatusInactive
	leftover := store.seed(img.ID, domain.StateReady, time.Hour)
	images := &poolImageStore{pooled: []domain.Image{img}}
	c, launcher, term := newTestController(t, store, images, 0)

	c.Tick(t.Context())

	assert.Zero(t, launcher.count(), "deactivated images must not be refilled")
	term.mu.Lock()
	defer term.mu.Unlock()
	assert.Equal(t, "pool_scale_down", term.runs[leftover.ID])
}

func TestNew_InvalidSchedule_Errors(t *testing.T) {
	_, err := New(newPoolRunnerStore(), &poolImageStore{}, nil, nil, "not-a-cron", 0)
	assert.Error(t, err)
}
