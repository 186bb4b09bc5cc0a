package reaper

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reaperRunnerStore struct {
	mu      sync.Mutex
	expired []domain.Runner
	history []string // "runnerID eventName createdBy"
}

func (s *reaperRunnerStore) CreateRunner(context.Context, *domain.Runner, string) error { return nil }

func (s *reaperRunnerStore) GetRunner(context.Context, uuid.UUID) (*domain.Runner, error) {
	return nil, domain.ErrNotFound
}

func (s *reaperRunnerStore) GetByLifecycleToken(context.Context, string) (*domain.Runner, error) {
	return nil, domain.ErrNotFound
}

func (s *reaperRunnerStore) GetByTerminalToken(context.Context, string) (*domain.Runner, error) {
	return nil, domain.ErrNotFound
}

func (s *reaperRunnerStore) FindUserRunner(context.Context, string, uuid.UUID) (*domain.Runner, error) {
	return nil, domain.ErrNotFound
}

func (s *reaperRunnerStore) ListRunners(context.Context, api.RunnerFilter) ([]domain.Runner, error) {
	return nil, nil
}

func (s *reaperRunnerStore) ClaimReady(context.Context, uuid.UUID, api.ClaimParams) (*domain.Runner, error) {
	return nil, domain.ErrNotFound
}

func (s *reaperRunnerStore) TransitionState(context.Context, uuid.UUID, domain.RunnerState, domain.RunnerState) error {
	return nil
}

func (s *reaperRunnerStore) SetState(context.Context, uuid.UUID, domain.RunnerState) error {
	return nil
}

func (s *reaperRunnerStore) SetInstance(context.Context, uuid.UUID, string, uuid.UUID) error {
	return nil
}

func (s *reaperRunnerStore) SetIP(context.Context, uuid.UUID, string) error { return nil }

func (s *reaperRunnerStore) SetUserIP(context.Context, uuid.UUID, string) error { return nil }

func (s *reaperRunnerStore) UpdateSessionEnd(context.Context, uuid.UUID, time.Time) error {
	return nil
}

func (s *reaperRunnerStore) ListExpired(context.Context, time.Time) ([]domain.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired, nil
}

func (s *reaperRunnerStore) ListIdleReady(context.Context, uuid.UUID, time.Time) ([]domain.Runner, error) {
	return nil, nil
}

func (s *reaperRunnerStore) OldestReady(context.Context, uuid.UUID, int) ([]domain.Runner, error) {
	return nil, nil
}

func (s *reaperRunnerStore) CountByImageAndState(context.Context, uuid.UUID, ...domain.RunnerState) (int, error) {
	return 0, nil
}

func (s *reaperRunnerStore) AppendHistory(_ context.Context, runnerID uuid.UUID, eventName string, _ any, createdBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, runnerID.String()+" "+eventName+" "+createdBy)
	return nil
}

func (s *reaperRunnerStore) ListHistory(context.Context, uuid.UUID) ([]domain.HistoryRecord, error) {
	return nil, nil
}

type recordingTerminator struct {
	mu    sync.Mutex
	calls map[uuid.UUID]string
	err   error
}

func (t *recordingTerminator) Run(_ context.Context, runnerID uuid.UUID, initiatedBy string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls == nil {
		t.calls = make(map[uuid.UUID]string)
	}
	t.calls[runnerID] = initiatedBy
	return t.err
}

func expiredRunner(minutesAgo int) domain.Runner {
	end := time.Now().Add(-time.Duration(minutesAgo) * time.Minute)
	return domain.Runner{ID: uuid.New(), State: domain.StateActive, SessionEnd: &end}
}

func TestSweep_TerminatesExpiredRunners(t *testing.T) {
	store := &reaperRunnerStore{expired: []domain.Runner{expiredRunner(30), expiredRunner(5)}}
	term := &recordingTerminator{}
	r := New(store, term, DefaultInterval)

	count := r.Sweep(t.Context())
	assert.Equal(t, 2, count)

	term.mu.Lock()
	defer term.mu.Unlock()
	require.Len(t, term.calls, 2)
	for _, initiatedBy := range term.calls {
		assert.True(t, strings.HasPrefix(initiatedBy, "cleanup_job_"), initiatedBy)
	}
}

func TestSweep_RecordsExpiryBeforeTermination(t *testing.T) {
	runner := expiredRunner(42)
	store := &reaperRunnerStore{expired: []domain.Runner{runner}}
	term := &recordingTerminator{}
	r := New(store, term, DefaultInterval)

	r.Sweep(t.Context())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.history, 1)
	assert.Contains(t, store.history[0], runner.ID.String()+" runner_expired cleanup_job_")
}

func TestSweep_NothingExpired_IsQuiet(t *testing.T) {
	store := &reaperRunnerStore{}
	term := &recordingTerminator{}
	r := New(store, term, DefaultInterval)

	assert.Zero(t, r.Sweep(t.Context()))
	term.mu.Lock()
	defer term.mu.Unlock()
	assert.Empty(t, term.calls)
}

func TestSweep_TerminationFailure_DoesNotCount(t *testing.T) {
	store := &reaperRunnerStore{expired: []domain.Runner{expiredRunner(10)}}
	term := &recordingTerminator{err: assert.AnError}
	r := New(store, term, DefaultInterval)

	assert.Zero(t, r.Sweep(t.Context()))
}

func TestStartStop_SweepsOnTicker(t *testing.T) {
	store := &reaperRunnerStore{expired: []domain.Runner{expiredRunner(10)}}
	term := &recordingTerminator{}
	r := New(store, term, 5*time.Millisecond)

	r.Start(t.Context())
	defer r.Stop()

	require.Eventually(t, func() bool {
		term.mu.Lock()
		defer term.mu.Unlock()
		return len(term.calls) == 1
	}, time.Second, time.Millisecond)
}
