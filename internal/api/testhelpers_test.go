package api_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/cloud"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/burrow-dev/burrow/platform/internal/events"
	"github.com/google/uuid"
)

// memoryRunnerStore is an in-memory RunnerStore for tests.
type memoryRunnerStore struct {
	mu      sync.Mutex
	runners []domain.Runner
	history map[uuid.UUID][]domain.HistoryRecord
}

func newMemoryRunnerStore() *memoryRunnerStore {
	return &memoryRunnerStore{history: make(map[uuid.UUID][]domain.HistoryRecord)}
}

func (m *memoryRunnerStore) CreateRunner(_ context.Context, r *domain.Runner, initiatedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.runners = append(m.runners, *r)
	m.history[r.ID] = append(m.history[r.ID], domain.HistoryRecord{
		RunnerID:  r.ID,
		EventName: "runner_created",
		CreatedBy: initiatedBy,
		CreatedAt: r.CreatedAt,
	})
	return nil
}

func (m *memoryRunnerStore) GetRunner(_ context.Context, id uuid.UUID) (*domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runners {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memoryRunnerStore) GetByLifecycleToken(_ context.Context, token string) (*domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runners {
		if r.LifecycleToken == token {
			return &r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memoryRunnerStore) GetByTerminalToken(_ context.Context, token string) (*domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runners {
		if r.TerminalToken == token {
			return &r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memoryRunnerStore) FindUserRunner(_ context.Context, userID string, imageID uuid.UUID) (*domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.runners) - 1; i >= 0; i-- {
		r := m.runners[i]
		if r.UserID != nil && *r.UserID == userID && r.ImageID == imageID && r.State.Alive() && r.State != domain.StateTerminating {
			return &r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memoryRunnerStore) ListRunners(_ context.Context, filter api.RunnerFilter) ([]domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Runner
	for _, r := range m.runners {
		if filter.State != "" && r.State != filter.State {
			continue
		}
		if filter.ImageID != uuid.Nil && r.ImageID != filter.ImageID {
			continue
		}
		if filter.UserID != "" && (r.UserID == nil || *r.UserID != filter.UserID) {
			continue
		}
		result = append(result, r)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *memoryRunnerStore) ClaimReady(_ context.Context, imageID uuid.UUID, claim api.ClaimParams) (*domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.runners {
		if r.ImageID == imageID && r.State == domain.StateReady {
			userID := claim.UserID
			m.runners[i].State = domain.StateReadyClaimed
			m.runners[i].UserID = &userID
			m.runners[i].UserIP = claim.UserIP
			m.runners[i].SessionStart = &claim.SessionStart
			m.runners[i].SessionEnd = &claim.SessionEnd
			m.runners[i].EnvData = claim.EnvData
			out := m.runners[i]
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memoryRunnerStore) TransitionState(_ context.Context, id uuid.UUID, from, to domain.RunnerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.runners {
		if r.ID == id {
			if r.State != from {
				return domain.ErrConflict
			}
			m.runners[i].State = to
			if to.Terminal() {
				now := time.Now()
				m.runners[i].EndedOn = &now
			}
			return nil
		}
	}
	return domain.ErrConflict
}

func (m *memoryRunnerStore) SetState(_ context.Context, id uuid.UUID, to domain.RunnerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.runners {
		if r.ID == id {
			m.runners[i].State = to
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memoryRunnerStore) SetInstance(_ context.Context, id uuid.UUID, instanceID string, keyID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.runners {
		if r.ID == id {
			m.runners[i].InstanceID = instanceID
			m.runners[i].KeyID = &keyID
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memoryRunnerStore) SetIP(_ context.Context, id uuid.UUID, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.runners {
		if r.ID == id {
			m.runners[i].IP = ip
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memoryRunnerStore) SetUserIP(_ context.Context, id uuid.UUID, userIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.runners {
		if r.ID == id {
			m.runners[i].UserIP = userIP
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memoryRunnerStore) UpdateSessionEnd(_ context.Context, id uuid.UUID, sessionEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.runners {
		if r.ID == id {
			m.runners[i].SessionEnd = &sessionEnd
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memoryRunnerStore) ListExpired(_ context.Context, now time.Time) ([]domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Runner
	for _, r := range m.runners {
		if r.SessionEnd != nil && r.SessionEnd.Before(now) && r.State.Alive() &&
			r.State != domain.StateReady && r.State != domain.StateTerminating {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *memoryRunnerStore) ListIdleReady(_ context.Context, imageID uuid.UUID, cutoff time.Time) ([]domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Runner
	for _, r := range m.runners {
		if r.ImageID == imageID && r.State == domain.StateReady && r.UpdatedAt.Before(cutoff) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *memoryRunnerStore) OldestReady(_ context.Context, imageID uuid.UUID, n int) ([]domain.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Runner
	for _, r := range m.runners {
		if r.ImageID == imageID && r.State == domain.StateReady {
			result = append(result, r)
			if len(result) == n {
				break
			}
		}
	}
	return result, nil
}

func (m *memoryRunnerStore) CountByImageAndState(_ context.Context, imageID uuid.UUID, states ...domain.RunnerState) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, r := range m.runners {
		if r.ImageID != imageID {
			continue
		}
		for _, s := range states {
			if r.State == s {
				count++
				break
			}
		}
	}
	return count, nil
}

func (m *memoryRunnerStore) AppendHistory(_ context.Context, runnerID uuid.UUID, eventName string, _ any, createdBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[runnerID] = append(m.history[runnerID], domain.HistoryRecord{
		RunnerID:  runnerID,
		EventName: eventName,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *memoryRunnerStore) ListHistory(_ context.Context, runnerID uuid.UUID) ([]domain.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.history[runnerID], nil
}

// memoryImageStore is an in-memory ImageStore for tests.
type memoryImageStore struct {
	mu       sync.Mutex
	images   []domain.Image
	machines []domain.Machine
}

func newMemoryImageStore() *memoryImageStore {
	return &memoryImageStore{}
}

func (m *memoryImageStore) CreateImage(_ context.Context, img *domain.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	img.ID = uuid.New()
	img.CreatedAt = time.Now()
	img.UpdatedAt = img.CreatedAt
	m.images = append(m.images, *img)
	return nil
}

func (m *memoryImageStore) GetImage(_ context.Context, id uuid.UUID) (*domain.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, img := range m.images {
		if img.ID == id {
			return &img, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memoryImageStore) ListImages(_ context.Context, includeDeleted bool) ([]domain.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Image
	for _, img := range m.images {
		if !includeDeleted && img.Status == domain.ImageStatusDeleted {
			continue
		}
		result = append(result, img)
	}
	return result, nil
}

func (m *memoryImageStore) ListPooledImages(_ context.Context) ([]domain.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Image
	for _, img := range m.images {
		if img.Status == domain.ImageStatusActive && img.PoolSize > 0 {
			result = append(result, img)
		}
	}
	return result, nil
}

func (m *memoryImageStore) UpdateImage(_ context.Context, img *domain.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.images {
		if existing.ID == img.ID {
			img.UpdatedAt = time.Now()
			m.images[i] = *img
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memoryImageStore) CreateMachine(_ context.Context, machine *domain.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	machine.ID = uuid.New()
	machine.CreatedAt = time.Now()
	m.machines = append(m.machines, *machine)
	return nil
}

func (m *memoryImageStore) GetMachine(_ context.Context, id uuid.UUID) (*domain.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, machine := range m.machines {
		if machine.ID == id {
			return &machine, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memoryImageStore) ListMachines(_ context.Context) ([]domain.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.machines, nil
}

// memoryConnectorStore is an in-memory ConnectorStore for tests.
type memoryConnectorStore struct {
	mu         sync.Mutex
	connectors []domain.CloudConnector
}

func newMemoryConnectorStore() *memoryConnectorStore {
	return &memoryConnectorStore{}
}

func (m *memoryConnectorStore) CreateConnector(_ context.Context, c *domain.CloudConnector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	m.connectors = append(m.connectors, *c)
	return nil
}

func (m *memoryConnectorStore) GetConnector(_ context.Context, id uuid.UUID) (*domain.CloudConnector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.connectors {
		if c.ID == id {
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memoryConnectorStore) ListConnectors(_ context.Context) ([]domain.CloudConnector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connectors, nil
}

// memoryScriptStore is an in-memory ScriptStore for tests.
type memoryScriptStore struct {
	mu      sync.Mutex
	scripts []domain.Script
}

func newMemoryScriptStore() *memoryScriptStore {
	return &memoryScriptStore{}
}

func (m *memoryScriptStore) GetScript(_ context.Context, imageID uuid.UUID, event domain.ScriptEvent) (*domain.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sc := range m.scripts {
		if sc.ImageID == imageID && sc.Event == event {
			return &sc, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memoryScriptStore) UpsertScript(_ context.Context, sc *domain.Script) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.scripts {
		if existing.ImageID == sc.ImageID && existing.Event == sc.Event {
			sc.ID = existing.ID
			m.scripts[i] = *sc
			return nil
		}
	}
	sc.ID = uuid.New()
	sc.CreatedAt = time.Now()
	m.scripts = append(m.scripts, *sc)
	return nil
}

func (m *memoryScriptStore) ListScripts(_ context.Context, imageID uuid.UUID) ([]domain.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Script
	for _, sc := range m.scripts {
		if sc.ImageID == imageID {
			result = append(result, sc)
		}
	}
	return result, nil
}

// stubAllocator records calls and returns canned results.
type stubAllocator struct {
	mu sync.Mutex

	allocateReq *api.AllocateRequest
	allocateRes *api.AllocateResult
	allocateErr error

	extendRunner *domain.Runner
	extendErr    error

	attachRunner *domain.Runner
	attachErr    error
	attachToken  string
}

func (s *stubAllocator) Allocate(_ context.Context, req api.AllocateRequest) (*api.AllocateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allocateReq = &req
	if s.allocateErr != nil {
		return nil, s.allocateErr
	}
	return s.allocateRes, nil
}

func (s *stubAllocator) ExtendSession(_ context.Context, _ uuid.UUID, _ int) (*domain.Runner, error) {
	if s.extendErr != nil {
		return nil, s.extendErr
	}
	return s.extendRunner, nil
}

func (s *stubAllocator) AttachTerminal(_ context.Context, token string) (*domain.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attachToken = token
	if s.attachErr != nil {
		return nil, s.attachErr
	}
	return s.attachRunner, nil
}

// stubTerminator records terminate calls.
type stubTerminator struct {
	mu          sync.Mutex
	calls       []string // "runnerID/initiatedBy"
	terminateBy string
	err         error
}

func (s *stubTerminator) Terminate(_ context.Context, runnerID uuid.UUID, initiatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, fmt.Sprintf("%s/%s", runnerID, initiatedBy))
	s.terminateBy = initiatedBy
	return s.err
}

// stubValidator returns a canned account validation.
type stubValidator struct {
	validation cloud.AccountValidation
	err        error
}

func (s *stubValidator) ValidateConnector(_ context.Context, _ uuid.UUID) (cloud.AccountValidation, error) {
	return s.validation, s.err
}

// testEnv bundles a Server with its fakes.
type testEnv struct {
	srv        *api.Server
	runners    *memoryRunnerStore
	images     *memoryImageStore
	connectors *memoryConnectorStore
	scripts    *memoryScriptStore
	allocator  *stubAllocator
	terminator *stubTerminator
}

// newTestServer creates a Server wired to in-memory fakes.
func newTestServer() *testEnv {
	env := &testEnv{
		runners:    newMemoryRunnerStore(),
		images:     newMemoryImageStore(),
		connectors: newMemoryConnectorStore(),
		scripts:    newMemoryScriptStore(),
		allocator:  &stubAllocator{},
		terminator: &stubTerminator{},
	}
	env.srv = &api.Server{
		Runners:    env.runners,
		Images:     env.images,
		Connectors: env.connectors,
		Scripts:    env.scripts,
		Allocator:  env.allocator,
		Terminator: env.terminator,
		Events:     events.NewBus(),
	}
	return env
}

// seedRunner inserts a runner directly into the store.
func (e *testEnv) seedRunner(r domain.Runner) domain.Runner {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
		r.UpdatedAt = r.CreatedAt
	}
	e.runners.mu.Lock()
	e.runners.runners = append(e.runners.runners, r)
	e.runners.mu.Unlock()
	return r
}
