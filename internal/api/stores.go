package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/cloud"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
)

// Store interfaces are defined here, next to their consumers: the HTTP
// handlers and the background pipelines both program against these, and the
// postgres package implements them. Tests substitute in-memory fakes.

// RunnerFilter holds optional filters for listing runners.
// Zero Limit means no limit.
type RunnerFilter struct {
	ImageID uuid.UUID
	State   domain.RunnerState
	UserID  string
	Limit   int
	Offset  int
}

// ClaimParams carries the user binding applied when a warm pool runner is
// claimed: who gets it, from where, and for how long.
type ClaimParams struct {
	UserID       string
	UserIP       string
	SessionStart time.Time
	SessionEnd   time.Time
	EnvData      map[string]string
}

// RunnerStore is the persistence interface for runners and their history.
type RunnerStore interface {
	CreateRunner(ctx context.Context, r *domain.Runner, initiatedBy string) error
	GetRunner(ctx context.Context, id uuid.UUID) (*domain.Runner, error)
	GetByLifecycleToken(ctx context.Context, token string) (*domain.Runner, error)
	GetByTerminalToken(ctx context.Context, token string) (*domain.Runner, error)
	FindUserRunner(ctx context.Context, userID string, imageID uuid.UUID) (*domain.Runner, error)
	ListRunners(ctx context.Context, filter RunnerFilter) ([]domain.Runner, error)

	// ClaimReady atomically binds the oldest ready runner of the image to a
	// user. Exactly one concurrent claimant wins; losers get ErrNotFound.
	ClaimReady(ctx context.Context, imageID uuid.UUID, claim ClaimParams) (*domain.Runner, error)

	// TransitionState is a conditional state move: it fails with ErrConflict
	// when the runner has left the expected state.
	TransitionState(ctx context.Context, id uuid.UUID, from, to domain.RunnerState) error
	SetState(ctx context.Context, id uuid.UUID, to domain.RunnerState) error

	SetInstance(ctx context.Context, id uuid.UUID, instanceID string, keyID uuid.UUID) error
	SetIP(ctx context.Context, id uuid.UUID, ip string) error
	SetUserIP(ctx context.Context, id uuid.UUID, userIP string) error
	UpdateSessionEnd(ctx context.Context, id uuid.UUID, sessionEnd time.Time) error

	ListExpired(ctx context.Context, now time.Time) ([]domain.Runner, error)
	ListIdleReady(ctx context.Context, imageID uuid.UUID, cutoff time.Time) ([]domain.Runner, error)
	OldestReady(ctx context.Context, imageID uuid.UUID, n int) ([]domain.Runner, error)
	CountByImageAndState(ctx context.Context, imageID uuid.UUID, states ...domain.RunnerState) (int, error)

	AppendHistory(ctx context.Context, runnerID uuid.UUID, eventName string, eventData any, createdBy string) error
	ListHistory(ctx context.Context, runnerID uuid.UUID) ([]domain.HistoryRecord, error)
}

// ImageStore is the persistence interface for images and machine types.
type ImageStore interface {
	CreateImage(ctx context.Context, img *domain.Image) error
	GetImage(ctx context.Context, id uuid.UUID) (*domain.Image, error)
	ListImages(ctx context.Context, includeDeleted bool) ([]domain.Image, error)
	ListPooledImages(ctx context.Context) ([]domain.Image, error)
	UpdateImage(ctx context.Context, img *domain.Image) error

	CreateMachine(ctx context.Context, m *domain.Machine) error
	GetMachine(ctx context.Context, id uuid.UUID) (*domain.Machine, error)
	ListMachines(ctx context.Context) ([]domain.Machine, error)
}

// ConnectorStore is the persistence interface for cloud connectors.
// Credential fields are stored encrypted; decryption is the caller's job.
type ConnectorStore interface {
	CreateConnector(ctx context.Context, c *domain.CloudConnector) error
	GetConnector(ctx context.Context, id uuid.UUID) (*domain.CloudConnector, error)
	ListConnectors(ctx context.Context) ([]domain.CloudConnector, error)
}

// KeyStore is the persistence interface for daily SSH keypairs.
type KeyStore interface {
	CreateKey(ctx context.Context, k *domain.Key) error
	GetKey(ctx context.Context, id uuid.UUID) (*domain.Key, error)
	GetKeyByDate(ctx context.Context, date string, connectorID uuid.UUID) (*domain.Key, error)
}

// SecurityGroupStore is the persistence interface for per-runner security
// groups and their runner associations.
type SecurityGroupStore interface {
	CreateGroup(ctx context.Context, sg *domain.SecurityGroup) error
	Associate(ctx context.Context, runnerID, groupID uuid.UUID) error
	GroupsForRunner(ctx context.Context, runnerID uuid.UUID) ([]domain.SecurityGroup, error)
	UpdateRules(ctx context.Context, id uuid.UUID, rules json.RawMessage) error
	MarkStatus(ctx context.Context, id uuid.UUID, status domain.SecurityGroupStatus) error
	ListCollectable(ctx context.Context) ([]domain.SecurityGroup, error)
}

// ScriptStore is the persistence interface for lifecycle scripts.
type ScriptStore interface {
	GetScript(ctx context.Context, imageID uuid.UUID, event domain.ScriptEvent) (*domain.Script, error)
	UpsertScript(ctx context.Context, sc *domain.Script) error
	ListScripts(ctx context.Context, imageID uuid.UUID) ([]domain.Script, error)
}

// AllocateRequest is what a client asks for: a runner of this image, bound
// to this user, for this long.
type AllocateRequest struct {
	ImageID        uuid.UUID
	UserID         string
	UserIP         string
	SessionMinutes int
	EnvData        map[string]string
	// Async requests return the lifecycle token immediately instead of
	// blocking until the runner is reachable.
	Async bool
}

// AllocateResult is the outcome of an allocation. Runner is fully populated
// for synchronous requests; async requests only carry the tokens needed to
// follow progress and attach later.
type AllocateResult struct {
	Runner         *domain.Runner
	LifecycleToken string
	Reused         bool // an existing live runner for the user was returned
}

// Allocator hands out runners: reuse, warm pool claim, or cold launch.
// Implemented by the allocator package.
type Allocator interface {
	Allocate(ctx context.Context, req AllocateRequest) (*AllocateResult, error)
	ExtendSession(ctx context.Context, runnerID uuid.UUID, minutes int) (*domain.Runner, error)
	AttachTerminal(ctx context.Context, terminalToken string) (*domain.Runner, error)
}

// Terminator tears runners down. Implemented by the lifecycle package.
// Terminate is idempotent and safe to call concurrently for the same runner.
type Terminator interface {
	Terminate(ctx context.Context, runnerID uuid.UUID, initiatedBy string) error
}

// AccountValidator checks that a connector's credentials can perform every
// cloud action the engine needs.
type AccountValidator interface {
	ValidateConnector(ctx context.Context, connectorID uuid.UUID) (cloud.AccountValidation, error)
}
