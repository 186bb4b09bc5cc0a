// Package allocator implements the per-request decision tree that hands a
// runner to a user: an existing live runner, a warm pool claim, or a cold
// launch. It also owns session extension and terminal attachment.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/burrow-dev/burrow/platform/internal/events"
	"github.com/burrow-dev/burrow/platform/internal/lifecycle"
	"github.com/google/uuid"
)

// Launcher starts runner instances and drives them to ready.
// Implemented by the lifecycle launcher.
type Launcher interface {
	Launch(ctx context.Context, image *domain.Image, claim *api.ClaimParams, initiatedBy string) (*domain.Runner, error)
	Provision(ctx context.Context, r *domain.Runner) error
}

const (
	// defaultColdWait bounds how long a synchronous allocation waits for a
	// cold launch to reach ready_claimed. On timeout the caller's request
	// fails but provisioning continues; the runner lands in the pool.
	defaultColdWait = 10 * time.Minute

	defaultPollInterval   = 2 * time.Second
	defaultSessionMinutes = 60
)

// Service resolves allocation requests. Steps are tried in order: existing
// runner for the user, warm pool claim, cold launch. Each step that loses a
// race falls through to the next.
type Service struct {
	runners    api.RunnerStore
	images     api.ImageStore
	scripts    *lifecycle.ScriptRunner
	keys       lifecycle.KeyProvider
	resolver   lifecycle.DriverResolver
	groups     lifecycle.GroupProvisioner
	launcher   Launcher
	terminator api.Terminator
	bus        *events.Bus

	coldWait     time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// New creates an allocator Service with default timing.
func New(runners api.RunnerStore, images api.ImageStore, scripts *lifecycle.ScriptRunner, keys lifecycle.KeyProvider, resolver lifecycle.DriverResolver, groups lifecycle.GroupProvisioner, launcher Launcher, terminator api.Terminator, bus *events.Bus) *Service {
	return &Service{
		runners:      runners,
		images:       images,
		scripts:      scripts,
		keys:         keys,
		resolver:     resolver,
		groups:       groups,
		launcher:     launcher,
		terminator:   terminator,
		bus:          bus,
		coldWait:     defaultColdWait,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// Allocate hands the user a runner of the requested image. Synchronous
// requests return once the runner accepts connections; async requests return
// the lifecycle token immediately and the client follows the event stream.
func (s *Service) Allocate(ctx context.Context, req api.AllocateRequest) (*api.AllocateResult, error) {
	minutes := req.SessionMinutes
	if minutes == 0 {
		minutes = defaultSessionMinutes
	}
	if minutes < 0 || minutes > domain.MaxSessionMinutes {
		return nil, fmt.Errorf("%w: session length %d outside 1..%d minutes",
			domain.ErrInvalidRequest, minutes, domain.MaxSessionMinutes)
	}

	img, err := s.images.GetImage(ctx, req.ImageID)
	if err != nil {
		return nil, err
	}
	if img.Status != domain.ImageStatusActive {
		return nil, fmt.Errorf("%w: image %s is %s", domain.ErrInvalidRequest, img.ID, img.Status)
	}

	start := s.now()
	claim := api.ClaimParams{
		UserID:       req.UserID,
		UserIP:       req.UserIP,
		SessionStart: start,
		SessionEnd:   start.Add(time.Duration(minutes) * time.Minute),
		EnvData:      req.EnvData,
	}

	if res, err := s.reuseExisting(ctx, img, claim); err != nil || res != nil {
		return res, err
	}
	if res, err := s.claimPool(ctx, img, claim); err != nil || res != nil {
		return res, err
	}
	return s.coldLaunch(ctx, img, claim, req.Async)
}

// reuseExisting returns the user's live runner on this image, if any,
// with a refreshed session window. A nil, nil return means no match.
func (s *Service) reuseExisting(ctx context.Context, img *domain.Image, claim api.ClaimParams) (*api.AllocateResult, error) {
	r, err := s.runners.FindUserRunner(ctx, claim.UserID, img.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find existing runner: %w", err)
	}

	s.emit(r, events.TypeRequestProcessing, "processing allocation request", nil)
	s.emit(r, events.TypeResourceDiscovery, "existing runner found", map[string]any{"mode": "existing"})
	s.emit(r, events.TypeResourceAllocation, "reusing existing runner", map[string]any{"mode": "claim_existing"})

	if err := s.runners.UpdateSessionEnd(ctx, r.ID, claim.SessionEnd); err != nil {
		return nil, fmt.Errorf("refresh session window: %w", err)
	}
	r.SessionEnd = &claim.SessionEnd

	// The user may be coming from a new address; ingress follows them.
	if claim.UserIP != "" && claim.UserIP != r.UserIP {
		if err := s.authorizeIP(ctx, img, r.ID, claim.UserIP); err != nil {
			return nil, err
		}
		if err := s.runners.SetUserIP(ctx, r.ID, claim.UserIP); err != nil {
			return nil, fmt.Errorf("update user ip: %w", err)
		}
		r.UserIP = claim.UserIP
	}

	final, err := s.finishClaim(ctx, img, r)
	if err != nil {
		return nil, err
	}
	return &api.AllocateResult{Runner: final, LifecycleToken: final.LifecycleToken, Reused: true}, nil
}

// claimPool atomically takes a ready runner from the image's warm pool.
// Exactly one concurrent claimant wins a given runner; losers fall through
// to a cold launch. A nil, nil return means the pool is empty.
func (s *Service) claimPool(ctx context.Context, img *domain.Image, claim api.ClaimParams) (*api.AllocateResult, error) {
	r, err := s.runners.ClaimReady(ctx, img.ID, claim)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pool runner: %w", err)
	}

	s.emit(r, events.TypeRequestProcessing, "processing allocation request", nil)
	s.emit(r, events.TypeResourceDiscovery, "pool runner available", map[string]any{"mode": "pool"})
	s.emit(r, events.TypeResourceAllocation, "claimed pool runner", map[string]any{"mode": "claim_pool"})

	if claim.UserIP != "" {
		if err := s.authorizeIP(ctx, img, r.ID, claim.UserIP); err != nil {
			return nil, err
		}
	}

	if img.PoolSize > 0 {
		go s.replenish(context.WithoutCancel(ctx), img.ID)
	}

	final, err := s.finishClaim(ctx, img, r)
	if err != nil {
		return nil, err
	}
	return &api.AllocateResult{Runner: final, LifecycleToken: final.LifecycleToken}, nil
}

// coldLaunch starts a new claimed instance. Async callers get the lifecycle
// token back immediately; synchronous callers wait (bounded) for the
// readiness pipeline to finish, then run the claim script.
func (s *Service) coldLaunch(ctx context.Context, img *domain.Image, claim api.ClaimParams, async bool) (*api.AllocateResult, error) {
	r, err := s.launcher.Launch(ctx, img, &claim, "allocator")
	if err != nil {
		return nil, err
	}
	s.emit(r, events.TypeResourceDiscovery, "no existing or pooled runner", map[string]any{"mode": "none"})

	// Provisioning is detached from the request: a caller timing out or
	// disconnecting must not strand a booting instance.
	provisionCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.launcher.Provision(provisionCtx, r); err != nil {
			slog.Error("cold launch provisioning failed", "runner_id", r.ID, "error", err)
		}
	}()

	if async {
		return &api.AllocateResult{LifecycleToken: r.LifecycleToken}, nil
	}

	ready, err := s.waitReadyClaimed(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	final, err := s.finishClaim(ctx, img, ready)
	if err != nil {
		return nil, err
	}
	return &api.AllocateResult{Runner: final, LifecycleToken: final.LifecycleToken}, nil
}

// waitReadyClaimed polls until the runner leaves provisioning, up to the
// cold-wait bound.
func (s *Service) waitReadyClaimed(ctx context.Context, runnerID uuid.UUID) (*domain.Runner, error) {
	deadline := s.now().Add(s.coldWait)
	for {
		r, err := s.runners.GetRunner(ctx, runnerID)
		if err != nil {
			return nil, err
		}
		switch r.State {
		case domain.StateReadyClaimed, domain.StateAwaitingClient, domain.StateActive:
			return r, nil
		case domain.StateError:
			return nil, fmt.Errorf("provisioning runner %s failed", runnerID)
		}
		if r.State.Terminal() {
			return nil, fmt.Errorf("runner %s ended in state %s before becoming ready", runnerID, r.State)
		}
		if s.now().After(deadline) {
			return nil, fmt.Errorf("runner %s not ready within %s; provisioning continues in the background", runnerID, s.coldWait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// finishClaim takes a claimed runner to awaiting_client: run the
// on_awaiting_client script, move the state, and announce the URL. A runner
// already past ready_claimed (reuse, or an external report raced us) skips
// the script.
func (s *Service) finishClaim(ctx context.Context, img *domain.Image, r *domain.Runner) (*domain.Runner, error) {
	cur, err := s.runners.GetRunner(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	if cur.State == domain.StateReadyClaimed {
		if err := s.claimScript(ctx, img, cur); err != nil {
			s.emit(cur, events.TypeError, "claim script failed", map[string]any{"error": err.Error()})
			if terr := s.terminator.Terminate(ctx, cur.ID, "claim_script_failure"); terr != nil {
				slog.Error("terminating runner after claim script failure failed",
					"runner_id", cur.ID, "error", terr)
			}
			return nil, fmt.Errorf("claim script: %w", err)
		}
		err := s.runners.TransitionState(ctx, cur.ID, domain.StateReadyClaimed, domain.StateAwaitingClient)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		if err == nil {
			cur.State = domain.StateAwaitingClient
			s.history(ctx, cur.ID, "claimed", map[string]string{"user_id": orEmpty(cur.UserID)})
		}
	}

	s.emit(cur, events.TypeConnectionStatus, "runner accepting connections", map[string]any{"url": cur.URL()})
	return cur, nil
}

// claimScript runs the image's on_awaiting_client hook. Unlike on_terminate
// this one is load-bearing: a failure fails the allocation.
func (s *Service) claimScript(ctx context.Context, img *domain.Image, r *domain.Runner) error {
	if r.IP == "" {
		return nil
	}
	drv, conn, err := s.resolver.ForConnector(ctx, img.CloudConnectorID)
	if err != nil {
		return err
	}
	_, pem, err := s.keys.DailyKey(ctx, drv, conn)
	if err != nil {
		return fmt.Errorf("daily key: %w", err)
	}
	_, err = s.scripts.RunEvent(ctx, drv, pem, r, img.ID, domain.ScriptOnAwaitingClient, nil)
	return err
}

// authorizeIP opens the runner's security group for the user's address.
func (s *Service) authorizeIP(ctx context.Context, img *domain.Image, runnerID uuid.UUID, userIP string) error {
	drv, _, err := s.resolver.ForConnector(ctx, img.CloudConnectorID)
	if err != nil {
		return err
	}
	if err := s.groups.AuthorizeUser(ctx, drv, runnerID, userIP); err != nil {
		return fmt.Errorf("authorize user ip: %w", err)
	}
	return nil
}

// replenish launches one unclaimed pool runner to replace a claimed one.
func (s *Service) replenish(ctx context.Context, imageID uuid.UUID) {
	img, err := s.images.GetImage(ctx, imageID)
	if err != nil {
		slog.Error("loading image for pool replenishment failed", "image_id", imageID, "error", err)
		return
	}
	if img.Status != domain.ImageStatusActive {
		return
	}
	r, err := s.launcher.Launch(ctx, img, nil, "pool_replenishment")
	if err != nil {
		slog.Error("pool replenishment launch failed", "image_id", imageID, "error", err)
		return
	}
	if err := s.launcher.Provision(ctx, r); err != nil {
		slog.Error("pool replenishment provisioning failed",
			"image_id", imageID, "runner_id", r.ID, "error", err)
	}
}

// ExtendSession pushes the runner's session deadline forward. The total
// window stays within the session cap measured from session_start.
func (s *Service) ExtendSession(ctx context.Context, runnerID uuid.UUID, minutes int) (*domain.Runner, error) {
	r, err := s.runners.GetRunner(ctx, runnerID)
	if err != nil {
		return nil, err
	}
	if !r.State.Alive() {
		return nil, fmt.Errorf("%w: runner is %s", domain.ErrInvalidRequest, r.State)
	}
	if r.SessionStart == nil || r.SessionEnd == nil {
		return nil, fmt.Errorf("%w: runner has no session window", domain.ErrInvalidRequest)
	}

	newEnd := r.SessionEnd.Add(time.Duration(minutes) * time.Minute)
	if newEnd.Sub(*r.SessionStart) > domain.MaxSessionMinutes*time.Minute {
		return nil, fmt.Errorf("%w: total session would exceed %d minutes",
			domain.ErrInvalidRequest, domain.MaxSessionMinutes)
	}
	if err := s.runners.UpdateSessionEnd(ctx, r.ID, newEnd); err != nil {
		return nil, fmt.Errorf("extend session: %w", err)
	}
	r.SessionEnd = &newEnd
	s.history(ctx, r.ID, "session_extended", map[string]string{
		"minutes":     fmt.Sprintf("%d", minutes),
		"session_end": newEnd.UTC().Format(time.RFC3339),
	})
	return r, nil
}

// AttachTerminal exchanges a terminal token for its runner and marks the
// session active. Attaching to an already active runner is a no-op.
func (s *Service) AttachTerminal(ctx context.Context, terminalToken string) (*domain.Runner, error) {
	r, err := s.runners.GetByTerminalToken(ctx, terminalToken)
	if err != nil {
		return nil, err
	}

	switch r.State {
	case domain.StateActive:
		return r, nil
	case domain.StateReady, domain.StateReadyClaimed, domain.StateAwaitingClient:
		err := s.runners.TransitionState(ctx, r.ID, r.State, domain.StateActive)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		if err == nil {
			r.State = domain.StateActive
			s.history(ctx, r.ID, "terminal_attached", nil)
			s.emit(r, events.TypeSessionStatus, "terminal attached", nil)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: runner is %s", domain.ErrInvalidRequest, r.State)
	}
}

func (s *Service) emit(r *domain.Runner, t events.Type, message string, data map[string]any) {
	if s.bus != nil {
		s.bus.Emit(r.LifecycleToken, events.NewEvent(t, message, data))
	}
}

func (s *Service) history(ctx context.Context, runnerID uuid.UUID, event string, data map[string]string) {
	if err := s.runners.AppendHistory(ctx, runnerID, event, data, "allocator"); err != nil {
		slog.Warn("appending history failed", "runner_id", runnerID, "event", event, "error", err)
	}
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ api.Allocator = (*Service)(nil)
