package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/cloud"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/burrow-dev/burrow/platform/internal/events"
	"github.com/google/uuid"
)

// GroupProvisioner creates and opens per-runner security groups.
// Implemented by the secgroups manager.
type GroupProvisioner interface {
	EnsureForRunner(ctx context.Context, drv cloud.Driver, conn *domain.CloudConnector, runnerID uuid.UUID) (*domain.SecurityGroup, error)
	AuthorizeUser(ctx context.Context, drv cloud.Driver, runnerID uuid.UUID, userIP string) error
}

// Launcher creates runner records and their cloud instances, then hands off
// to the readiness pipeline. Used by the allocator (cold launches) and the
// pool controller (warm fills).
type Launcher struct {
	runners   api.RunnerStore
	images    api.ImageStore
	keys      KeyProvider
	resolver  DriverResolver
	groups    GroupProvisioner
	readiness *Readiness
	bus       *events.Bus
}

// NewLauncher creates a Launcher.
func NewLauncher(runners api.RunnerStore, images api.ImageStore, keys KeyProvider, resolver DriverResolver, groups GroupProvisioner, readiness *Readiness, bus *events.Bus) *Launcher {
	return &Launcher{
		runners:   runners,
		images:    images,
		keys:      keys,
		resolver:  resolver,
		groups:    groups,
		readiness: readiness,
		bus:       bus,
	}
}

// Launch creates the runner record and its cloud instance. A non-nil claim
// pre-binds the runner to a user (state runner_starting_claimed); nil
// launches an unclaimed pool runner (state runner_starting).
//
// On success the instance exists but is not yet provisioned; the caller
// runs Provision to take it to ready.
func (l *Launcher) Launch(ctx context.Context, image *domain.Image, claim *api.ClaimParams, initiatedBy string) (*domain.Runner, error) {
	if image.Status != domain.ImageStatusActive {
		return nil, fmt.Errorf("%w: image %s is %s", domain.ErrInvalidRequest, image.ID, image.Status)
	}
	machine, err := l.images.GetMachine(ctx, image.MachineID)
	if err != nil {
		return nil, fmt.Errorf("load machine %s: %w", image.MachineID, err)
	}

	r := &domain.Runner{
		ID:             uuid.New(),
		ImageID:        image.ID,
		MachineID:      image.MachineID,
		State:          domain.StateRunnerStarting,
		LifecycleToken: uuid.NewString(),
		TerminalToken:  uuid.NewString(),
	}
	r.ExternalHash = externalHash(r.ID)
	if claim != nil {
		userID := claim.UserID
		r.State = domain.StateRunnerStartingClaimed
		r.UserID = &userID
		r.UserIP = claim.UserIP
		r.SessionStart = &claim.SessionStart
		r.SessionEnd = &claim.SessionEnd
		r.EnvData = claim.EnvData
	}

	if err := l.runners.CreateRunner(ctx, r, initiatedBy); err != nil {
		return nil, fmt.Errorf("create runner record: %w", err)
	}
	l.emit(r, events.TypeResourceAllocation, "launching new instance", map[string]any{"mode": "launch_new"})

	drv, conn, err := l.resolver.ForConnector(ctx, image.CloudConnectorID)
	if err != nil {
		return nil, l.fail(ctx, r, err)
	}
	key, _, err := l.keys.DailyKey(ctx, drv, conn)
	if err != nil {
		return nil, l.fail(ctx, r, fmt.Errorf("daily key: %w", err))
	}
	sg, err := l.groups.EnsureForRunner(ctx, drv, conn, r.ID)
	if err != nil {
		return nil, l.fail(ctx, r, err)
	}
	if claim != nil && claim.UserIP != "" {
		if err := l.groups.AuthorizeUser(ctx, drv, r.ID, claim.UserIP); err != nil {
			return nil, l.fail(ctx, r, err)
		}
	}

	l.emit(r, events.TypeInstanceBooting, "requesting instance", nil)
	instanceID, err := drv.CreateInstance(ctx, cloud.LaunchSpec{
		ImageRef:         image.Identifier,
		InstanceType:     machine.InstanceType,
		KeyName:          key.KeyName,
		SecurityGroupIDs: []string{sg.CloudGroupID},
		Tags: map[string]string{
			"Name":      "burrow-" + r.ExternalHash,
			"burrow:id": r.ID.String(),
		},
	})
	if err != nil {
		return nil, l.fail(ctx, r, fmt.Errorf("create instance: %w", err))
	}
	if err := l.runners.SetInstance(ctx, r.ID, instanceID, key.ID); err != nil {
		return nil, l.fail(ctx, r, fmt.Errorf("store instance id: %w", err))
	}
	r.InstanceID = instanceID
	r.KeyID = &key.ID

	if err := l.runners.AppendHistory(ctx, r.ID, "instance_requested", map[string]string{
		"instance_id": instanceID,
	}, initiatedBy); err != nil {
		slog.Warn("appending history failed", "runner_id", r.ID, "error", err)
	}
	return r, nil
}

// Provision runs the readiness pipeline for a launched runner.
func (l *Launcher) Provision(ctx context.Context, r *domain.Runner) error {
	img, err := l.images.GetImage(ctx, r.ImageID)
	if err != nil {
		return fmt.Errorf("load image %s: %w", r.ImageID, err)
	}
	drv, conn, err := l.resolver.ForConnector(ctx, img.CloudConnectorID)
	if err != nil {
		return err
	}
	return l.readiness.Run(ctx, drv, conn, r.ID)
}

// fail marks a launch that died before the readiness pipeline took over.
func (l *Launcher) fail(ctx context.Context, r *domain.Runner, cause error) error {
	slog.Error("launch failed", "runner_id", r.ID, "error", cause)
	if err := l.runners.SetState(ctx, r.ID, domain.StateError); err != nil {
		slog.Error("marking runner errored failed", "runner_id", r.ID, "error", err)
	}
	if err := l.runners.AppendHistory(ctx, r.ID, "launch_failed", map[string]string{
		"error": cause.Error(),
	}, "launcher"); err != nil {
		slog.Warn("appending history failed", "runner_id", r.ID, "error", err)
	}
	l.emit(r, events.TypeError, "launch failed", nil)
	return cause
}

func (l *Launcher) emit(r *domain.Runner, t events.Type, message string, data map[string]any) {
	if l.bus != nil {
		l.bus.Emit(r.LifecycleToken, events.NewEvent(t, message, data))
	}
}

// externalHash is a short stable identifier for provider-side naming.
func externalHash(id uuid.UUID) string {
	sum := sha256.Sum256(id[:])
	return hex.EncodeToString(sum[:6])
}
