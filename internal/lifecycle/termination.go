package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/cloud"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/burrow-dev/burrow/platform/internal/events"
	"github.com/google/uuid"
)

// DriverResolver resolves the cloud driver for a connector id.
// Implemented by the drivers package.
type DriverResolver interface {
	ForConnector(ctx context.Context, connectorID uuid.UUID) (cloud.Driver, *domain.CloudConnector, error)
}

// GroupCollector sweeps security groups whose runners are all gone.
// Implemented by the secgroups manager.
type GroupCollector interface {
	Collect(ctx context.Context) (int, error)
}

// Termination timing. The provider needs up to ~100s to destroy an
// instance; one stuck in "stopping" is retried on a long backoff because
// stopping can take many minutes on some instance types.
const (
	defaultTerminateWait   = 100 * time.Second
	defaultStoppingBackoff = 2 * time.Minute
	defaultStoppingRetries = 5
)

// Terminator drives the teardown pipeline: cleanup script, stop, terminate,
// confirmation, metrics purge, and security group sweep.
//
// Terminate is idempotent and single-flight per runner: concurrent requests
// for one runner produce one pipeline run, and a runner already terminated
// is a no-op.
type Terminator struct {
	runners  api.RunnerStore
	images   api.ImageStore
	scripts  *ScriptRunner
	keys     KeyProvider
	resolver DriverResolver
	groups   GroupCollector
	metrics  *PushgatewayCleaner
	bus      *events.Bus

	mu       sync.Mutex
	inflight map[uuid.UUID]bool

	terminateWait   time.Duration
	stoppingBackoff time.Duration
	stoppingRetries int
}

// NewTerminator creates a termination pipeline with default timing.
func NewTerminator(runners api.RunnerStore, images api.ImageStore, scripts *ScriptRunner, keys KeyProvider, resolver DriverResolver, groups GroupCollector, metrics *PushgatewayCleaner, bus *events.Bus) *Terminator {
	return &Terminator{
		runners:         runners,
		images:          images,
		scripts:         scripts,
		keys:            keys,
		resolver:        resolver,
		groups:          groups,
		metrics:         metrics,
		bus:             bus,
		inflight:        make(map[uuid.UUID]bool),
		terminateWait:   defaultTerminateWait,
		stoppingBackoff: defaultStoppingBackoff,
		stoppingRetries: defaultStoppingRetries,
	}
}

// Terminate enqueues the teardown pipeline for a runner and returns
// immediately. The pipeline runs detached from the caller's context so a
// disconnecting client cannot strand a half-terminated instance.
func (t *Terminator) Terminate(ctx context.Context, runnerID uuid.UUID, initiatedBy string) error {
	if _, err := t.runners.GetRunner(ctx, runnerID); err != nil {
		return err
	}
	go func() {
		if err := t.Run(context.WithoutCancel(ctx), runnerID, initiatedBy); err != nil {
			slog.Error("termination pipeline failed", "runner_id", runnerID, "error", err)
		}
	}()
	return nil
}

// Run executes the pipeline synchronously, recording the runner as
// terminated when done. Used directly by background jobs that already run
// detached.
func (t *Terminator) Run(ctx context.Context, runnerID uuid.UUID, initiatedBy string) error {
	return t.run(ctx, runnerID, initiatedBy, domain.StateTerminated)
}

// ReapPool is Run with closed_pool as the final state: the idle-pool path,
// where a warm runner is reclaimed rather than torn down on a user's
// behalf. The cloud instance is destroyed either way.
func (t *Terminator) ReapPool(ctx context.Context, runnerID uuid.UUID, initiatedBy string) error {
	return t.run(ctx, runnerID, initiatedBy, domain.StateClosedPool)
}

func (t *Terminator) run(ctx context.Context, runnerID uuid.UUID, initiatedBy string, finalState domain.RunnerState) error {
	if !t.begin(runnerID) {
		return nil
	}
	defer t.end(runnerID)

	r, err := t.runners.GetRunner(ctx, runnerID)
	if err != nil {
		return fmt.Errorf("load runner %s: %w", runnerID, err)
	}
	if r.State == domain.StateTerminated || r.State == domain.StateClosedPool {
		return nil
	}

	drv, conn, err := t.driverFor(ctx, r)
	if err != nil {
		return err
	}

	t.terminateScript(ctx, drv, conn, r)

	t.transition(ctx, r, domain.StateTerminating)
	t.emit(r, events.TypeInstanceShuttingDown, "shutting down", nil)
	t.history(ctx, r.ID, "terminating", map[string]string{"initiated_by": initiatedBy})

	if r.InstanceID != "" {
		if err := drv.StopInstance(ctx, r.InstanceID); err != nil {
			slog.Warn("stopping instance failed, continuing to terminate",
				"runner_id", r.ID,
				"instance_id", r.InstanceID,
				"error", err)
		}
	}
	t.transition(ctx, r, domain.StateClosed)
	t.history(ctx, r.ID, "closed", nil)

	if r.InstanceID != "" {
		if err := t.destroyInstance(ctx, drv, r); err != nil {
			return err
		}
	}
	t.transition(ctx, r, finalState)
	t.history(ctx, r.ID, string(finalState), nil)

	if t.metrics != nil && r.IP != "" {
		if err := t.metrics.Purge(ctx, r.IP); err != nil {
			slog.Warn("purging pushgateway metrics failed", "runner_ip", r.IP, "error", err)
		}
	}
	if t.groups != nil {
		if _, err := t.groups.Collect(ctx); err != nil {
			slog.Warn("security group sweep failed", "error", err)
		}
	}

	if t.bus != nil {
		t.bus.Emit(r.LifecycleToken, events.NewEvent(events.TypeSessionStatus, "runner "+string(finalState), nil))
		t.bus.Close(r.LifecycleToken)
	}

	slog.Info("runner terminated",
		"runner_id", r.ID,
		"instance_id", r.InstanceID,
		"final_state", finalState,
		"initiated_by", initiatedBy)
	return nil
}

// begin claims the single-flight slot for a runner.
func (t *Terminator) begin(runnerID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight[runnerID] {
		return false
	}
	t.inflight[runnerID] = true
	return true
}

func (t *Terminator) end(runnerID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, runnerID)
}

func (t *Terminator) driverFor(ctx context.Context, r *domain.Runner) (cloud.Driver, *domain.CloudConnector, error) {
	img, err := t.images.GetImage(ctx, r.ImageID)
	if err != nil {
		return nil, nil, fmt.Errorf("load image %s: %w", r.ImageID, err)
	}
	return t.resolver.ForConnector(ctx, img.CloudConnectorID)
}

// terminateScript runs the image's on_terminate hook. Best effort: failures
// are logged and never block teardown.
func (t *Terminator) terminateScript(ctx context.Context, drv cloud.Driver, conn *domain.CloudConnector, r *domain.Runner) {
	if !domain.ShouldRunTerminateScript(r.State) || r.IP == "" {
		return
	}
	_, pem, err := t.keys.DailyKey(ctx, drv, conn)
	if err != nil {
		slog.Warn("loading key for terminate script failed", "runner_id", r.ID, "error", err)
		return
	}
	if _, err := t.scripts.RunEvent(ctx, drv, pem, r, r.ImageID, domain.ScriptOnTerminate, nil); err != nil {
		slog.Warn("terminate script failed", "runner_id", r.ID, "error", err)
		t.history(ctx, r.ID, "terminate_script_failed", map[string]string{"error": err.Error()})
	}
}

// destroyInstance terminates the instance and waits for confirmation,
// backing off when the provider reports it still stopping.
func (t *Terminator) destroyInstance(ctx context.Context, drv cloud.Driver, r *domain.Runner) error {
	if err := drv.TerminateInstance(ctx, r.InstanceID); err != nil {
		return fmt.Errorf("terminate instance %s: %w", r.InstanceID, err)
	}

	for attempt := 0; ; attempt++ {
		status, err := drv.WaitTerminated(ctx, r.InstanceID, t.terminateWait)
		if err != nil {
			return fmt.Errorf("wait for instance %s destruction: %w", r.InstanceID, err)
		}
		if status == cloud.TerminateDone {
			return nil
		}
		if attempt >= t.stoppingRetries {
			return fmt.Errorf("instance %s still stopping after %d waits", r.InstanceID, attempt+1)
		}
		slog.Info("instance still stopping, backing off",
			"instance_id", r.InstanceID,
			"attempt", attempt+1,
			"backoff", t.stoppingBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.stoppingBackoff):
		}
	}
}

// transition applies a state move when legal from the runner's current
// state, refreshing the in-memory copy. Illegal moves (an errored runner
// staying errored while its instance is reclaimed) are skipped.
func (t *Terminator) transition(ctx context.Context, r *domain.Runner, to domain.RunnerState) {
	current, err := t.runners.GetRunner(ctx, r.ID)
	if err != nil {
		slog.Warn("re-reading runner for transition failed", "runner_id", r.ID, "error", err)
		return
	}
	r.State = current.State
	if !domain.CanTransition(current.State, to) {
		return
	}
	if err := t.runners.TransitionState(ctx, r.ID, current.State, to); err != nil {
		slog.Warn("state transition failed",
			"runner_id", r.ID,
			"from", current.State,
			"to", to,
			"error", err)
		return
	}
	r.State = to
}

func (t *Terminator) emit(r *domain.Runner, typ events.Type, message string, data map[string]any) {
	if t.bus != nil {
		t.bus.Emit(r.LifecycleToken, events.NewEvent(typ, message, data))
	}
}

func (t *Terminator) history(ctx context.Context, runnerID uuid.UUID, event string, data map[string]string) {
	if err := t.runners.AppendHistory(ctx, runnerID, event, data, "termination_pipeline"); err != nil {
		slog.Warn("appending history failed", "runner_id", runnerID, "event", event, "error", err)
	}
}

var _ api.Terminator = (*Terminator)(nil)
