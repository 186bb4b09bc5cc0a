// Package lifecycle implements the provisioning and teardown pipelines that
// move a runner between its creation and the destruction of its cloud
// instance. The readiness pipeline takes a freshly launched instance to
// ready; the termination pipeline takes any live runner to terminated.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/cloud"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/burrow-dev/burrow/platform/internal/events"
	"github.com/google/uuid"
)

// KeyProvider hands out the daily SSH keypair for a connector.
// Implemented by the keys manager.
type KeyProvider interface {
	DailyKey(ctx context.Context, drv cloud.Driver, conn *domain.CloudConnector) (*domain.Key, string, error)
}

// Readiness timing defaults. The IP poll covers the provider's
// eventual-consistency window; the probe window covers in-image boot.
const (
	defaultIPRetries     = 5
	defaultIPDelay       = 2 * time.Second
	defaultProbeWindow   = 60 * time.Second
	defaultProbeInterval = time.Second
)

// livenessProbe is the in-VM command that gates readiness on both SSH
// availability and the application answering on its port.
const livenessProbe = "curl --max-time 5 localhost:3000"

// defaultAgentScript installs the metrics push agent on every runner. It is
// rendered with the same variables as user scripts and always runs during
// bootstrap.
const defaultAgentScript = `#!/bin/bash
set -e
cat > /opt/burrow-agent.sh <<'AGENT'
#!/bin/bash
while true; do
  echo "burrow_runner_up 1" | curl -s --data-binary @- {{pushgateway_url}}/metrics/job/{{runner_ip}} || true
  sleep 15
done
AGENT
chmod +x /opt/burrow-agent.sh
nohup /opt/burrow-agent.sh >/var/log/burrow-agent.log 2>&1 &
`

// Readiness drives a launched instance to the ready state: wait for the
// provider to report it running, obtain its public IP, probe the in-image
// application, run bootstrap scripts, and finalize the state.
//
// Every stage appends a history record and emits a typed event under the
// runner's lifecycle token. Failure at any stage moves the runner to error
// and enqueues termination.
type Readiness struct {
	runners    api.RunnerStore
	scripts    *ScriptRunner
	keys       KeyProvider
	bus        *events.Bus
	terminator api.Terminator

	pushgatewayURL string

	ipRetries     int
	ipDelay       time.Duration
	probeWindow   time.Duration
	probeInterval time.Duration
	agentScript   string
}

// NewReadiness creates a readiness pipeline with default timing.
func NewReadiness(runners api.RunnerStore, scripts *ScriptRunner, keys KeyProvider, bus *events.Bus, terminator api.Terminator, pushgatewayURL string) *Readiness {
	return &Readiness{
		runners:        runners,
		scripts:        scripts,
		keys:           keys,
		bus:            bus,
		terminator:     terminator,
		pushgatewayURL: pushgatewayURL,
		ipRetries:      defaultIPRetries,
		ipDelay:        defaultIPDelay,
		probeWindow:    defaultProbeWindow,
		probeInterval:  defaultProbeInterval,
		agentScript:    defaultAgentScript,
	}
}

// Run executes the pipeline for a launched runner. It returns once the
// runner is ready (or ready_claimed), or after routing a failure to the
// termination pipeline.
func (p *Readiness) Run(ctx context.Context, drv cloud.Driver, conn *domain.CloudConnector, runnerID uuid.UUID) error {
	r, err := p.runners.GetRunner(ctx, runnerID)
	if err != nil {
		return fmt.Errorf("load runner %s: %w", runnerID, err)
	}

	if err := p.waitRunning(ctx, drv, r); err != nil {
		return p.fail(ctx, r, "wait_running", err)
	}
	if err := p.assignIP(ctx, drv, r); err != nil {
		return p.fail(ctx, r, "assign_ip", err)
	}
	pem, err := p.probeLiveness(ctx, drv, conn, r)
	if err != nil {
		return p.fail(ctx, r, "liveness_probe", err)
	}
	if err := p.bootstrap(ctx, drv, pem, r); err != nil {
		return p.fail(ctx, r, "bootstrap_scripts", err)
	}
	if err := p.finalize(ctx, r); err != nil {
		return p.fail(ctx, r, "finalize", err)
	}
	return nil
}

func (p *Readiness) waitRunning(ctx context.Context, drv cloud.Driver, r *domain.Runner) error {
	p.emit(r, events.TypeInstanceStarting, "waiting for instance to run", nil)
	if err := drv.WaitRunning(ctx, r.InstanceID); err != nil {
		return fmt.Errorf("wait running: %w", err)
	}
	p.emit(r, events.TypeInstanceRunning, "instance is running", nil)
	p.history(ctx, r.ID, "instance_running", map[string]string{"instance_id": r.InstanceID})
	return nil
}

func (p *Readiness) assignIP(ctx context.Context, drv cloud.Driver, r *domain.Runner) error {
	p.emit(r, events.TypeInstanceIPAssigning, "waiting for public IP", nil)

	var ip string
	for attempt := 0; attempt < p.ipRetries; attempt++ {
		got, err := drv.DescribeIP(ctx, r.InstanceID)
		if err != nil && !cloud.IsTransient(err) {
			return fmt.Errorf("describe ip: %w", err)
		}
		if got != "" {
			ip = got
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.ipDelay):
		}
	}
	if ip == "" {
		return fmt.Errorf("no public IP after %d polls", p.ipRetries)
	}

	if err := p.runners.SetIP(ctx, r.ID, ip); err != nil {
		return fmt.Errorf("store ip: %w", err)
	}
	r.IP = ip
	p.emit(r, events.TypeInstanceIPAssigned, "public IP assigned", map[string]any{"ip": ip})
	p.history(ctx, r.ID, "ip_assigned", map[string]string{"ip": ip})
	return nil
}

// probeLiveness returns the private key PEM on success so bootstrap can
// reuse it without a second key lookup.
func (p *Readiness) probeLiveness(ctx context.Context, drv cloud.Driver, conn *domain.CloudConnector, r *domain.Runner) (string, error) {
	p.emit(r, events.TypeInstanceSSHWaiting, "waiting for application", nil)

	_, pem, err := p.keys.DailyKey(ctx, drv, conn)
	if err != nil {
		return "", fmt.Errorf("daily key: %w", err)
	}

	deadline := time.Now().Add(p.probeWindow)
	var lastErr error
	for time.Now().Before(deadline) {
		res, err := drv.RunScript(ctx, r.IP, pem, livenessProbe)
		if err == nil && res.ExitCode == 0 && strings.Contains(res.Stdout, "OK") {
			p.emit(r, events.TypeInstanceSSHAvail, "application is reachable", nil)
			p.history(ctx, r.ID, "ssh_alive", nil)
			return pem, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("probe exited %d", res.ExitCode)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.probeInterval):
		}
	}
	return "", fmt.Errorf("application not reachable within %s: %w", p.probeWindow, lastErr)
}

func (p *Readiness) bootstrap(ctx context.Context, drv cloud.Driver, pem string, r *domain.Runner) error {
	p.emit(r, events.TypeStartupStarted, "running bootstrap scripts", nil)

	extra := map[string]string{"pushgateway_url": p.pushgatewayURL}
	ran, err := p.scripts.RunEvent(ctx, drv, pem, r, r.ImageID, domain.ScriptOnStartup, extra)
	if err != nil {
		p.emit(r, events.TypeStartupFailed, "startup script failed", map[string]any{"error": err.Error()})
		return err
	}
	if ran {
		p.emit(r, events.TypeInstanceScript, "startup script complete", nil)
	}

	agent := RenderScript(p.agentScript, scriptVars(r, extra))
	res, err := drv.RunScript(ctx, r.IP, pem, agent)
	if err != nil {
		return fmt.Errorf("install metrics agent: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("metrics agent install exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	p.emit(r, events.TypeStartupComplete, "bootstrap complete", nil)
	p.history(ctx, r.ID, "bootstrap_complete", nil)
	return nil
}

// finalize moves the runner into its resting state: ready_claimed when the
// launch was user-bound, ready otherwise. The transition is conditional on
// the state observed right before the write; a lost race is re-read once.
func (p *Readiness) finalize(ctx context.Context, r *domain.Runner) error {
	for attempt := 0; attempt < 3; attempt++ {
		current, err := p.runners.GetRunner(ctx, r.ID)
		if err != nil {
			return err
		}
		target := domain.StateReady
		if current.State == domain.StateRunnerStartingClaimed || current.UserID != nil {
			target = domain.StateReadyClaimed
		}
		if current.State == target {
			return nil
		}
		if !domain.CanTransition(current.State, target) {
			return fmt.Errorf("cannot finalize runner in state %s", current.State)
		}
		err = p.runners.TransitionState(ctx, r.ID, current.State, target)
		if err == nil {
			r.State = target
			p.emit(r, events.TypeRunnerReady, "runner is "+string(target), map[string]any{"state": string(target)})
			p.history(ctx, r.ID, "provisioning_complete", map[string]string{"state": string(target)})
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("finalize runner %s: %w", r.ID, domain.ErrConflict)
}

// fail routes a stage failure: error state, history, ERROR event, and the
// termination pipeline to reclaim the instance.
func (p *Readiness) fail(ctx context.Context, r *domain.Runner, stage string, cause error) error {
	slog.Error("readiness stage failed",
		"runner_id", r.ID,
		"stage", stage,
		"error", cause)

	if err := p.runners.SetState(ctx, r.ID, domain.StateError); err != nil {
		slog.Error("marking runner errored failed", "runner_id", r.ID, "error", err)
	}
	p.history(ctx, r.ID, "provisioning_failed", map[string]string{
		"stage": stage,
		"error": cause.Error(),
	})
	p.emit(r, events.TypeError, "provisioning failed during "+stage, map[string]any{"stage": stage})

	if p.terminator != nil {
		if err := p.terminator.Terminate(ctx, r.ID, "readiness_failure"); err != nil {
			slog.Error("enqueueing termination after readiness failure failed",
				"runner_id", r.ID, "error", err)
		}
	}
	return fmt.Errorf("readiness %s: %w", stage, cause)
}

func (p *Readiness) emit(r *domain.Runner, t events.Type, message string, data map[string]any) {
	if p.bus != nil {
		p.bus.Emit(r.LifecycleToken, events.NewEvent(t, message, data))
	}
}

// history appends a non-blocking observation record.
func (p *Readiness) history(ctx context.Context, runnerID uuid.UUID, event string, data map[string]string) {
	if err := p.runners.AppendHistory(ctx, runnerID, event, data, "readiness_pipeline"); err != nil {
		slog.Warn("appending history failed", "runner_id", runnerID, "event", event, "error", err)
	}
}
