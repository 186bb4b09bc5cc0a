// Package pool keeps each image's warm pool at its configured size.
// It runs as a background goroutine inside burrowd, reconciling on a cron
// cadence (default every 10 minutes) and reclaiming idle warm runners.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// DefaultSchedule is the reconcile cadence, offset from the expiry reaper so
// the two sweeps do not contend for the same runners.
const DefaultSchedule = "5-59/10 * * * *"

// maxConcurrentLaunches bounds how many instances a single reconcile tick
// requests at once.
const maxConcurrentLaunches = 4

// Launcher starts pool runners. Implemented by the lifecycle launcher.
type Launcher interface {
	Launch(ctx context.Context, image *domain.Image, claim *api.ClaimParams, initiatedBy string) (*domain.Runner, error)
	Provision(ctx context.Context, r *domain.Runner) error
}

// Terminator tears pool runners down. Implemented by the lifecycle
// terminator: Run destroys a surplus runner, ReapPool reclaims an idle one
// into closed_pool.
type Terminator interface {
	Run(ctx context.Context, runnerID uuid.UUID, initiatedBy string) error
	ReapPool(ctx context.Context, runnerID uuid.UUID, initiatedBy string) error
}

// Controller reconciles warm pools: launch up to pool_size ready runners per
// active image, terminate the surplus, and reclaim runners idle past the
// configured threshold.
type Controller struct {
	runners    api.RunnerStore
	images     api.ImageStore
	launcher   Launcher
	terminator Terminator

	schedule  cron.Schedule
	idleAfter time.Duration // zero disables idle reclamation
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Controller on the given cron schedule. idleAfter is how long
// a ready runner may sit unclaimed before being reclaimed; zero disables the
// idle sweep.
func New(runners api.RunnerStore, images api.ImageStore, launcher Launcher, terminator Terminator, schedule string, idleAfter time.Duration) (*Controller, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse pool schedule %q: %w", schedule, err)
	}
	return &Controller{
		runners:    runners,
		images:     images,
		launcher:   launcher,
		terminator: terminator,
		schedule:   sched,
		idleAfter:  idleAfter,
		now:        time.Now,
	}, nil
}

// Start begins the background reconcile goroutine.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		for {
			next := c.schedule.Next(c.now())
			timer := time.NewTimer(next.Sub(c.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				c.Tick(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

// Tick runs one reconcile pass over every pooled image. Exported so a manual
// sweep can be wired to an admin endpoint.
func (c *Controller) Tick(ctx context.Context) {
	images, err := c.images.ListPooledImages(ctx)
	if err != nil {
		slog.Error("pool: listing pooled images failed", "error", err)
		return
	}

	for _, img := range images {
		c.reconcile(ctx, &img)
		if c.idleAfter > 0 {
			c.reapIdle(ctx, &img)
		}
	}
}

// reconcile brings one image's ready count to its pool target. Inactive
// images and zeroed pools have a target of zero, so their remaining ready
// runners drain within one cycle instead of leaking.
func (c *Controller) reconcile(ctx context.Context, img *domain.Image) {
	target := img.PoolSize
	if img.Status != domain.ImageStatusActive || target < 0 {
		target = 0
	}

	ready, err := c.runners.CountByImageAndState(ctx, img.ID, domain.StateReady)
	if err != nil {
		slog.Error("pool: counting ready runners failed", "image_id", img.ID, "error", err)
		return
	}

	// Runners already being provisioned count toward the target, otherwise
	// every tick during a slow boot would launch another batch.
	starting, err := c.runners.CountByImageAndState(ctx, img.ID, domain.StateRunnerStarting, domain.StateAppStarting)
	if err != nil {
		slog.Error("pool: counting starting runners failed", "image_id", img.ID, "error", err)
		return
	}

	switch have := ready + starting; {
	case target > 0 && have < target:
		c.launchBatch(ctx, img, target-have)
	case ready > target:
		c.scaleDown(ctx, img, ready-target)
	}
}

// launchBatch starts n unclaimed runners, a few at a time. Failures are
// logged per launch; the next tick retries the remainder.
func (c *Controller) launchBatch(ctx context.Context, img *domain.Image, n int) {
	slog.Info("pool: filling", "image_id", img.ID, "deficit", n, "pool_size", img.PoolSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLaunches)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			r, err := c.launcher.Launch(gctx, img, nil, "pool_controller")
			if err != nil {
				slog.Error("pool: launch failed", "image_id", img.ID, "error", err)
				return nil
			}
			if err := c.launcher.Provision(gctx, r); err != nil {
				slog.Error("pool: provisioning failed", "image_id", img.ID, "runner_id", r.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// scaleDown terminates the n oldest ready runners.
func (c *Controller) scaleDown(ctx context.Context, img *domain.Image, n int) {
	slog.Info("pool: scaling down", "image_id", img.ID, "surplus", n, "pool_size", img.PoolSize)

	oldest, err := c.runners.OldestReady(ctx, img.ID, n)
	if err != nil {
		slog.Error("pool: selecting oldest ready runners failed", "image_id", img.ID, "error", err)
		return
	}
	for _, r := range oldest {
		if err := c.terminator.Run(ctx, r.ID, "pool_scale_down"); err != nil {
			slog.Error("pool: scale-down termination failed", "runner_id", r.ID, "error", err)
		}
	}
}

// reapIdle reclaims ready runners that sat unclaimed past the idle
// threshold. They end in closed_pool rather than terminated so reporting can
// tell reclaimed warm capacity from user sessions.
func (c *Controller) reapIdle(ctx context.Context, img *domain.Image) {
	cutoff := c.now().Add(-c.idleAfter)
	idle, err := c.runners.ListIdleReady(ctx, img.ID, cutoff)
	if err != nil {
		slog.Error("pool: listing idle runners failed", "image_id", img.ID, "error", err)
		return
	}
	for _, r := range idle {
		slog.Info("pool: reclaiming idle runner", "runner_id", r.ID, "image_id", img.ID)
		if err := c.terminator.ReapPool(ctx, r.ID, "idle_pool_reaper"); err != nil {
			slog.Error("pool: idle reclamation failed", "runner_id", r.ID, "error", err)
		}
	}
}
