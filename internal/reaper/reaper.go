// Package reaper enforces session deadlines. It runs as a background
// goroutine inside burrowd, periodically terminating every runner whose
// session window has expired.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/google/uuid"
)

// DefaultInterval is the sweep cadence.
const DefaultInterval = 10 * time.Minute

// Terminator destroys expired runners. Implemented by the lifecycle
// terminator; Run executes the pipeline synchronously, which is what a
// background sweep wants.
type Terminator interface {
	Run(ctx context.Context, runnerID uuid.UUID, initiatedBy string) error
}

// Reaper sweeps for runners whose session_end has passed and feeds them to
// the termination pipeline.
type Reaper struct {
	runners    api.RunnerStore
	terminator Terminator
	interval   time.Duration
	now        func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reaper with the given sweep interval.
func New(runners api.RunnerStore, terminator Terminator, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		runners:    runners,
		terminator: terminator,
		interval:   interval,
		now:        time.Now,
	}
}

// Start begins the background sweep goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// Sweep terminates every expired runner once. Exported so a manual sweep can
// be wired to an admin endpoint. Returns how many runners were enqueued.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()
	expired, err := r.runners.ListExpired(ctx, now)
	if err != nil {
		slog.Error("reaper: listing expired runners failed", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	// One job identity per sweep so a runner's history names the exact pass
	// that reclaimed it.
	initiatedBy := fmt.Sprintf("cleanup_job_%d", now.Unix())

	count := 0
	for _, runner := range expired {
		minutesExpired := 0
		if runner.SessionEnd != nil {
			minutesExpired = int(now.Sub(*runner.SessionEnd).Minutes())
		}
		if err := r.runners.AppendHistory(ctx, runner.ID, "runner_expired", map[string]any{
			"minutes_expired": minutesExpired,
			"state":           runner.State,
		}, initiatedBy); err != nil {
			slog.Warn("reaper: appending expiry history failed", "runner_id", runner.ID, "error", err)
		}

		if err := r.terminator.Run(ctx, runner.ID, initiatedBy); err != nil {
			slog.Error("reaper: terminating expired runner failed", "runner_id", runner.ID, "error", err)
			continue
		}
		count++
		slog.Info("reaper: reclaimed expired runner",
			"runner_id", runner.ID,
			"minutes_expired", minutesExpired,
			"initiated_by", initiatedBy)
	}
	return count
}
