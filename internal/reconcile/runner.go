// SPDX-License-Identifier:Apache-2.0

package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Syncer is what the runner drives.
type Syncer interface {
	FullSync(ctx context.Context) error
	FRRSync(ctx context.Context) error
}

// Runner schedules the full and the routing reconciliations.
type Runner struct {
	syncer      Syncer
	full        time.Duration
	frr         time.Duration
	logger      *slog.Logger
	trigger     chan struct{}
	fullRunning atomic.Bool
	frrRunning  atomic.Bool
	wg          sync.WaitGroup
}

func NewRunner(syncer Syncer, full, frr time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		syncer:  syncer,
		full:    full,
		frr:     frr,
		logger:  logger.With("component", "runner"),
		trigger: make(chan struct{}, 1),
	}
}

// Trigger asks for a full reconciliation as soon as possible. Requests
// arriving while one is pending are merged.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run performs an initial full reconciliation and then runs both loops
// until ctx is done. In-flight runs complete before Run returns.
func (r *Runner) Run(ctx context.Context) {
	r.runFull(ctx)

	fullTicker := time.NewTicker(r.full)
	defer fullTicker.Stop()
	frrTicker := time.NewTicker(r.frr)
	defer frrTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-fullTicker.C:
			r.spawn(ctx, &r.fullRunning, "full", r.runFull)
		case <-r.trigger:
			r.spawn(ctx, &r.fullRunning, "full", r.runFull)
		case <-frrTicker.C:
			r.spawn(ctx, &r.frrRunning, "frr", r.runFRR)
		}
	}
}

// spawn starts the loop body unless the previous run of the same loop is
// still going, in which case the tick is dropped.
func (r *Runner) spawn(ctx context.Context, running *atomic.Bool, name string, run func(context.Context)) {
	if !running.CompareAndSwap(false, true) {
		r.logger.DebugContext(ctx, "previous run still in progress, skipping tick", "loop", name)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer running.Store(false)
		run(ctx)
	}()
}

func (r *Runner) runFull(ctx context.Context) {
	if err := r.syncer.FullSync(ctx); err != nil {
		r.logger.ErrorContext(ctx, "full reconciliation failed", "error", err)
	}
}

func (r *Runner) runFRR(ctx context.Context) {
	if err := r.syncer.FRRSync(ctx); err != nil {
		r.logger.ErrorContext(ctx, "routing reconciliation failed", "error", err)
	}
}
