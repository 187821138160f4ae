// Package dispatch runs snatch engines and action executors on a bounded
// pool of goroutines. The HTTP surface only creates task rows and
// enqueues; all provider-facing work happens here.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/snatchd/snatchd/pkg/action"
	"github.com/snatchd/snatchd/pkg/log"
	"github.com/snatchd/snatchd/pkg/snatch"
)

// Dispatcher owns the executor pool. Enqueue methods return immediately;
// the work runs once a pool slot frees up. Task ownership and cancellation
// are carried by the registry's run-id mechanism, not by this pool, so a
// queued snatch that was paused before its slot opened exits on its first
// ownership check.
type Dispatcher struct {
	engine  *snatch.Engine
	actions *action.Executor

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Dispatcher with the given worker concurrency.
func New(engine *snatch.Engine, actions *action.Executor, concurrency int) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		engine:  engine,
		actions: actions,
		sem:     make(chan struct{}, concurrency),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// EnqueueSnatch schedules one snatch engine run.
func (d *Dispatcher) EnqueueSnatch(p snatch.Params) {
	d.spawn(func(ctx context.Context) {
		d.engine.Run(ctx, p)
	})
}

// EnqueueAction schedules one instance action.
func (d *Dispatcher) EnqueueAction(r action.Request) {
	d.spawn(func(ctx context.Context) {
		d.actions.Execute(ctx, r)
	})
}

func (d *Dispatcher) spawn(run func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-d.ctx.Done():
			return
		}
		run(d.ctx)
	}()
}

// Shutdown cancels all running work and waits up to timeout for the pool
// to drain. In-flight snatch rows stay running in the registry and are
// picked up by the recovery loop on next start.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger := log.WithComponent("dispatch")
		logger.Warn().Msg("executor pool did not drain before shutdown timeout")
	}
}
