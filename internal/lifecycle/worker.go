// Package lifecycle provides the background-task shape shared by every
// component with a periodic cleanup loop (registry eviction, snapshot
// expiry): a cancellable ticker goroutine that
// Shutdown joins deterministically, built on top of internal/async's
// panic-guarded goroutine launcher.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"orchestrator/internal/async"
)

// Worker runs fn on every tick until Shutdown is called or ctx is cancelled.
type Worker struct {
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// StartWorker launches a background ticker that calls fn(ctx) every interval,
// guarded against panics, until Shutdown is called.
func StartWorker(parent context.Context, logger async.PanicLogger, name string, interval time.Duration, fn func(ctx context.Context)) *Worker {
	ctx, cancel := context.WithCancel(parent)
	w := &Worker{cancel: cancel}
	w.done.Add(1)
	async.Go(logger, name, func() {
		defer w.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
	return w
}

// Shutdown cancels the worker's context and blocks until its goroutine exits.
func (w *Worker) Shutdown() {
	w.cancel()
	w.done.Wait()
}
