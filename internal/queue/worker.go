package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one claimed job. A non-nil error counts against the
// job's retry budget.
type Handler func(ctx context.Context, job Job) error

// reclaimInterval is how often an idle worker also sweeps for stalled
// jobs and re-checks delayed ones.
const reclaimInterval = 15 * time.Second

// Worker is a pool of goroutines consuming one set of job types.
type Worker struct {
	queue       *Queue
	types       []string
	concurrency int
	handler     Handler
	logger      *slog.Logger
}

// Worker creates a pool that claims jobs of the given types and runs up
// to concurrency handlers at once. Run must be called to start it.
func (q *Queue) Worker(name string, types []string, concurrency int, h Handler) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		types:       types,
		concurrency: concurrency,
		handler:     h,
		logger:      q.logger.With("worker", name),
	}
}

// Run claims and processes jobs until ctx is cancelled, then waits for
// in-flight handlers to finish. Unfinished claims are returned to the
// queue by lease expiry.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		// Grab the wake-up channel before claiming, so an enqueue that
		// lands between claim and wait is not missed.
		wake := w.queue.signal.C()

		job, err := w.queue.claim(ctx, w.types)
		if err == nil {
			w.dispatch(ctx, job)
			continue
		}
		if err != ErrEmpty {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
			if _, err := w.queue.ReclaimStalled(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("reclaim failed", "error", err)
			}
		}
	}
}

// dispatch runs the handler with a fresh background-derived context for
// the completion bookkeeping, so a shutdown mid-job still records the
// outcome.
func (w *Worker) dispatch(ctx context.Context, job *Job) {
	err := w.handler(ctx, *job)

	// Bookkeeping must outlive ctx: a job that finished during shutdown
	// is done either way.
	bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		w.logger.Warn("job attempt failed",
			"type", job.Type, "id", job.ID, "attempt", job.Attempts+1, "error", err)
		if ferr := w.queue.fail(bctx, job, err); ferr != nil {
			w.logger.Error("record failure", "id", job.ID, "error", ferr)
		}
		return
	}
	if cerr := w.queue.complete(bctx, job.ID); cerr != nil {
		w.logger.Error("record completion", "id", job.ID, "error", cerr)
	}
}
