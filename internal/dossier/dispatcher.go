package dossier

import (
	"context"

	"github.com/sourcegraph/conc/pool"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/model"
)

// runner executes one submission.
type runner interface {
	Run(ctx context.Context, sub model.Submission) (Report, error)
}

// Dispatcher runs submissions on a bounded pool of goroutines.
type Dispatcher struct {
	pool   *pool.Pool
	runner runner
}

// NewDispatcher creates a new Dispatcher running at most concurrency jobs at once.
func NewDispatcher(r runner, concurrency int) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}

	return &Dispatcher{
		pool:   pool.New().WithMaxGoroutines(concurrency),
		runner: r,
	}
}

// Dispatch schedules the submission. It blocks while the pool is full.
func (d *Dispatcher) Dispatch(ctx context.Context, sub model.Submission) {
	d.pool.Go(func() {
		if _, err := d.runner.Run(ctx, sub); err != nil {
			zlog.Logger.Err(err).
				Int64("job_id", sub.JobID).
				Str("random_key", sub.RandomKey).
				Msg("dossier job failed")
		}
	})
}

// Wait blocks until every dispatched job has returned.
func (d *Dispatcher) Wait() {
	d.pool.Wait()
}
