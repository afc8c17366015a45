package workflow

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ExecutionEngine runs one ready batch of steps for the local executor.
// Implementations decide the concurrency model; the executor guarantees
// the steps in a batch have no edges between each other.
type ExecutionEngine interface {
	Execute(ctx context.Context, batch []*Step, run func(ctx context.Context, s *Step) error) error
}

// PoolEngine runs batches on a bounded pool of goroutines.
//
// When a batch is larger than the pool, the engine logs a warning and
// runs the batch sequentially instead of oversubscribing.
type PoolEngine struct {
	workers int
	logger  *zap.Logger
}

// NewPoolEngine creates an engine with the given worker count. Counts
// below one are clamped to one.
func NewPoolEngine(workers int) *PoolEngine {
	if workers < 1 {
		workers = 1
	}
	return &PoolEngine{workers: workers, logger: zap.NewNop()}
}

// WithLogger sets the logger used for pool diagnostics.
func (e *PoolEngine) WithLogger(logger *zap.Logger) *PoolEngine {
	e.logger = logger
	return e
}

// Execute runs batch with up to the configured number of concurrent
// goroutines and waits for all of them.
func (e *PoolEngine) Execute(ctx context.Context, batch []*Step, run func(ctx context.Context, s *Step) error) error {
	if len(batch) > e.workers {
		e.logger.Warn("ready batch exceeds pool size, running sequentially",
			zap.Int("batch", len(batch)),
			zap.Int("workers", e.workers),
		)
		for _, s := range batch {
			if err := run(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, s := range batch {
		s := s
		g.Go(func() error {
			return run(gctx, s)
		})
	}
	return g.Wait()
}
