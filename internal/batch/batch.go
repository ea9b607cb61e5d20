// Package batch drives repeated DAG chains through a processor runner.
//
// Each iteration builds a fresh chain of processors under a new run id and
// runs them strictly in order. Iterations may run in parallel; a stage
// failure never stops the batch, a metrics failure always does.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/azmeha/dagrun/internal/model"
	"github.com/azmeha/dagrun/internal/processor"
)

// Runner runs a single processor. *processor.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, p processor.Processor) (model.RunStatus, error)
}

// ChainFactory builds the ordered processors of one iteration.
type ChainFactory func(runID string, iteration int) []processor.Processor

// Config controls a batch.
type Config struct {
	Iterations  int
	Parallelism int // Iterations in flight at once; values below 1 mean 1.
	// NewRunID returns the run id of an iteration. Defaults to a random UUID.
	NewRunID func() string
	// Pause is called after every iteration, e.g. to pace a demo run.
	Pause  func(ctx context.Context)
	Logger *slog.Logger
}

// Summary counts run outcomes.
type Summary struct {
	Iterations int
	Runs       int
	ByStatus   map[model.RunStatus]int
}

// Count returns the number of runs that ended with status.
func (s Summary) Count(status model.RunStatus) int { return s.ByStatus[status] }

// Run executes cfg.Iterations chains built by chain. It returns the first
// runner error, which also stops iterations that have not started yet.
// When ctx is cancelled no new iteration starts and ctx.Err() is returned
// alongside the partial summary.
func Run(ctx context.Context, r Runner, chain ChainFactory, cfg Config) (Summary, error) {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var (
		mu  sync.Mutex
		sum = Summary{ByStatus: make(map[model.RunStatus]int)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Parallelism)

	for i := range cfg.Iterations {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			runID := cfg.NewRunID()
			for _, p := range chain(runID, i) {
				status, err := r.Run(gctx, p)
				if err != nil {
					return fmt.Errorf("batch: iteration %d: %w", i, err)
				}
				mu.Lock()
				sum.Runs++
				sum.ByStatus[status]++
				mu.Unlock()
			}
			mu.Lock()
			sum.Iterations++
			mu.Unlock()
			cfg.Logger.Debug("batch: iteration done", "iteration", i, "runid", runID)

			if cfg.Pause != nil {
				cfg.Pause(gctx)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return sum, err
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}
