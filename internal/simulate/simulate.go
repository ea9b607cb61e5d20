// Package simulate provides processors that fail at random and a random pacer,
// used by the batch driver to exercise the runner and its metrics end to end.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/azmeha/dagrun/internal/ctxutil"
	"github.com/azmeha/dagrun/internal/model"
	"github.com/azmeha/dagrun/internal/processor"
)

// ErrOops is the failure injected by simulated processors.
var ErrOops = errors.New("oops")

// DefaultProbability is the per-stage failure chance used when none is configured.
const DefaultProbability = 0.1

// Options configures simulated processors.
type Options struct {
	// Probability that the processor's fallible stage fails.
	Probability float64
	// Roll returns a value in [0, 1). Defaults to math/rand/v2.Float64.
	Roll   func() float64
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Roll == nil {
		o.Roll = rand.Float64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type sim struct {
	processor.Identity
	name string
	opts Options
}

// ok logs the stage. The runner puts the stage in ctx; direct callers may not.
func (s *sim) ok(ctx context.Context, stage processor.Stage) error {
	if st := ctxutil.StageFromContext(ctx); st != "" {
		stage = processor.Stage(st)
	}
	s.opts.Logger.DebugContext(ctx, s.name+": "+string(stage), "processor", s.String())
	return nil
}

func (s *sim) maybeFail(ctx context.Context, stage processor.Stage) error {
	if s.opts.Roll() < s.opts.Probability {
		return fmt.Errorf("%s %s: %w", s.name, stage, ErrOops)
	}
	return s.ok(ctx, stage)
}

// ProcessOne may fail while processing.
type ProcessOne struct{ sim }

// NewProcessOne builds a ProcessOne with the given identity.
func NewProcessOne(id processor.Identity, opts Options) *ProcessOne {
	return &ProcessOne{sim{Identity: id, name: "ProcessOne", opts: opts.withDefaults()}}
}

func (p *ProcessOne) Init(ctx context.Context) error { return p.ok(ctx, processor.StageInit) }
func (p *ProcessOne) Process(ctx context.Context) error {
	return p.maybeFail(ctx, processor.StageProcess)
}
func (p *ProcessOne) Leave(ctx context.Context) error { return p.ok(ctx, processor.StageLeave) }

// ProcessTwo may fail during init.
type ProcessTwo struct{ sim }

// NewProcessTwo builds a ProcessTwo with the given identity.
func NewProcessTwo(id processor.Identity, opts Options) *ProcessTwo {
	return &ProcessTwo{sim{Identity: id, name: "ProcessTwo", opts: opts.withDefaults()}}
}

func (p *ProcessTwo) Init(ctx context.Context) error    { return p.maybeFail(ctx, processor.StageInit) }
func (p *ProcessTwo) Process(ctx context.Context) error { return p.ok(ctx, processor.StageProcess) }
func (p *ProcessTwo) Leave(ctx context.Context) error   { return p.ok(ctx, processor.StageLeave) }

// ProcessThree may fail while leaving.
type ProcessThree struct{ sim }

// NewProcessThree builds a ProcessThree with the given identity.
func NewProcessThree(id processor.Identity, opts Options) *ProcessThree {
	return &ProcessThree{sim{Identity: id, name: "ProcessThree", opts: opts.withDefaults()}}
}

func (p *ProcessThree) Init(ctx context.Context) error    { return p.ok(ctx, processor.StageInit) }
func (p *ProcessThree) Process(ctx context.Context) error { return p.ok(ctx, processor.StageProcess) }
func (p *ProcessThree) Leave(ctx context.Context) error {
	return p.maybeFail(ctx, processor.StageLeave)
}

// Chain returns a factory for the three-processor DAG: ProcessOne (START),
// ProcessTwo (MIDDLE) and ProcessThree (END), with task ids suffixed by the
// iteration number.
func Chain(dagID string, opts Options) func(runID string, iteration int) []processor.Processor {
	return func(runID string, i int) []processor.Processor {
		return []processor.Processor{
			NewProcessOne(processor.NewIdentity(runID, dagID, fmt.Sprintf("ProcessOne_%d", i), model.OrderStart), opts),
			NewProcessTwo(processor.NewIdentity(runID, dagID, fmt.Sprintf("ProcessTwo_%d", i), model.OrderMiddle), opts),
			NewProcessThree(processor.NewIdentity(runID, dagID, fmt.Sprintf("ProcessThree_%d", i), model.OrderEnd), opts),
		}
	}
}

// RandomPacer waits a uniformly random duration in [Min, Max]. A zero Max
// disables it. Waiting stops early when ctx is done.
type RandomPacer struct {
	Min, Max time.Duration
	// Int64N returns a value in [0, n). Defaults to math/rand/v2.Int64N.
	Int64N func(n int64) int64
}

// Wait blocks for the next random delay.
func (p RandomPacer) Wait(ctx context.Context) {
	d := p.next()
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Pause satisfies processor.Pacer.
func (p RandomPacer) Pause(ctx context.Context, _ processor.Stage) { p.Wait(ctx) }

func (p RandomPacer) next() time.Duration {
	if p.Max <= 0 {
		return 0
	}
	span := int64(p.Max - p.Min)
	if span <= 0 {
		return p.Min
	}
	n := p.Int64N
	if n == nil {
		n = rand.Int64N
	}
	return p.Min + time.Duration(n(span+1))
}
