package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/azmeha/dagrun/internal/ctxutil"
	"github.com/azmeha/dagrun/internal/metrics"
	"github.com/azmeha/dagrun/internal/model"
)

// Pusher records a metric value. *metrics.Recorder satisfies it.
type Pusher interface {
	Push(ctx context.Context, id metrics.MetricID, value any, tags metrics.Tags) error
}

// Pacer is called after each successful stage. Drivers use it to space stages
// out; it is not a timeout and cannot abort a run.
type Pacer interface {
	Pause(ctx context.Context, stage Stage)
}

// PacerFunc adapts a function to Pacer.
type PacerFunc func(ctx context.Context, stage Stage)

func (f PacerFunc) Pause(ctx context.Context, stage Stage) { f(ctx, stage) }

// Runner drives processors through their lifecycle, one run at a time per
// call. A single Runner may be shared by goroutines running different
// processors as long as its Pusher is concurrency-safe.
type Runner struct {
	metrics Pusher
	logger  *slog.Logger
	tracer  trace.Tracer
	pacer   Pacer
	now     func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger. If not set, slog.Default is used.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithTracer sets the tracer used for run and stage spans. If not set, the
// global tracer provider is used.
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithPacer sets the pacer called after every successful stage.
func WithPacer(p Pacer) RunnerOption {
	return func(r *Runner) { r.pacer = p }
}

// WithClock replaces time.Now for duration measurement.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner that reports through m.
func NewRunner(m Pusher, opts ...RunnerOption) *Runner {
	r := &Runner{metrics: m}
	for _, fn := range opts {
		fn(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/azmeha/dagrun/processor")
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Run executes p's init, process and leave stages in order and reports the
// outcome. It pushes DAG_OUTCOME=ACTIVE on entry and, once the stages are
// done, DAG_DURATION (whole seconds, rounded down) followed by the final
// DAG_OUTCOME.
//
// A failing stage marks the run FAILED; it is logged, never returned. Only a
// processor whose order is END reaches FINISHED; any other processor that
// completes all stages stays ACTIVE. If the initial push fails the stages are
// skipped and the run is FAILED, but the duration and final outcome are still
// pushed. The returned error is non-nil only when a metric push fails, which
// callers should treat as fatal.
func (r *Runner) Run(ctx context.Context, p Processor) (model.RunStatus, error) {
	desc := Describe(p)
	tags := Tags(p)
	r.logger.Info("run_processor: in", "processor", desc)

	ctx, span := r.tracer.Start(ctx, "dagrun.run",
		trace.WithAttributes(
			attribute.String("dagrun.runid", p.RunID()),
			attribute.String("dagrun.dagid", p.DagID()),
			attribute.String("dagrun.taskid", p.TaskID()),
			attribute.String("dagrun.order", p.Order().String()),
		),
	)
	defer span.End()
	ctx = ctxutil.WithProcessor(ctx, desc)

	start := r.now()
	status := model.StatusActive

	var initErr error
	if err := r.metrics.Push(ctx, metrics.DagOutcome, int(status), tags); err != nil {
		initErr = fmt.Errorf("processor %s: push initial outcome: %w", desc, err)
		r.logger.Error("run_processor: initial outcome push failed, skipping stages",
			"processor", desc,
			"error", err,
		)
		span.SetStatus(codes.Error, "metrics push failed")
		status = model.StatusFailed
	} else if err := r.stages(ctx, p, desc); err != nil {
		var se *StageError
		stage := Stage("")
		if errors.As(err, &se) {
			stage = se.Stage
		}
		r.logger.Error("run_processor: dag task failed",
			"processor", desc,
			"stage", string(stage),
			"error", err,
		)
		span.SetStatus(codes.Error, err.Error())
		status = model.StatusFailed
	} else {
		if p.Order() == model.OrderEnd {
			status = model.StatusFinished
		}
		r.logger.Info("run_processor: out", "processor", desc, "status", status.String())
	}

	return status, errors.Join(initErr, r.finish(ctx, p, desc, tags, start, status))
}

// stages runs the three lifecycle stages, stopping at the first failure.
func (r *Runner) stages(ctx context.Context, p Processor, desc string) error {
	steps := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageInit, p.Init},
		{StageProcess, p.Process},
		{StageLeave, p.Leave},
	}
	for _, s := range steps {
		if err := r.stage(ctx, s.stage, desc, s.fn); err != nil {
			return err
		}
		if r.pacer != nil {
			r.pacer.Pause(ctx, s.stage)
		}
	}
	return nil
}

// stage calls fn inside its own span. A panic in fn is converted to an error.
func (r *Runner) stage(ctx context.Context, stage Stage, desc string, fn func(context.Context) error) (err error) {
	ctx, span := r.tracer.Start(ctx, "dagrun.stage."+string(stage))
	defer span.End()
	ctx = ctxutil.WithStage(ctx, string(stage))

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			err = &StageError{Stage: stage, Processor: desc, Err: err}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return fn(ctx)
}

// finish pushes duration and final outcome. Both pushes are attempted even if
// the first fails.
func (r *Runner) finish(ctx context.Context, p Processor, desc string, tags metrics.Tags, start time.Time, status model.RunStatus) error {
	elapsed := max(r.now().Sub(start), 0)
	seconds := int64(elapsed / time.Second)
	r.logger.Info("run_processor: dag task took", "processor", desc, "seconds", seconds)

	var errs []error
	if err := r.metrics.Push(ctx, metrics.DagDuration, seconds, tags); err != nil {
		errs = append(errs, fmt.Errorf("processor %s: push duration: %w", desc, err))
	}
	if err := r.metrics.Push(ctx, metrics.DagOutcome, int(status), tags); err != nil {
		errs = append(errs, fmt.Errorf("processor %s: push outcome: %w", desc, err))
	}
	return errors.Join(errs...)
}
