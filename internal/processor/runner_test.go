package processor_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/azmeha/dagrun/internal/ctxutil"
	"github.com/azmeha/dagrun/internal/metrics"
	"github.com/azmeha/dagrun/internal/model"
	"github.com/azmeha/dagrun/internal/processor"
	"github.com/azmeha/dagrun/internal/testutil"
)

// fakeClock advances by step on every call after the first.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
	seen bool
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen {
		c.now = c.now.Add(c.step)
	}
	c.seen = true
	return c.now
}

func newRunner(t *testing.T, opts ...processor.RunnerOption) (*processor.Runner, *testutil.Sink, *bytes.Buffer) {
	t.Helper()
	sink := &testutil.Sink{}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rec := metrics.New(sink, metrics.WithLogger(logger))
	opts = append([]processor.RunnerOption{processor.WithLogger(logger)}, opts...)
	return processor.NewRunner(rec, opts...), sink, &logs
}

func outcomes(sink *testutil.Sink) []int64 {
	var out []int64
	for _, r := range sink.RecordsFor(metrics.DagOutcome) {
		out = append(out, r.Measurement.Int)
	}
	return out
}

func TestRunStartProcessFailure(t *testing.T) {
	runner, sink, logs := newRunner(t)
	p := testutil.NewStub("r1", "thedag", "ProcessOne_0", model.OrderStart)
	p.FailAt = processor.StageProcess

	status, err := runner.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status)
	assert.Equal(t, []processor.Stage{processor.StageInit, processor.StageProcess}, p.Calls())

	records := sink.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "DAG_OUTCOME", records[0].Measurement.Instrument.Name)
	assert.Equal(t, int64(model.StatusActive), records[0].Measurement.Int)
	assert.Equal(t, "DAG_DURATION", records[1].Measurement.Instrument.Name)
	assert.GreaterOrEqual(t, records[1].Measurement.Int, int64(0))
	assert.Equal(t, "DAG_OUTCOME", records[2].Measurement.Instrument.Name)
	assert.Equal(t, int64(model.StatusFailed), records[2].Measurement.Int)

	for _, r := range records {
		assert.Equal(t, metrics.Tags{"runid": "r1", "dagid": "thedag", "taskid": "ProcessOne_0"}, r.Tags)
	}

	out := logs.String()
	assert.Contains(t, out, "dag task failed")
	assert.Contains(t, out, "r1|thedag|ProcessOne_0|START|")
	assert.Contains(t, out, "stage=process")
}

func TestRunEndSucceeds(t *testing.T) {
	runner, sink, _ := newRunner(t)
	p := testutil.NewStub("r1", "thedag", "ProcessThree_0", model.OrderEnd)

	status, err := runner.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, status)
	assert.Equal(t, []processor.Stage{processor.StageInit, processor.StageProcess, processor.StageLeave}, p.Calls())
	assert.Equal(t, []int64{int64(model.StatusActive), int64(model.StatusFinished)}, outcomes(sink))
}

func TestRunMiddleSucceedsStaysActive(t *testing.T) {
	// A successful non-END processor has no status of its own: the DAG is still
	// running until its END processor reports FINISHED.
	runner, sink, _ := newRunner(t)
	p := testutil.NewStub("r1", "thedag", "ProcessTwo_0", model.OrderMiddle)

	status, err := runner.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, status)
	assert.Equal(t, []int64{int64(model.StatusActive), int64(model.StatusActive)}, outcomes(sink))
}

func TestRunStartSucceedsStaysActive(t *testing.T) {
	runner, sink, _ := newRunner(t)
	p := testutil.NewStub("r1", "thedag", "ProcessOne_0", model.OrderStart)

	status, err := runner.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, status)
	assert.Equal(t, int64(model.StatusActive), outcomes(sink)[1])
}

func TestRunFailureAtEachStage(t *testing.T) {
	tests := []struct {
		stage processor.Stage
		calls int
	}{
		{processor.StageInit, 1},
		{processor.StageProcess, 2},
		{processor.StageLeave, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			runner, sink, _ := newRunner(t)
			p := testutil.NewStub("r1", "thedag", "t", model.OrderEnd)
			p.FailAt = tt.stage

			status, err := runner.Run(context.Background(), p)
			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, status)
			assert.Len(t, p.Calls(), tt.calls)
			assert.Equal(t, []int64{int64(model.StatusActive), int64(model.StatusFailed)}, outcomes(sink))
			assert.Len(t, sink.RecordsFor(metrics.DagDuration), 1)
		})
	}
}

func TestRunRecoversStagePanic(t *testing.T) {
	runner, sink, logs := newRunner(t)
	p := testutil.NewStub("r1", "thedag", "t", model.OrderEnd)
	p.PanicAt = processor.StageLeave

	status, err := runner.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status)
	assert.Equal(t, []int64{int64(model.StatusActive), int64(model.StatusFailed)}, outcomes(sink))
	assert.Contains(t, logs.String(), "panic")
}

func TestRunDurationFloorsToSeconds(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0), step: 2700 * time.Millisecond}
	runner, sink, _ := newRunner(t, processor.WithClock(clock.Now))

	_, err := runner.Run(context.Background(), testutil.NewStub("r1", "thedag", "t", model.OrderEnd))
	require.NoError(t, err)

	durations := sink.RecordsFor(metrics.DagDuration)
	require.Len(t, durations, 1)
	assert.Equal(t, int64(2), durations[0].Measurement.Int)
}

func TestRunDurationNeverNegative(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0), step: -5 * time.Second}
	runner, sink, _ := newRunner(t, processor.WithClock(clock.Now))

	_, err := runner.Run(context.Background(), testutil.NewStub("r1", "thedag", "t", model.OrderEnd))
	require.NoError(t, err)
	assert.Equal(t, int64(0), sink.RecordsFor(metrics.DagDuration)[0].Measurement.Int)
}

func TestRunDurationMatchesWallClock(t *testing.T) {
	runner, sink, _ := newRunner(t)
	p := testutil.NewStub("r1", "thedag", "t", model.OrderEnd)
	p.OnStage = func(stage processor.Stage) {
		if stage == processor.StageProcess {
			time.Sleep(1100 * time.Millisecond)
		}
	}

	start := time.Now()
	_, err := runner.Run(context.Background(), p)
	require.NoError(t, err)
	elapsed := int64(time.Since(start) / time.Second)

	got := sink.RecordsFor(metrics.DagDuration)[0].Measurement.Int
	assert.GreaterOrEqual(t, got, int64(1))
	assert.LessOrEqual(t, got, elapsed)
}

func TestRunPacesAfterEachSuccessfulStage(t *testing.T) {
	var paused []processor.Stage
	pacer := processor.PacerFunc(func(_ context.Context, s processor.Stage) { paused = append(paused, s) })
	runner, _, _ := newRunner(t, processor.WithPacer(pacer))

	p := testutil.NewStub("r1", "thedag", "t", model.OrderEnd)
	p.FailAt = processor.StageLeave
	_, err := runner.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []processor.Stage{processor.StageInit, processor.StageProcess}, paused)
}

// failingPusher fails pushes for one metric id.
type failingPusher struct {
	failOn metrics.MetricID
	pushes []metrics.MetricID
}

func (f *failingPusher) Push(_ context.Context, id metrics.MetricID, _ any, _ metrics.Tags) error {
	f.pushes = append(f.pushes, id)
	if id == f.failOn {
		return metrics.ErrInvalidTags
	}
	return nil
}

func TestRunInitialPushFailureStillPushesFinally(t *testing.T) {
	pusher := &failingPusher{failOn: metrics.DagOutcome}
	runner := processor.NewRunner(pusher, processor.WithLogger(slog.New(slog.DiscardHandler)))
	p := testutil.NewStub("r1", "thedag", "t", model.OrderEnd)

	status, err := runner.Run(context.Background(), p)
	require.ErrorIs(t, err, metrics.ErrInvalidTags)
	assert.Equal(t, model.StatusFailed, status)
	assert.Empty(t, p.Calls())
	assert.Equal(t, []metrics.MetricID{metrics.DagOutcome, metrics.DagDuration, metrics.DagOutcome}, pusher.pushes)
}

// flakySink fails the first RegisterView for one metric, then behaves like testutil.Sink.
type flakySink struct {
	testutil.Sink
	failName string
	failed   bool
}

func (s *flakySink) RegisterView(v metrics.View) error {
	if v.Name == s.failName && !s.failed {
		s.failed = true
		return errors.New("exporter hiccup")
	}
	return s.Sink.RegisterView(v)
}

func TestRunExporterHiccupOnFirstOutcomeStillRecordsDuration(t *testing.T) {
	sink := &flakySink{failName: string(metrics.DagOutcome)}
	rec := metrics.New(sink, metrics.WithLogger(slog.New(slog.DiscardHandler)))
	runner := processor.NewRunner(rec, processor.WithLogger(slog.New(slog.DiscardHandler)))
	p := testutil.NewStub("r1", "thedag", "t", model.OrderEnd)

	status, err := runner.Run(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, status)
	assert.Empty(t, p.Calls())
	require.Len(t, sink.RecordsFor(metrics.DagDuration), 1)
	outcomes := sink.RecordsFor(metrics.DagOutcome)
	require.Len(t, outcomes, 1)
	assert.Equal(t, int64(model.StatusFailed), outcomes[0].Measurement.Int)
}

func TestRunFinalPushFailureIsReturned(t *testing.T) {
	pusher := &failingPusher{failOn: metrics.DagDuration}
	runner := processor.NewRunner(pusher, processor.WithLogger(slog.New(slog.DiscardHandler)))
	p := testutil.NewStub("r1", "thedag", "t", model.OrderEnd)

	status, err := runner.Run(context.Background(), p)
	require.ErrorIs(t, err, metrics.ErrInvalidTags)
	assert.Equal(t, model.StatusFinished, status)
	// The outcome push is still attempted after the duration push fails.
	assert.Equal(t, []metrics.MetricID{metrics.DagOutcome, metrics.DagDuration, metrics.DagOutcome}, pusher.pushes)
}

func TestRunStageErrorIsNotReturned(t *testing.T) {
	runner, _, _ := newRunner(t)
	p := testutil.NewStub("r1", "thedag", "t", model.OrderMiddle)
	p.FailAt = processor.StageInit
	p.Err = errors.New("oops")

	_, err := runner.Run(context.Background(), p)
	assert.NoError(t, err)
}

func TestRunSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	runner, _, _ := newRunner(t, processor.WithTracer(tp.Tracer("test")))
	p := testutil.NewStub("r1", "thedag", "t", model.OrderStart)
	p.FailAt = processor.StageProcess

	_, err := runner.Run(context.Background(), p)
	require.NoError(t, err)

	spans := exp.GetSpans()
	names := make(map[string]codes.Code, len(spans))
	for _, s := range spans {
		names[s.Name] = s.Status.Code
	}
	assert.Len(t, spans, 3)
	assert.Equal(t, codes.Unset, names["dagrun.stage.init"])
	assert.Equal(t, codes.Error, names["dagrun.stage.process"])
	assert.Equal(t, codes.Error, names["dagrun.run"])
}

// ctxProbe records the processor and stage the runner placed in each stage's context.
type ctxProbe struct {
	processor.Identity
	seen []string
}

func (p *ctxProbe) note(ctx context.Context) error {
	p.seen = append(p.seen, ctxutil.ProcessorFromContext(ctx)+" "+ctxutil.StageFromContext(ctx))
	return nil
}

func (p *ctxProbe) Init(ctx context.Context) error    { return p.note(ctx) }
func (p *ctxProbe) Process(ctx context.Context) error { return p.note(ctx) }
func (p *ctxProbe) Leave(ctx context.Context) error   { return p.note(ctx) }

func TestRunStagesSeeIdentityInContext(t *testing.T) {
	r, _, _ := newRunner(t)
	p := &ctxProbe{Identity: processor.NewIdentity("r1", "d1", "t1", model.OrderEnd)}

	_, err := r.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"r1|d1|t1|END| init",
		"r1|d1|t1|END| process",
		"r1|d1|t1|END| leave",
	}, p.seen)
}
