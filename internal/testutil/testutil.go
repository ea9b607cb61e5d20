// Package testutil provides in-memory fakes shared by package tests: a sink
// that keeps every view and measurement it receives, and a scripted processor.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/azmeha/dagrun/internal/metrics"
	"github.com/azmeha/dagrun/internal/model"
	"github.com/azmeha/dagrun/internal/processor"
)

// Record is one measurement captured by Sink.
type Record struct {
	Measurement metrics.Measurement
	Tags        metrics.Tags
}

// Sink is a metrics.Sink that remembers everything. Set RegisterErr to make
// RegisterView fail.
type Sink struct {
	mu          sync.Mutex
	RegisterErr error
	views       []metrics.View
	records     []Record
}

func (s *Sink) RegisterView(v metrics.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RegisterErr != nil {
		return s.RegisterErr
	}
	s.views = append(s.views, v)
	return nil
}

func (s *Sink) Record(_ context.Context, m metrics.Measurement, tags metrics.Tags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{Measurement: m, Tags: tags})
}

// Views returns a copy of the registered views.
func (s *Sink) Views() []metrics.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metrics.View(nil), s.views...)
}

// Records returns a copy of every recorded measurement in order.
func (s *Sink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// RecordsFor returns the measurements recorded for the named instrument.
func (s *Sink) RecordsFor(name metrics.MetricID) []Record {
	var out []Record
	for _, r := range s.Records() {
		if r.Measurement.Instrument.Name == string(name) {
			out = append(out, r)
		}
	}
	return out
}

// ErrStage is the default error returned by a failing StubProcessor stage.
var ErrStage = errors.New("testutil: stage failed")

// StubProcessor is a processor whose stages fail or panic on demand and which
// logs the stages it ran.
type StubProcessor struct {
	processor.Identity

	FailAt  processor.Stage
	Err     error // returned by the FailAt stage; ErrStage if nil
	PanicAt processor.Stage
	OnStage func(stage processor.Stage)

	mu    sync.Mutex
	calls []processor.Stage
}

// NewStub builds a StubProcessor with the given identity.
func NewStub(runID, dagID, taskID string, order model.Order) *StubProcessor {
	return &StubProcessor{Identity: processor.NewIdentity(runID, dagID, taskID, order)}
}

func (p *StubProcessor) Init(context.Context) error    { return p.do(processor.StageInit) }
func (p *StubProcessor) Process(context.Context) error { return p.do(processor.StageProcess) }
func (p *StubProcessor) Leave(context.Context) error   { return p.do(processor.StageLeave) }

// Calls returns the stages entered so far.
func (p *StubProcessor) Calls() []processor.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]processor.Stage(nil), p.calls...)
}

func (p *StubProcessor) do(stage processor.Stage) error {
	p.mu.Lock()
	p.calls = append(p.calls, stage)
	p.mu.Unlock()

	if p.OnStage != nil {
		p.OnStage(stage)
	}
	if stage == p.PanicAt {
		panic("testutil: stage panicked")
	}
	if stage == p.FailAt {
		if p.Err != nil {
			return p.Err
		}
		return ErrStage
	}
	return nil
}
