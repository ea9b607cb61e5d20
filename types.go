package dagrun

import (
	"github.com/azmeha/dagrun/internal/batch"
	"github.com/azmeha/dagrun/internal/metrics"
	"github.com/azmeha/dagrun/internal/model"
	"github.com/azmeha/dagrun/internal/processor"
)

// Processor is one task of a DAG with an init, process and leave lifecycle.
type Processor = processor.Processor

// Identity is the embeddable identity half of a Processor.
type Identity = processor.Identity

// ChainFactory builds the ordered processors of one DAG iteration.
type ChainFactory = batch.ChainFactory

// Summary counts run outcomes of a batch.
type Summary = batch.Summary

// Order marks where a processor sits in its DAG.
type Order = model.Order

const (
	OrderStart  = model.OrderStart
	OrderMiddle = model.OrderMiddle
	OrderEnd    = model.OrderEnd
)

// RunStatus is the outcome reported for a processor run.
type RunStatus = model.RunStatus

const (
	StatusActive   = model.StatusActive
	StatusFinished = model.StatusFinished
	StatusFailed   = model.StatusFailed
)

// NewIdentity builds a processor identity. A zero order means OrderMiddle.
func NewIdentity(runID, dagID, taskID string, order Order) Identity {
	return processor.NewIdentity(runID, dagID, taskID, order)
}

// Sink is a metrics exporter backend; see WithSink.
type Sink = metrics.Sink

// View, Instrument, Measurement and Tags are the values a Sink receives.
type (
	View        = metrics.View
	Instrument  = metrics.Instrument
	Measurement = metrics.Measurement
	Tags        = metrics.Tags
)
