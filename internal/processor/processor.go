// Package processor defines the processor lifecycle contract and the Runner
// that drives a processor through init, process and leave while reporting
// status and duration metrics.
package processor

import (
	"context"
	"fmt"

	"github.com/azmeha/dagrun/internal/metrics"
	"github.com/azmeha/dagrun/internal/model"
)

// Processor is one task in a DAG. Init, Process and Leave are called in that
// order by a Runner; the first non-nil error stops the run.
type Processor interface {
	RunID() string
	DagID() string
	TaskID() string
	Order() model.Order

	Init(ctx context.Context) error
	Process(ctx context.Context) error
	Leave(ctx context.Context) error
}

// Identity holds the immutable identity of a processor. Concrete processors
// embed it to satisfy the identity half of Processor.
type Identity struct {
	runID  string
	dagID  string
	taskID string
	order  model.Order
}

// NewIdentity builds an Identity. A zero order falls back to model.DefaultOrder.
func NewIdentity(runID, dagID, taskID string, order model.Order) Identity {
	if order == 0 {
		order = model.DefaultOrder
	}
	return Identity{runID: runID, dagID: dagID, taskID: taskID, order: order}
}

func (i Identity) RunID() string      { return i.runID }
func (i Identity) DagID() string      { return i.dagID }
func (i Identity) TaskID() string     { return i.taskID }
func (i Identity) Order() model.Order { return i.order }

// String renders runid|dagid|taskid|ORDER|.
func (i Identity) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|", i.runID, i.dagID, i.taskID, i.order)
}

// Describe renders any processor the way Identity.String does.
func Describe(p Processor) string {
	return fmt.Sprintf("%s|%s|%s|%s|", p.RunID(), p.DagID(), p.TaskID(), p.Order())
}

// Tags returns the metric tags identifying p.
func Tags(p Processor) metrics.Tags {
	return metrics.Tags{
		metrics.TagRunID:  p.RunID(),
		metrics.TagDagID:  p.DagID(),
		metrics.TagTaskID: p.TaskID(),
	}
}

// Stage names one step of the processor lifecycle.
type Stage string

const (
	StageInit    Stage = "init"
	StageProcess Stage = "process"
	StageLeave   Stage = "leave"
)

// StageError is a failure raised by a processor stage.
type StageError struct {
	Stage     Stage
	Processor string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("processor %s: %s: %v", e.Processor, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
