// Package model defines the core domain types for dagrun.
//
// Both enums carry explicit integer values: RunStatus values are pushed as the
// outcome metric, so their numbers are part of the telemetry contract.
package model

import "fmt"

// RunStatus represents the lifecycle state of a processor run.
type RunStatus int

const (
	StatusActive   RunStatus = 1
	StatusFinished RunStatus = 2
	StatusFailed   RunStatus = 3
)

func (s RunStatus) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusFinished:
		return "FINISHED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("RunStatus(%d)", int(s))
	}
}

// Terminal reports whether no further transition can follow s within a run.
// ACTIVE is not terminal: a MIDDLE processor that succeeds ends its run ACTIVE
// and the DAG only reaches FINISHED once its END processor reports.
func (s RunStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Order marks where a processor sits in its DAG.
type Order int

const (
	OrderStart  Order = 1
	OrderMiddle Order = 2
	OrderEnd    Order = 3
)

// DefaultOrder is used when a processor is built without an explicit position.
const DefaultOrder = OrderMiddle

func (o Order) String() string {
	switch o {
	case OrderStart:
		return "START"
	case OrderMiddle:
		return "MIDDLE"
	case OrderEnd:
		return "END"
	default:
		return fmt.Sprintf("Order(%d)", int(o))
	}
}

// ParseOrder converts a case-sensitive START/MIDDLE/END name into an Order.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "START":
		return OrderStart, nil
	case "MIDDLE":
		return OrderMiddle, nil
	case "END":
		return OrderEnd, nil
	default:
		return 0, fmt.Errorf("model: unknown order %q", s)
	}
}
