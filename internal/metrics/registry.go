// Package metrics validates and records DAG metrics against a static registry
// of metric specs and forwards them to an exporter sink.
package metrics

import (
	"fmt"
	"slices"
	"sort"
)

// MetricID identifies a registered metric.
type MetricID string

const (
	DagDuration MetricID = "DAG_DURATION"
	DagOutcome  MetricID = "DAG_OUTCOME"
)

// Tag keys attached to every DAG metric.
const (
	TagRunID  = "runid"
	TagDagID  = "dagid"
	TagTaskID = "taskid"
)

// Kind is the numeric type a metric accepts.
type Kind int

const (
	KindInt Kind = iota + 1
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Aggregation is how a sink combines values recorded for the same metric and tag set.
type Aggregation int

const (
	AggregationLastValue Aggregation = iota + 1
	AggregationSum
	AggregationCount
	AggregationDistribution
)

func (a Aggregation) String() string {
	switch a {
	case AggregationLastValue:
		return "last_value"
	case AggregationSum:
		return "sum"
	case AggregationCount:
		return "count"
	case AggregationDistribution:
		return "distribution"
	default:
		return fmt.Sprintf("Aggregation(%d)", int(a))
	}
}

// MetricSpec is the declared shape of a metric.
type MetricSpec struct {
	ID              MetricID
	DisplayName     string
	Description     string
	ViewDescription string
	Unit            string
	Kind            Kind
	Aggregation     Aggregation
	AllowedTags     []string
}

// Allows reports whether key is one of the spec's allowed tag keys.
func (s MetricSpec) Allows(key string) bool {
	return slices.Contains(s.AllowedTags, key)
}

// Registry is a read-only table of metric specs keyed by MetricID.
type Registry struct {
	specs map[MetricID]MetricSpec
}

// NewRegistry builds a registry from specs. Specs are copied; later changes to
// the caller's slices do not affect the registry.
func NewRegistry(specs ...MetricSpec) (*Registry, error) {
	r := &Registry{specs: make(map[MetricID]MetricSpec, len(specs))}
	names := make(map[string]MetricID, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidSpec)
		}
		if _, dup := r.specs[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidSpec, s.ID)
		}
		if s.Kind != KindInt && s.Kind != KindFloat {
			return nil, fmt.Errorf("%w: %s: kind must be int or float", ErrInvalidSpec, s.ID)
		}
		if s.Aggregation < AggregationLastValue || s.Aggregation > AggregationDistribution {
			return nil, fmt.Errorf("%w: %s: unknown aggregation %d", ErrInvalidSpec, s.ID, int(s.Aggregation))
		}
		if s.DisplayName == "" {
			s.DisplayName = string(s.ID)
		}
		// Sinks key views by instrument name, which is the display name.
		if other, dup := names[s.DisplayName]; dup {
			return nil, fmt.Errorf("%w: %s: display name %q already used by %s", ErrInvalidSpec, s.ID, s.DisplayName, other)
		}
		names[s.DisplayName] = s.ID
		s.AllowedTags = slices.Clone(s.AllowedTags)
		sort.Strings(s.AllowedTags)
		r.specs[s.ID] = s
	}
	return r, nil
}

// DefaultRegistry returns the registry holding the DAG duration and outcome metrics.
func DefaultRegistry() *Registry {
	tags := []string{TagRunID, TagDagID, TagTaskID}
	r, err := NewRegistry(
		MetricSpec{
			ID:              DagDuration,
			Description:     "dag elements and instances processing times",
			ViewDescription: "sum of dag elements and instances processing times",
			Unit:            "s",
			Kind:            KindInt,
			Aggregation:     AggregationLastValue,
			AllowedTags:     tags,
		},
		MetricSpec{
			ID:              DagOutcome,
			Description:     "current status of dag and/or task",
			ViewDescription: "last known status of task and/or dag",
			Unit:            "{status}",
			Kind:            KindInt,
			Aggregation:     AggregationLastValue,
			AllowedTags:     tags,
		},
	)
	if err != nil {
		panic(err) // static table
	}
	return r
}

// Lookup returns the spec registered under id.
func (r *Registry) Lookup(id MetricID) (MetricSpec, error) {
	s, ok := r.specs[id]
	if !ok {
		return MetricSpec{}, fmt.Errorf("%w: %s", ErrUnknownMetric, id)
	}
	s.AllowedTags = slices.Clone(s.AllowedTags)
	return s, nil
}

// IDs returns the registered metric ids in sorted order.
func (r *Registry) IDs() []MetricID {
	ids := make([]MetricID, 0, len(r.specs))
	for id := range r.specs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of registered specs.
func (r *Registry) Len() int { return len(r.specs) }
