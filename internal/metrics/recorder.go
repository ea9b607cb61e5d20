package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
)

// Recorder validates pushes against a Registry, lazily creates one instrument
// per metric id, and forwards measurements to a Sink. Safe for concurrent use.
type Recorder struct {
	registry *Registry
	sink     Sink
	logger   *slog.Logger

	mu          sync.Mutex
	instruments map[MetricID]Instrument
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithRegistry replaces DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(rec *Recorder) { rec.registry = r }
}

// WithLogger sets the logger. If not set, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(rec *Recorder) { rec.logger = l }
}

// New creates a Recorder that forwards to sink.
func New(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:        sink,
		instruments: make(map[MetricID]Instrument),
	}
	for _, fn := range opts {
		fn(r)
	}
	if r.registry == nil {
		r.registry = DefaultRegistry()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Push validates value and tags against the MetricSpec registered for id and
// records them. Validation failures wrap ErrUnknownMetric, ErrInvalidTags or
// ErrTypeMismatch; nothing reaches the sink when Push returns an error.
func (r *Recorder) Push(ctx context.Context, id MetricID, value any, tags Tags) error {
	spec, err := r.registry.Lookup(id)
	if err != nil {
		return err
	}

	var unknown []string
	for k := range tags {
		if !spec.Allows(k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %s does not allow %v (allowed %v)", ErrInvalidTags, id, unknown, spec.AllowedTags)
	}

	m, err := measure(spec, value)
	if err != nil {
		return err
	}

	inst, err := r.instrument(spec, tags)
	if err != nil {
		return err
	}
	m.Instrument = inst

	r.sink.Record(ctx, m, maps.Clone(tags))
	return nil
}

// Instruments returns the number of instruments created so far.
func (r *Recorder) Instruments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instruments)
}

// Registry returns the registry the recorder validates against.
func (r *Recorder) Registry() *Registry { return r.registry }

// instrument returns the cached instrument for spec, creating it and
// registering its view on first use. The view groups by the tag keys of the
// push that created it. A failed registration caches nothing.
func (r *Recorder) instrument(spec MetricSpec, tags Tags) (Instrument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instruments[spec.ID]; ok {
		return inst, nil
	}

	r.logger.Debug("metrics: creating instrument", "metric", spec.ID, "kind", spec.Kind.String())
	inst := Instrument{
		Name:        spec.DisplayName,
		Description: spec.Description,
		Unit:        spec.Unit,
		Kind:        spec.Kind,
	}
	columns := slices.Sorted(maps.Keys(tags))
	view := View{
		Name:        spec.DisplayName,
		Description: spec.ViewDescription,
		Instrument:  inst,
		Aggregation: spec.Aggregation,
		Columns:     columns,
	}
	if err := r.sink.RegisterView(view); err != nil {
		return Instrument{}, fmt.Errorf("metrics: register view %s: %w", spec.ID, err)
	}
	r.instruments[spec.ID] = inst
	return inst, nil
}

// measure converts value into a Measurement if its Go type matches spec.Kind.
// Every signed and unsigned integer type is accepted for KindInt, float32 and
// float64 for KindFloat. bool is never numeric here.
func measure(spec MetricSpec, value any) (Measurement, error) {
	mismatch := func() error {
		return fmt.Errorf("%w: %s expects %s, got %T", ErrTypeMismatch, spec.ID, spec.Kind, value)
	}

	switch spec.Kind {
	case KindInt:
		var n int64
		switch v := value.(type) {
		case int:
			n = int64(v)
		case int8:
			n = int64(v)
		case int16:
			n = int64(v)
		case int32:
			n = int64(v)
		case int64:
			n = v
		case uint:
			if uint64(v) > math.MaxInt64 {
				return Measurement{}, fmt.Errorf("%w: %s value %d overflows int64", ErrTypeMismatch, spec.ID, v)
			}
			n = int64(v)
		case uint8:
			n = int64(v)
		case uint16:
			n = int64(v)
		case uint32:
			n = int64(v)
		case uint64:
			if v > math.MaxInt64 {
				return Measurement{}, fmt.Errorf("%w: %s value %d overflows int64", ErrTypeMismatch, spec.ID, v)
			}
			n = int64(v)
		default:
			return Measurement{}, mismatch()
		}
		return Measurement{Int: n}, nil
	case KindFloat:
		switch v := value.(type) {
		case float32:
			return Measurement{Float: float64(v)}, nil
		case float64:
			return Measurement{Float: v}, nil
		default:
			return Measurement{}, mismatch()
		}
	default:
		return Measurement{}, mismatch()
	}
}
