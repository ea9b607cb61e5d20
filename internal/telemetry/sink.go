package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/azmeha/dagrun/internal/metrics"
)

// OTelSink records measurements on OpenTelemetry instruments. Each view maps
// to one synchronous instrument chosen by its aggregation:
//
//	last_value   -> gauge
//	sum          -> counter
//	count        -> counter incremented by one per measurement
//	distribution -> histogram
type OTelSink struct {
	meter  metric.Meter
	logger *slog.Logger

	mu    sync.RWMutex
	views map[string]*otelView
}

type otelView struct {
	view    metrics.View
	record  func(ctx context.Context, m metrics.Measurement, opt metric.MeasurementOption)
	columns []string
}

// NewOTelSink creates a sink that creates instruments on meter.
func NewOTelSink(meter metric.Meter, logger *slog.Logger) *OTelSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &OTelSink{meter: meter, logger: logger, views: make(map[string]*otelView)}
}

// RegisterView creates the instrument backing v. Registering the same view
// name twice keeps the first registration.
func (s *OTelSink) RegisterView(v metrics.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.views[v.Name]; ok {
		return nil
	}

	rec, err := s.instrument(v)
	if err != nil {
		return fmt.Errorf("telemetry: view %s: %w", v.Name, err)
	}
	s.views[v.Name] = &otelView{view: v, record: rec, columns: slices.Clone(v.Columns)}
	s.logger.Debug("telemetry: view registered",
		"view", v.Name,
		"aggregation", v.Aggregation.String(),
		"columns", v.Columns,
	)
	return nil
}

// Record writes m with the tags that are grouping columns of its view.
func (s *OTelSink) Record(ctx context.Context, m metrics.Measurement, tags metrics.Tags) {
	s.mu.RLock()
	ov, ok := s.views[m.Instrument.Name]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("telemetry: record for unregistered view dropped", "view", m.Instrument.Name)
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(ov.columns))
	for _, c := range ov.columns {
		if v, ok := tags[c]; ok {
			attrs = append(attrs, attribute.String(c, v))
		}
	}
	ov.record(ctx, m, metric.WithAttributes(attrs...))
}

func (s *OTelSink) instrument(v metrics.View) (func(context.Context, metrics.Measurement, metric.MeasurementOption), error) {
	desc := metric.WithDescription(v.Description)
	unit := metric.WithUnit(v.Instrument.Unit)
	name := v.Instrument.Name
	isInt := v.Instrument.Kind == metrics.KindInt

	switch v.Aggregation {
	case metrics.AggregationLastValue:
		if isInt {
			g, err := s.meter.Int64Gauge(name, desc, unit)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, m metrics.Measurement, opt metric.MeasurementOption) {
				g.Record(ctx, m.Int, opt)
			}, nil
		}
		g, err := s.meter.Float64Gauge(name, desc, unit)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, m metrics.Measurement, opt metric.MeasurementOption) {
			g.Record(ctx, m.Float, opt)
		}, nil

	case metrics.AggregationSum:
		if isInt {
			c, err := s.meter.Int64Counter(name, desc, unit)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, m metrics.Measurement, opt metric.MeasurementOption) {
				c.Add(ctx, m.Int, opt)
			}, nil
		}
		c, err := s.meter.Float64Counter(name, desc, unit)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, m metrics.Measurement, opt metric.MeasurementOption) {
			c.Add(ctx, m.Float, opt)
		}, nil

	case metrics.AggregationCount:
		c, err := s.meter.Int64Counter(name, desc, metric.WithUnit("{measurement}"))
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, _ metrics.Measurement, opt metric.MeasurementOption) {
			c.Add(ctx, 1, opt)
		}, nil

	case metrics.AggregationDistribution:
		if isInt {
			h, err := s.meter.Int64Histogram(name, desc, unit)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, m metrics.Measurement, opt metric.MeasurementOption) {
				h.Record(ctx, m.Int, opt)
			}, nil
		}
		h, err := s.meter.Float64Histogram(name, desc, unit)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, m metrics.Measurement, opt metric.MeasurementOption) {
			h.Record(ctx, m.Float, opt)
		}, nil

	default:
		return nil, fmt.Errorf("unsupported aggregation %s", v.Aggregation)
	}
}
