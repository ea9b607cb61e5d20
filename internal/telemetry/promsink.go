package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/azmeha/dagrun/internal/metrics"
)

// PrometheusSink exposes measurements as Prometheus collectors registered on
// a Registerer. last_value views become gauges, sum and count views counters,
// distribution views histograms. Label names are the view's columns; tags
// that are not columns are dropped and missing columns are exported empty.
type PrometheusSink struct {
	reg       prom.Registerer
	namespace string
	logger    *slog.Logger

	mu    sync.RWMutex
	views map[string]*promView
}

type promView struct {
	columns []string
	observe func(labels prom.Labels, m metrics.Measurement)
}

// NewPrometheusSink creates a sink registering collectors under namespace.
func NewPrometheusSink(reg prom.Registerer, namespace string, logger *slog.Logger) *PrometheusSink {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PrometheusSink{reg: reg, namespace: namespace, logger: logger, views: make(map[string]*promView)}
}

// RegisterView creates and registers the collector backing v. A collector
// already registered under the same descriptor is reused.
func (s *PrometheusSink) RegisterView(v metrics.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.views[v.Name]; ok {
		return nil
	}

	name := promName(v.Instrument.Name, v.Instrument.Unit)
	help := v.Description
	if help == "" {
		help = v.Instrument.Description
	}

	var pv *promView
	switch v.Aggregation {
	case metrics.AggregationLastValue:
		vec := prom.NewGaugeVec(prom.GaugeOpts{Namespace: s.namespace, Name: name, Help: help}, v.Columns)
		got, err := s.register(vec)
		if err != nil {
			return err
		}
		vec = got.(*prom.GaugeVec)
		pv = &promView{observe: func(l prom.Labels, m metrics.Measurement) { vec.With(l).Set(m.Float64()) }}

	case metrics.AggregationSum, metrics.AggregationCount:
		vec := prom.NewCounterVec(prom.CounterOpts{Namespace: s.namespace, Name: name + "_total", Help: help}, v.Columns)
		got, err := s.register(vec)
		if err != nil {
			return err
		}
		vec = got.(*prom.CounterVec)
		count := v.Aggregation == metrics.AggregationCount
		pv = &promView{observe: func(l prom.Labels, m metrics.Measurement) {
			if count {
				vec.With(l).Inc()
				return
			}
			if val := m.Float64(); val >= 0 {
				vec.With(l).Add(val)
			} else {
				s.logger.Warn("telemetry: negative value dropped for prometheus counter", "view", v.Name, "value", val)
			}
		}}

	case metrics.AggregationDistribution:
		vec := prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      help,
			Buckets:   prom.DefBuckets,
		}, v.Columns)
		got, err := s.register(vec)
		if err != nil {
			return err
		}
		vec = got.(*prom.HistogramVec)
		pv = &promView{observe: func(l prom.Labels, m metrics.Measurement) { vec.With(l).Observe(m.Float64()) }}

	default:
		return fmt.Errorf("telemetry: view %s: unsupported aggregation %s", v.Name, v.Aggregation)
	}

	pv.columns = append([]string(nil), v.Columns...)
	s.views[v.Name] = pv
	return nil
}

// Record observes m on the collector of its view.
func (s *PrometheusSink) Record(_ context.Context, m metrics.Measurement, tags metrics.Tags) {
	s.mu.RLock()
	pv, ok := s.views[m.Instrument.Name]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("telemetry: record for unregistered view dropped", "view", m.Instrument.Name)
		return
	}

	labels := make(prom.Labels, len(pv.columns))
	for _, c := range pv.columns {
		labels[c] = tags[c]
	}
	pv.observe(labels, m)
}

func (s *PrometheusSink) register(c prom.Collector) (prom.Collector, error) {
	if err := s.reg.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, nil
		}
		return nil, fmt.Errorf("telemetry: register prometheus collector: %w", err)
	}
	return c, nil
}

// promName lower-cases an instrument name and appends a base-unit suffix for
// seconds, following Prometheus naming conventions.
func promName(name, unit string) string {
	n := strings.ToLower(name)
	if unit == "s" && !strings.HasSuffix(n, "_seconds") {
		n += "_seconds"
	}
	return n
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics for the provided registry.
func MetricsHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
