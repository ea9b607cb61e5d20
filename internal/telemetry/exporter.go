package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/azmeha/dagrun/internal/metrics"
)

// Exporter backends selectable by name.
const (
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
	ExporterNoop       = "noop"
)

// Exporter is a configured metrics backend.
type Exporter struct {
	Sink metrics.Sink
	// Handler serves scrapeable metrics; nil unless the backend is prometheus.
	Handler  http.Handler
	Shutdown Shutdown
}

// NewExporter builds the backend named kind. For otlp, key is the collector
// endpoint and is passed through unvalidated; an empty key installs no-op
// providers so measurements are accepted and discarded.
func NewExporter(ctx context.Context, kind, key string, opts Options, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	noShutdown := func(context.Context) error { return nil }

	switch kind {
	case ExporterOTLP, "":
		opts.Endpoint = key
		shutdown, err := Init(ctx, opts)
		if err != nil {
			return nil, err
		}
		if key == "" {
			logger.Warn("telemetry: no connection string, OTLP export disabled")
		} else {
			logger.Info("telemetry: otlp exporter enabled", "endpoint", key, "interval", opts.ExportInterval)
		}
		return &Exporter{
			Sink:     NewOTelSink(Meter("github.com/azmeha/dagrun"), logger),
			Shutdown: shutdown,
		}, nil

	case ExporterPrometheus:
		reg := prom.NewRegistry()
		logger.Info("telemetry: prometheus exporter enabled")
		return &Exporter{
			Sink:     NewPrometheusSink(reg, "dagrun", logger),
			Handler:  MetricsHandler(reg),
			Shutdown: noShutdown,
		}, nil

	case ExporterNoop:
		logger.Info("telemetry: metrics disabled")
		return &Exporter{Sink: metrics.NoopSink{}, Shutdown: noShutdown}, nil

	default:
		return nil, fmt.Errorf("telemetry: unknown exporter %q", kind)
	}
}
