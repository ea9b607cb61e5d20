// Package dagrun is the public API for running processor DAGs and reporting
// their status and duration metrics.
//
//	app, err := dagrun.New(ctx,
//	    dagrun.WithVersion(version),
//	    dagrun.WithLogger(logger),
//	    dagrun.WithChain(myChain),
//	)
//	if err != nil { ... }
//	summary, err := app.Run(ctx)
//
// Configuration comes from the environment (see internal/config); options
// override individual values.
package dagrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/azmeha/dagrun/internal/batch"
	"github.com/azmeha/dagrun/internal/config"
	"github.com/azmeha/dagrun/internal/metrics"
	"github.com/azmeha/dagrun/internal/processor"
	"github.com/azmeha/dagrun/internal/simulate"
	"github.com/azmeha/dagrun/internal/telemetry"
)

// App is one configured batch of DAG runs. Construct with New, run with Run.
type App struct {
	cfg       config.Config
	rec       *metrics.Recorder
	exporter  *telemetry.Exporter // nil when a sink was injected
	released  bool
	runner    *processor.Runner
	chain     ChainFactory
	iterPacer simulate.RandomPacer
	logger    *slog.Logger
	version   string
}

// The exporter behind the process-wide recorder, its kind, and the number of
// Apps using it. The last App to finish shuts it down and unbinds the
// recorder, so a later New builds a fresh one.
var shared struct {
	mu       sync.Mutex
	exporter *telemetry.Exporter
	kind     string
	refs     int
}

// New loads configuration, applies options, and wires the recorder, runner
// and processor chain. It does not start any run; call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load(o.envFiles...)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.connectionString != nil {
		cfg.ConnectionString = *o.connectionString
	}
	if o.exporter != "" {
		cfg.Exporter = o.exporter
	}
	if o.iterations != 0 {
		cfg.Iterations = o.iterations
	}
	if o.parallelism != 0 {
		cfg.Parallelism = o.parallelism
	}
	if o.noPacing {
		cfg.PaceMin, cfg.PaceMax = 0, 0
		cfg.IterationPauseMin, cfg.IterationPauseMax = 0, 0
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, version: version}

	if o.sink != nil {
		a.rec = metrics.New(o.sink, metrics.WithLogger(logger))
	} else if err := a.acquireShared(ctx, cfg); err != nil {
		return nil, err
	}

	a.runner = processor.NewRunner(a.rec,
		processor.WithLogger(logger),
		processor.WithTracer(telemetry.Tracer("github.com/azmeha/dagrun")),
		processor.WithPacer(simulate.RandomPacer{Min: cfg.PaceMin, Max: cfg.PaceMax}),
	)
	a.iterPacer = simulate.RandomPacer{Min: cfg.IterationPauseMin, Max: cfg.IterationPauseMax}

	a.chain = o.chain
	if a.chain == nil {
		a.chain = simulate.Chain(cfg.DagID, simulate.Options{
			Probability: cfg.FailureProbability,
			Logger:      logger,
		})
	}

	logger.Info("dagrun ready",
		"version", version,
		"exporter", cfg.Exporter,
		"iterations", cfg.Iterations,
		"parallelism", cfg.Parallelism,
	)
	return a, nil
}

// Run executes the configured batch, then flushes telemetry. A processor
// failure never fails the batch; a metrics failure does. Cancelling ctx stops
// new iterations and is not reported as an error.
func (a *App) Run(ctx context.Context) (Summary, error) {
	var srv *http.Server
	errCh := make(chan error, 1)
	if a.exporter != nil && a.exporter.Handler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.exporter.Handler)
		srv = &http.Server{Addr: a.cfg.PrometheusAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		a.logger.Info("serving prometheus metrics", "addr", a.cfg.PrometheusAddr)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case err := <-errCh:
			a.logger.Error("metrics server failed", "error", err)
			cancel()
		case <-runCtx.Done():
		}
	}()

	sum, err := batch.Run(runCtx, a.runner, a.chain, batch.Config{
		Iterations:  a.cfg.Iterations,
		Parallelism: a.cfg.Parallelism,
		Pause:       a.iterPacer.Wait,
		Logger:      a.logger,
	})
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		a.logger.Info("dagrun interrupted", "iterations", sum.Iterations)
		err = nil
	}

	a.logger.Info("dagrun batch complete",
		"iterations", sum.Iterations,
		"runs", sum.Runs,
		"finished", sum.Count(StatusFinished),
		"active", sum.Count(StatusActive),
		"failed", sum.Count(StatusFailed),
	)

	if shutdownErr := a.shutdown(srv); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return sum, err
}

// shutdown stops the metrics server and flushes pending telemetry.
func (a *App) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.releaseShared() {
		if err := a.exporter.Shutdown(ctx); err != nil {
			return fmt.Errorf("telemetry shutdown: %w", err)
		}
	}
	return nil
}

// acquireShared binds a to the process-wide recorder for cfg's connection
// string, building the exporter on first use. Asking for a different exporter
// kind than the bound one is an ErrKeyMismatch, as is a different connection
// string.
func (a *App) acquireShared(ctx context.Context, cfg config.Config) error {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.exporter != nil && shared.kind != cfg.Exporter {
		return fmt.Errorf("recorder: %w: exporter bound to %q, asked for %q",
			metrics.ErrKeyMismatch, shared.kind, cfg.Exporter)
	}

	rec, err := metrics.Shared(cfg.ConnectionString, func(key string) (metrics.Sink, error) {
		exp, err := telemetry.NewExporter(ctx, cfg.Exporter, key, telemetry.Options{
			ServiceName:    cfg.ServiceName,
			Version:        a.version,
			Insecure:       cfg.OTELInsecure,
			ExportInterval: cfg.ExportInterval,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		shared.exporter = exp
		shared.kind = cfg.Exporter
		return exp.Sink, nil
	}, metrics.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}

	a.rec = rec
	a.exporter = shared.exporter
	if a.exporter != nil {
		shared.refs++
	}
	return nil
}

// releaseShared drops a's reference to the shared exporter. It reports true
// when a was the last user; the caller then shuts the exporter down.
func (a *App) releaseShared() bool {
	if a.exporter == nil || a.released {
		return false
	}
	a.released = true

	shared.mu.Lock()
	defer shared.mu.Unlock()
	shared.refs--
	if shared.refs > 0 {
		return false
	}
	shared.exporter = nil
	shared.kind = ""
	shared.refs = 0
	metrics.ResetShared()
	return true
}
