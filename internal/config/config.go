// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Exporter settings.
	ConnectionString string // CNX_STR; OTLP endpoint the exporter is bound to. Passed through unvalidated.
	Exporter         string // "otlp", "prometheus", or "noop"
	ServiceName      string
	OTELInsecure     bool
	ExportInterval   time.Duration
	PrometheusAddr   string // Listen address for /metrics when Exporter is "prometheus".

	// Batch settings.
	DagID              string
	Iterations         int
	Parallelism        int     // Number of DAG chains run concurrently.
	FailureProbability float64 // Chance that a simulated stage fails.

	// Pacing between stages and between iterations. A zero maximum disables
	// that pacing, whatever the minimum.
	PaceMin           time.Duration
	PaceMax           time.Duration
	IterationPauseMin time.Duration
	IterationPauseMax time.Duration

	// Operational settings.
	LogLevel        string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// It reports unparseable values but does not call Validate; callers apply
// their overrides first and validate the result.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		ConnectionString: envStr("CNX_STR", ""),
		Exporter:         envStr("DAGRUN_EXPORTER", "otlp"),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "dagrun"),
		PrometheusAddr:   envStr("DAGRUN_PROMETHEUS_ADDR", ":9464"),
		DagID:            envStr("DAGRUN_DAG_ID", "thedag"),
		LogLevel:         envStr("DAGRUN_LOG_LEVEL", "info"),
	}

	var err error
	cfg.OTELInsecure, err = envBool("DAGRUN_OTEL_INSECURE", false)
	collect(err)
	cfg.ExportInterval, err = envDuration("DAGRUN_EXPORT_INTERVAL", 15*time.Second)
	collect(err)
	cfg.Iterations, err = envInt("DAGRUN_ITERATIONS", 100)
	collect(err)
	cfg.Parallelism, err = envInt("DAGRUN_PARALLELISM", 1)
	collect(err)
	cfg.FailureProbability, err = envFloat("DAGRUN_FAILURE_PROBABILITY", 0.1)
	collect(err)
	cfg.PaceMin, err = envDuration("DAGRUN_PACE_MIN", 1*time.Second)
	collect(err)
	cfg.PaceMax, err = envDuration("DAGRUN_PACE_MAX", 6*time.Second)
	collect(err)
	cfg.IterationPauseMin, err = envDuration("DAGRUN_ITERATION_PAUSE_MIN", 1*time.Second)
	collect(err)
	cfg.IterationPauseMax, err = envDuration("DAGRUN_ITERATION_PAUSE_MAX", 3*time.Second)
	collect(err)
	cfg.ShutdownTimeout, err = envDuration("DAGRUN_SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	switch c.Exporter {
	case "otlp", "prometheus", "noop":
	default:
		return fmt.Errorf("config: DAGRUN_EXPORTER must be otlp, prometheus or noop, got %q", c.Exporter)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("config: DAGRUN_ITERATIONS must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("config: DAGRUN_PARALLELISM must be positive")
	}
	if c.FailureProbability < 0 || c.FailureProbability > 1 {
		return fmt.Errorf("config: DAGRUN_FAILURE_PROBABILITY must be within [0, 1]")
	}
	if !validPacing(c.PaceMin, c.PaceMax) {
		return fmt.Errorf("config: DAGRUN_PACE_MIN must be non-negative and not exceed DAGRUN_PACE_MAX")
	}
	if !validPacing(c.IterationPauseMin, c.IterationPauseMax) {
		return fmt.Errorf("config: DAGRUN_ITERATION_PAUSE_MIN must be non-negative and not exceed DAGRUN_ITERATION_PAUSE_MAX")
	}
	if c.DagID == "" {
		return fmt.Errorf("config: DAGRUN_DAG_ID is required")
	}
	return nil
}

// validPacing reports whether [lo, hi] is a usable delay range. hi == 0
// disables pacing, so lo is then only required to be non-negative.
func validPacing(lo, hi time.Duration) bool {
	if lo < 0 || hi < 0 {
		return false
	}
	return hi == 0 || lo <= hi
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
