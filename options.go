package dagrun

import (
	"log/slog"

	"github.com/azmeha/dagrun/internal/metrics"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger           *slog.Logger
	version          string
	envFiles         []string
	connectionString *string
	exporter         string
	iterations       int
	parallelism      int
	noPacing         bool
	sink             metrics.Sink
	chain            ChainFactory
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry resources.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEnvFile loads variables from the given files before reading configuration.
// Missing files are ignored. Defaults to ".env".
func WithEnvFile(paths ...string) Option {
	return func(o *resolvedOptions) { o.envFiles = append(o.envFiles, paths...) }
}

// WithConnectionString overrides the exporter connection string (CNX_STR env var).
func WithConnectionString(cnx string) Option {
	return func(o *resolvedOptions) { o.connectionString = &cnx }
}

// WithExporter overrides the metrics backend (DAGRUN_EXPORTER env var).
func WithExporter(name string) Option {
	return func(o *resolvedOptions) { o.exporter = name }
}

// WithIterations overrides the number of DAG iterations (DAGRUN_ITERATIONS env var).
func WithIterations(n int) Option {
	return func(o *resolvedOptions) { o.iterations = n }
}

// WithParallelism overrides how many DAG chains run at once (DAGRUN_PARALLELISM env var).
func WithParallelism(n int) Option {
	return func(o *resolvedOptions) { o.parallelism = n }
}

// WithoutPacing disables the random delays between stages and iterations.
func WithoutPacing() Option {
	return func(o *resolvedOptions) { o.noPacing = true }
}

// WithSink records metrics on s through a dedicated recorder instead of the
// process-wide one built from the configured exporter.
func WithSink(s metrics.Sink) Option {
	return func(o *resolvedOptions) { o.sink = s }
}

// WithChain replaces the simulated ProcessOne/ProcessTwo/ProcessThree chain.
func WithChain(f ChainFactory) Option {
	return func(o *resolvedOptions) { o.chain = f }
}
