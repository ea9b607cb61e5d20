package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/azmeha/dagrun"
)

// version is set at build time via -ldflags.
var version = "dev"

// CLI flags. Anything not set here falls back to the DAGRUN_* environment.
type CLI struct {
	EnvFile    []string         `name:"env-file" help:"Dotenv file(s) to load before reading the environment" type:"path"`
	Verbose    bool             `short:"v" help:"Enable debug logging"`
	LogFormat  string           `name:"log-format" help:"Log output format" enum:"json,text" default:"json"`
	Iterations int              `short:"n" help:"Number of START/MIDDLE/END chains to run (0 = DAGRUN_ITERATIONS)"`
	Parallel   int              `short:"p" help:"Chains run concurrently (0 = DAGRUN_PARALLELISM)"`
	Exporter   string           `short:"e" help:"Metrics exporter: otlp, prometheus or noop (empty = DAGRUN_EXPORTER)"`
	Cnx        *string          `name:"cnx" help:"Exporter connection string (overrides CNX_STR)"`
	NoPace     bool             `name:"no-pace" help:"Skip the random delays between stages and iterations"`
	Version    kong.VersionFlag `name:"version" help:"Show version and exit"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("dagrun"),
		kong.Description("Run simulated processor DAGs and export their status and duration metrics."),
		kong.Vars{"version": version},
	)
	os.Exit(run0(cli))
}

func run0(cli CLI) int {
	logger := newLogger(os.Stdout, cli.LogFormat, logLevel(cli.Verbose, os.Getenv("DAGRUN_LOG_LEVEL")))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cli, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cli CLI, logger *slog.Logger) error {
	opts := []dagrun.Option{
		dagrun.WithLogger(logger),
		dagrun.WithVersion(version),
		dagrun.WithEnvFile(cli.EnvFile...),
		dagrun.WithExporter(cli.Exporter),
		dagrun.WithIterations(cli.Iterations),
		dagrun.WithParallelism(cli.Parallel),
	}
	if cli.Cnx != nil {
		opts = append(opts, dagrun.WithConnectionString(*cli.Cnx))
	}
	if cli.NoPace {
		opts = append(opts, dagrun.WithoutPacing())
	}

	app, err := dagrun.New(ctx, opts...)
	if err != nil {
		return err
	}
	_, err = app.Run(ctx)
	return err
}

// logLevel resolves the level from --verbose or DAGRUN_LOG_LEVEL.
func logLevel(verbose bool, env string) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(env))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
