package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"martetl/internal/config"
	"martetl/internal/feature"
	"martetl/internal/metrics"
	"martetl/internal/metrics/datadog"
	"martetl/internal/pipeline"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "martetl/internal/storage/all"
)

// runner executes a parsed pipeline config. *pipeline.Runner satisfies it.
type runner interface {
	Run(ctx context.Context, cfg config.Pipeline) (*pipeline.Report, error)
}

// metricsBackend is the slice of a metrics backend the CLI shuts down.
type metricsBackend interface {
	Close() error
}

// Seams for tests. Production code never reassigns these.
var (
	logPrintf         = log.Printf
	setMetricsBackend = func(b any) { metrics.SetBackend(b.(metrics.Backend)) }
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
)

// appDeps carries the side-effecting collaborators of runMain so tests can
// substitute deterministic fakes.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	unmarshal   func(data []byte, v any) error
	newRunner   func(logger pipeline.Logger) runner
	initMetrics func(ctx context.Context, jobName, backendName string) (func(), error)
}

// main is the entry point for the martetl binary. It loads and validates the
// pipeline config, optionally initializes a metrics backend, and executes the
// batch run.
func main() {
	deps := appDeps{
		readFile:    os.ReadFile,
		unmarshal:   json.Unmarshal,
		newRunner:   func(logger pipeline.Logger) runner { return pipeline.NewRunner(logger) },
		initMetrics: initMetrics,
	}
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, deps))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("martetl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath      string
		validateOnly bool
		metricsFlg   string
		reportPath   string
		verbose      bool
	)
	fs.StringVar(&cfgPath, "config", "", "pipeline config JSON path")
	fs.BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	fs.StringVar(&metricsFlg, "metrics-backend", "", "metrics backend (none|datadog); env METRICS_BACKEND is the fallback")
	fs.StringVar(&reportPath, "report", "", "write the run report JSON to this path (overrides config)")
	fs.BoolVar(&verbose, "v", false, "enable verbose run logs")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: martetl -config path/to/pipeline.json [-validate] [-report path] [-metrics-backend none|datadog] [-v]")
		return 2
	}

	raw, err := deps.readFile(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 1
	}

	var cfg config.Pipeline
	if err := deps.unmarshal(raw, &cfg); err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 1
	}

	issues := append(config.ValidatePipeline(cfg), feature.ValidateColumns(cfg.Features)...)
	invalid := false
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
		if iss.Severity == config.SeverityError {
			invalid = true
		}
	}
	if invalid {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", cfgPath)
		return 1
	}
	if validateOnly {
		fmt.Fprintf(stdout, "configuration is valid: %s\n", cfgPath)
		return 0
	}

	// Decide metrics backend: flag, then environment.
	backendName := metricsFlg
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	cleanup, err := deps.initMetrics(ctx, jobName(cfg), backendName)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	if reportPath != "" {
		cfg.Report = reportPath
	}

	var logger pipeline.Logger
	if verbose {
		logger = log.New(stderr, "", log.LstdFlags)
	}

	if _, err := deps.newRunner(logger).Run(ctx, cfg); err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "ok")
	return 0
}

// initMetrics wires the named metrics backend into the process and returns a
// cleanup that flushes buffered metrics. The nop backend stays in place for
// "none", so runs without a metrics endpoint record nothing.
func initMetrics(ctx context.Context, jobName, backendName string) (func(), error) {
	nop := func() {}
	switch backendName {
	case "", "none", "noop":
		return nop, nil

	case "datadog", "dd":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return nop, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			// Close stops the periodic flush loop and submits one final time.
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return nop, fmt.Errorf("unknown metrics backend %q (none|datadog)", backendName)
	}
}

func jobName(cfg config.Pipeline) string {
	if cfg.Job != "" {
		return cfg.Job
	}
	return "martetl_job"
}
