package pipeline

import (
	"context"
	"fmt"
	"time"

	"martetl/internal/config"
	"martetl/internal/feature"
	"martetl/internal/metrics"
	"martetl/internal/source"
	"martetl/internal/storage"
)

// Runner validates a pipeline config, opens the warehouse, runs the engine
// and writes the run report. It is the piece cmd/martetl calls.
type Runner struct {
	Logger Logger

	// NewRepository is a seam for opening the warehouse; nil means
	// storage.New.
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	Open source.OpenFunc
	Now  func() time.Time
}

func NewRunner(logger Logger) *Runner {
	return &Runner{Logger: logger}
}

// Run validates cfg, executes the batch and writes the report when
// cfg.Report names a path. The report is returned even when the run failed
// partway, so callers can inspect what completed.
func (r *Runner) Run(ctx context.Context, cfg config.Pipeline) (*Report, error) {
	logf := r.logf()

	issues := config.ValidatePipeline(cfg)
	issues = append(issues, feature.ValidateColumns(cfg.Features)...)
	errs := 0
	for _, is := range issues {
		logf("config %s %s: %s", is.Severity, is.Path, is.Message)
		if is.Severity == config.SeverityError {
			errs++
		}
	}
	if errs > 0 {
		return nil, fmt.Errorf("config has %d error(s)", errs)
	}

	// A pipeline with no warehouse configured still runs; validation has
	// already warned that results are only reported.
	repo := storage.Nop()
	if cfg.Storage.Kind != "" {
		newRepo := r.NewRepository
		if newRepo == nil {
			newRepo = storage.New
		}
		var err error
		repo, err = newRepo(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
	}
	defer repo.Close()

	eng := &Engine{Repo: repo, Logger: r.Logger, Open: r.Open, Now: r.Now}
	rep, runErr := eng.Run(ctx, cfg)

	if rep != nil && cfg.Report != "" {
		if werr := rep.WriteFile(cfg.Report); werr != nil {
			if runErr == nil {
				runErr = werr
			} else {
				logf("stage=report error=%q", werr)
			}
		} else {
			logf("stage=report path=%s", cfg.Report)
		}
	}

	if err := metrics.Flush(); err != nil {
		logf("stage=metrics flush error=%q", err)
	}
	return rep, runErr
}

func (r *Runner) logf() func(format string, v ...any) {
	if r.Logger == nil {
		return (&Engine{}).logger()
	}
	return r.Logger.Printf
}
