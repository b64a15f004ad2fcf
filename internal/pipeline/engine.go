// Package pipeline orchestrates one batch run: collect every source table
// through parse, validate, dedupe and profile; derive feature tables once all
// sources settle; then write dimensions and facts to the warehouse.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"martetl/internal/config"
	"martetl/internal/feature"
	"martetl/internal/metrics"
	"martetl/internal/source"
	"martetl/internal/storage"
	"martetl/pkg/records"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Engine runs a configured batch against a warehouse repository.
type Engine struct {
	Repo   storage.Repository
	Logger Logger

	// Open is a seam for providing source streams. When nil, source.Open is
	// used. Tests inject in-memory streams without files or servers.
	Open source.OpenFunc

	// Now is the batch clock: it anchors the batch instant used for SCD2
	// validity and the ingested_at provenance. When nil, time.Now is used.
	Now func() time.Time
}

// Run executes the full batch.
//
// Per-table data problems (fail-fast abort, quarantine) become table
// outcomes and the run continues; infrastructure failures (source open,
// storage, bad load config) stop the run with an error. The returned report
// is non-nil once the run started and covers everything up to a failure.
func (e *Engine) Run(ctx context.Context, cfg config.Pipeline) (*Report, error) {
	if e.Repo == nil {
		return nil, fmt.Errorf("pipeline: Repo is required")
	}

	logf := e.logger()
	started := e.now().UTC()
	wall := time.Now()
	metrics.RecordBatch()

	batchID := cfg.Batch.ID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	var batchAsOf time.Time
	if cfg.Batch.AsOf != "" {
		ts, err := config.ParseAsOf(cfg.Batch.AsOf)
		if err != nil {
			return nil, fmt.Errorf("batch.as_of: %w", err)
		}
		batchAsOf = ts
	}

	rep := &Report{Job: cfg.Job, BatchID: batchID, StartedAt: started}
	finish := func(err error) (*Report, error) {
		finished := e.now().UTC()
		rep.FinishedAt = finished
		rep.Duration = finished.Sub(started).Truncate(time.Millisecond).String()
		return rep, err
	}

	plans, err := compileLoadPlans(cfg)
	if err != nil {
		return finish(err)
	}

	logf("stage=run job=%s batch=%s tables=%d features=%d", cfg.Job, batchID, len(cfg.Tables), len(cfg.Features))

	ddlStart := time.Now()
	err = e.Repo.EnsureTables(ctx, cfg.Storage.Tables)
	metrics.RecordStage("ddl", "", err, time.Since(ddlStart))
	if err != nil {
		return finish(fmt.Errorf("ensure tables: %w", err))
	}
	logf("stage=ddl ok tables=%d duration=%s", len(cfg.Storage.Tables), durMS(ddlStart))

	outcomes, err := e.collectAll(ctx, cfg)
	if err != nil {
		return finish(err)
	}

	cleaned := make(map[string][]records.Record, len(outcomes))
	status := make(map[string]string, len(outcomes)+len(cfg.Features))
	sources := make(map[string]string, len(outcomes)+len(cfg.Features))
	for _, o := range outcomes {
		rep.Tables = append(rep.Tables, o.report)
		status[o.name] = o.report.Status
		sources[o.name] = o.source
		if o.report.Status == StatusOK {
			cleaned[o.name] = o.rows
		}
	}

	// Features run only after every source table settles, in declared order
	// so a feature table can rank over an earlier one.
	for _, ft := range cfg.Features {
		fr, err := e.deriveFeature(ctx, ft, batchAsOf, cleaned, status)
		if err != nil {
			return finish(err)
		}
		rep.Features = append(rep.Features, fr)
		status[ft.Name] = fr.Status
		if fr.Status == StatusOK {
			sources[ft.Name] = "derived:" + ft.Name
		}
	}

	// Dimensions before facts: referential screening must see the keys this
	// batch just merged.
	pv := provenance{BatchID: batchID, IngestedAt: started}
	for _, pass := range []string{"dimension", "fact"} {
		for i := range plans {
			p := &plans[i]
			if p.Kind != pass {
				continue
			}

			wr := WriteReport{Table: p.Spec.Name, Kind: p.Kind, From: p.From}
			if st := status[p.From]; st != StatusOK {
				wr.Status = StatusSkipped
				wr.Reason = fmt.Sprintf("source table %s is %s", p.From, st)
				logf("stage=write table=%s status=skipped reason=%q", p.Spec.Name, wr.Reason)
				rep.Writes = append(rep.Writes, wr)
				continue
			}

			rows := cleaned[p.From]
			pv.Source = sources[p.From]
			wr.RowsIn = int64(len(rows))

			mat := p.materialize(rows, pv)
			p.applyHash(ctx, mat)

			if p.Kind == "dimension" {
				err = e.mergeDimension(ctx, p, mat, started, &wr)
			} else {
				err = e.appendFact(ctx, cfg.Runtime, p, mat, &wr)
			}
			if err != nil {
				return finish(err)
			}
			rep.Writes = append(rep.Writes, wr)
		}
	}

	logf("stage=run ok job=%s batch=%s duration=%s", cfg.Job, batchID, durMS(wall))
	return finish(nil)
}

// deriveFeature materializes one feature table, or skips it when an input
// did not come out ok. Derivation errors are config or data-shape mistakes
// and stop the run.
func (e *Engine) deriveFeature(
	ctx context.Context,
	ft config.FeatureTable,
	batchAsOf time.Time,
	cleaned map[string][]records.Record,
	status map[string]string,
) (FeatureReport, error) {
	logf := e.logger()
	start := time.Now()

	fr := FeatureReport{Name: ft.Name}

	needs := []string{ft.Base}
	for _, c := range ft.Columns {
		if c.From != "" {
			needs = append(needs, c.From)
		}
	}
	for _, n := range needs {
		st, known := status[n]
		if !known {
			return fr, fmt.Errorf("feature table %s: input table %s is not available", ft.Name, n)
		}
		if st != StatusOK {
			fr.Status = StatusSkipped
			fr.Reason = fmt.Sprintf("input table %s is %s", n, st)
			metrics.RecordStage("features", ft.Name, nil, time.Since(start))
			logf("stage=features table=%s status=skipped reason=%q", ft.Name, fr.Reason)
			return fr, nil
		}
	}

	asOf := batchAsOf
	if ft.AsOf != "" {
		ts, err := config.ParseAsOf(ft.AsOf)
		if err != nil {
			return fr, fmt.Errorf("feature table %s: as_of: %w", ft.Name, err)
		}
		asOf = ts
	}

	d, err := feature.Derive(ft, asOf, feature.Inputs(cleaned))
	metrics.RecordStage("features", ft.Name, err, time.Since(start))
	if err != nil {
		return fr, err
	}

	cleaned[ft.Name] = d.Rows
	fr.Status = StatusOK
	fr.Rows = int64(len(d.Rows))
	fr.Columns = d.Columns
	metrics.RecordRows("derived", ft.Name, fr.Rows)
	logf("stage=features table=%s status=ok rows=%d duration=%s", ft.Name, len(d.Rows), durMS(start))
	return fr, nil
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		l := log.New(io.Discard, "", 0)
		return l.Printf
	}
	return e.Logger.Printf
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) open(ctx context.Context, s config.Source) (io.ReadCloser, error) {
	if e.Open != nil {
		return e.Open(ctx, s)
	}
	return source.Open(ctx, s)
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
