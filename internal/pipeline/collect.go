package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"martetl/internal/config"
	"martetl/internal/dedupe"
	"martetl/internal/metrics"
	"martetl/internal/parser/csv"
	"martetl/internal/parser/jsonl"
	"martetl/internal/profile"
	"martetl/internal/schema"
	"martetl/internal/transformer"
	"martetl/pkg/records"
)

// tableOutcome is one source table's collect result. rows is nil unless the
// table came out ok.
type tableOutcome struct {
	name   string
	source string
	rows   []records.Record
	report TableReport
}

// collectAll runs the collect stage for every source table on a bounded
// worker pool. Tables are independent; a pipeline-level failure in any of
// them cancels the rest.
func (e *Engine) collectAll(ctx context.Context, cfg config.Pipeline) ([]*tableOutcome, error) {
	workers := cfg.Runtime.TableWorkers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(cfg.Tables) {
		workers = len(cfg.Tables)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	errCh := make(chan error, 1)
	setErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
			cancel(err)
		default:
			// First error wins.
		}
	}

	outcomes := make([]*tableOutcome, len(cfg.Tables))
	jobs := make(chan int)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				o, err := e.collectTable(ctx, cfg.Runtime, cfg.Tables[i])
				if err != nil {
					setErr(err)
					continue
				}
				outcomes[i] = o
			}
		}()
	}
	for i := range cfg.Tables {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	select {
	case err := <-errCh:
		return nil, err
	default:
	}
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	return outcomes, nil
}

// collectTable runs parse -> validate -> dedupe -> profile for one table.
//
// Schema compilation and source-open failures are pipeline errors. Everything
// downstream that concerns only this table's data lands in the outcome
// (aborted or quarantined) and the batch keeps going.
func (e *Engine) collectTable(parent context.Context, rt config.Runtime, t config.Table) (*tableOutcome, error) {
	logf := e.logger()
	start := time.Now()

	rv, err := schema.Compile(t.Schema())
	if err != nil {
		return nil, err
	}

	src, err := e.open(parent, t.Source)
	if err != nil {
		return nil, err
	}

	out := &tableOutcome{name: t.Name, source: sourceDesc(t.Source)}
	out.report = TableReport{Name: t.Name, Source: out.source}

	buffer := rt.ChannelBuffer
	if buffer <= 0 {
		buffer = 256
	}
	workers := rt.TransformWorkers
	if workers <= 0 {
		workers = 1
	}

	ff := &schema.FailFast{MaxFraction: t.Reject.MaxViolationFraction, MinRows: t.Reject.MinRows}
	rejects := NewRejectLog(rt.RejectSampleSize)

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	// abort records a table-level failure and unwinds the stream. The table
	// outcome carries the reason; the pipeline itself keeps going.
	var abortOnce sync.Once
	var abortReason string
	abort := func(reason string) {
		abortOnce.Do(func() {
			abortReason = reason
			cancel(errors.New(reason))
		})
	}

	rawCh := make(chan *transformer.Row, buffer)
	validCh := make(chan *transformer.Row, buffer)

	// Malformed records count toward the same fail-fast limit as schema
	// rejects; a file full of garbage trips it the same way.
	onParseErr := func(line int, err error) {
		if err == nil {
			return
		}
		rejects.Add(Reject{Kind: KindSchemaViolation, Line: line, Reason: err.Error()})
		if ff.Observe(true) {
			abort(ff.Err(t.Name).Reason)
		}
	}

	var wgReader sync.WaitGroup
	wgReader.Add(1)
	go func() {
		defer wgReader.Done()
		defer close(rawCh)
		err := parseStream(ctx, src, rv.Columns(), t.Parser, rawCh, onParseErr)
		if err != nil && ctx.Err() == nil {
			// Terminal parser errors (bad header, unreadable stream) reject
			// the table before row processing.
			abort(err.Error())
		}
	}()

	onReject := func(v schema.Violation) {
		rejects.Add(Reject{
			Kind:   KindSchemaViolation,
			Line:   v.Line,
			Column: v.Column,
			Value:  v.Value,
			Reason: v.Reason,
		})
	}

	var wgValidate sync.WaitGroup
	wgValidate.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wgValidate.Done()
			if err := transformer.ValidateLoopRows(ctx, rawCh, validCh, rv, ff, onReject); err != nil {
				var viol schema.Violation
				if errors.As(err, &viol) {
					abort(viol.Reason)
				} else {
					abort(err.Error())
				}
			}
		}()
	}
	go func() {
		wgValidate.Wait()
		close(validCh)
	}()

	cols := rv.Columns()
	var rows []records.Record
	var lines []int
	for r := range validCh {
		rec := make(records.Record, len(cols))
		for i, c := range cols {
			rec[c] = r.V[i]
		}
		rows = append(rows, rec)
		lines = append(lines, r.Line)
		r.Free()
	}
	wgReader.Wait()

	if parent.Err() != nil {
		return nil, context.Cause(parent)
	}

	out.report.RowsSeen = ff.Seen()
	out.report.CoercedCells = rv.CoercedCells()

	if abortReason != "" {
		out.report.Status = StatusAborted
		out.report.Reasons = []string{abortReason}
		out.report.RowsRejected = rejects.Total()
		out.report.RejectsByKind = rejects.ByKind()
		out.report.Rejects = rejects.Samples()
		metrics.RecordStage("collect", t.Name, errors.New(abortReason), time.Since(start))
		metrics.RecordRows("rejected", t.Name, out.report.RowsRejected)
		logf("stage=collect table=%s status=aborted reason=%q duration=%s", t.Name, abortReason, durMS(start))
		return out, nil
	}

	var stats dedupe.Stats
	if len(t.Key) > 0 {
		opt := dedupe.Options{Key: t.Key, Lines: lines}
		if t.Dedupe != nil {
			opt.Policy = dedupe.Policy(t.Dedupe.Policy)
			for _, ob := range t.Dedupe.OrderBy {
				opt.OrderBy = append(opt.OrderBy, dedupe.OrderBy{Column: ob.Column, Desc: ob.Desc})
			}
		}
		res, err := dedupe.Deduplicate(rows, opt)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		rows = res.Kept
		stats = res.Stats
		for _, rej := range res.Rejects {
			// Nil-key rejects carry no key and are schema problems; tied
			// groups under the strict policy are ambiguity rejects.
			kind := KindSchemaViolation
			if rej.Key != "" {
				kind = KindDuplicateKey
			}
			rejects.Add(Reject{Kind: kind, Line: rej.Line, Key: rej.Key, Reason: rej.Reason})
		}
	}

	prof := profile.Profile(t.Name, cols, rows, t.Quality)

	out.report.RowsKept = int64(len(rows))
	out.report.RowsRejected = rejects.Total()
	out.report.Duplicates = stats.Dropped
	out.report.TieGroups = stats.TieGroups
	out.report.RejectsByKind = rejects.ByKind()
	out.report.Rejects = rejects.Samples()
	out.report.Profile = &prof

	metrics.RecordRows("seen", t.Name, out.report.RowsSeen)
	metrics.RecordRows("rejected", t.Name, out.report.RowsRejected)
	metrics.RecordRows("duplicates", t.Name, stats.Dropped)

	if qerr := prof.Err(); qerr != nil {
		var q *profile.QuarantineError
		errors.As(qerr, &q)
		out.report.Status = StatusQuarantined
		out.report.Reasons = q.Reasons
		metrics.RecordStage("collect", t.Name, qerr, time.Since(start))
		logf("stage=collect table=%s status=quarantined reasons=%d duration=%s", t.Name, len(q.Reasons), durMS(start))
		return out, nil
	}

	out.report.Status = StatusOK
	out.rows = rows
	metrics.RecordRows("kept", t.Name, out.report.RowsKept)
	metrics.RecordStage("collect", t.Name, nil, time.Since(start))
	logf("stage=collect table=%s status=ok seen=%d kept=%d rejected=%d duplicates=%d duration=%s",
		t.Name, out.report.RowsSeen, out.report.RowsKept, out.report.RowsRejected, stats.Dropped, durMS(start))
	return out, nil
}

// parseStream dispatches to the configured parser. Ownership of src passes
// here; every branch closes it.
func parseStream(
	ctx context.Context,
	src io.ReadCloser,
	columns []string,
	p config.Parser,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	switch p.Kind {
	case "csv", "":
		return csv.StreamCSVRows(ctx, src, columns, requireAllColumns(p.Options), out, onErr)
	case "jsonl":
		defer src.Close()
		return jsonl.StreamJSONLRows(ctx, src, columns, p.Options, out, onErr)
	default:
		src.Close()
		return fmt.Errorf("parser: unknown kind %q", p.Kind)
	}
}

// requireAllColumns defaults require_all_columns to true so a header missing
// a declared column rejects the table before row processing. An explicit
// false in the config still wins.
func requireAllColumns(opt config.Options) config.Options {
	if _, ok := opt["require_all_columns"]; ok {
		return opt
	}
	out := make(config.Options, len(opt)+1)
	for k, v := range opt {
		out[k] = v
	}
	out["require_all_columns"] = true
	return out
}

func sourceDesc(s config.Source) string {
	switch s.Kind {
	case "file":
		if s.File != nil {
			return s.File.Path
		}
	case "http":
		if s.HTTP != nil {
			return s.HTTP.URL
		}
	}
	return ""
}
