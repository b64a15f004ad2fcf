package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"martetl/internal/config"
	"martetl/internal/metrics"
	"martetl/internal/storage"
	"martetl/internal/transformer"
	"martetl/pkg/records"
)

// provenance fills warehouse provenance columns for one load.
type provenance struct {
	BatchID    string
	Source     string
	IngestedAt time.Time
}

// cellGetter resolves one insert cell from a cleaned record and the batch
// provenance.
type cellGetter func(rec records.Record, pv provenance) any

// loadPlan is one warehouse table's compiled write: insert column order,
// per-column getters, hash stage and reference checks resolved to indices
// once so the write loop never looks names up per row.
type loadPlan struct {
	Spec storage.TableSpec
	Kind string
	From string

	Columns []string
	getters []cellGetter

	Hash *hashPlan
	Refs []refPlan
}

type hashPlan struct {
	Column string
	Index  int
	Fields []string
}

type refPlan struct {
	Column    string
	Index     int
	Table     string
	KeyColumn string
	Nullable  bool
}

func compileLoadPlans(cfg config.Pipeline) ([]loadPlan, error) {
	declared := make(map[string]bool, len(cfg.Tables)+len(cfg.Features))
	for _, t := range cfg.Tables {
		declared[t.Name] = true
	}
	for _, f := range cfg.Features {
		declared[f.Name] = true
	}

	plans := make([]loadPlan, 0, len(cfg.Storage.Tables))
	for _, spec := range cfg.Storage.Tables {
		p, err := compileLoadPlan(spec, declared)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func compileLoadPlan(spec storage.TableSpec, declared map[string]bool) (loadPlan, error) {
	p := loadPlan{Spec: spec, Kind: spec.Load.Kind, From: spec.SourceTable()}

	switch p.Kind {
	case "dimension", "fact":
	default:
		return p, fmt.Errorf("storage table %s: unknown load kind %q", spec.Name, spec.Load.Kind)
	}
	if !declared[p.From] {
		return p, fmt.Errorf("storage table %s: source table %q is not declared", spec.Name, p.From)
	}

	for _, c := range spec.Columns {
		p.Columns = append(p.Columns, c.Name)
		p.getters = append(p.getters, getterFor(c))
	}

	if err := compileHash(&p, spec); err != nil {
		return p, err
	}
	compileRefs(&p, spec)
	return p, nil
}

func getterFor(c storage.ColumnSpec) cellGetter {
	switch c.Provenance {
	case "batch_id":
		return func(_ records.Record, pv provenance) any { return pv.BatchID }
	case "source":
		return func(_ records.Record, pv provenance) any { return pv.Source }
	case "ingested_at":
		return func(_ records.Record, pv provenance) any { return pv.IngestedAt }
	}
	name := c.Name
	return func(rec records.Record, _ provenance) any { return rec[name] }
}

// compileHash resolves the hash column and its input fields. Versioned tables
// hash their tracked attributes; fact tables hash what load.hash declares.
// Provenance columns change every run and are never hashed by default, so a
// re-run over identical input stays a no-op.
func compileHash(p *loadPlan, spec storage.TableSpec) error {
	var column string
	var fields []string

	switch {
	case spec.History != nil:
		column = spec.History.Hash()
		fields = spec.History.TrackColumns
		if len(fields) == 0 {
			fields = defaultHashFields(spec, column, spec.History.Key)
		}
	case spec.Load.Hash != nil:
		column = spec.Load.Hash.Column
		fields = spec.Load.Hash.Fields
		if len(fields) == 0 {
			fields = defaultHashFields(spec, column, nil)
		}
	default:
		return nil
	}

	if len(fields) == 0 {
		return fmt.Errorf("storage table %s: no fields to hash into %s", spec.Name, column)
	}

	have := make(map[string]int, len(p.Columns))
	for i, c := range p.Columns {
		have[c] = i
	}
	for _, f := range fields {
		if _, ok := have[f]; !ok {
			return fmt.Errorf("storage table %s: hash field %q is not a declared column", spec.Name, f)
		}
	}

	idx, ok := have[column]
	if !ok {
		// Versioned tables usually leave the hash column to the backend's
		// metadata DDL; the insert still has to carry a value for it.
		idx = len(p.Columns)
		p.Columns = append(p.Columns, column)
		p.getters = append(p.getters, func(records.Record, provenance) any { return nil })
	}

	p.Hash = &hashPlan{Column: column, Index: idx, Fields: fields}
	return nil
}

// defaultHashFields is every declared column except the hash column itself,
// the given entity key columns and provenance columns.
func defaultHashFields(spec storage.TableSpec, hashColumn string, excludeKey []string) []string {
	skip := map[string]bool{hashColumn: true}
	for _, k := range excludeKey {
		skip[k] = true
	}
	out := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		if skip[c.Name] || c.Provenance != "" {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}

// compileRefs resolves fact reference checks. Only fact appends screen;
// dimension merges never look keys up.
func compileRefs(p *loadPlan, spec storage.TableSpec) {
	if p.Kind != "fact" {
		return
	}
	idx := make(map[string]int, len(p.Columns))
	for i, c := range p.Columns {
		idx[c] = i
	}
	for _, r := range spec.References() {
		c, _ := spec.Column(r.Column)
		nullable := c.Nullable == nil || *c.Nullable
		p.Refs = append(p.Refs, refPlan{
			Column:    r.Column,
			Index:     idx[r.Column],
			Table:     r.Table,
			KeyColumn: r.KeyColumn,
			Nullable:  nullable,
		})
	}
}

// materialize builds positional insert rows in plan column order.
func (p *loadPlan) materialize(rows []records.Record, pv provenance) [][]any {
	out := make([][]any, len(rows))
	for i, rec := range rows {
		vals := make([]any, len(p.getters))
		for j, get := range p.getters {
			vals[j] = get(rec, pv)
		}
		out[i] = vals
	}
	return out
}

// applyHash fills the plan's hash column on every materialized row by running
// the transformer hash stage over pooled copies. Dimension and fact hashes
// share one canonicalization that way.
func (p *loadPlan) applyHash(ctx context.Context, rows [][]any) {
	if p.Hash == nil || len(rows) == 0 {
		return
	}

	// out is sized to hold every row so the stage never blocks.
	in := make(chan *transformer.Row, len(rows))
	out := make(chan *transformer.Row, len(rows))
	for i, vals := range rows {
		r := transformer.GetRow(len(p.Columns))
		copy(r.V, vals)
		r.Line = i + 1
		in <- r
	}
	close(in)

	transformer.HashLoopRows(ctx, p.Columns, in, out, transformer.HashSpec{
		Fields:      p.Hash.Fields,
		TargetField: p.Hash.Column,
		TrimSpace:   true,
	}, nil)
	close(out)

	for r := range out {
		rows[r.Line-1][p.Hash.Index] = r.V[p.Hash.Index]
		r.Free()
	}
}

// mergeDimension merges one versioned table. One call per table keeps a
// single writer per dimension; now is the batch instant so every version
// opened in this run shares one validity boundary.
func (e *Engine) mergeDimension(ctx context.Context, p *loadPlan, rows [][]any, now time.Time, wr *WriteReport) error {
	logf := e.logger()
	start := time.Now()

	stats, err := e.Repo.MergeSCD2(ctx, p.Spec, p.Columns, rows, now)
	metrics.RecordStage("write", p.Spec.Name, err, time.Since(start))
	if err != nil {
		return fmt.Errorf("merge %s: %w", p.Spec.Name, err)
	}

	wr.Status = StatusOK
	wr.Inserted = stats.Inserted
	wr.Superseded = stats.Superseded
	wr.Unchanged = stats.Unchanged
	metrics.RecordRows("written", p.Spec.Name, stats.Inserted+stats.Superseded)
	logf("stage=write table=%s kind=dimension rows=%d inserted=%d superseded=%d unchanged=%d duration=%s",
		p.Spec.Name, len(rows), stats.Inserted, stats.Superseded, stats.Unchanged, durMS(start))
	return nil
}

// appendFact screens and appends fact rows. Batches fan out to loader
// workers; each worker keeps its own cache of resolved keys so workers never
// contend on a lock.
func (e *Engine) appendFact(ctx context.Context, rt config.Runtime, p *loadPlan, mat [][]any, wr *WriteReport) error {
	logf := e.logger()
	start := time.Now()

	batchSize := rt.BatchSize
	if batchSize <= 0 {
		batchSize = 1024
	}
	workers := rt.LoaderWorkers
	if workers <= 0 {
		workers = 1
	}

	rejects := NewRejectLog(rt.RejectSampleSize)

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

	type factBatch struct {
		first int // 0-based position of rows[0] in the cleaned table
		rows  [][]any
	}
	batchCh := make(chan factBatch, workers*2)

	var inserted atomic.Int64

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()

			// Found keys only. Dimensions are written before any fact, so a
			// key once found stays valid for the rest of the run.
			cache := make(map[string]map[string]struct{}, len(p.Refs))

			for b := range batchCh {
				select {
				case <-ctx.Done():
					continue
				default:
				}

				kept, err := e.screenBatch(ctx, p, b.rows, b.first, cache, rejects)
				if err != nil {
					setErr(err)
					continue
				}
				if len(kept) == 0 {
					continue
				}
				n, err := e.Repo.AppendRows(ctx, p.Spec, p.Columns, kept)
				if err != nil {
					setErr(err)
					continue
				}
				inserted.Add(n)
			}
		}()
	}

	for first := 0; first < len(mat); first += batchSize {
		end := first + batchSize
		if end > len(mat) {
			end = len(mat)
		}
		select {
		case batchCh <- factBatch{first: first, rows: mat[first:end]}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(batchCh)
	wg.Wait()

	select {
	case err := <-errCh:
		metrics.RecordStage("write", p.Spec.Name, err, time.Since(start))
		return fmt.Errorf("append %s: %w", p.Spec.Name, err)
	default:
	}

	wr.Status = StatusOK
	wr.Inserted = inserted.Load()
	wr.Screened = rejects.Total()
	wr.Rejects = rejects.Samples()
	metrics.RecordStage("write", p.Spec.Name, nil, time.Since(start))
	metrics.RecordRows("written", p.Spec.Name, wr.Inserted)
	metrics.RecordRows("screened", p.Spec.Name, wr.Screened)
	logf("stage=write table=%s kind=fact rows=%d inserted=%d screened=%d duration=%s",
		p.Spec.Name, len(mat), wr.Inserted, wr.Screened, durMS(start))
	return nil
}

// screenBatch drops rows whose reference keys are not present in their
// dimension, reporting each as a reject. Cache misses resolve with one
// lookup per referenced table per batch.
func (e *Engine) screenBatch(
	ctx context.Context,
	p *loadPlan,
	rows [][]any,
	first int,
	cache map[string]map[string]struct{},
	rejects *RejectLog,
) ([][]any, error) {
	if len(p.Refs) == 0 {
		return rows, nil
	}

	for _, ref := range p.Refs {
		ck := ref.Table + "." + ref.KeyColumn
		known := cache[ck]
		if known == nil {
			known = make(map[string]struct{})
			cache[ck] = known
		}

		var missing []any
		asked := make(map[string]struct{})
		for _, row := range rows {
			v := row[ref.Index]
			nk := storage.NormalizeKey(v)
			if nk == "" {
				continue
			}
			if _, ok := known[nk]; ok {
				continue
			}
			if _, dup := asked[nk]; dup {
				continue
			}
			asked[nk] = struct{}{}
			missing = append(missing, v)
		}
		if len(missing) == 0 {
			continue
		}

		found, err := e.Repo.SelectExistingKeys(ctx, ref.Table, ref.KeyColumn, missing)
		if err != nil {
			return nil, err
		}
		for k := range found {
			known[k] = struct{}{}
		}
	}

	kept := make([][]any, 0, len(rows))
	for i, row := range rows {
		ok := true
		for _, ref := range p.Refs {
			v := row[ref.Index]
			nk := storage.NormalizeKey(v)
			if nk == "" {
				if ref.Nullable {
					continue
				}
				rejects.Add(Reject{
					Kind:   KindReferential,
					Row:    first + i + 1,
					Column: ref.Column,
					Reason: fmt.Sprintf("null key referencing %s.%s", ref.Table, ref.KeyColumn),
				})
				ok = false
				break
			}
			if _, exists := cache[ref.Table+"."+ref.KeyColumn][nk]; !exists {
				rejects.Add(Reject{
					Kind:   KindReferential,
					Row:    first + i + 1,
					Column: ref.Column,
					Key:    nk,
					Reason: fmt.Sprintf("key not present in %s.%s", ref.Table, ref.KeyColumn),
				})
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, row)
		}
	}
	return kept, nil
}
