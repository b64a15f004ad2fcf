package config

import (
	"fmt"
	"time"

	"martetl/internal/schema"
	"martetl/internal/storage"
)

type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
)

// Issue is one validation finding. Path points into the JSON document
// ("tables[1].dedupe.order_by[0].column").
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// ValidatePipeline checks a decoded pipeline for structural problems before
// anything runs. Errors make the config unusable; warnings are printed and
// the run proceeds.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	errf := func(path, format string, a ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		issues = append(issues, Issue{SeverityWarn, path, fmt.Sprintf(format, a...)})
	}

	if p.Job == "" {
		warnf("job", "job name is empty; metrics and logs will use a default")
	}
	if len(p.Tables) == 0 {
		errf("tables", "at least one source table is required")
	}

	if p.Batch.AsOf != "" {
		if _, err := ParseAsOf(p.Batch.AsOf); err != nil {
			errf("batch.as_of", "%v", err)
		}
	}

	tableNames := make(map[string]bool, len(p.Tables))
	for i, t := range p.Tables {
		path := fmt.Sprintf("tables[%d]", i)
		if t.Name == "" {
			errf(path+".name", "table name is required")
		} else if tableNames[t.Name] {
			errf(path+".name", "duplicate table name %q", t.Name)
		}
		tableNames[t.Name] = true

		validateSource(t.Source, path+".source", errf)
		validateParser(t.Parser, path+".parser", errf)
		validateColumns(t, path, errf)
		validateDedupe(t, path, errf)
		validateQuality(t, path, errf)

		if f := t.Reject.MaxViolationFraction; f < 0 || f > 1 {
			errf(path+".reject.max_violation_fraction", "must be within [0,1], got %v", f)
		}
		if t.Reject.MinRows < 0 {
			errf(path+".reject.min_rows", "must be >= 0, got %d", t.Reject.MinRows)
		}
	}

	featureNames := make(map[string]bool, len(p.Features))
	for i, f := range p.Features {
		path := fmt.Sprintf("features[%d]", i)
		if f.Name == "" {
			errf(path+".name", "feature table name is required")
		} else if featureNames[f.Name] || tableNames[f.Name] {
			errf(path+".name", "duplicate table name %q", f.Name)
		}
		featureNames[f.Name] = true

		validateFeature(p, f, path, errf)
	}

	validateStorage(p, tableNames, featureNames, errf, warnf)

	return issues
}

func validateSource(s Source, path string, errf func(string, string, ...any)) {
	switch s.Kind {
	case "file":
		if s.File == nil || s.File.Path == "" {
			errf(path+".file.path", "file source requires a path")
		}
	case "http":
		if s.HTTP == nil || s.HTTP.URL == "" {
			errf(path+".http.url", "http source requires a url")
		} else if s.HTTP.Timeout != "" {
			if _, err := time.ParseDuration(s.HTTP.Timeout); err != nil {
				errf(path+".http.timeout", "bad duration %q", s.HTTP.Timeout)
			}
		}
	case "":
		errf(path+".kind", "source kind is required")
	default:
		errf(path+".kind", "unknown source kind %q (want file or http)", s.Kind)
	}
}

func validateParser(pr Parser, path string, errf func(string, string, ...any)) {
	switch pr.Kind {
	case "csv", "jsonl":
	case "":
		errf(path+".kind", "parser kind is required")
	default:
		errf(path+".kind", "unknown parser kind %q (want csv or jsonl)", pr.Kind)
	}
}

func validateColumns(t Table, path string, errf func(string, string, ...any)) {
	if len(t.Columns) == 0 {
		errf(path+".columns", "at least one column is required")
		return
	}
	if _, err := schema.Compile(t.Schema()); err != nil {
		errf(path+".columns", "%v", err)
	}

	declared := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		declared[c.Name] = true
	}
	for j, k := range t.Key {
		if !declared[k] {
			errf(fmt.Sprintf("%s.key[%d]", path, j), "key column %q is not declared", k)
		}
	}
}

func validateDedupe(t Table, path string, errf func(string, string, ...any)) {
	if t.Dedupe == nil {
		return
	}
	if len(t.Key) == 0 {
		errf(path+".dedupe", "dedupe requires table key columns")
	}
	switch t.Dedupe.Policy {
	case "", "stable", "strict":
	default:
		errf(path+".dedupe.policy", "unknown policy %q (want stable or strict)", t.Dedupe.Policy)
	}

	declared := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		declared[c.Name] = true
	}
	for j, ob := range t.Dedupe.OrderBy {
		if !declared[ob.Column] {
			errf(fmt.Sprintf("%s.dedupe.order_by[%d].column", path, j),
				"order_by column %q is not declared", ob.Column)
		}
	}
}

func validateQuality(t Table, path string, errf func(string, string, ...any)) {
	q := t.Quality
	if q == nil {
		return
	}
	if f := q.MaxNullRowFraction; f != nil && (*f < 0 || *f > 1) {
		errf(path+".quality.max_null_row_fraction", "must be within [0,1], got %v", *f)
	}

	declared := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		declared[c.Name] = true
	}
	for col, cq := range q.Columns {
		cpath := fmt.Sprintf("%s.quality.columns[%s]", path, col)
		if !declared[col] {
			errf(cpath, "quality column %q is not declared", col)
		}
		if f := cq.MaxNullFraction; f != nil && (*f < 0 || *f > 1) {
			errf(cpath+".max_null_fraction", "must be within [0,1], got %v", *f)
		}
		if cq.MinDistinct != nil && *cq.MinDistinct < 0 {
			errf(cpath+".min_distinct", "must be >= 0, got %d", *cq.MinDistinct)
		}
		if cq.MinDistinct != nil && cq.MaxDistinct != nil && *cq.MinDistinct > *cq.MaxDistinct {
			errf(cpath, "min_distinct %d exceeds max_distinct %d", *cq.MinDistinct, *cq.MaxDistinct)
		}
		if cq.MinValue != nil && cq.MaxValue != nil && *cq.MinValue > *cq.MaxValue {
			errf(cpath, "min_value %v exceeds max_value %v", *cq.MinValue, *cq.MaxValue)
		}
	}
}

func validateFeature(p Pipeline, f FeatureTable, path string, errf func(string, string, ...any)) {
	base, ok := p.Table(f.Base)
	if !ok {
		errf(path+".base", "base table %q is not configured", f.Base)
	}
	if len(f.Key) == 0 {
		errf(path+".key", "feature table requires entity key columns")
	} else if ok {
		declared := make(map[string]bool, len(base.Columns))
		for _, c := range base.Columns {
			declared[c.Name] = true
		}
		for j, k := range f.Key {
			if !declared[k] {
				errf(fmt.Sprintf("%s.key[%d]", path, j),
					"key column %q is not declared on base table %q", k, f.Base)
			}
		}
	}

	if f.AsOf != "" {
		if _, err := ParseAsOf(f.AsOf); err != nil {
			errf(path+".as_of", "%v", err)
		}
	}

	if len(f.Columns) == 0 {
		errf(path+".columns", "at least one feature column is required")
	}
	colNames := make(map[string]bool, len(f.Columns))
	for j, c := range f.Columns {
		cpath := fmt.Sprintf("%s.columns[%d]", path, j)
		if c.Name == "" {
			errf(cpath+".name", "feature column name is required")
		} else if colNames[c.Name] {
			errf(cpath+".name", "duplicate feature column %q", c.Name)
		}
		colNames[c.Name] = true

		if c.Kind == "" {
			errf(cpath+".kind", "feature kind is required")
		}
		if c.From != "" {
			if _, ok := p.Table(c.From); !ok {
				errf(cpath+".from", "input table %q is not configured", c.From)
			}
		}
	}
}

func validateStorage(p Pipeline, tables, features map[string]bool,
	errf, warnf func(string, string, ...any)) {

	s := p.Storage
	if len(s.Tables) == 0 {
		warnf("storage.tables", "no warehouse tables configured; results are only reported")
		return
	}
	if s.Kind == "" {
		errf("storage.kind", "storage kind is required when warehouse tables are configured")
	}
	if s.DSN == "" {
		errf("storage.dsn", "storage dsn is required when warehouse tables are configured")
	}

	warehouse := make(map[string]bool, len(s.Tables))
	for _, spec := range s.Tables {
		warehouse[spec.Name] = true
	}

	for i, spec := range s.Tables {
		path := fmt.Sprintf("storage.tables[%d]", i)
		if spec.Name == "" {
			errf(path+".name", "warehouse table name is required")
		}
		if len(spec.Columns) == 0 {
			errf(path+".columns", "at least one column is required")
		}
		declared := make(map[string]bool, len(spec.Columns))
		for _, c := range spec.Columns {
			declared[c.Name] = true
		}

		src := spec.SourceTable()
		if !tables[src] && !features[src] {
			errf(path+".load.from_table", "source table %q is not configured", src)
		}

		switch spec.Load.Kind {
		case "fact":
			if spec.History != nil {
				errf(path+".history", "fact tables cannot be versioned")
			}
			if d := spec.Load.Dedupe; d != nil {
				for _, col := range d.ConflictColumns {
					if !declared[col] {
						errf(path+".load.dedupe", "conflict column %q is not declared", col)
					}
				}
			}
			if h := spec.Load.Hash; h != nil {
				if h.Column == "" {
					errf(path+".load.hash.column", "hash column name is required")
				} else if !declared[h.Column] {
					errf(path+".load.hash.column", "hash column %q is not declared", h.Column)
				}
				for _, f := range h.Fields {
					if !declared[f] {
						errf(path+".load.hash.fields", "hash field %q is not declared", f)
					}
				}
			}
		case "dimension":
			if spec.History == nil || len(spec.History.Key) == 0 {
				errf(path+".history.key", "dimension tables require history key columns")
			} else {
				for _, k := range spec.History.Key {
					if !declared[k] {
						errf(path+".history.key", "key column %q is not declared", k)
					}
				}
				for _, c := range spec.History.TrackColumns {
					if !declared[c] {
						errf(path+".history.track_columns", "tracked column %q is not declared", c)
					}
				}
			}
			if spec.Load.Hash != nil {
				errf(path+".load.hash", "versioned tables hash tracked columns via history, not load.hash")
			}
		case "":
			errf(path+".load.kind", "load kind is required (dimension or fact)")
		default:
			errf(path+".load.kind", "unknown load kind %q", spec.Load.Kind)
		}

		for _, c := range spec.Columns {
			switch c.Provenance {
			case "", "batch_id", "source", "ingested_at":
			default:
				errf(path, "column %q has unknown provenance %q (want batch_id, source or ingested_at)",
					c.Name, c.Provenance)
			}

			if c.References == "" {
				continue
			}
			refTable, _, ok := storage.SplitReference(c.References)
			if !ok {
				errf(path, "column %q references %q; want \"table.column\"", c.Name, c.References)
				continue
			}
			if !warehouse[refTable] {
				warnf(path, "column %q references table %q not managed by this pipeline", c.Name, refTable)
			}
		}
	}
}

// ParseAsOf parses a batch anchor instant: a date or an RFC3339 timestamp.
func ParseAsOf(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("bad as_of %q (want RFC3339 or 2006-01-02)", s)
}
