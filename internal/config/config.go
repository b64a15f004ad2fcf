// Package config defines the JSON pipeline configuration and its validation.
// One file describes a whole batch run: sources, declared schemas, dedupe and
// quality rules, derived feature tables, and warehouse load specs.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"martetl/internal/schema"
	"martetl/internal/storage"
)

type Pipeline struct {
	Job      string         `json:"job"`
	Batch    Batch          `json:"batch"`
	Tables   []Table        `json:"tables"`
	Features []FeatureTable `json:"features,omitempty"`
	Storage  Storage        `json:"storage"`
	Runtime  Runtime        `json:"runtime"`

	// Report is a path the run report JSON is written to. Empty disables the
	// file; the report is still logged.
	Report string `json:"report,omitempty"`
}

// Batch identifies one run. Zero values are resolved at run start: ID gets a
// fresh UUID, AsOf defaults per feature table (see FeatureTable.AsOf).
type Batch struct {
	ID   string `json:"id,omitempty"`
	AsOf string `json:"as_of,omitempty"` // RFC3339 or 2006-01-02
}

// Table declares one source table: where it comes from, how to parse it, and
// the declared schema the rows must satisfy.
type Table struct {
	Name   string `json:"name"`
	Source Source `json:"source"`
	Parser Parser `json:"parser"`

	Columns []schema.ColumnSpec `json:"columns"`

	// DateLayout overrides date parsing for this table's date columns.
	DateLayout string `json:"date_layout,omitempty"`

	// Key lists the entity key columns. Required when Dedupe is set or the
	// table feeds a versioned warehouse table.
	Key []string `json:"key,omitempty"`

	Dedupe  *Dedupe  `json:"dedupe,omitempty"`
	Quality *Quality `json:"quality,omitempty"`

	// Reject tunes the validator's fail-fast limit.
	Reject Reject `json:"reject"`
}

type Source struct {
	Kind string      `json:"kind"` // "file" | "http"
	File *FileSource `json:"file,omitempty"`
	HTTP *HTTPSource `json:"http,omitempty"`
}

type FileSource struct {
	Path string `json:"path"`
}

type HTTPSource struct {
	URL     string `json:"url"`
	Timeout string `json:"timeout,omitempty"` // Go duration, default 60s
}

type Parser struct {
	Kind    string  `json:"kind"` // "csv" | "jsonl"
	Options Options `json:"options,omitempty"`
}

type Reject struct {
	MaxViolationFraction float64 `json:"max_violation_fraction,omitempty"` // default 0.05
	MinRows              int     `json:"min_rows,omitempty"`               // default 100
}

// Dedupe keeps one row per entity key.
type Dedupe struct {
	// OrderBy ranks rows within a key group; the first-ranked row is kept.
	// Ties fall back to original input order under policy "stable" (default);
	// policy "strict" rejects tied groups instead.
	OrderBy []OrderBy `json:"order_by,omitempty"`
	Policy  string    `json:"policy,omitempty"`
}

type OrderBy struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Quality bounds the profiled shape of a cleaned table. Any violated bound
// quarantines the table: the batch continues, that table stops.
type Quality struct {
	MaxNullRowFraction *float64                 `json:"max_null_row_fraction,omitempty"`
	Columns            map[string]ColumnQuality `json:"columns,omitempty"`
}

type ColumnQuality struct {
	MaxNullFraction *float64 `json:"max_null_fraction,omitempty"`
	MinDistinct     *int64   `json:"min_distinct,omitempty"`
	MaxDistinct     *int64   `json:"max_distinct,omitempty"`
	MinValue        *float64 `json:"min_value,omitempty"`
	MaxValue        *float64 `json:"max_value,omitempty"`
}

// FeatureTable declares one derived table keyed by the base table's entity
// key, with one output column per feature.
type FeatureTable struct {
	Name string `json:"name"`

	// Base names the cleaned table supplying the entity population.
	Base string   `json:"base"`
	Key  []string `json:"key"`

	// AsOf anchors recency features. Empty falls back to Batch.AsOf, then to
	// the maximum timestamp observed in the feature's input field, which keeps
	// reruns over identical inputs identical.
	AsOf string `json:"as_of,omitempty"`

	Columns []FeatureColumn `json:"columns"`
}

type FeatureColumn struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	// From names the input table for aggregations; empty means the feature
	// reads the derived table itself (ranking over an earlier column).
	From  string `json:"from,omitempty"`
	Field string `json:"field,omitempty"`

	Options Options `json:"options,omitempty"`
}

type Storage struct {
	// Backend kind: "postgres" | "mssql" | "sqlite"
	Kind string `json:"kind"`
	DSN  string `json:"dsn"`

	// Tables + load rules used by the engine and by storage backends.
	// These types live in internal/storage so backends can consume them.
	Tables []storage.TableSpec `json:"tables"`
}

// Runtime controls pipeline execution behavior.
type Runtime struct {
	TableWorkers     int `json:"table_workers"`
	TransformWorkers int `json:"transform_workers"`
	LoaderWorkers    int `json:"loader_workers"`
	BatchSize        int `json:"batch_size"`
	ChannelBuffer    int `json:"channel_buffer"`

	// RejectSampleSize bounds how many reject examples the run report keeps
	// per table; counters stay exact regardless.
	RejectSampleSize int `json:"reject_sample_size"`

	// DebugTimings enables timing logs for expensive operations (notably
	// warehouse writes).
	DebugTimings bool `json:"debug_timings"`
}

// Load reads and decodes a pipeline config. Environment references in the
// storage DSN ($VAR / ${VAR}) are expanded so credentials stay out of the
// file.
func Load(path string) (Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var p Pipeline
	dec := json.NewDecoder(f)
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)
	return p, nil
}

// Table returns the source table config by name.
func (p Pipeline) Table(name string) (Table, bool) {
	for _, t := range p.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Feature returns the feature table config by name.
func (p Pipeline) Feature(name string) (FeatureTable, bool) {
	for _, f := range p.Features {
		if f.Name == name {
			return f, true
		}
	}
	return FeatureTable{}, false
}

// Schema builds the declared schema for a source table.
func (t Table) Schema() schema.Table {
	return schema.Table{
		Name:       t.Name,
		Columns:    t.Columns,
		DateLayout: t.DateLayout,
	}
}
