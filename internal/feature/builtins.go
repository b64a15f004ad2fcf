package feature

import (
	"fmt"
	"sort"
	"time"

	"martetl/internal/config"
	"martetl/internal/transformer/builtin"
	"martetl/pkg/records"
)

func init() {
	Register("sum", newSum)
	Register("count", newCount)
	Register("max", newMax)
	Register("min", newMin)
	Register("recency_days", newRecency)
	Register("quintile", newQuintile)
	Register("hash", newHashCol)
	Register("custom", newCustom)
}

// column carries the declaring config and satisfies the Column interface for
// every builtin.
type column struct {
	col config.FeatureColumn
}

func (c column) Spec() config.FeatureColumn { return c.col }

// preparer is the optional pre-pass some aggregations need over the whole
// input table before per-entity calls start (the aggregation barrier).
type preparer interface {
	prepare(asOf time.Time, input []records.Record) error
}

// ---- sum ----

type sumColumn struct {
	column
	nilAsZero bool
}

func newSum(col config.FeatureColumn) (Column, error) {
	if col.Field == "" {
		return nil, fmt.Errorf("feature: sum column %s requires field", col.Name)
	}
	return &sumColumn{column{col}, col.Options.Bool("nil_as_zero", true)}, nil
}

// Entity totals the numeric field over the entity's rows. Entities absent
// from the input get 0 unless nil_as_zero=false asks for nil.
func (c *sumColumn) Entity(_ records.Record, group []records.Record) (any, error) {
	total := 0.0
	seen := false
	for _, r := range group {
		if v, ok := r.Float64(c.col.Field); ok {
			total += v
			seen = true
		}
	}
	if !seen && !c.nilAsZero {
		return nil, nil
	}
	return total, nil
}

// ---- count ----

type countColumn struct {
	column
}

func newCount(col config.FeatureColumn) (Column, error) {
	return &countColumn{column{col}}, nil
}

// Entity counts the entity's rows; with field set, only rows where that
// field is non-nil. Absent entities count 0.
func (c *countColumn) Entity(_ records.Record, group []records.Record) (any, error) {
	if c.col.Field == "" {
		return int64(len(group)), nil
	}
	var n int64
	for _, r := range group {
		if r[c.col.Field] != nil {
			n++
		}
	}
	return n, nil
}

// ---- max / min ----

type extremeColumn struct {
	column
	min       bool
	nilAsZero bool
}

func newMax(col config.FeatureColumn) (Column, error) { return newExtreme(col, false) }
func newMin(col config.FeatureColumn) (Column, error) { return newExtreme(col, true) }

func newExtreme(col config.FeatureColumn, min bool) (Column, error) {
	if col.Field == "" {
		kind := "max"
		if min {
			kind = "min"
		}
		return nil, fmt.Errorf("feature: %s column %s requires field", kind, col.Name)
	}
	return &extremeColumn{column{col}, min, col.Options.Bool("nil_as_zero", false)}, nil
}

// Entity keeps the field's native type, so a max over timestamps stays a
// timestamp. All-nil groups yield nil (or 0 under nil_as_zero).
func (c *extremeColumn) Entity(_ records.Record, group []records.Record) (any, error) {
	var best any
	for _, r := range group {
		v := r[c.col.Field]
		if v == nil {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		cmp := records.Compare(v, best)
		if (c.min && cmp < 0) || (!c.min && cmp > 0) {
			best = v
		}
	}
	if best == nil && c.nilAsZero {
		return 0.0, nil
	}
	return best, nil
}

// ---- recency_days ----

type recencyColumn struct {
	column
	nilAsZero bool
	asOf      time.Time
}

func newRecency(col config.FeatureColumn) (Column, error) {
	if col.Field == "" {
		return nil, fmt.Errorf("feature: recency_days column %s requires field", col.Name)
	}
	return &recencyColumn{column: column{col}, nilAsZero: col.Options.Bool("nil_as_zero", false)}, nil
}

// prepare resolves the anchor instant before per-entity calls: a pinned
// as-of wins; otherwise the maximum timestamp observed in the input field,
// which keeps reruns over identical inputs identical.
func (c *recencyColumn) prepare(asOf time.Time, input []records.Record) error {
	if !asOf.IsZero() {
		c.asOf = asOf
		return nil
	}
	for _, r := range input {
		if t, ok := r.Time(c.col.Field); ok && t.After(c.asOf) {
			c.asOf = t
		}
	}
	return nil
}

// Entity returns whole days between the anchor and the entity's most recent
// timestamp. Entities with no timestamp get nil (or 0 under nil_as_zero).
func (c *recencyColumn) Entity(_ records.Record, group []records.Record) (any, error) {
	var last time.Time
	for _, r := range group {
		if t, ok := r.Time(c.col.Field); ok && t.After(last) {
			last = t
		}
	}
	if last.IsZero() {
		if c.nilAsZero {
			return int64(0), nil
		}
		return nil, nil
	}
	return int64(c.asOf.Sub(last) / (24 * time.Hour)), nil
}

// ---- quintile ----

type quintileColumn struct {
	column
	invert bool
}

func newQuintile(col config.FeatureColumn) (Column, error) {
	if col.Field == "" {
		return nil, fmt.Errorf("feature: quintile column %s requires field (the ranked column)", col.Name)
	}
	return &quintileColumn{column{col}, col.Options.Bool("invert", false)}, nil
}

// Population buckets the whole population into 1..5 by the previously
// computed field, 5 being best. The sort key is (value, entity key) so ties
// and reruns assign identical scores; bucket sizes stay equal within one for
// any population size. invert=true scores "smaller is better" fields.
// Entities with a nil ranking value keep a nil score and do not consume a
// bucket slot.
func (c *quintileColumn) Population(rows []records.Record, entityKey func(records.Record) string) error {
	type member struct {
		idx int
		val any
		key string
	}
	present := make([]member, 0, len(rows))
	for i, r := range rows {
		v := r[c.col.Field]
		if v == nil {
			r[c.col.Name] = nil
			continue
		}
		present = append(present, member{i, v, entityKey(r)})
	}

	sort.Slice(present, func(i, j int) bool {
		cmp := records.Compare(present[i].val, present[j].val)
		if c.invert {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp < 0
		}
		return present[i].key < present[j].key
	})

	n := len(present)
	for i, m := range present {
		rows[m.idx][c.col.Name] = int64(i*5/n + 1)
	}
	return nil
}

// ---- hash ----

type hashColumn struct {
	column
	h builtin.Hash
}

func newHashCol(col config.FeatureColumn) (Column, error) {
	fields := col.Options.Strings("fields")
	if len(fields) == 0 && col.Field != "" {
		fields = []string{col.Field}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("feature: hash column %s requires options.fields", col.Name)
	}
	return &hashColumn{column{col}, builtin.Hash{
		Fields:            fields,
		TargetField:       col.Name,
		IncludeFieldNames: col.Options.Bool("include_field_names", false),
		Separator:         col.Options.String("separator", ""),
		Overwrite:         true,
		TrimSpace:         col.Options.Bool("trim_space", true),
	}}, nil
}

// Population writes a stable fingerprint of the configured fields into every
// row. Declared after the aggregates it reads, it signs computed features;
// over key columns alone it yields a pseudonymous entity reference for
// exports that must not carry the natural key.
func (c *hashColumn) Population(rows []records.Record, _ func(records.Record) string) error {
	c.h.Apply(rows)
	return nil
}

func (c *hashColumn) readsFields() []string { return c.h.Fields }

// ---- custom ----

type customColumn struct {
	column
	fn Fn
}

func newCustom(col config.FeatureColumn) (Column, error) {
	name := col.Options.String("func", col.Name)
	fn, ok := lookupFn(name)
	if !ok {
		return nil, fmt.Errorf("feature: custom column %s references unregistered func %q", col.Name, name)
	}
	return &customColumn{column{col}, fn}, nil
}

func (c *customColumn) Entity(derived records.Record, _ []records.Record) (any, error) {
	return c.fn(derived)
}
