package feature

import (
	"fmt"
	"strings"
	"time"

	"martetl/internal/config"
	"martetl/internal/storage"
	"martetl/pkg/records"
)

// Inputs hands cleaned tables to Derive, keyed by configured table name.
type Inputs map[string][]records.Record

// fieldReader lets a population column declare the derived columns it reads,
// when that is more than its single Field (the hash kind).
type fieldReader interface {
	readsFields() []string
}

// Derived is one materialized feature table: one row per base entity, key
// columns first, then feature columns in declared order.
type Derived struct {
	Name    string
	Key     []string
	Columns []string
	Rows    []records.Record
}

// Derive builds the declared feature table from cleaned inputs.
//
// Each output row starts as the base row's key columns; entity-phase columns
// are filled from per-key aggregations over their input table (a left join
// that structurally cannot multiply rows), then population-phase columns
// rank the finished aggregates. asOf anchors recency features when the
// config or batch pins one; zero lets each recency column fall back to its
// input's maximum timestamp.
//
// Errors:
//   - base table missing from inputs, or nil/duplicate entity key in base;
//   - a column reading a missing input table or ranking an uncomputed field;
//   - any feature function error;
//   - output row count differing from base row count (join guard).
func Derive(ft config.FeatureTable, asOf time.Time, inputs Inputs) (*Derived, error) {
	base, ok := inputs[ft.Base]
	if !ok {
		return nil, fmt.Errorf("feature table %s: base table %s not available", ft.Name, ft.Base)
	}

	cols := make([]Column, 0, len(ft.Columns))
	for _, c := range ft.Columns {
		col, err := New(c)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}

	// One output row per base row, key columns copied. The base must be
	// unique per key or downstream merges would see the same entity twice;
	// dedupe runs before features, so a duplicate here is a config mistake.
	out := make([]records.Record, len(base))
	baseKeys := make([]string, len(base))
	seen := make(map[string]struct{}, len(base))
	for i, b := range base {
		k, ok := compositeKey(b, ft.Key)
		if !ok {
			return nil, fmt.Errorf("feature table %s: base row %d has a nil entity key", ft.Name, i)
		}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("feature table %s: duplicate entity key %q in base table %s", ft.Name, k, ft.Base)
		}
		seen[k] = struct{}{}
		baseKeys[i] = k

		r := make(records.Record, len(ft.Key)+len(ft.Columns))
		for _, kc := range ft.Key {
			r[kc] = b[kc]
		}
		out[i] = r
	}

	entityKey := func(r records.Record) string {
		k, _ := compositeKey(r, ft.Key)
		return k
	}

	// Group indexes are built once per input table; several columns usually
	// aggregate the same one.
	groupCache := map[string]map[string][]records.Record{}
	groupsFor := func(table string, rows []records.Record) map[string][]records.Record {
		g, ok := groupCache[table]
		if !ok {
			g = groupByKey(rows, ft.Key)
			groupCache[table] = g
		}
		return g
	}

	computed := make(map[string]struct{}, len(ft.Key)+len(ft.Columns))
	for _, kc := range ft.Key {
		computed[kc] = struct{}{}
	}

	for _, col := range cols {
		spec := col.Spec()
		switch fc := col.(type) {
		case EntityFunc:
			from := spec.From
			if from == "" {
				from = ft.Base
			}
			input, ok := inputs[from]
			if !ok {
				return nil, fmt.Errorf("feature table %s: column %s reads missing table %s", ft.Name, spec.Name, from)
			}
			if p, ok := fc.(preparer); ok {
				if err := p.prepare(asOf, input); err != nil {
					return nil, fmt.Errorf("feature table %s: column %s: %w", ft.Name, spec.Name, err)
				}
			}
			groups := groupsFor(from, input)
			for i, r := range out {
				v, err := fc.Entity(r, groups[baseKeys[i]])
				if err != nil {
					return nil, fmt.Errorf("feature table %s: column %s: %w", ft.Name, spec.Name, err)
				}
				r[spec.Name] = v
			}
		case PopulationFunc:
			reads := []string{spec.Field}
			if fr, ok := fc.(fieldReader); ok {
				reads = fr.readsFields()
			}
			for _, f := range reads {
				if f == "" {
					continue
				}
				if _, ok := computed[f]; !ok {
					return nil, fmt.Errorf("feature table %s: column %s reads %s before it is computed",
						ft.Name, spec.Name, f)
				}
			}
			if err := fc.Population(out, entityKey); err != nil {
				return nil, fmt.Errorf("feature table %s: column %s: %w", ft.Name, spec.Name, err)
			}
		default:
			return nil, fmt.Errorf("feature table %s: column %s kind %s implements no phase",
				ft.Name, spec.Name, spec.Kind)
		}
		computed[spec.Name] = struct{}{}
	}

	if len(out) != len(base) {
		return nil, fmt.Errorf("feature table %s: %d output rows for %d base rows", ft.Name, len(out), len(base))
	}

	columns := append([]string{}, ft.Key...)
	for _, c := range ft.Columns {
		columns = append(columns, c.Name)
	}
	return &Derived{
		Name:    ft.Name,
		Key:     append([]string{}, ft.Key...),
		Columns: columns,
		Rows:    out,
	}, nil
}

// compositeKey joins the normalized key cells with a unit separator. ok is
// false when any key cell is nil or absent.
func compositeKey(r records.Record, key []string) (string, bool) {
	var b strings.Builder
	for i, k := range key {
		v, ok := r[k]
		if !ok || v == nil {
			return "", false
		}
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(storage.NormalizeKey(v))
	}
	return b.String(), true
}

// groupByKey indexes input rows by entity key. Rows with a nil key cell are
// unjoinable and dropped from the index.
func groupByKey(rows []records.Record, key []string) map[string][]records.Record {
	groups := make(map[string][]records.Record)
	for _, r := range rows {
		if k, ok := compositeKey(r, key); ok {
			groups[k] = append(groups[k], r)
		}
	}
	return groups
}
