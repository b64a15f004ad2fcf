package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Violation describes one rejected row (or one rejected table, Line 0).
type Violation struct {
	Line   int    `json:"line"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}

func (v Violation) Error() string {
	if v.Column == "" {
		return fmt.Sprintf("schema violation line=%d: %s", v.Line, v.Reason)
	}
	return fmt.Sprintf("schema violation line=%d column=%s: %s", v.Line, v.Column, v.Reason)
}

type compiledCol struct {
	name     string
	kind     Kind
	nullable bool
}

// RowValidator coerces raw cells to the declared types, in declared column
// order. Safe for concurrent use; coerced-cell counters are atomic.
type RowValidator struct {
	table   Table
	layouts []string
	cols    []compiledCol
	coerced []atomic.Int64
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Compile checks the declared schema once and returns a validator for it.
func Compile(t Table) (*RowValidator, error) {
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("schema: table %q declares no columns", t.Name)
	}

	rv := &RowValidator{
		table:   t,
		layouts: timestampLayouts,
		cols:    make([]compiledCol, len(t.Columns)),
		coerced: make([]atomic.Int64, len(t.Columns)),
	}
	seen := make(map[string]bool, len(t.Columns))
	for i, c := range t.Columns {
		if c.Name == "" {
			return nil, fmt.Errorf("schema: table %q column %d has no name", t.Name, i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("schema: table %q declares column %q twice", t.Name, c.Name)
		}
		seen[c.Name] = true

		k, err := ParseKind(c.Type)
		if err != nil {
			return nil, fmt.Errorf("schema: table %q column %q: %w", t.Name, c.Name, err)
		}
		rv.cols[i] = compiledCol{name: c.Name, kind: k, nullable: c.IsNullable()}
	}
	return rv, nil
}

func (rv *RowValidator) Table() Table { return rv.table }

func (rv *RowValidator) Columns() []string { return rv.table.ColumnNames() }

// ValidateRow coerces v in place against the declared schema.
//
// Per cell: empty or missing becomes nil; a failed coercion in a nullable
// column becomes nil and is counted; a failed coercion (or nil) in a
// non-nullable column rejects the whole row. On rejection v is left partially
// coerced and must not be used.
func (rv *RowValidator) ValidateRow(v []any, line int) (Violation, bool) {
	if len(v) != len(rv.cols) {
		return Violation{
			Line:   line,
			Reason: fmt.Sprintf("row has %d cells, schema declares %d", len(v), len(rv.cols)),
		}, false
	}

	for i := range rv.cols {
		c := &rv.cols[i]

		raw := v[i]
		if s, ok := raw.(string); ok && s == "" {
			raw = nil
		}
		if raw == nil {
			if !c.nullable {
				return Violation{Line: line, Column: c.name, Reason: "null in non-nullable column"}, false
			}
			v[i] = nil
			continue
		}

		val, err := rv.coerceCell(c.kind, raw)
		if err != nil {
			if !c.nullable {
				return Violation{
					Line:   line,
					Column: c.name,
					Value:  fmt.Sprintf("%v", raw),
					Reason: err.Error(),
				}, false
			}
			rv.coerced[i].Add(1)
			v[i] = nil
			continue
		}
		v[i] = val
	}
	return Violation{}, true
}

// CoercedCells snapshots the per-column count of nullable cells that failed
// coercion and were resolved to nil.
func (rv *RowValidator) CoercedCells() map[string]int64 {
	out := make(map[string]int64, len(rv.cols))
	for i := range rv.cols {
		if n := rv.coerced[i].Load(); n > 0 {
			out[rv.cols[i].name] = n
		}
	}
	return out
}

func (rv *RowValidator) coerceCell(k Kind, raw any) (any, error) {
	switch k {
	case KindText:
		return coerceText(raw)
	case KindBigint:
		return coerceBigint(raw)
	case KindDouble, KindNumeric:
		return coerceDouble(raw)
	case KindBool:
		return coerceBool(raw)
	case KindDate:
		layout := rv.table.DateLayout
		if layout == "" {
			layout = "2006-01-02"
		}
		return coerceDate(raw, layout)
	case KindTimestamp:
		return coerceTimestamp(raw, rv.layouts)
	default:
		return nil, fmt.Errorf("unsupported kind %v", k)
	}
}

func coerceText(raw any) (any, error) {
	switch t := raw.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case []byte:
		return string(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func coerceBigint(raw any) (any, error) {
	switch t := raw.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return nil, fmt.Errorf("parse bigint: %q", t.String())
		}
		return n, nil
	case float64:
		if t != float64(int64(t)) {
			return nil, fmt.Errorf("not an integer: %v", t)
		}
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse bigint: %q", t)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to bigint", raw)
	}
}

func coerceDouble(raw any) (any, error) {
	switch t := raw.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("parse double: %q", t.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("parse double: %q", t)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to double", raw)
	}
}

func coerceBool(raw any) (any, error) {
	switch t := raw.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("parse bool: %q", t)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to bool", raw)
	}
}

func coerceDate(raw any, layout string) (any, error) {
	switch t := raw.(type) {
	case time.Time:
		return t.UTC().Truncate(24 * time.Hour), nil
	case string:
		ts, err := time.Parse(layout, strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("parse date: %q", t)
		}
		return ts.UTC(), nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to date", raw)
	}
}

func coerceTimestamp(raw any, layouts []string) (any, error) {
	switch t := raw.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range layouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return nil, fmt.Errorf("parse timestamp: %q", t)
	default:
		return nil, fmt.Errorf("cannot coerce %T to timestamp", raw)
	}
}

// FailFast trips a table-level abort once the rejected-row fraction exceeds
// the limit, evaluated only after MinRows rows so small files are not killed
// by their first bad line. Zero values mean the defaults (5%, 100 rows).
type FailFast struct {
	MaxFraction float64
	MinRows     int

	seen     atomic.Int64
	rejected atomic.Int64
}

func (f *FailFast) Seen() int64     { return f.seen.Load() }
func (f *FailFast) Rejected() int64 { return f.rejected.Load() }

// Observe records one row outcome and reports whether the limit tripped.
func (f *FailFast) Observe(rejected bool) bool {
	seen := f.seen.Add(1)
	rej := f.rejected.Load()
	if rejected {
		rej = f.rejected.Add(1)
	}

	minRows := f.MinRows
	if minRows <= 0 {
		minRows = 100
	}
	if seen < int64(minRows) {
		return false
	}

	maxFrac := f.MaxFraction
	if maxFrac <= 0 {
		maxFrac = 0.05
	}
	return float64(rej)/float64(seen) > maxFrac
}

// Err summarizes the tripped state as a table-level violation.
func (f *FailFast) Err(table string) Violation {
	return Violation{
		Reason: fmt.Sprintf("table %s: rejected %d of %d rows, over the violation limit",
			table, f.Rejected(), f.Seen()),
	}
}
