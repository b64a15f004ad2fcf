// Package profile computes per-column quality measures over a cleaned table
// and decides whether the table may proceed to transformation.
//
// Profiling never mutates rows. A breached bound marks the offending column;
// any marked column, or a breached table-level null-row bound, quarantines
// the whole table via *QuarantineError. Quarantine aborts that table only,
// other tables in the batch keep going.
package profile

import (
	"fmt"
	"strings"

	"martetl/internal/config"
	"martetl/internal/storage"
	"martetl/pkg/records"
)

// Column holds the measures for one declared column.
//
// Min and Max keep the column's native type (numeric, time, text) so the run
// report can render them faithfully; both stay nil when every cell is null.
type Column struct {
	Name          string `json:"name"`
	NullCount     int64  `json:"null_count"`
	DistinctCount int64  `json:"distinct_count"`
	Min           any    `json:"min,omitempty"`
	Max           any    `json:"max,omitempty"`

	// Violations lists this column's threshold breaches, empty when healthy.
	Violations []string `json:"violations,omitempty"`
}

// ViolatesThreshold reports whether any configured bound was breached.
func (c Column) ViolatesThreshold() bool { return len(c.Violations) > 0 }

// Table is the profile of one cleaned table.
type Table struct {
	Name     string   `json:"table"`
	Rows     int64    `json:"rows"`
	NullRows int64    `json:"null_rows"`
	Columns  []Column `json:"columns"`

	// Violations lists table-level breaches (null-row fraction).
	Violations []string `json:"violations,omitempty"`
}

// Quarantined reports whether any column or table bound was breached.
func (t Table) Quarantined() bool {
	if len(t.Violations) > 0 {
		return true
	}
	for _, c := range t.Columns {
		if len(c.Violations) > 0 {
			return true
		}
	}
	return false
}

// Err returns a *QuarantineError naming every breach, or nil when the table
// passed all configured thresholds.
func (t Table) Err() error {
	reasons := append([]string(nil), t.Violations...)
	for _, c := range t.Columns {
		for _, v := range c.Violations {
			reasons = append(reasons, c.Name+": "+v)
		}
	}
	if len(reasons) == 0 {
		return nil
	}
	return &QuarantineError{Table: t.Name, Reasons: reasons}
}

// QuarantineError marks a table whose profile breached configured quality
// thresholds. Callers test for it with errors.As.
type QuarantineError struct {
	Table   string
	Reasons []string
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("quality thresholds exceeded for table %s: %s",
		e.Table, strings.Join(e.Reasons, "; "))
}

// Profile measures rows column by column and evaluates q against the result.
//
// columns fixes the output order and is normally the declared schema order.
// Distinct counts are exact, keyed on the normalized value form. A nil q
// still produces measures with no thresholds applied.
func Profile(table string, columns []string, rows []records.Record, q *config.Quality) Table {
	prof := Table{
		Name:    table,
		Rows:    int64(len(rows)),
		Columns: make([]Column, 0, len(columns)),
	}

	type acc struct {
		nulls    int64
		distinct map[string]struct{}
		min, max any
	}
	accs := make([]acc, len(columns))
	for i := range accs {
		accs[i].distinct = make(map[string]struct{})
	}

	for _, r := range rows {
		nullInRow := false
		for i, name := range columns {
			v := r[name]
			if v == nil {
				accs[i].nulls++
				nullInRow = true
				continue
			}
			a := &accs[i]
			a.distinct[storage.NormalizeKey(v)] = struct{}{}
			if a.min == nil || records.Compare(v, a.min) < 0 {
				a.min = v
			}
			if a.max == nil || records.Compare(v, a.max) > 0 {
				a.max = v
			}
		}
		if nullInRow {
			prof.NullRows++
		}
	}

	for i, name := range columns {
		col := Column{
			Name:          name,
			NullCount:     accs[i].nulls,
			DistinctCount: int64(len(accs[i].distinct)),
			Min:           accs[i].min,
			Max:           accs[i].max,
		}
		if q != nil {
			col.Violations = checkColumn(col, prof.Rows, q.Columns[name])
		}
		prof.Columns = append(prof.Columns, col)
	}

	if q != nil && q.MaxNullRowFraction != nil && prof.Rows > 0 {
		frac := float64(prof.NullRows) / float64(prof.Rows)
		if frac > *q.MaxNullRowFraction {
			prof.Violations = append(prof.Violations, fmt.Sprintf(
				"null row fraction %.4f exceeds max_null_row_fraction %.4f",
				frac, *q.MaxNullRowFraction))
		}
	}
	return prof
}

func checkColumn(c Column, rows int64, cq config.ColumnQuality) []string {
	var out []string
	if cq.MaxNullFraction != nil && rows > 0 {
		frac := float64(c.NullCount) / float64(rows)
		if frac > *cq.MaxNullFraction {
			out = append(out, fmt.Sprintf(
				"null fraction %.4f exceeds max_null_fraction %.4f",
				frac, *cq.MaxNullFraction))
		}
	}
	if cq.MinDistinct != nil && c.DistinctCount < *cq.MinDistinct {
		out = append(out, fmt.Sprintf(
			"distinct count %d below min_distinct %d", c.DistinctCount, *cq.MinDistinct))
	}
	if cq.MaxDistinct != nil && c.DistinctCount > *cq.MaxDistinct {
		out = append(out, fmt.Sprintf(
			"distinct count %d exceeds max_distinct %d", c.DistinctCount, *cq.MaxDistinct))
	}

	// Numeric bounds apply to numeric columns only; text and time columns
	// never trip them.
	if cq.MinValue != nil {
		if v, ok := asFloat(c.Min); ok && v < *cq.MinValue {
			out = append(out, fmt.Sprintf(
				"min value %v below min_value %v", c.Min, *cq.MinValue))
		}
	}
	if cq.MaxValue != nil {
		if v, ok := asFloat(c.Max); ok && v > *cq.MaxValue {
			out = append(out, fmt.Sprintf(
				"max value %v exceeds max_value %v", c.Max, *cq.MaxValue))
		}
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
