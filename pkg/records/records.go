// Package records defines the map-based record type shared by the
// collection-level stages (dedupe, profile, feature) and their transformers.
//
// Streaming stages use the pooled positional transformer.Row instead; records
// exist for the stages that need whole tables in memory (deduplication,
// profiling, population-wide ranking).
package records

import (
	"fmt"
	"strings"
	"time"
)

// Record is one cleaned row keyed by canonical column name.
//
// Value domain after validation:
//   - nil (absent / resolved null)
//   - string, int64, float64, bool, time.Time
//
// Anything else indicates a bug in a coercion or feature function.
type Record map[string]any

// Clone returns a shallow copy of r. Values are scalars, so a shallow copy is
// a full copy for the supported value domain.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Transformer mutates or replaces a slice of records.
//
// Implementations must be deterministic: identical input slices produce
// identical output slices.
type Transformer interface {
	Apply(in []Record) []Record
}

// Chain is an ordered list of transformers applied in sequence.
type Chain []Transformer

func (c Chain) Apply(in []Record) []Record {
	if len(c) == 0 {
		return in
	}
	out := in
	for _, t := range c {
		if t == nil {
			continue
		}
		out = t.Apply(out)
	}
	return out
}

// Compare orders two non-nil cell values in ascending terms, returning
// -1, 0 or 1. int64 and float64 compare across kinds; values outside the
// supported domain fall back to their printed form so ordering stays total.
func Compare(a, b any) int {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y)
		case float64:
			return cmpOrdered(float64(x), y)
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmpOrdered(x, y)
		case int64:
			return cmpOrdered(x, float64(y))
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case y:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Float64 reads a numeric field as float64.
//
// int64 and float64 both convert; everything else (including nil) reports
// ok=false. Feature aggregations use this to accept either numeric kind.
func (r Record) Float64(field string) (float64, bool) {
	switch v := r[field].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Time reads a temporal field.
func (r Record) Time(field string) (time.Time, bool) {
	v, ok := r[field].(time.Time)
	return v, ok
}

// String reads a text field.
func (r Record) String(field string) (string, bool) {
	v, ok := r[field].(string)
	return v, ok
}
