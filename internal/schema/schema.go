// Package schema declares per-table source schemas and compiles them into row
// validators. Validation never infers types at runtime; it checks data against
// the declared schema only, so a drifting extract fails loudly instead of
// silently changing types downstream.
package schema

import (
	"fmt"
	"strings"
)

// Kind is the declared type of a source column.
type Kind int

const (
	KindText Kind = iota
	KindBigint
	KindDouble
	KindNumeric
	KindBool
	KindDate
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBigint:
		return "bigint"
	case KindDouble:
		return "double"
	case KindNumeric:
		return "numeric"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind resolves a declared type name. Common SQL aliases are accepted so
// schemas can reuse warehouse DDL vocabulary.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "string", "varchar":
		return KindText, nil
	case "bigint", "int", "integer", "int8":
		return KindBigint, nil
	case "double", "double precision", "float", "float8", "real":
		return KindDouble, nil
	case "numeric", "decimal":
		return KindNumeric, nil
	case "bool", "boolean":
		return KindBool, nil
	case "date":
		return KindDate, nil
	case "timestamp", "timestamptz", "datetime":
		return KindTimestamp, nil
	default:
		return 0, fmt.Errorf("schema: unknown column type %q", s)
	}
}

// ColumnSpec is one declared source column.
type ColumnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`

	// Nullable defaults to true. A non-nullable column rejects the whole row
	// when its cell is missing or fails coercion.
	Nullable *bool `json:"nullable,omitempty"`
}

func (c ColumnSpec) IsNullable() bool {
	if c.Nullable == nil {
		return true
	}
	return *c.Nullable
}

// Table is a named declared schema.
type Table struct {
	Name    string
	Columns []ColumnSpec

	// DateLayout parses KindDate cells. Empty means ISO "2006-01-02".
	DateLayout string
}

// ColumnNames returns the declared column order.
func (t Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// MissingColumns reports declared columns absent from a resolved source
// header. A non-empty result rejects the table before any row is processed.
func (t Table) MissingColumns(header []string) []string {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var missing []string
	for _, c := range t.Columns {
		if !have[c.Name] {
			missing = append(missing, c.Name)
		}
	}
	return missing
}
