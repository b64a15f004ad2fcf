// To keep the engine generic, the TableSpec types need to live in a place both
// pipeline and backend packages can import without circular deps.
package storage

import "strings"

type TableSpec struct {
	Name            string           `json:"name"`
	AutoCreateTable bool             `json:"auto_create_table"`
	PrimaryKey      *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns         []ColumnSpec     `json:"columns"`
	Constraints     []ConstraintSpec `json:"constraints,omitempty"`
	Load            LoadSpec         `json:"load"`

	// History enables single-table versioning for this table. When set, the
	// backend adds the hash/validity/current metadata columns and enforces at
	// most one current row per entity key.
	History *HistorySpec `json:"history,omitempty"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // e.g. serial / int identity, etc
}

type ColumnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`

	// References names a "table.column" whose existing keys gate fact rows.
	// Rows whose value is absent from the referenced column are screened out
	// before insert and reported, never silently dropped. It is screening
	// metadata only; backends do not turn it into a FOREIGN KEY, because a
	// versioned dimension key is not unique across its versions.
	References string `json:"references,omitempty"`
	Nullable   *bool  `json:"nullable,omitempty"`

	// Provenance fills the column from batch metadata instead of the source
	// row: "batch_id", "source" or "ingested_at".
	Provenance string `json:"provenance,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

type LoadSpec struct {
	Kind string `json:"kind"` // "dimension" | "fact"

	// FromTable names the cleaned or derived table that feeds this warehouse
	// table. Empty means the table is fed by the table of the same name.
	FromTable string `json:"from_table,omitempty"`

	// fact
	Dedupe *DedupeSpec `json:"dedupe,omitempty"`

	// Hash computes a content hash column for fact rows at load time,
	// typically named in Dedupe.ConflictColumns so identical re-appends are
	// no-ops. Versioned tables get their hash from History instead.
	Hash *HashSpec `json:"hash,omitempty"`
}

type DedupeSpec struct {
	ConflictColumns []string `json:"conflict_columns"`
	Action          string   `json:"action"` // "do_nothing"
}

// HashSpec names the computed hash column and the fields hashed into it.
// Empty Fields means every declared column except the hash column itself.
type HashSpec struct {
	Column string   `json:"column"`
	Fields []string `json:"fields,omitempty"`
}

// HistorySpec configures single-table versioning (SCD Type 2).
//
// The entity key identifies the thing being versioned; TrackColumns are the
// attributes whose change opens a new version. Metadata column names default
// to row_hash / valid_from / valid_to / is_current.
type HistorySpec struct {
	Key          []string `json:"key"`
	TrackColumns []string `json:"track_columns,omitempty"`

	HashColumn    string `json:"hash_column,omitempty"`
	ValidFromName string `json:"valid_from,omitempty"`
	ValidToName   string `json:"valid_to,omitempty"`
	CurrentName   string `json:"is_current,omitempty"`
}

func (h *HistorySpec) Hash() string {
	if h == nil || h.HashColumn == "" {
		return "row_hash"
	}
	return h.HashColumn
}

func (h *HistorySpec) ValidFrom() string {
	if h == nil || h.ValidFromName == "" {
		return "valid_from"
	}
	return h.ValidFromName
}

func (h *HistorySpec) ValidTo() string {
	if h == nil || h.ValidToName == "" {
		return "valid_to"
	}
	return h.ValidToName
}

func (h *HistorySpec) Current() string {
	if h == nil || h.CurrentName == "" {
		return "is_current"
	}
	return h.CurrentName
}

// Tracked resolves the tracked attribute set: TrackColumns when given,
// otherwise every column of the spec that is not part of the entity key.
func (h *HistorySpec) Tracked(spec TableSpec) []string {
	if h == nil {
		return nil
	}
	if len(h.TrackColumns) > 0 {
		return h.TrackColumns
	}
	isKey := make(map[string]bool, len(h.Key))
	for _, k := range h.Key {
		isKey[k] = true
	}
	out := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		if !isKey[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}

// SourceTable resolves the table feeding this warehouse table.
func (s TableSpec) SourceTable() string {
	if s.Load.FromTable != "" {
		return s.Load.FromTable
	}
	return s.Name
}

// Column returns the column spec by name.
func (s TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// References lists the fact table's foreign references as
// (own column, referenced table, referenced column) triples.
func (s TableSpec) References() []Reference {
	var out []Reference
	for _, c := range s.Columns {
		if c.References == "" {
			continue
		}
		tbl, col, ok := SplitReference(c.References)
		if !ok {
			continue
		}
		out = append(out, Reference{Column: c.Name, Table: tbl, KeyColumn: col})
	}
	return out
}

type Reference struct {
	Column    string // column on the fact table
	Table     string // referenced table
	KeyColumn string // key column on the referenced table
}

// SplitReference splits "table.column" into its parts.
func SplitReference(ref string) (table, column string, ok bool) {
	i := strings.LastIndex(ref, ".")
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}
