package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"martetl/internal/profile"
)

// Per-table and per-write outcomes.
const (
	StatusOK          = "ok"
	StatusAborted     = "aborted"
	StatusQuarantined = "quarantined"
	StatusSkipped     = "skipped"
)

// Row-level reject kinds. Table-level outcomes (fail-fast, quarantine) are
// statuses, not rejects.
const (
	KindSchemaViolation = "schema_violation"
	KindDuplicateKey    = "duplicate_key_ambiguity"
	KindReferential     = "referential_integrity_violation"
)

// Reject is one rejected row. Line is the source line when known; Row is the
// 1-based position in the cleaned table for write-time rejects.
type Reject struct {
	Kind   string `json:"kind"`
	Line   int    `json:"line,omitempty"`
	Row    int    `json:"row,omitempty"`
	Column string `json:"column,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}

// RejectLog accumulates rejects with exact counters and a bounded sample
// list. Safe for concurrent use; loader workers share one log.
type RejectLog struct {
	mu      sync.Mutex
	limit   int
	total   int64
	byKind  map[string]int64
	samples []Reject
}

// NewRejectLog bounds the sample list at limit entries, defaulting to 20 when
// limit <= 0. Counters stay exact past the limit.
func NewRejectLog(limit int) *RejectLog {
	if limit <= 0 {
		limit = 20
	}
	return &RejectLog{limit: limit, byKind: make(map[string]int64)}
}

func (l *RejectLog) Add(r Reject) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	l.byKind[r.Kind]++
	if len(l.samples) < l.limit {
		l.samples = append(l.samples, r)
	}
}

func (l *RejectLog) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *RejectLog) ByKind() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.byKind) == 0 {
		return nil
	}
	out := make(map[string]int64, len(l.byKind))
	for k, v := range l.byKind {
		out[k] = v
	}
	return out
}

func (l *RejectLog) Samples() []Reject {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) == 0 {
		return nil
	}
	return append([]Reject(nil), l.samples...)
}

// Report is the JSON run report for one batch. It is returned even when the
// run fails partway and then covers everything up to the failure.
type Report struct {
	Job        string    `json:"job"`
	BatchID    string    `json:"batch_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Duration   string    `json:"duration"`

	Tables   []TableReport   `json:"tables"`
	Features []FeatureReport `json:"features,omitempty"`
	Writes   []WriteReport   `json:"writes,omitempty"`
}

// TableReport covers one source table's collect stage. RowsRejected counts
// schema rejects plus dedupe rejects; ordinary duplicates are dropped, not
// rejected, and appear under Duplicates.
type TableReport struct {
	Name    string   `json:"table"`
	Source  string   `json:"source,omitempty"`
	Status  string   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`

	RowsSeen     int64 `json:"rows_seen"`
	RowsKept     int64 `json:"rows_kept"`
	RowsRejected int64 `json:"rows_rejected"`
	Duplicates   int64 `json:"duplicates_dropped"`
	TieGroups    int64 `json:"tie_groups,omitempty"`

	CoercedCells map[string]int64 `json:"coerced_cells,omitempty"`

	RejectsByKind map[string]int64 `json:"rejects_by_kind,omitempty"`
	Rejects       []Reject         `json:"reject_samples,omitempty"`

	Profile *profile.Table `json:"profile,omitempty"`
}

// FeatureReport covers one derived table.
type FeatureReport struct {
	Name    string   `json:"feature_table"`
	Status  string   `json:"status"`
	Reason  string   `json:"reason,omitempty"`
	Rows    int64    `json:"rows"`
	Columns []string `json:"columns,omitempty"`
}

// WriteReport covers one warehouse table write.
type WriteReport struct {
	Table  string `json:"table"`
	Kind   string `json:"kind"`
	From   string `json:"from_table"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`

	RowsIn     int64 `json:"rows_in"`
	Inserted   int64 `json:"inserted"`
	Superseded int64 `json:"superseded,omitempty"`
	Unchanged  int64 `json:"unchanged,omitempty"`
	Screened   int64 `json:"screened_out,omitempty"`

	Rejects []Reject `json:"reject_samples,omitempty"`
}

// Table returns the report for a source table by name.
func (r *Report) Table(name string) (TableReport, bool) {
	for _, t := range r.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableReport{}, false
}

// Write returns the report for a warehouse table by name.
func (r *Report) Write(name string) (WriteReport, bool) {
	for _, w := range r.Writes {
		if w.Table == name {
			return w, true
		}
	}
	return WriteReport{}, false
}

// WriteFile writes the report as indented JSON.
func (r *Report) WriteFile(path string) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}
	b = append(b, '\n')
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	return nil
}
