package sqlite

import (
	"strings"
	"testing"
	"time"

	"martetl/internal/storage"
)

func boolPtr(v bool) *bool { return &v }

func dimSpec() storage.TableSpec {
	return storage.TableSpec{
		Name:            "dim_customer",
		AutoCreateTable: true,
		Columns: []storage.ColumnSpec{
			{Name: "customer_id", Type: "TEXT", Nullable: boolPtr(false)},
			{Name: "city", Type: "TEXT"},
			{Name: "state", Type: "TEXT"},
		},
		Load:    storage.LoadSpec{Kind: "dimension"},
		History: &storage.HistorySpec{Key: []string{"customer_id"}},
	}
}

func TestBuildCreateSQL_AppendsVersioningMetadata(t *testing.T) {
	t.Parallel()

	stmts, err := buildCreateSQL(dimSpec())
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("stmts=%d, want 2 (create + current index): %q", len(stmts), stmts)
	}

	create := stmts[0]
	if !strings.Contains(create, "CREATE TABLE IF NOT EXISTS dim_customer") {
		t.Fatalf("missing CREATE TABLE: %q", create)
	}
	for _, want := range []string{
		`"row_hash" TEXT NOT NULL`,
		`"valid_from" TEXT NOT NULL`,
		`"valid_to" TEXT`,
		`"is_current" INTEGER NOT NULL DEFAULT 1`,
	} {
		if !strings.Contains(create, want) {
			t.Fatalf("create DDL missing %q: %q", want, create)
		}
	}

	idx := stmts[1]
	if !strings.Contains(idx, `CREATE UNIQUE INDEX IF NOT EXISTS "dim_customer_one_current"`) {
		t.Fatalf("missing current index: %q", idx)
	}
	if !strings.Contains(idx, `("customer_id") WHERE "is_current" = 1`) {
		t.Fatalf("current index not partial on is_current: %q", idx)
	}
}

func TestBuildCreateSQL_DoesNotDuplicateMetadataWhenExplicit(t *testing.T) {
	t.Parallel()

	spec := dimSpec()
	spec.Columns = append(spec.Columns,
		storage.ColumnSpec{Name: "row_hash", Type: "TEXT", Nullable: boolPtr(false)},
		storage.ColumnSpec{Name: "valid_from", Type: "TEXT", Nullable: boolPtr(false)},
		storage.ColumnSpec{Name: "valid_to", Type: "TEXT"},
		storage.ColumnSpec{Name: "is_current", Type: "INTEGER", Nullable: boolPtr(false)},
	)

	stmts, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	create := stmts[0]
	for _, col := range []string{`"row_hash"`, `"valid_from"`, `"valid_to"`, `"is_current"`} {
		if got := strings.Count(create, col); got != 1 {
			t.Fatalf("create DDL duplicated %s (count=%d): %q", col, got, create)
		}
	}
}

func TestBuildCreateSQL_DedupeIndexForFacts(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:            "fact_orders",
		AutoCreateTable: true,
		Columns: []storage.ColumnSpec{
			{Name: "order_id", Type: "TEXT", Nullable: boolPtr(false)},
			{Name: "payment_value", Type: "REAL"},
		},
		Load: storage.LoadSpec{
			Kind:   "fact",
			Dedupe: &storage.DedupeSpec{ConflictColumns: []string{"order_id"}, Action: "do_nothing"},
		},
	}

	stmts, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("stmts=%d, want 2 (create + dedupe index): %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[1], `CREATE UNIQUE INDEX IF NOT EXISTS "fact_orders_dedupe"`) {
		t.Fatalf("missing dedupe index: %q", stmts[1])
	}
	if !strings.Contains(stmts[1], `("order_id")`) {
		t.Fatalf("dedupe index missing conflict column: %q", stmts[1])
	}
}

func TestBuildCreateSQL_Errors(t *testing.T) {
	t.Parallel()

	spec := dimSpec()
	spec.Constraints = []storage.ConstraintSpec{{Kind: "check", Columns: []string{"city"}}}
	if _, err := buildCreateSQL(spec); err == nil {
		t.Fatalf("expected error for unsupported constraint kind")
	}

	spec = dimSpec()
	spec.History = &storage.HistorySpec{}
	if _, err := buildCreateSQL(spec); err == nil || !strings.Contains(err.Error(), "history.key") {
		t.Fatalf("expected history.key error, got %v", err)
	}

	if _, err := buildCreateSQL(storage.TableSpec{Name: "  "}); err == nil {
		t.Fatalf("expected error for empty table name")
	}
}

func TestBuildInsertSQL_PlaceholdersAndArgs(t *testing.T) {
	t.Parallel()

	ts := time.Date(2017, 10, 2, 10, 56, 33, 0, time.UTC)
	cols := []string{"order_id", "purchased_at"}
	rows := [][]any{
		{"o-1", ts},
		{"o-2", nil},
		{"o-3", ts},
	}

	q, args := buildInsertSQL("fact_orders", cols, rows, true)
	if !strings.HasPrefix(q, "INSERT OR IGNORE INTO fact_orders") {
		t.Fatalf("expected OR IGNORE prefix: %q", q)
	}
	if got := strings.Count(q, "(?, ?)"); got != 3 {
		t.Fatalf("placeholder groups=%d, want 3: %q", got, q)
	}
	if len(args) != 6 {
		t.Fatalf("args=%d, want 6", len(args))
	}
	// time.Time binds as RFC3339Nano text.
	if args[1] != "2017-10-02T10:56:33Z" {
		t.Fatalf("timestamp arg=%v, want RFC3339 text", args[1])
	}

	q, _ = buildInsertSQL("fact_orders", cols, rows, false)
	if !strings.HasPrefix(q, "INSERT INTO fact_orders") {
		t.Fatalf("expected plain INSERT prefix: %q", q)
	}
}

func TestBuildInsertCurrentSQL_ArgsAndLiterals(t *testing.T) {
	t.Parallel()

	now := time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC)
	h := &storage.HistorySpec{Key: []string{"customer_id"}}
	cols := []string{"customer_id", "city", "row_hash"}
	row := []any{"c-1", "rio de janeiro", "hash-a"}

	q, args := buildInsertCurrentSQL("dim_customer", cols, row, h, now)

	// len(columns) placeholders plus valid_from; valid_to and is_current are
	// literals.
	if len(args) != len(cols)+1 {
		t.Fatalf("args=%d, want %d; sql=%q", len(args), len(cols)+1, q)
	}
	if !strings.Contains(q, ", NULL, 1)") {
		t.Fatalf("expected literal NULL valid_to and is_current=1: %q", q)
	}
	for _, want := range []string{`"valid_from"`, `"valid_to"`, `"is_current"`} {
		if !strings.Contains(q, want) {
			t.Fatalf("insert missing metadata column %s: %q", want, q)
		}
	}
	if args[len(args)-1] != "2017-06-01T00:00:00Z" {
		t.Fatalf("valid_from arg=%v, want RFC3339 text", args[len(args)-1])
	}
}

func TestBuildCloseCurrentSQL(t *testing.T) {
	t.Parallel()

	now := time.Date(2017, 6, 3, 0, 0, 0, 0, time.UTC)
	h := &storage.HistorySpec{Key: []string{"customer_id"}}

	q, args := buildCloseCurrentSQL("dim_customer", h, []any{"c-1"}, now)

	if len(args) != 2 {
		t.Fatalf("args=%d, want 2 (valid_to + key); sql=%q", len(args), q)
	}
	for _, want := range []string{
		`"valid_to" = ?`,
		`"is_current" = 0`,
		`WHERE "customer_id" = ? AND "is_current" = 1`,
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("close SQL missing %q: %q", want, q)
		}
	}
}

func TestBuildFetchCurrentSQL(t *testing.T) {
	t.Parallel()

	h := &storage.HistorySpec{Key: []string{"customer_id"}}
	cols := []string{"customer_id", "city", "row_hash"}

	q, args := buildFetchCurrentSQL("dim_customer", cols, h, []any{"c-1"})
	if len(args) != 1 {
		t.Fatalf("args=%d, want 1", len(args))
	}
	if !strings.Contains(q, `WHERE "customer_id" = ? AND "is_current" = 1 LIMIT 1`) {
		t.Fatalf("fetch SQL wrong: %q", q)
	}
}

func TestValueEqual(t *testing.T) {
	t.Parallel()

	ts := time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a    any
		b    any
		want bool
	}{
		{"same strings", "abc", "abc", true},
		{"string vs bytes same", "abc", []byte("abc"), true},
		{"bytes vs string same", []byte("abc"), "abc", true},
		{"different", "abc", "def", false},
		{"nil both", nil, nil, true},
		{"nil vs value", nil, "x", false},
		{"time vs its text", ts, "2017-06-01T00:00:00Z", true},
		{"time vs other text", ts, "2018-01-01T00:00:00Z", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valueEqual(tt.a, tt.b); got != tt.want {
				t.Fatalf("valueEqual(%v,%v)=%v want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestFormatTime_UTCText(t *testing.T) {
	t.Parallel()

	in := time.Date(2026, 1, 27, 13, 17, 8, 0, time.FixedZone("X", 3600))
	if got := formatTime(in); got != "2026-01-27T12:17:08Z" {
		t.Fatalf("formatTime=%q, want UTC RFC3339 text", got)
	}
}
