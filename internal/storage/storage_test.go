package storage

import (
	"context"
	"testing"
	"time"
)

type nopRepo struct{}

func (nopRepo) Close() {}
func (nopRepo) EnsureTables(ctx context.Context, tables []TableSpec) error { return nil }
func (nopRepo) AppendRows(ctx context.Context, spec TableSpec, columns []string, rows [][]any) (int64, error) {
	return 0, nil
}
func (nopRepo) MergeSCD2(ctx context.Context, spec TableSpec, columns []string, rows [][]any, now time.Time) (MergeStats, error) {
	return MergeStats{}, nil
}
func (nopRepo) SelectExistingKeys(ctx context.Context, table, keyColumn string, keys []any) (map[string]struct{}, error) {
	return nil, nil
}

func TestNew_UnknownKind(t *testing.T) {
	if _, err := New(context.Background(), Config{Kind: "no-such-backend"}); err == nil {
		t.Fatalf("expected error for unregistered kind")
	}
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
}

func TestRegister_DuplicatePanics(t *testing.T) {
	f := func(ctx context.Context, cfg Config) (Repository, error) { return nopRepo{}, nil }
	Register("storage-test-dup", f)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate Register")
		}
	}()
	Register("storage-test-dup", f)
}

func TestRegister_RoundTrip(t *testing.T) {
	Register("storage-test-ok", func(ctx context.Context, cfg Config) (Repository, error) {
		if cfg.DSN != "dsn-here" {
			t.Fatalf("factory got DSN %q", cfg.DSN)
		}
		return nopRepo{}, nil
	})

	repo, err := New(context.Background(), Config{Kind: "storage-test-ok", DSN: "dsn-here"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if repo == nil {
		t.Fatalf("New returned nil repository")
	}
}

func TestNormalizeKey(t *testing.T) {
	ts := time.Date(2017, 6, 1, 12, 30, 0, 0, time.UTC)

	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string trimmed", "  Germany ", "Germany"},
		{"int64", int64(8429529), "8429529"},
		{"int", 42, "42"},
		{"bytes", []byte(" x1 "), "x1"},
		{"integral float", float64(7), "7"},
		{"fractional float", 7.25, "7.25"},
		{"bool", true, "true"},
		{"time", ts, "2017-06-01T12:30:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeKey(tc.in); got != tc.want {
				t.Fatalf("NormalizeKey(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}

	// int64 and an integral double must collide on purpose.
	if NormalizeKey(int64(7)) != NormalizeKey(float64(7)) {
		t.Fatalf("expected int64(7) and float64(7) to normalize identically")
	}
}

func TestSplitReference(t *testing.T) {
	cases := []struct {
		in     string
		table  string
		column string
		ok     bool
	}{
		{"dim_customer.customer_id", "dim_customer", "customer_id", true},
		{"schema.table.col", "schema.table", "col", true},
		{"nodot", "", "", false},
		{".col", "", "", false},
		{"table.", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		tbl, col, ok := SplitReference(tc.in)
		if tbl != tc.table || col != tc.column || ok != tc.ok {
			t.Fatalf("SplitReference(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, tbl, col, ok, tc.table, tc.column, tc.ok)
		}
	}
}

func TestTableSpecReferences(t *testing.T) {
	spec := TableSpec{
		Name: "fact_orders",
		Columns: []ColumnSpec{
			{Name: "order_id", Type: "text"},
			{Name: "customer_id", Type: "text", References: "dim_customer.customer_id"},
			{Name: "amount", Type: "double"},
			{Name: "bad_ref", Type: "text", References: "nodot"},
		},
	}

	refs := spec.References()
	if len(refs) != 1 {
		t.Fatalf("expected 1 reference, got %d: %#v", len(refs), refs)
	}
	r := refs[0]
	if r.Column != "customer_id" || r.Table != "dim_customer" || r.KeyColumn != "customer_id" {
		t.Fatalf("unexpected reference: %#v", r)
	}
}

func TestHistorySpecDefaults(t *testing.T) {
	var h *HistorySpec
	if h.Hash() != "row_hash" || h.ValidFrom() != "valid_from" || h.ValidTo() != "valid_to" || h.Current() != "is_current" {
		t.Fatalf("nil HistorySpec defaults wrong: %q %q %q %q", h.Hash(), h.ValidFrom(), h.ValidTo(), h.Current())
	}

	h = &HistorySpec{HashColumn: "hsh", ValidFromName: "vf", ValidToName: "vt", CurrentName: "cur"}
	if h.Hash() != "hsh" || h.ValidFrom() != "vf" || h.ValidTo() != "vt" || h.Current() != "cur" {
		t.Fatalf("HistorySpec overrides not honored")
	}
}

func TestHistorySpecTracked(t *testing.T) {
	spec := TableSpec{
		Name: "dim_customer",
		Columns: []ColumnSpec{
			{Name: "customer_id", Type: "text"},
			{Name: "city", Type: "text"},
			{Name: "state", Type: "text"},
		},
	}

	h := &HistorySpec{Key: []string{"customer_id"}}
	got := h.Tracked(spec)
	if len(got) != 2 || got[0] != "city" || got[1] != "state" {
		t.Fatalf("Tracked default = %#v, want [city state]", got)
	}

	h = &HistorySpec{Key: []string{"customer_id"}, TrackColumns: []string{"city"}}
	got = h.Tracked(spec)
	if len(got) != 1 || got[0] != "city" {
		t.Fatalf("Tracked explicit = %#v, want [city]", got)
	}
}

func TestTableSpecSourceTable(t *testing.T) {
	s := TableSpec{Name: "dim_customer"}
	if s.SourceTable() != "dim_customer" {
		t.Fatalf("SourceTable default = %q", s.SourceTable())
	}
	s.Load.FromTable = "customers"
	if s.SourceTable() != "customers" {
		t.Fatalf("SourceTable override = %q", s.SourceTable())
	}
}
