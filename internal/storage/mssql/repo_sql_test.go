package mssql

import (
	"strings"
	"testing"

	"martetl/internal/storage"
)

// boolPtr is a tiny helper to avoid repeating &[]bool literals in tests.
func boolPtr(v bool) *bool { return &v }

func factSpec() storage.TableSpec {
	return storage.TableSpec{
		Name:            "dbo.fact_orders",
		AutoCreateTable: true,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "order_sk", Type: "bigserial"},
		Columns: []storage.ColumnSpec{
			{Name: "order_id", Type: "nvarchar(64)", Nullable: boolPtr(false)},
			{Name: "customer_id", Type: "nvarchar(64)", References: "dim_customer.customer_id"},
			{Name: "amount", Type: "decimal(12,2)"},
		},
		Load: storage.LoadSpec{
			Kind:   "fact",
			Dedupe: &storage.DedupeSpec{ConflictColumns: []string{"order_id"}},
		},
	}
}

func dimSpec() storage.TableSpec {
	return storage.TableSpec{
		Name:            "dim_customer",
		AutoCreateTable: true,
		Columns: []storage.ColumnSpec{
			{Name: "customer_id", Type: "nvarchar(64)", Nullable: boolPtr(false)},
			{Name: "city", Type: "nvarchar(200)"},
		},
		Load:    storage.LoadSpec{Kind: "dimension"},
		History: &storage.HistorySpec{Key: []string{"customer_id"}},
	}
}

func TestBuildCreateSQL_ObjectIDGuard(t *testing.T) {
	t.Parallel()

	stmts, err := buildCreateSQL(factSpec())
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("expected create table + dedupe index, got %d stmts: %v", len(stmts), stmts)
	}

	create := stmts[0]
	if !strings.HasPrefix(create, "IF OBJECT_ID(N'dbo.fact_orders', N'U') IS NULL BEGIN CREATE TABLE [dbo].[fact_orders] (") {
		t.Fatalf("missing OBJECT_ID guard: %q", create)
	}
	if !strings.HasSuffix(create, "); END;") {
		t.Fatalf("guard block not closed: %q", create)
	}
	if !strings.Contains(create, "[order_sk] BIGINT IDENTITY(1,1) PRIMARY KEY") {
		t.Fatalf("missing identity primary key: %q", create)
	}
	if !strings.Contains(create, "[order_id] nvarchar(64) NOT NULL") {
		t.Fatalf("missing NOT NULL column: %q", create)
	}
	if !strings.Contains(create, "[customer_id] nvarchar(64),") {
		t.Fatalf("missing customer_id column: %q", create)
	}
	if strings.Contains(create, "REFERENCES") {
		t.Fatalf("references must stay screening metadata, not a foreign key: %q", create)
	}
	if strings.Contains(create, "[amount] decimal(12,2) NOT NULL") {
		t.Fatalf("amount should be nullable by default: %q", create)
	}
}

func TestBuildCreateSQL_DedupeIndexGuarded(t *testing.T) {
	t.Parallel()

	stmts, err := buildCreateSQL(factSpec())
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	want := "IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'fact_orders_dedupe' AND object_id = OBJECT_ID(N'dbo.fact_orders')) CREATE UNIQUE INDEX [fact_orders_dedupe] ON [dbo].[fact_orders] ([order_id]);"
	if stmts[1] != want {
		t.Fatalf("unexpected dedupe index:\n got %q\nwant %q", stmts[1], want)
	}
}

func TestBuildCreateSQL_VersionedMetadataAndFilteredIndex(t *testing.T) {
	t.Parallel()

	stmts, err := buildCreateSQL(dimSpec())
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("expected create table + current index, got %d stmts: %v", len(stmts), stmts)
	}

	create := stmts[0]
	for _, want := range []string{
		"[row_hash] NVARCHAR(64) NOT NULL",
		"[valid_from] DATETIME2 NOT NULL",
		"[valid_to] DATETIME2 NULL",
		"[is_current] BIT NOT NULL DEFAULT 1",
	} {
		if !strings.Contains(create, want) {
			t.Fatalf("missing %q in %q", want, create)
		}
	}

	wantIdx := "IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'dim_customer_one_current' AND object_id = OBJECT_ID(N'dim_customer')) CREATE UNIQUE INDEX [dim_customer_one_current] ON [dim_customer] ([customer_id]) WHERE [is_current] = 1;"
	if stmts[1] != wantIdx {
		t.Fatalf("unexpected current index:\n got %q\nwant %q", stmts[1], wantIdx)
	}
}

func TestBuildCreateSQL_DoesNotDuplicateMetadataWhenExplicit(t *testing.T) {
	t.Parallel()

	spec := dimSpec()
	spec.Columns = append(spec.Columns,
		storage.ColumnSpec{Name: "valid_from", Type: "datetime2", Nullable: boolPtr(false)},
	)

	stmts, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if n := strings.Count(stmts[0], "[valid_from]"); n != 1 {
		t.Fatalf("expected valid_from once, got %d in %q", n, stmts[0])
	}
}

func TestBuildCreateSQL_Errors(t *testing.T) {
	t.Parallel()

	check := dimSpec()
	check.Constraints = []storage.ConstraintSpec{{Kind: "check", Columns: []string{"city"}}}
	if _, err := buildCreateSQL(check); err == nil {
		t.Fatalf("expected error for unsupported constraint kind")
	}

	emptyKey := dimSpec()
	emptyKey.History = &storage.HistorySpec{}
	_, err := buildCreateSQL(emptyKey)
	if err == nil || !strings.Contains(err.Error(), "history.key") {
		t.Fatalf("expected history.key error, got %v", err)
	}

	if _, err := buildCreateSQL(storage.TableSpec{Name: " "}); err == nil {
		t.Fatalf("expected error for blank table name")
	}
}

func TestBuildBulkInsertSQL_PlaceholderNumbering(t *testing.T) {
	t.Parallel()

	rows := [][]any{
		{"o-1", int64(100)},
		{"o-2", int64(200)},
	}
	sqlText, args := buildBulkInsertSQL("fact_orders", []string{"order_id", "amount"}, rows)

	want := "INSERT INTO [fact_orders] ([order_id], [amount]) VALUES (@p1, @p2), (@p3, @p4)"
	if sqlText != want {
		t.Fatalf("unexpected SQL:\n got %q\nwant %q", sqlText, want)
	}
	if len(args) != 4 || args[0] != "o-1" || args[3] != int64(200) {
		t.Fatalf("args not in row-major order: %v", args)
	}
}

func TestBuildInsertNotExistsSQL(t *testing.T) {
	t.Parallel()

	rows := [][]any{{"o-1", int64(100)}}
	sqlText, args := buildInsertNotExistsSQL("fact_orders", []string{"order_id", "amount"}, rows, []string{"order_id"})

	for _, want := range []string{
		"INSERT INTO [fact_orders] ([order_id], [amount])",
		"SELECT v.[order_id], v.[amount] FROM (VALUES (@p1, @p2)) AS v([order_id], [amount])",
		"WHERE NOT EXISTS (SELECT 1 FROM [fact_orders] t WHERE t.[order_id] = v.[order_id])",
	} {
		if !strings.Contains(sqlText, want) {
			t.Fatalf("missing %q in %q", want, sqlText)
		}
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}
}

func TestBuildSelectKeysSQL(t *testing.T) {
	t.Parallel()

	sqlText, args := buildSelectKeysSQL("dim_customer", "customer_id", []any{"c-1", "c-2"})

	want := "SELECT [customer_id] FROM [dim_customer] WHERE [customer_id] IN (@p1, @p2)"
	if sqlText != want {
		t.Fatalf("unexpected SQL:\n got %q\nwant %q", sqlText, want)
	}
	if len(args) != 2 || args[0] != "c-1" || args[1] != "c-2" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestMssqlIdent_Escapes(t *testing.T) {
	t.Parallel()

	if got := mssqlIdent("we]ird"); got != "[we]]ird]" {
		t.Fatalf("mssqlIdent escaping wrong: %q", got)
	}
	if got := mssqlTableIdent("dbo.fact_orders"); got != "[dbo].[fact_orders]" {
		t.Fatalf("mssqlTableIdent wrong: %q", got)
	}
	if got := indexName("dbo.fact_orders", "_dedupe"); got != "fact_orders_dedupe" {
		t.Fatalf("indexName wrong: %q", got)
	}
}

func TestMssqlPrimaryKeyDef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pkType string
		want   string
	}{
		{"serial", "[id] INT IDENTITY(1,1) PRIMARY KEY"},
		{"bigserial", "[id] BIGINT IDENTITY(1,1) PRIMARY KEY"},
		{"uniqueidentifier", "[id] uniqueidentifier PRIMARY KEY"},
	}
	for _, tt := range tests {
		got, err := mssqlPrimaryKeyDef(storage.PrimaryKeySpec{Name: "id", Type: tt.pkType})
		if err != nil {
			t.Fatalf("mssqlPrimaryKeyDef(%q): %v", tt.pkType, err)
		}
		if got != tt.want {
			t.Fatalf("mssqlPrimaryKeyDef(%q) = %q, want %q", tt.pkType, got, tt.want)
		}
	}

	if _, err := mssqlPrimaryKeyDef(storage.PrimaryKeySpec{Type: "serial"}); err == nil {
		t.Fatalf("expected error for empty primary key name")
	}
}
