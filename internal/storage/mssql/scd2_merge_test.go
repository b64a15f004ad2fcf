package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"martetl/internal/storage"
)

type fakeResult struct{ n int64 }

func (f fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (f fakeResult) RowsAffected() (int64, error) { return f.n, nil }

// fakeRow replays one current-row fetch. nil vals means "no current row".
type fakeRow struct {
	vals []any
}

func (f *fakeRow) Scan(dest ...any) error {
	if f.vals == nil {
		return sql.ErrNoRows
	}
	if len(dest) != len(f.vals) {
		return fmt.Errorf("scan: %d dests for %d values", len(dest), len(f.vals))
	}
	for i, v := range f.vals {
		p, ok := dest[i].(*any)
		if !ok {
			return fmt.Errorf("scan: dest %d is %T, want *any", i, dest[i])
		}
		*p = v
	}
	return nil
}

// fakeTx records statements and replays queued current-row fetches.
type fakeTx struct {
	fetches  []*fakeRow
	fetchN   int
	queries  []string
	execSQL  []string
	execArgs [][]any

	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.execSQL = append(f.execSQL, query)
	f.execArgs = append(f.execArgs, args)
	return fakeResult{n: 1}, nil
}

func (f *fakeTx) QueryRowContext(_ context.Context, query string, _ ...any) rowScanner {
	f.queries = append(f.queries, query)
	i := f.fetchN
	f.fetchN++
	if i < len(f.fetches) {
		return f.fetches[i]
	}
	return &fakeRow{}
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	return nil
}

// fakeDB hands out a single fakeTx and records direct statements.
type fakeDB struct {
	tx       *fakeTx
	execSQL  []string
	execArgs [][]any
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.execSQL = append(f.execSQL, query)
	f.execArgs = append(f.execArgs, args)
	return fakeResult{n: 1}, nil
}

func (f *fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeDB) BeginTx(context.Context, *sql.TxOptions) (txConn, error) {
	return f.tx, nil
}

func (f *fakeDB) Close() error { return nil }

func TestMergeSCD2_Lifecycle(t *testing.T) {
	spec := storage.TableSpec{
		Name:    "dim_customer",
		Load:    storage.LoadSpec{Kind: "dimension"},
		History: &storage.HistorySpec{Key: []string{"customer_id"}},
	}
	columns := []string{"customer_id", "city", "row_hash"}
	rows := [][]any{
		{"c-1", "franca", "hash-a"},
		{"c-2", "rio de janeiro", "hash-b"},
		{"c-3", "sao paulo", "hash-new"},
	}

	// c-1 has no current row, c-2 is unchanged, c-3 moved city.
	ftx := &fakeTx{
		fetches: []*fakeRow{
			{},
			{vals: []any{"c-2", "rio de janeiro", "hash-b"}},
			{vals: []any{"c-3", "santos", "hash-old"}},
		},
	}
	repo := &Repo{db: &fakeDB{tx: ftx}}

	now := time.Date(2017, 6, 3, 0, 0, 0, 0, time.UTC)
	stats, err := repo.MergeSCD2(context.Background(), spec, columns, rows, now)
	if err != nil {
		t.Fatalf("MergeSCD2: %v", err)
	}

	if stats.Inserted != 1 || stats.Unchanged != 1 || stats.Superseded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !ftx.committed {
		t.Fatalf("expected transaction to be committed")
	}

	if len(ftx.queries) != 3 {
		t.Fatalf("expected 3 current-row fetches, got %d", len(ftx.queries))
	}
	for _, q := range ftx.queries {
		if !strings.Contains(q, "WITH (UPDLOCK, ROWLOCK)") {
			t.Fatalf("fetch must lock the current row: %q", q)
		}
		if !strings.Contains(q, "[is_current] = 1") {
			t.Fatalf("fetch must filter on the current flag: %q", q)
		}
	}

	if len(ftx.execSQL) != 3 {
		t.Fatalf("expected insert, close, insert; got %d stmts: %v", len(ftx.execSQL), ftx.execSQL)
	}
	if !strings.Contains(ftx.execSQL[0], "INSERT INTO [dim_customer]") ||
		!strings.Contains(ftx.execSQL[0], ", NULL, 1)") {
		t.Fatalf("first stmt should open a current version: %q", ftx.execSQL[0])
	}
	if !strings.Contains(ftx.execSQL[1], "UPDATE [dim_customer] SET [valid_to] = @p1, [is_current] = 0") {
		t.Fatalf("second stmt should close the old version: %q", ftx.execSQL[1])
	}
	if !strings.Contains(ftx.execSQL[1], "[customer_id] = @p2 AND [is_current] = 1") {
		t.Fatalf("close must match by key and current flag: %q", ftx.execSQL[1])
	}
	if !strings.Contains(ftx.execSQL[2], "INSERT INTO [dim_customer]") {
		t.Fatalf("third stmt should open the new version: %q", ftx.execSQL[2])
	}

	if got := ftx.execArgs[1][0].(time.Time); !got.Equal(now) {
		t.Fatalf("close valid_to = %v, want %v", got, now)
	}
}

func TestMergeSCD2_NoHashFallsBackToFullRowCompare(t *testing.T) {
	spec := storage.TableSpec{
		Name:    "dim_customer",
		History: &storage.HistorySpec{Key: []string{"customer_id"}},
	}
	columns := []string{"customer_id", "city"}
	rows := [][]any{
		{"c-1", "osasco"},
		{"c-2", "niteroi"},
	}

	ftx := &fakeTx{
		fetches: []*fakeRow{
			{vals: []any{"c-1", "osasco"}},
			{vals: []any{"c-2", "maceio"}},
		},
	}
	repo := &Repo{db: &fakeDB{tx: ftx}}

	stats, err := repo.MergeSCD2(context.Background(), spec, columns, rows, time.Now())
	if err != nil {
		t.Fatalf("MergeSCD2: %v", err)
	}
	if stats.Inserted != 0 || stats.Unchanged != 1 || stats.Superseded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMergeSCD2_MissingHistorySpec(t *testing.T) {
	repo := &Repo{db: &fakeDB{}}

	spec := storage.TableSpec{Name: "fact_orders", Load: storage.LoadSpec{Kind: "fact"}}
	_, err := repo.MergeSCD2(context.Background(), spec, []string{"order_id"}, [][]any{{"o-1"}}, time.Now())
	if err == nil || !strings.Contains(err.Error(), "history spec") {
		t.Fatalf("expected history spec error, got %v", err)
	}
}

func TestMergeSCD2_RowLengthMismatchRollsBack(t *testing.T) {
	spec := storage.TableSpec{
		Name:    "dim_customer",
		History: &storage.HistorySpec{Key: []string{"customer_id"}},
	}

	ftx := &fakeTx{}
	repo := &Repo{db: &fakeDB{tx: ftx}}

	_, err := repo.MergeSCD2(context.Background(), spec, []string{"customer_id", "city"}, [][]any{{"c-1"}}, time.Now())
	if err == nil {
		t.Fatalf("expected row length error")
	}
	if ftx.committed {
		t.Fatalf("transaction must not be committed on error")
	}
	if !ftx.rolledBack {
		t.Fatalf("transaction must be rolled back on error")
	}
}

func TestAppendRows_CollapsesInBatchDuplicates(t *testing.T) {
	spec := storage.TableSpec{
		Name: "fact_orders",
		Load: storage.LoadSpec{
			Kind:   "fact",
			Dedupe: &storage.DedupeSpec{ConflictColumns: []string{"order_id"}},
		},
	}
	columns := []string{"order_id", "amount"}
	rows := [][]any{
		{"o-1", int64(100)},
		{"o-1", int64(999)},
		{"o-2", int64(200)},
	}

	fdb := &fakeDB{}
	repo := &Repo{db: fdb}

	if _, err := repo.AppendRows(context.Background(), spec, columns, rows); err != nil {
		t.Fatalf("AppendRows: %v", err)
	}

	if len(fdb.execSQL) != 1 {
		t.Fatalf("expected one statement, got %d", len(fdb.execSQL))
	}
	if !strings.Contains(fdb.execSQL[0], "WHERE NOT EXISTS") {
		t.Fatalf("dedupe append must use NOT EXISTS: %q", fdb.execSQL[0])
	}
	// The in-batch duplicate of o-1 must be collapsed before binding.
	if len(fdb.execArgs[0]) != 4 {
		t.Fatalf("expected 2 rows x 2 columns bound, got %d args: %v", len(fdb.execArgs[0]), fdb.execArgs[0])
	}
}

func TestAppendRows_PlainInsertWithoutDedupe(t *testing.T) {
	spec := storage.TableSpec{Name: "fact_orders", Load: storage.LoadSpec{Kind: "fact"}}
	columns := []string{"order_id", "amount"}
	rows := [][]any{
		{"o-1", int64(100)},
		{"o-2", int64(200)},
	}

	fdb := &fakeDB{}
	repo := &Repo{db: fdb}

	if _, err := repo.AppendRows(context.Background(), spec, columns, rows); err != nil {
		t.Fatalf("AppendRows: %v", err)
	}

	if len(fdb.execSQL) != 1 {
		t.Fatalf("expected one statement, got %d", len(fdb.execSQL))
	}
	if strings.Contains(fdb.execSQL[0], "NOT EXISTS") {
		t.Fatalf("plain append must not use NOT EXISTS: %q", fdb.execSQL[0])
	}
	if len(fdb.execArgs[0]) != 4 {
		t.Fatalf("expected 4 args, got %v", fdb.execArgs[0])
	}
}
