package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"martetl/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// This implementation supports:
//   - Chunked fact appends, optionally idempotent via INSERT ... WHERE NOT
//     EXISTS over a VALUES derived table.
//   - Single-table versioned merges: every version of an entity lives in the
//     same table, exactly one row per entity key carries is_current = 1, and
//     superseded versions keep their validity range.
//
// Merge semantics:
//   - The entity key is configured by spec.History.Key.
//   - Current rows are those with the current flag set.
//   - If incoming matches current (by row hash if present, otherwise by full
//     row), the operation is a no-op (idempotent).
//   - If incoming differs, the current row is closed (valid_to=now,
//     is_current=0) and the incoming row is inserted as the new current
//     version.
//
// Concurrency:
//   - fetchCurrentRowTx uses UPDLOCK + ROWLOCK so multiple writers for the
//     same entity key serialize cleanly without table-wide locks.
//
// Importing this package registers the "sqlserver" driver through
// github.com/microsoft/go-mssqldb.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for bursty batch loads.
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates tables and indexes for every spec with AutoCreateTable.
//
// Versioned tables get the metadata columns (row hash, validity range,
// current flag) unless declared explicitly, plus the filtered unique index
// that enforces at most one current row per entity key. Fact tables with
// dedupe conflict columns get a unique index guarding concurrent loaders.
//
// This method is idempotent and safe to run on every invocation.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}

		stmts, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		for _, q := range stmts {
			if _, err := r.db.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// AppendRows inserts fact rows.
//
// If the spec carries dedupe conflict columns, rows are first collapsed to
// one per dedupe key within the batch and then inserted with an
// INSERT ... SELECT ... WHERE NOT EXISTS pattern, making reprocessing
// idempotent. Statements are chunked to stay well below SQL Server's 2100
// parameter limit. Returns the number of rows actually inserted.
func (r *Repo) AppendRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: AppendRows %s: columns is empty", spec.Name)
	}

	var dedupeColumns []string
	if d := spec.Load.Dedupe; d != nil {
		dedupeColumns = d.ConflictColumns
	}

	if len(dedupeColumns) > 0 {
		// Unlike Postgres ON CONFLICT DO NOTHING, a NOT EXISTS probe sees the
		// table state before the statement. Duplicate keys inside one batch
		// would all pass the probe and then trip the unique index, so they
		// must be collapsed here first (keeping the first occurrence).
		deduped, err := dedupeRowsByColumns(rows, columns, dedupeColumns)
		if err != nil {
			return 0, fmt.Errorf("mssql: AppendRows %s: %w", spec.Name, err)
		}
		rows = deduped
	}

	maxRows := 2000 / len(columns)
	if maxRows < 1 {
		maxRows = 1
	}

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		var q string
		var args []any
		if len(dedupeColumns) > 0 {
			q, args = buildInsertNotExistsSQL(spec.Name, columns, part, dedupeColumns)
		} else {
			q, args = buildBulkInsertSQL(spec.Name, columns, part)
		}

		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// MergeSCD2 merges versioned rows row-by-row in a single transaction.
//
// This ensures atomicity for each version transition: either the old version
// is closed and the new one opened, or neither happens.
func (r *Repo) MergeSCD2(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any, now time.Time) (storage.MergeStats, error) {
	var stats storage.MergeStats
	if len(rows) == 0 {
		return stats, nil
	}

	h := spec.History
	if h == nil {
		return stats, fmt.Errorf("mssql: MergeSCD2: table %s has no history spec", spec.Name)
	}
	if len(h.Key) == 0 {
		return stats, fmt.Errorf("mssql: MergeSCD2: table %s: history.key must not be empty", spec.Name)
	}

	colIdx := indexColumns(columns)
	keyIdx, err := indicesFor(h.Key, colIdx)
	if err != nil {
		return stats, fmt.Errorf("mssql: MergeSCD2 %s: %w", spec.Name, err)
	}
	hashIdx, hasHash := colIdx[h.Hash()]

	now = now.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range rows {
		if len(row) != len(columns) {
			return stats, fmt.Errorf("mssql: MergeSCD2 %s: row has %d values, want %d", spec.Name, len(row), len(columns))
		}

		curr, err := fetchCurrentRowTx(ctx, tx, spec.Name, h, columns, keyIdx, row)
		if err != nil {
			return stats, err
		}

		if curr == nil {
			if err := insertCurrentRowTx(ctx, tx, spec.Name, columns, row, h, now); err != nil {
				return stats, err
			}
			stats.Inserted++
			continue
		}

		changed := true
		if hasHash {
			changed = !equalScalar(curr[hashIdx], row[hashIdx])
		} else {
			changed = !rowsEqualAll(curr, row)
		}
		if !changed {
			stats.Unchanged++
			continue
		}

		if err := closeCurrentRowTx(ctx, tx, spec.Name, h, keyValues(row, keyIdx), now); err != nil {
			return stats, err
		}
		if err := insertCurrentRowTx(ctx, tx, spec.Name, columns, row, h, now); err != nil {
			return stats, err
		}
		stats.Superseded++
	}

	if err := tx.Commit(); err != nil {
		return stats, err
	}
	return stats, nil
}

// SelectExistingKeys reports which of the given keys exist in table.keyColumn.
//
// The returned set is keyed by storage.NormalizeKey. Keys are deduplicated
// deterministically (first occurrence kept, stable ordering) and the IN()
// list is chunked to avoid SQL Server parameter limits.
func (r *Repo) SelectExistingKeys(ctx context.Context, table, keyColumn string, keys []any) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if table == "" || keyColumn == "" {
		return nil, fmt.Errorf("mssql: SelectExistingKeys: table and keyColumn are required")
	}

	uniq := make(map[string]any, len(keys))
	order := make([]string, 0, len(keys))
	for _, k := range keys {
		nk := storage.NormalizeKey(k)
		if nk == "" {
			continue
		}
		if _, exists := uniq[nk]; exists {
			continue
		}
		uniq[nk] = k
		order = append(order, nk)
	}
	sort.Strings(order)

	const chunk = 1000
	for start := 0; start < len(order); start += chunk {
		end := start + chunk
		if end > len(order) {
			end = len(order)
		}
		part := make([]any, 0, end-start)
		for _, nk := range order[start:end] {
			part = append(part, uniq[nk])
		}

		q, args := buildSelectKeysSQL(table, keyColumn, part)

		rows, err := r.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var k any
			if err := rows.Scan(&k); err != nil {
				_ = rows.Close()
				return nil, err
			}
			out[storage.NormalizeKey(k)] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return out, nil
}

// fetchCurrentRowTx loads and locks the current row for a given entity key.
//
// It uses UPDLOCK + ROWLOCK to serialize writers for the same entity key.
//
// Returns:
//   - (nil, nil) if there is no current row.
//   - (rowValues, nil) if found.
func fetchCurrentRowTx(
	ctx context.Context,
	tx txConn,
	table string,
	h *storage.HistorySpec,
	columns []string,
	keyIdx []int,
	row []any,
) ([]any, error) {
	var b strings.Builder
	b.WriteString("SELECT ")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WITH (UPDLOCK, ROWLOCK) WHERE ")

	args := make([]any, 0, len(keyIdx))
	for i, idx := range keyIdx {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(mssqlIdent(h.Key[i]))
		b.WriteString(" = @p")
		b.WriteString(strconv.Itoa(i + 1))
		args = append(args, row[idx])
	}
	b.WriteString(" AND ")
	b.WriteString(mssqlIdent(h.Current()))
	b.WriteString(" = 1")

	rowDB := tx.QueryRowContext(ctx, b.String(), args...)

	// Scan destinations must be pointers, so a parallel slice of &out[i] is
	// built for the dynamic column list.
	out := make([]any, len(columns))
	dests := make([]any, len(columns))
	for i := range out {
		dests[i] = &out[i]
	}

	if err := rowDB.Scan(dests...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// insertCurrentRowTx inserts a new current version of a row.
//
// It sets:
//   - valid_from = now
//   - valid_to = NULL
//   - is_current = 1
func insertCurrentRowTx(
	ctx context.Context,
	tx txConn,
	table string,
	columns []string,
	row []any,
	h *storage.HistorySpec,
	now time.Time,
) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(", ")
	b.WriteString(mssqlIdent(h.ValidFrom()))
	b.WriteString(", ")
	b.WriteString(mssqlIdent(h.ValidTo()))
	b.WriteString(", ")
	b.WriteString(mssqlIdent(h.Current()))
	b.WriteString(") VALUES (")

	args := make([]any, 0, len(columns)+1)
	p := 1

	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("@p")
		b.WriteString(strconv.Itoa(p))
		args = append(args, row[i])
		p++
	}

	// valid_from
	b.WriteString(", @p")
	b.WriteString(strconv.Itoa(p))
	args = append(args, now)

	// valid_to and is_current
	b.WriteString(", NULL, 1)")

	_, err := tx.ExecContext(ctx, b.String(), args...)
	return err
}

// closeCurrentRowTx closes the current version for an entity key by setting
// valid_to = now and clearing the current flag.
func closeCurrentRowTx(
	ctx context.Context,
	tx txConn,
	table string,
	h *storage.HistorySpec,
	keyVals []any,
	now time.Time,
) error {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" SET ")
	b.WriteString(mssqlIdent(h.ValidTo()))
	b.WriteString(" = @p1, ")
	b.WriteString(mssqlIdent(h.Current()))
	b.WriteString(" = 0 WHERE ")

	args := make([]any, 0, 1+len(keyVals))
	args = append(args, now)

	p := 2
	for i, k := range h.Key {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(mssqlIdent(k))
		b.WriteString(" = @p")
		b.WriteString(strconv.Itoa(p))
		args = append(args, keyVals[i])
		p++
	}
	b.WriteString(" AND ")
	b.WriteString(mssqlIdent(h.Current()))
	b.WriteString(" = 1")

	_, err := tx.ExecContext(ctx, b.String(), args...)
	return err
}

/* ---------- SQL builders (pure, tested without a database) ---------- */

// buildCreateSQL builds idempotent DDL statements for one table:
//   - CREATE TABLE wrapped in an OBJECT_ID guard
//   - the filtered unique index for one-current-row-per-key
//   - the unique index backing dedupe appends
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("mssql: table name is empty")
	}

	defs, err := buildCreateTableDefs(t)
	if err != nil {
		return nil, err
	}

	stmts := []string{wrapCreateIfMissing(t.Name, defs)}

	if h := t.History; h != nil {
		stmts = append(stmts, buildCurrentIndexSQL(t.Name, h))
	}
	if d := t.Load.Dedupe; d != nil && len(d.ConflictColumns) > 0 {
		stmts = append(stmts, buildDedupeIndexSQL(t.Name, d.ConflictColumns))
	}
	return stmts, nil
}

// buildCreateTableDefs produces the "(...)" inner content for CREATE TABLE.
//
// For versioned tables this appends the metadata columns if they are not
// already present in TableSpec.Columns.
func buildCreateTableDefs(t storage.TableSpec) (string, error) {
	var parts []string

	if t.PrimaryKey != nil {
		pkDef, err := mssqlPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", err
		}
		parts = append(parts, pkDef)
	}

	configured := configuredColumnSet(t)

	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}

	if h := t.History; h != nil {
		if len(h.Key) == 0 {
			return "", fmt.Errorf("%s: history.key must not be empty", t.Name)
		}
		if !configured[strings.ToLower(h.Hash())] {
			parts = append(parts, fmt.Sprintf("%s NVARCHAR(64) NOT NULL", mssqlIdent(h.Hash())))
		}
		if !configured[strings.ToLower(h.ValidFrom())] {
			parts = append(parts, fmt.Sprintf("%s DATETIME2 NOT NULL", mssqlIdent(h.ValidFrom())))
		}
		if !configured[strings.ToLower(h.ValidTo())] {
			parts = append(parts, fmt.Sprintf("%s DATETIME2 NULL", mssqlIdent(h.ValidTo())))
		}
		if !configured[strings.ToLower(h.Current())] {
			parts = append(parts, fmt.Sprintf("%s BIT NOT NULL DEFAULT 1", mssqlIdent(h.Current())))
		}
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		var cols []string
		for _, c := range con.Columns {
			cols = append(cols, mssqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("%s: no columns", t.Name)
	}
	return strings.Join(parts, ", "), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// buildCurrentIndexSQL builds the filtered unique index that enforces at most
// one current row per entity key, guarded for idempotency via sys.indexes.
func buildCurrentIndexSQL(table string, h *storage.HistorySpec) string {
	name := indexName(table, "_one_current")
	cols := make([]string, 0, len(h.Key))
	for _, k := range h.Key {
		cols = append(cols, mssqlIdent(k))
	}
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE UNIQUE INDEX %s ON %s (%s) WHERE %s = 1;",
		name,
		table,
		mssqlIdent(name),
		mssqlTableIdent(table),
		strings.Join(cols, ", "),
		mssqlIdent(h.Current()),
	)
}

// buildDedupeIndexSQL builds the unique index that guards dedupe appends from
// concurrent loaders, with the same sys.indexes guard.
func buildDedupeIndexSQL(table string, conflictColumns []string) string {
	name := indexName(table, "_dedupe")
	cols := make([]string, 0, len(conflictColumns))
	for _, c := range conflictColumns {
		cols = append(cols, mssqlIdent(c))
	}
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE UNIQUE INDEX %s ON %s (%s);",
		name,
		table,
		mssqlIdent(name),
		mssqlTableIdent(table),
		strings.Join(cols, ", "),
	)
}

// mssqlPrimaryKeyDef returns a column definition for an identity primary key.
//
// Supported types (case-insensitive):
//   - "serial", "identity" variants -> INT IDENTITY(1,1) PRIMARY KEY
//   - "bigserial" -> BIGINT IDENTITY(1,1) PRIMARY KEY
//   - otherwise uses pk.Type verbatim with PRIMARY KEY.
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	if strings.TrimSpace(pk.Name) == "" {
		return "", fmt.Errorf("mssql: primary key name is empty")
	}
	typ := strings.ToLower(strings.TrimSpace(pk.Type))
	switch typ {
	case "serial", "int identity", "integer identity", "identity":
		return fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	case "bigserial":
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), pk.Type), nil
	}
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
//
// Columns are nullable unless Nullable is explicitly false.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return "", fmt.Errorf("mssql: column %s type is empty", c.Name)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)

	if c.Nullable != nil && !*c.Nullable {
		b.WriteString(" NOT NULL")
	}

	// References never becomes a FOREIGN KEY: versioned dimension keys are
	// only unique among current rows, which a FK cannot target. The engine
	// screens fact keys before insert instead.

	return b.String(), nil
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for a chunk
// of rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("@p%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// buildInsertNotExistsSQL constructs a single INSERT...SELECT...WHERE NOT
// EXISTS for a chunk of rows.
//
// It materializes incoming rows as a derived table v via VALUES, then inserts
// only those rows that do not match existing rows per dedupeColumns. The
// returned SQL is deterministic for a given input.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}

	b.WriteString(") SELECT ")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(mssqlIdent(c))
	}

	b.WriteString(" FROM (VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("@p%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS v(")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")

	for i, dc := range dedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(")")

	return b.String(), args
}

// buildSelectKeysSQL returns the SELECT ... IN (...) query and args for one
// key chunk.
func buildSelectKeysSQL(table, keyColumn string, keys []any) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(mssqlIdent(keyColumn))
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WHERE ")
	b.WriteString(mssqlIdent(keyColumn))
	b.WriteString(" IN (")

	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("@p%d", i+1))
		args = append(args, k)
	}
	b.WriteString(")")

	return b.String(), args
}

// dedupeRowsByColumns keeps exactly one row per dedupe key within a batch,
// preserving the first occurrence (stable policy).
//
// Returns an error if a dedupe column is not present in the column list: a
// silent best effort would hide configuration drift between schema and
// pipeline config.
func dedupeRowsByColumns(rows [][]any, columns []string, dedupeColumns []string) ([][]any, error) {
	colIdx := indexColumns(columns)
	idxs, err := indicesFor(dedupeColumns, colIdx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		var kb strings.Builder
		for i, idx := range idxs {
			if i > 0 {
				kb.WriteByte(0)
			}
			kb.WriteString(storage.NormalizeKey(row[idx]))
		}
		k := kb.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

/* ---------- helpers ---------- */

// configuredColumnSet returns a lowercase set of configured column names,
// used to prevent duplicate metadata columns.
func configuredColumnSet(t storage.TableSpec) map[string]bool {
	out := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		n := strings.ToLower(strings.TrimSpace(c.Name))
		if n == "" {
			continue
		}
		out[n] = true
	}
	return out
}

// indexColumns returns a mapping of column name -> index.
func indexColumns(columns []string) map[string]int {
	m := make(map[string]int, len(columns))
	for i, c := range columns {
		m[c] = i
	}
	return m
}

// indicesFor returns the indices for required columns based on colIdx.
//
// This helper returns a friendly error if a required column is missing.
func indicesFor(required []string, colIdx map[string]int) ([]int, error) {
	out := make([]int, len(required))
	for i, c := range required {
		idx, ok := colIdx[c]
		if !ok {
			return nil, fmt.Errorf("column %q not found in columns", c)
		}
		out[i] = idx
	}
	return out, nil
}

func keyValues(row []any, keyIdx []int) []any {
	out := make([]any, len(keyIdx))
	for i, idx := range keyIdx {
		out[i] = row[idx]
	}
	return out
}

// rowsEqualAll compares two slices scalar by scalar.
//
// This is a pragmatic fallback for cases where a row hash is not available.
func rowsEqualAll(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalScalar(a[i], b[i]) {
			return false
		}
	}
	return true
}

// equalScalar compares values in a driver-tolerant way, especially for the
// row hash.
//
// Drivers commonly return []byte for textual columns; this function ensures
// that string vs []byte compare correctly.
func equalScalar(a any, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case []byte:
		switch bv := b.(type) {
		case []byte:
			return string(av) == string(bv)
		case string:
			return string(av) == bv
		}
	case string:
		switch bv := b.(type) {
		case []byte:
			return av == string(bv)
		case string:
			return av == bv
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified
// names.
//
// Example:
//
//	"dbo.fact_orders" -> [dbo].[fact_orders]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// indexName derives an index name from the table name with any schema
// qualifier stripped.
func indexName(table, suffix string) string {
	parts := strings.Split(table, ".")
	return strings.TrimSpace(parts[len(parts)-1]) + suffix
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package
// testable. It intentionally includes only the methods this file needs.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
//
// It models the minimal transactional methods required by the merge path.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

// sqlTx wraps *sql.Tx to implement txConn.
type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error { return s.tx.Commit() }

func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

// compile-time sanity checks (no runtime cost).
var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sqlTx)(nil)
)
