package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"martetl/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native TIMESTAMPTZ type. Even if config says "timestamptz",
//     modernc.org/sqlite stores it with TEXT affinity unless you intentionally
//     store INTEGER/REAL. Therefore, timestamps must be handled carefully.
//   - This repo stores version timestamps as RFC3339Nano strings for reliable
//     round-trip behavior and easy debugging.
//   - The current flag is stored as INTEGER 1/0; "one current row per entity
//     key" is enforced by a partial unique index (WHERE is_current = 1).
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates tables and indexes for every spec with AutoCreateTable.
//
// For versioned tables this includes the metadata columns (row hash, validity
// range, current flag) and the partial unique index that enforces at most one
// current row per entity key. Fact tables with dedupe conflict columns get the
// unique index INSERT OR IGNORE relies on. Idempotent across runs.
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
				return fmt.Errorf("create table %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// AppendRows inserts fact rows.
//
// When the spec carries dedupe conflict columns, inserts use INSERT OR IGNORE
// so reprocessing the same batch inserts nothing new. That relies on the
// dedupe unique index EnsureTables creates.
//
// Rows are chunked to stay below SQLite's bound-variable limit. Returns the
// number of rows actually inserted.
func (r *Repo) AppendRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("sqlite: AppendRows %s: columns is empty", spec.Name)
	}

	dedupe := spec.Load.Dedupe != nil && len(spec.Load.Dedupe.ConflictColumns) > 0

	maxRows := 800 / len(columns)
	if maxRows < 1 {
		maxRows = 1
	}

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}

		q, args := buildInsertSQL(spec.Name, columns, rows[start:end], dedupe)
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// MergeSCD2 merges versioned rows inside one transaction.
//
// The flow per incoming row:
//   - Fetch the current version by entity key (is_current = 1).
//   - If none exists -> insert as current.
//   - If the row hash matches -> no-op.
//   - Otherwise close the current version (valid_to=now, is_current=0) and
//     insert the incoming row as the new current version (valid_from=now).
func (r *Repo) MergeSCD2(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any, now time.Time) (storage.MergeStats, error) {
	var stats storage.MergeStats
	if len(rows) == 0 {
		return stats, nil
	}

	h := spec.History
	if h == nil {
		return stats, fmt.Errorf("sqlite: MergeSCD2: table %s has no history spec", spec.Name)
	}
	if len(h.Key) == 0 {
		return stats, fmt.Errorf("sqlite: MergeSCD2: table %s: history.key must not be empty", spec.Name)
	}

	colIdx := indexColumns(columns)
	keyIdx, err := indicesFor(h.Key, colIdx)
	if err != nil {
		return stats, fmt.Errorf("sqlite: MergeSCD2 %s: %w", spec.Name, err)
	}
	hashIdx, hasHash := colIdx[h.Hash()]

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range rows {
		if len(row) != len(columns) {
			return stats, fmt.Errorf("sqlite: MergeSCD2 %s: row has %d values, want %d", spec.Name, len(row), len(columns))
		}

		current, err := fetchCurrent(ctx, tx, spec.Name, columns, h, keyValues(row, keyIdx))
		if err != nil {
			return stats, err
		}

		if current == nil {
			q, args := buildInsertCurrentSQL(spec.Name, columns, row, h, now)
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return stats, err
			}
			stats.Inserted++
			continue
		}

		// Change detection prefers the upstream row hash; without one, fall
		// back to comparing every column value.
		changed := true
		if hasHash {
			changed = !valueEqual(current[hashIdx], row[hashIdx])
		} else {
			changed = !rowsEqual(current, row)
		}
		if !changed {
			stats.Unchanged++
			continue
		}

		q, args := buildCloseCurrentSQL(spec.Name, h, keyValues(row, keyIdx), now)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return stats, err
		}
		q, args = buildInsertCurrentSQL(spec.Name, columns, row, h, now)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
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
// Both sides go through storage.NormalizeKey so typed values compare against
// stored ones. Input keys are deduplicated deterministically and the IN list
// is chunked to stay below the bound-variable limit.
func (r *Repo) SelectExistingKeys(ctx context.Context, table, keyColumn string, keys []any) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	uniq := make(map[string]any, len(keys))
	order := make([]string, 0, len(keys))
	for _, k := range keys {
		nk := storage.NormalizeKey(k)
		if nk == "" {
			continue
		}
		if _, seen := uniq[nk]; seen {
			continue
		}
		uniq[nk] = k
		order = append(order, nk)
	}
	sort.Strings(order)

	const chunk = 500
	for start := 0; start < len(order); start += chunk {
		end := start + chunk
		if end > len(order) {
			end = len(order)
		}
		part := order[start:end]

		ph := strings.TrimRight(strings.Repeat("?,", len(part)), ",")
		q := fmt.Sprintf(
			`SELECT %s FROM %s WHERE %s IN (%s)`,
			sqlIdent(keyColumn), table, sqlIdent(keyColumn), ph,
		)

		args := make([]any, 0, len(part))
		for _, nk := range part {
			args = append(args, normalizeArg(uniq[nk]))
		}

		rows, err := r.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var k any
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return nil, err
			}
			out[storage.NormalizeKey(k)] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// fetchCurrent selects the current version for an entity key, or nil when
// none exists.
func fetchCurrent(ctx context.Context, tx *sql.Tx, table string, columns []string, h *storage.HistorySpec, keyVals []any) ([]any, error) {
	q, args := buildFetchCurrentSQL(table, columns, h, keyVals)

	out := make([]any, len(columns))
	dests := make([]any, len(columns))
	for i := range out {
		dests[i] = &out[i]
	}

	if err := tx.QueryRowContext(ctx, q, args...).Scan(dests...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

/* ---------- SQL builders (pure, tested without a database) ---------- */

// buildCreateSQL generates idempotent DDL statements for one table:
//   - CREATE TABLE IF NOT EXISTS with declared columns, metadata columns
//     appended for versioned tables (skipping any declared explicitly), and
//     UNIQUE table constraints
//   - the partial unique index for one-current-row-per-key
//   - the unique index backing INSERT OR IGNORE dedupe
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("table name is empty")
	}

	var parts []string

	if t.PrimaryKey != nil {
		pkType := strings.TrimSpace(strings.ToLower(t.PrimaryKey.Type))

		// Translate common postgres/mssql-ish pk types into sqlite semantics.
		// "INTEGER PRIMARY KEY" is special in sqlite: it becomes the rowid and
		// auto-generates values.
		switch pkType {
		case "serial", "bigserial", "int identity", "integer identity", "identity":
			parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
		default:
			parts = append(parts, fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), t.PrimaryKey.Type))
		}
	}

	configured := configuredColumnSet(t)

	for _, c := range t.Columns {
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), c.Type)
		if c.Nullable != nil && !*c.Nullable {
			col += " NOT NULL"
		}
		// References never becomes a FOREIGN KEY clause: versioned dimension
		// keys are not unique across versions. The engine screens fact keys
		// before insert instead.
		parts = append(parts, col)
	}

	h := t.History
	if h != nil {
		if len(h.Key) == 0 {
			return nil, fmt.Errorf("%s: history.key must not be empty", t.Name)
		}
		if !configured[strings.ToLower(h.Hash())] {
			parts = append(parts, fmt.Sprintf(`%s TEXT NOT NULL`, sqlIdent(h.Hash())))
		}
		if !configured[strings.ToLower(h.ValidFrom())] {
			parts = append(parts, fmt.Sprintf(`%s TEXT NOT NULL`, sqlIdent(h.ValidFrom())))
		}
		if !configured[strings.ToLower(h.ValidTo())] {
			parts = append(parts, fmt.Sprintf(`%s TEXT`, sqlIdent(h.ValidTo())))
		}
		if !configured[strings.ToLower(h.Current())] {
			parts = append(parts, fmt.Sprintf(`%s INTEGER NOT NULL DEFAULT 1`, sqlIdent(h.Current())))
		}
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return nil, fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		var cols []string
		for _, c := range con.Columns {
			cols = append(cols, sqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", t.Name, strings.Join(parts, ",\n  "))}

	if h != nil {
		stmts = append(stmts, buildCurrentIndexSQL(t.Name, h))
	}
	if d := t.Load.Dedupe; d != nil && len(d.ConflictColumns) > 0 {
		stmts = append(stmts, buildDedupeIndexSQL(t.Name, d.ConflictColumns))
	}
	return stmts, nil
}

// buildCurrentIndexSQL builds the partial unique index that enforces at most
// one current row per entity key.
func buildCurrentIndexSQL(table string, h *storage.HistorySpec) string {
	cols := make([]string, 0, len(h.Key))
	for _, k := range h.Key {
		cols = append(cols, sqlIdent(k))
	}
	return fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) WHERE %s = 1;",
		sqlIdent(table+"_one_current"),
		table,
		strings.Join(cols, ", "),
		sqlIdent(h.Current()),
	)
}

// buildDedupeIndexSQL builds the unique index that makes INSERT OR IGNORE an
// effective dedupe for the configured conflict columns.
func buildDedupeIndexSQL(table string, conflictColumns []string) string {
	cols := make([]string, 0, len(conflictColumns))
	for _, c := range conflictColumns {
		cols = append(cols, sqlIdent(c))
	}
	return fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s);",
		sqlIdent(table+"_dedupe"),
		table,
		strings.Join(cols, ", "),
	)
}

// buildInsertSQL constructs one multi-row INSERT and its args.
func buildInsertSQL(table string, columns []string, rows [][]any, orIgnore bool) (string, []any) {
	var b strings.Builder
	if orIgnore {
		b.WriteString("INSERT OR IGNORE INTO ")
	} else {
		b.WriteString("INSERT INTO ")
	}
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for _, v := range row {
			args = append(args, normalizeArg(v))
		}
	}
	return b.String(), args
}

// buildFetchCurrentSQL selects the data columns of the current version for
// one entity key.
func buildFetchCurrentSQL(table string, columns []string, h *storage.HistorySpec, keyVals []any) (string, []any) {
	where, args := buildKeyWhere(h.Key, keyVals)
	q := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s AND %s = 1 LIMIT 1`,
		joinIdents(columns),
		table,
		where,
		sqlIdent(h.Current()),
	)
	return q, args
}

// buildInsertCurrentSQL opens a new current version:
//   - valid_from = now
//   - valid_to   = NULL (literal)
//   - is_current = 1 (literal)
//
// Timestamps are stored as RFC3339Nano strings.
func buildInsertCurrentSQL(table string, columns []string, row []any, h *storage.HistorySpec, now time.Time) (string, []any) {
	insCols := append([]string{}, columns...)
	insCols = append(insCols, h.ValidFrom(), h.ValidTo(), h.Current())

	valueParts := make([]string, 0, len(insCols))
	for range columns {
		valueParts = append(valueParts, "?")
	}
	valueParts = append(valueParts, "?", "NULL", "1")

	q := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)`,
		table,
		joinIdents(insCols),
		strings.Join(valueParts, ", "),
	)

	args := make([]any, 0, len(columns)+1)
	for _, v := range row {
		args = append(args, normalizeArg(v))
	}
	args = append(args, formatTime(now))
	return q, args
}

// buildCloseCurrentSQL closes the current version: valid_to=now, is_current=0.
func buildCloseCurrentSQL(table string, h *storage.HistorySpec, keyVals []any, now time.Time) (string, []any) {
	where, whereArgs := buildKeyWhere(h.Key, keyVals)
	q := fmt.Sprintf(
		`UPDATE %s SET %s = ?, %s = 0 WHERE %s AND %s = 1`,
		table,
		sqlIdent(h.ValidTo()),
		sqlIdent(h.Current()),
		where,
		sqlIdent(h.Current()),
	)

	args := make([]any, 0, 1+len(whereArgs))
	args = append(args, formatTime(now))
	args = append(args, whereArgs...)
	return q, args
}

// buildKeyWhere builds a "k1 = ? AND k2 = ? ..." clause and args.
func buildKeyWhere(keyCols []string, keyVals []any) (string, []any) {
	parts := make([]string, 0, len(keyCols))
	args := make([]any, 0, len(keyCols))
	for i, k := range keyCols {
		parts = append(parts, fmt.Sprintf("%s = ?", sqlIdent(k)))
		args = append(args, normalizeArg(keyVals[i]))
	}
	return strings.Join(parts, " AND "), args
}

/* ---------- helpers ---------- */

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdents(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, sqlIdent(c))
	}
	return strings.Join(out, ", ")
}

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

func indexColumns(columns []string) map[string]int {
	m := make(map[string]int, len(columns))
	for i, c := range columns {
		m[c] = i
	}
	return m
}

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

func rowsEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valueEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// valueEqual compares two scalar values in a driver-tolerant way.
//
// TEXT can scan as []byte or string depending on driver internals, and a
// time.Time written through normalizeArg reads back as its RFC3339Nano text.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if t, ok := a.(time.Time); ok {
		a = formatTime(t)
	}
	if t, ok := b.(time.Time); ok {
		b = formatTime(t)
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

// normalizeArg converts Go values to the representation this backend stores.
// Only time.Time needs help; everything else binds natively.
func normalizeArg(v any) any {
	if t, ok := v.(time.Time); ok {
		return formatTime(t)
	}
	return v
}

// formatTime formats a time as RFC3339Nano in UTC.
// We store timestamps as TEXT for reliable scanning/parsing with modernc.org/sqlite.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
