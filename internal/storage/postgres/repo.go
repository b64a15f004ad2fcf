package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"martetl/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Chunked fact appends with ON CONFLICT DO NOTHING dedupe
  - Transactional versioned merges using SELECT ... FOR UPDATE
  - Key existence lookups for referential screening

Timestamps bind natively as TIMESTAMPTZ and the current flag is a real
BOOLEAN, so unlike the SQLite backend no text round-trip is involved.
"One current row per entity key" is enforced by a partial unique index
(WHERE is_current).
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New opens a connection pool and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() { r.pool.Close() }

// EnsureTables creates schemas, tables and indexes for every spec with
// AutoCreateTable.
//
// Versioned tables get the metadata columns (row hash, validity range,
// current flag) appended unless declared explicitly, plus the partial unique
// index that enforces at most one current row per entity key. Fact tables
// with dedupe conflict columns get the unique index ON CONFLICT targets.
// Idempotent across runs.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}

		schemaSQL, stmts, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		for _, q := range stmts {
			if _, err := r.pool.Exec(ctx, q); err != nil {
				return fmt.Errorf("create table %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// AppendRows inserts fact rows.
//
// When the spec carries dedupe conflict columns, the INSERT is made
// idempotent with ON CONFLICT (<columns>) DO NOTHING, so duplicate rows in
// the same batch or in a reprocessed file insert nothing new.
//
// Rows are chunked to keep each statement well below the extended-protocol
// parameter limit. Returns the number of rows actually inserted.
func (r *Repo) AppendRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("postgres: AppendRows %s: columns is empty", spec.Name)
	}

	var conflictColumns []string
	if d := spec.Load.Dedupe; d != nil {
		conflictColumns = d.ConflictColumns
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

		q, args := buildInsertSQL(spec.Name, columns, rows[start:end], conflictColumns)
		cmd, err := r.pool.Exec(ctx, q, args...)
		if err != nil {
			return total, err
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// MergeSCD2 merges versioned rows inside one transaction.
//
// The flow per incoming row:
//   - Lock and fetch the current version by entity key (FOR UPDATE).
//   - If none exists -> insert as current.
//   - If the row hash matches -> no-op.
//   - Otherwise close the current version (valid_to=now, is_current=FALSE)
//     and insert the incoming row as the new current version.
func (r *Repo) MergeSCD2(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any, now time.Time) (storage.MergeStats, error) {
	var stats storage.MergeStats
	if len(rows) == 0 {
		return stats, nil
	}

	h := spec.History
	if h == nil {
		return stats, fmt.Errorf("postgres: MergeSCD2: table %s has no history spec", spec.Name)
	}
	if len(h.Key) == 0 {
		return stats, fmt.Errorf("postgres: MergeSCD2: table %s: history.key must not be empty", spec.Name)
	}

	colIdx := indexColumns(columns)
	keyIdx, err := indicesFor(h.Key, colIdx)
	if err != nil {
		return stats, fmt.Errorf("postgres: MergeSCD2 %s: %w", spec.Name, err)
	}
	hashIdx, hasHash := colIdx[h.Hash()]

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		if len(row) != len(columns) {
			return stats, fmt.Errorf("postgres: MergeSCD2 %s: row has %d values, want %d", spec.Name, len(row), len(columns))
		}

		current, err := fetchCurrentTx(ctx, tx, spec.Name, columns, h, keyValues(row, keyIdx))
		if err != nil {
			return stats, err
		}

		if current == nil {
			q, args := buildInsertCurrentSQL(spec.Name, columns, row, h, now)
			if _, err := tx.Exec(ctx, q, args...); err != nil {
				return stats, err
			}
			stats.Inserted++
			continue
		}

		// Change detection prefers the upstream row hash; without one, fall
		// back to comparing every column value.
		changed := true
		if hasHash {
			changed = !equalScalar(current[hashIdx], row[hashIdx])
		} else {
			changed = !rowsEqual(current, row)
		}
		if !changed {
			stats.Unchanged++
			continue
		}

		q, args := buildCloseCurrentSQL(spec.Name, h, keyValues(row, keyIdx), now)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return stats, err
		}
		q, args = buildInsertCurrentSQL(spec.Name, columns, row, h, now)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return stats, err
		}
		stats.Superseded++
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

// SelectExistingKeys reports which of the given keys exist in table.keyColumn.
//
// The returned set is keyed by storage.NormalizeKey so typed values compare
// against stored ones. Input keys are deduplicated and sent in chunked
// parameterized IN (...) lists; original Go values are passed through so pgx
// binds them with their native types.
func (r *Repo) SelectExistingKeys(ctx context.Context, table, keyColumn string, keys []any) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	seen := make(map[string]struct{}, len(keys))
	uniq := make([]any, 0, len(keys))
	for _, k := range keys {
		nk := storage.NormalizeKey(k)
		if nk == "" {
			continue
		}
		if _, dup := seen[nk]; dup {
			continue
		}
		seen[nk] = struct{}{}
		uniq = append(uniq, k)
	}

	const chunk = 2000
	for start := 0; start < len(uniq); start += chunk {
		end := start + chunk
		if end > len(uniq) {
			end = len(uniq)
		}
		part := uniq[start:end]

		var b strings.Builder
		b.WriteString("SELECT ")
		b.WriteString(pgIdent(keyColumn))
		b.WriteString(" FROM ")
		b.WriteString(table)
		b.WriteString(" WHERE ")
		b.WriteString(pgIdent(keyColumn))
		b.WriteString(" IN (")

		args := make([]any, 0, len(part))
		for i, k := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", i+1))
			args = append(args, k)
		}
		b.WriteString(")")

		rows, err := r.pool.Query(ctx, b.String(), args...)
		if err != nil {
			return nil, fmt.Errorf("SelectExistingKeys: query %s: %w", table, err)
		}
		for rows.Next() {
			var k any
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return nil, fmt.Errorf("SelectExistingKeys: scan %s: %w", table, err)
			}
			out[storage.NormalizeKey(k)] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("SelectExistingKeys: rows %s: %w", table, err)
		}
		rows.Close()
	}
	return out, nil
}

// fetchCurrentTx locks and fetches the current version for an entity key, or
// nil when none exists.
//
// pgx requires pointer destinations, so values are scanned into a parallel
// slice of &out[i] pointers.
func fetchCurrentTx(ctx context.Context, tx pgx.Tx, table string, columns []string, h *storage.HistorySpec, keyVals []any) ([]any, error) {
	q, args := buildFetchCurrentSQL(table, columns, h, keyVals)

	out := make([]any, len(columns))
	dests := make([]any, len(columns))
	for i := range out {
		dests[i] = &out[i]
	}

	if err := tx.QueryRow(ctx, q, args...).Scan(dests...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

/* ---------- SQL builders (pure, tested without a database) ---------- */

// buildCreateSQL generates idempotent DDL for one table:
//   - an optional CREATE SCHEMA IF NOT EXISTS when the name is
//     schema-qualified
//   - CREATE TABLE IF NOT EXISTS with declared columns, metadata columns
//     appended for versioned tables (skipping any declared explicitly), and
//     UNIQUE table constraints
//   - the partial unique index for one-current-row-per-key
//   - the unique index backing ON CONFLICT dedupe
func buildCreateSQL(t storage.TableSpec) (schemaSQL string, stmts []string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", nil, fmt.Errorf("table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	var parts []string

	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		pkType := strings.TrimSpace(t.PrimaryKey.Type)
		if pk == "" || pkType == "" {
			return "", nil, fmt.Errorf("%s: primary_key.name and primary_key.type are required", t.Name)
		}
		parts = append(parts, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(pk), pkType))
	}

	configured := configuredColumnSet(t)

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}

	h := t.History
	if h != nil {
		if len(h.Key) == 0 {
			return "", nil, fmt.Errorf("%s: history.key must not be empty", t.Name)
		}
		if !configured[strings.ToLower(h.Hash())] {
			parts = append(parts, fmt.Sprintf(`%s TEXT NOT NULL`, pgIdent(h.Hash())))
		}
		if !configured[strings.ToLower(h.ValidFrom())] {
			parts = append(parts, fmt.Sprintf(`%s TIMESTAMPTZ NOT NULL`, pgIdent(h.ValidFrom())))
		}
		if !configured[strings.ToLower(h.ValidTo())] {
			parts = append(parts, fmt.Sprintf(`%s TIMESTAMPTZ`, pgIdent(h.ValidTo())))
		}
		if !configured[strings.ToLower(h.Current())] {
			parts = append(parts, fmt.Sprintf(`%s BOOLEAN NOT NULL DEFAULT TRUE`, pgIdent(h.Current())))
		}
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", nil, fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		cols := make([]string, 0, len(con.Columns))
		for _, c := range con.Columns {
			cols = append(cols, pgIdent(strings.TrimSpace(c)))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	if len(parts) == 0 {
		return "", nil, fmt.Errorf("%s: no columns", t.Name)
	}

	stmts = []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, t.Name, strings.Join(parts, ", "))}

	if h != nil {
		stmts = append(stmts, buildCurrentIndexSQL(t.Name, h))
	}
	if d := t.Load.Dedupe; d != nil && len(d.ConflictColumns) > 0 {
		stmts = append(stmts, buildDedupeIndexSQL(t.Name, d.ConflictColumns))
	}
	return schemaSQL, stmts, nil
}

// buildColumnDef renders a single column definition.
//
// Nullable semantics:
//   - nullable == nil   => NULL (columns are nullable unless config says not)
//   - nullable == true  => NULL
//   - nullable == false => NOT NULL
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)

	if c.Nullable != nil && !*c.Nullable {
		b.WriteString(" NOT NULL")
	}

	// References deliberately does not become a FOREIGN KEY: versioned
	// dimension keys are only unique among current rows, which a FK cannot
	// target. The engine screens fact keys before insert instead.

	return b.String(), nil
}

// buildCurrentIndexSQL builds the partial unique index that enforces at most
// one current row per entity key.
func buildCurrentIndexSQL(table string, h *storage.HistorySpec) string {
	cols := make([]string, 0, len(h.Key))
	for _, k := range h.Key {
		cols = append(cols, pgIdent(k))
	}
	return fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) WHERE %s;",
		indexName(table, "_one_current"),
		table,
		strings.Join(cols, ", "),
		pgIdent(h.Current()),
	)
}

// buildDedupeIndexSQL builds the unique index that serves as the ON CONFLICT
// target for the configured conflict columns.
func buildDedupeIndexSQL(table string, conflictColumns []string) string {
	cols := make([]string, 0, len(conflictColumns))
	for _, c := range conflictColumns {
		cols = append(cols, pgIdent(c))
	}
	return fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s);",
		indexName(table, "_dedupe"),
		table,
		strings.Join(cols, ", "),
	)
}

// buildInsertSQL constructs a single INSERT statement and its args.
//
// It is pure and deterministic, so placeholder numbering and ON CONFLICT
// behavior are unit testable without a database. When conflictColumns is
// non-empty the INSERT is suffixed with ON CONFLICT (<columns>) DO NOTHING.
func buildInsertSQL(table string, columns []string, rows [][]any, conflictColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
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
			b.WriteString(fmt.Sprintf("$%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(conflictColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range conflictColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args
}

// buildFetchCurrentSQL selects and locks the data columns of the current
// version for one entity key.
func buildFetchCurrentSQL(table string, columns []string, h *storage.HistorySpec, keyVals []any) (string, []any) {
	where, args := buildKeyWhere(h.Key, keyVals, 1)
	q := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s AND %s FOR UPDATE`,
		joinIdents(columns),
		table,
		where,
		pgIdent(h.Current()),
	)
	return q, args
}

// buildInsertCurrentSQL opens a new current version:
//   - valid_from = now
//   - valid_to   = NULL (literal)
//   - is_current = TRUE (literal)
func buildInsertCurrentSQL(table string, columns []string, row []any, h *storage.HistorySpec, now time.Time) (string, []any) {
	insCols := append([]string{}, columns...)
	insCols = append(insCols, h.ValidFrom(), h.ValidTo(), h.Current())

	valueParts := make([]string, 0, len(insCols))
	p := 1
	for range columns {
		valueParts = append(valueParts, fmt.Sprintf("$%d", p))
		p++
	}
	valueParts = append(valueParts, fmt.Sprintf("$%d", p), "NULL", "TRUE")

	q := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)`,
		table,
		joinIdents(insCols),
		strings.Join(valueParts, ", "),
	)

	args := make([]any, 0, len(columns)+1)
	args = append(args, row...)
	args = append(args, now.UTC())
	return q, args
}

// buildCloseCurrentSQL closes the current version: valid_to=now,
// is_current=FALSE.
func buildCloseCurrentSQL(table string, h *storage.HistorySpec, keyVals []any, now time.Time) (string, []any) {
	where, whereArgs := buildKeyWhere(h.Key, keyVals, 2)
	q := fmt.Sprintf(
		`UPDATE %s SET %s = $1, %s = FALSE WHERE %s AND %s`,
		table,
		pgIdent(h.ValidTo()),
		pgIdent(h.Current()),
		where,
		pgIdent(h.Current()),
	)

	args := make([]any, 0, 1+len(whereArgs))
	args = append(args, now.UTC())
	args = append(args, whereArgs...)
	return q, args
}

// buildKeyWhere builds a "k1 = $start AND k2 = $start+1 ..." clause and its
// args, numbering placeholders from start.
func buildKeyWhere(keyCols []string, keyVals []any, start int) (string, []any) {
	parts := make([]string, 0, len(keyCols))
	args := make([]any, 0, len(keyCols))
	for i, k := range keyCols {
		parts = append(parts, fmt.Sprintf("%s = $%d", pgIdent(k), start+i))
		args = append(args, keyVals[i])
	}
	return strings.Join(parts, " AND "), args
}

/* ---------- helpers ---------- */

// pgIdent quotes a column or index identifier. Table names pass through
// unquoted so schema-qualified names keep working.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdents(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, pgIdent(c))
	}
	return strings.Join(out, ", ")
}

// indexName derives a quoted index identifier from the table name, with any
// schema qualifier stripped (Postgres index names are schema-local).
func indexName(table, suffix string) string {
	_, tbl := splitQualifiedName(table)
	return pgIdent(tbl + suffix)
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.dim_customer" => ("public", "dim_customer")
//   - "dim_customer"        => ("", "dim_customer")
//
// Only a single dot is handled; anything else is treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
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
		if !equalScalar(a[i], b[i]) {
			return false
		}
	}
	return true
}

// equalScalar compares a pair of values that logically represent a single
// scalar field (like the row hash).
//
// TEXT values scanned through pgx can appear as string or []byte, and a
// direct interface comparison would report "not equal" even when the textual
// content is identical. Bytes and strings compare by content; everything else
// falls back to string formatting, which is stable for upstream hashes.
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
