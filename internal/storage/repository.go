package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config is the minimal configuration needed to create a warehouse repository.
//
// When to use:
//   - Use Config when constructing a Repository via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - New returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// MergeStats reports the outcome of one MergeSCD2 call, per input row.
type MergeStats struct {
	// Inserted counts entities that had no current version (first sighting).
	Inserted int64
	// Superseded counts entities whose current version was closed and replaced.
	Superseded int64
	// Unchanged counts entities whose row hash matched the current version.
	Unchanged int64
}

func (s MergeStats) Add(o MergeStats) MergeStats {
	return MergeStats{
		Inserted:   s.Inserted + o.Inserted,
		Superseded: s.Superseded + o.Superseded,
		Unchanged:  s.Unchanged + o.Unchanged,
	}
}

// Repository is a backend-agnostic interface for warehouse writes.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the pipeline engine needs. Each backend implements these
// semantics in its own idiomatic way (Postgres ON CONFLICT, SQLite OR IGNORE,
// etc).
type Repository interface {
	// Close releases any backend resources (connections, prepared statements, etc).
	//
	// When to use:
	//   - Always call Close when you are done with the repository to avoid leaks.
	//
	// Edge cases:
	//   - Implementations should be safe to call once at process shutdown.
	//   - Repeated calls may be a no-op or may panic, depending on backend; callers
	//     should treat Close as "call once".
	Close()

	// EnsureTables creates tables, constraints and indexes as needed.
	// For history-tracked tables this includes the versioning metadata columns
	// and the unique one-current-row-per-key index.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// AppendRows inserts fact rows. Must behave idempotently when the spec
	// carries dedupe columns (re-running the same batch inserts nothing new).
	// Returns the number of rows actually inserted.
	AppendRows(ctx context.Context, spec TableSpec, columns []string, rows [][]any) (int64, error)

	// MergeSCD2 merges versioned dimension rows. Per input row, inside one
	// transaction: no current version exists -> insert as current; current
	// version has an equal row hash -> no-op; otherwise close the current
	// version (valid_to=now, current flag cleared) and insert the new row as
	// current (valid_from=now). now is supplied by the caller so one batch
	// shares one validity instant.
	MergeSCD2(ctx context.Context, spec TableSpec, columns []string, rows [][]any, now time.Time) (MergeStats, error)

	// SelectExistingKeys reports which of the given keys exist in
	// table.keyColumn. Keys are normalized with NormalizeKey on both sides so
	// callers can compare typed values against stored ones. Used for
	// referential screening of fact rows before append.
	SelectExistingKeys(ctx context.Context, table string, keyColumn string, keys []any) (map[string]struct{}, error)
}

// ---- factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a warehouse backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Edge cases:
//   - kind must be non-empty.
//   - f must be non-nil.
//   - Registering the same kind more than once panics. This is intentional to
//     fail fast and avoid ambiguous backend selection.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	regMu.Lock()
	defer regMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// When to use:
//   - Call New when running a pipeline and you need a repository for the
//     configured backend kind.
//
// Edge cases:
//   - If cfg.Kind is empty, New returns an error.
//   - If cfg.Kind is not registered, New returns an error.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	regMu.RLock()
	f := factories[cfg.Kind]
	regMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Nop returns a Repository for pipelines with no warehouse configured
// (results are only reported). Any call that would actually touch a table
// errors rather than silently discarding rows.
func Nop() Repository { return nopRepository{} }

type nopRepository struct{}

func (nopRepository) Close() {}

func (nopRepository) EnsureTables(_ context.Context, tables []TableSpec) error {
	if len(tables) > 0 {
		return fmt.Errorf("storage: no warehouse configured")
	}
	return nil
}

func (nopRepository) AppendRows(context.Context, TableSpec, []string, [][]any) (int64, error) {
	return 0, fmt.Errorf("storage: no warehouse configured")
}

func (nopRepository) MergeSCD2(context.Context, TableSpec, []string, [][]any, time.Time) (MergeStats, error) {
	return MergeStats{}, fmt.Errorf("storage: no warehouse configured")
}

func (nopRepository) SelectExistingKeys(context.Context, string, string, []any) (map[string]struct{}, error) {
	return nil, fmt.Errorf("storage: no warehouse configured")
}
