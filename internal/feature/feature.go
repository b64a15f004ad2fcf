// Package feature derives computed columns (lifetime value, order counts,
// recency, RFM quintile scores) from cleaned tables.
//
// Feature kinds resolve through a registry so pipelines can plug their own
// pure functions in next to the builtins. Derivation runs per-entity
// aggregations left-joined onto the base table, then population-wide
// rankings, with a row-count assertion guarding against join multiplication.
package feature

import (
	"fmt"
	"sync"

	"martetl/internal/config"
	"martetl/pkg/records"
)

// Column is one bound feature column. Every implementation also satisfies
// exactly one of EntityFunc or PopulationFunc depending on its phase.
type Column interface {
	Spec() config.FeatureColumn
}

// EntityFunc computes one value per entity from that entity's input rows.
//
// derived is the output row built so far (key columns plus earlier feature
// columns); group holds the entity's rows from the input table in input
// order and is empty for entities absent from it. Implementations must not
// mutate either.
type EntityFunc interface {
	Column
	Entity(derived records.Record, group []records.Record) (any, error)
}

// PopulationFunc computes values that need the whole entity population at
// once (ranking). It runs only after every aggregation column is in place
// and writes its output column directly into rows.
type PopulationFunc interface {
	Column
	Population(rows []records.Record, entityKey func(records.Record) string) error
}

// ---- kind registry ----

type factory func(col config.FeatureColumn) (Column, error)

var (
	regMu     sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a feature kind (e.g. "sum", "quintile").
//
// When to use:
//   - Call Register from an init() function; builtins do exactly that.
//   - The kind string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	regMu.Lock()
	defer regMu.Unlock()

	if kind == "" {
		panic("feature: Register called with empty kind")
	}
	if f == nil {
		panic("feature: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("feature: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New binds one declared column to its registered kind.
//
// Errors:
//   - If col.Kind is empty or not registered.
//   - Whatever the kind's factory returns (bad or missing options).
func New(col config.FeatureColumn) (Column, error) {
	if col.Kind == "" {
		return nil, fmt.Errorf("feature: column %s has no kind", col.Name)
	}

	regMu.RLock()
	f := factories[col.Kind]
	regMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("feature: unsupported kind=%s for column %s", col.Kind, col.Name)
	}
	return f(col)
}

// ---- custom function registry ----

// Fn is a user-registered pure feature function for kind=custom columns,
// applied row-wise to the derived row (key columns plus previously computed
// feature columns). It must be deterministic and must not mutate the row.
type Fn func(records.Record) (any, error)

var (
	fnMu sync.RWMutex
	fns  = map[string]Fn{}
)

// RegisterFunc registers a named custom function. Columns select it with
// kind=custom and options.func (defaulting to the column name).
//
// Panics:
//   - If name is empty.
//   - If fn is nil.
//   - If name is already registered.
func RegisterFunc(name string, fn Fn) {
	fnMu.Lock()
	defer fnMu.Unlock()

	if name == "" {
		panic("feature: RegisterFunc called with empty name")
	}
	if fn == nil {
		panic(fmt.Sprintf("feature: RegisterFunc called with nil func for name=%q", name))
	}
	if _, exists := fns[name]; exists {
		panic(fmt.Sprintf("feature: func already registered for name=%q", name))
	}

	fns[name] = fn
}

func lookupFn(name string) (Fn, bool) {
	fnMu.RLock()
	defer fnMu.RUnlock()
	fn, ok := fns[name]
	return fn, ok
}

// ValidateColumns resolves every declared feature column against the
// registry so unknown kinds and unusable options surface as config issues
// before anything runs. Meant to be merged with config.ValidatePipeline's
// findings.
func ValidateColumns(tables []config.FeatureTable) []config.Issue {
	var issues []config.Issue
	for _, ft := range tables {
		for i, c := range ft.Columns {
			if _, err := New(c); err != nil {
				issues = append(issues, config.Issue{
					Severity: config.SeverityError,
					Path:     fmt.Sprintf("features.%s.columns[%d]", ft.Name, i),
					Message:  err.Error(),
				})
			}
		}
	}
	return issues
}
