// Package storage is the backend-neutral side of the warehouse: the
// MultiRepository contract, the backend registry and the table specs.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MultiConfig is the minimal configuration needed to create a multi-table repository.
//
// Kind must match a registered backend ("postgres", "sqlite", "mssql"). DSN is
// passed through to the backend factory untouched.
type MultiConfig struct {
	Kind string
	DSN  string
}

// MultiRepository is the backend-agnostic store the star-schema loader writes
// through. Each backend implements conflict-safe inserts in its own dialect
// (Postgres ON CONFLICT, SQLite OR IGNORE, SQL Server NOT EXISTS).
//
// Key maps returned by the Select methods are keyed by NormalizeKey of the
// stored key value so callers can match them against their own keys.
type MultiRepository interface {
	// Close releases backend resources. Call it once.
	Close()

	// EnsureTables creates tables that do not exist yet, in slice order.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// TruncateTables removes every row from the named tables.
	TruncateTables(ctx context.Context, tables []string) error

	// SelectKeyValueByKeys maps each existing key to its surrogate id.
	SelectKeyValueByKeys(ctx context.Context, table, keyColumn, valueColumn string, keys []any) (map[string]int64, error)

	// SelectExistingKeys reports which keys already exist, for dimensions
	// whose natural key is also the primary key.
	SelectExistingKeys(ctx context.Context, table, keyColumn string, keys []any) (map[string]struct{}, error)

	// InsertDimensionRows inserts rows, skipping any that collide on
	// conflictColumns. It returns the number of rows actually inserted.
	InsertDimensionRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error)

	// InsertFactRows appends rows unconditionally.
	InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// CountRows returns the number of rows in table.
	CountRows(ctx context.Context, table string) (int64, error)

	// WithTx runs fn with a repository bound to one transaction. The
	// transaction commits if fn returns nil and rolls back otherwise. Calling
	// WithTx on a bound repository runs fn in the same transaction, and Close
	// on it is a no-op.
	WithTx(ctx context.Context, fn func(tx MultiRepository) error) error
}

type multiFactory func(ctx context.Context, cfg MultiConfig) (MultiRepository, error)

var (
	multiMu        sync.RWMutex
	multiFactories = map[string]multiFactory{}
)

// RegisterMulti registers a multi-table backend under kind. Backends call it
// from init().
//
// It panics if kind is empty, f is nil, or kind is already registered, so a
// wiring mistake fails at startup rather than at first use.
func RegisterMulti(kind string, f multiFactory) {
	multiMu.Lock()
	defer multiMu.Unlock()

	if kind == "" {
		panic("storage: RegisterMulti called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterMulti called with nil factory")
	}
	if _, exists := multiFactories[kind]; exists {
		panic(fmt.Sprintf("storage: multi factory already registered for kind=%q", kind))
	}

	multiFactories[kind] = f
}

// NewMulti constructs a MultiRepository using the registered backend factory.
func NewMulti(ctx context.Context, cfg MultiConfig) (MultiRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing multi.Kind")
	}

	multiMu.RLock()
	f := multiFactories[cfg.Kind]
	multiMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported multi storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	multiMu.RLock()
	defer multiMu.RUnlock()

	out := make([]string, 0, len(multiFactories))
	for k := range multiFactories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Chunks calls fn for consecutive [start, end) windows of at most size
// elements over n items. Backends use it to stay under parameter limits.
func Chunks(n, size int, fn func(start, end int) error) error {
	if size <= 0 {
		size = n
	}
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}
