package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the star-schema sink.
//
// Each backend implements the per-table conflict policy from
// TableSpec.Load.Conflict in its own idiomatic way (Postgres ON CONFLICT,
// SQLite upsert clauses, SQL Server MERGE, an in-process mutex for memory).
type Repository interface {
	// Close releases backend resources. Treat Close as "call once".
	Close()

	// EnsureTables creates tables and constraints for specs with
	// AutoCreateTable set. It is idempotent.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// WithTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; fn's error is returned unchanged
	// so callers can classify it with errors.Is.
	WithTx(ctx context.Context, fn func(w RowWriter) error) error
}

// RowWriter writes single rows inside a transaction opened by WithTx.
type RowWriter interface {
	// WriteRow writes one row into spec.Name applying spec.Load.Conflict.
	//
	// It returns the number of rows inserted or updated: 1 when the row was
	// written, 0 when a do_nothing policy skipped it.
	//
	// Errors:
	//   - ErrConflict when a uniqueness constraint not covered by the conflict
	//     policy is violated.
	//   - ErrUnavailable for every other backend failure.
	WriteRow(ctx context.Context, spec TableSpec, columns []string, values []any) (int64, error)
}

// Snapshotter is implemented by backends that can read a table back.
// It is used by the parquet export and the catalog prewarm.
type Snapshotter interface {
	// Snapshot calls fn once per row of spec.Name, ordered by the first
	// column, with values in spec.ColumnNames() order. Timestamp columns are
	// returned as time.Time in UTC. values is only valid for the duration of
	// the call.
	Snapshot(ctx context.Context, spec TableSpec, fn func(values []any) error) error
}

// KeyMaxer is implemented by backends that can report the current maximum of
// an integer key column. It returns 0 for an empty table.
type KeyMaxer interface {
	MaxKey(ctx context.Context, table, column string) (int64, error)
}

// Factory opens a repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The kind string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

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
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns, wrapped in
//     ErrUnavailable when it is not already classified.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	repo, err := f(ctx, cfg)
	if err != nil {
		return nil, Unavailable("open "+cfg.Kind, err)
	}
	return repo, nil
}

// Kinds returns the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
