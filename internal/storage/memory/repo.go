// Package memory is an in-process storage backend for tests and dry runs.
//
// Tables live in maps guarded by one mutex. A transaction holds the mutex for
// its whole duration and keeps an undo log, so a failed record leaves no
// partial writes behind. Unique keys follow SQL semantics: a key containing a
// NULL never collides.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sparkify/internal/storage"
)

func init() {
	storage.Register("memory", New)
}

type table struct {
	spec   storage.TableSpec
	rows   map[int]map[string]any
	nextID int
	// indexes[i] maps the composite value of spec.UniqueKeys()[i] to a row id.
	indexes []map[string]int
}

// Repo implements storage.Repository in memory.
type Repo struct {
	mu     sync.Mutex
	tables map[string]*table
	closed bool
}

// New returns an empty repository. cfg.DSN is ignored.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	return NewRepo(), nil
}

// NewRepo returns an empty repository.
func NewRepo() *Repo {
	return &Repo{tables: map[string]*table{}}
}

func (r *Repo) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// EnsureTables creates every table that does not exist yet. In-memory tables
// are always created; AutoCreateTable only matters for persistent backends.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range tables {
		if strings.TrimSpace(spec.Name) == "" {
			return fmt.Errorf("memory: table name is empty")
		}
		if _, ok := r.tables[spec.Name]; ok {
			continue
		}
		t := &table{spec: spec, rows: map[int]map[string]any{}}
		for range spec.UniqueKeys() {
			t.indexes = append(t.indexes, map[string]int{})
		}
		r.tables[spec.Name] = t
	}
	return nil
}

// WithTx serializes transactions and undoes every write when fn fails.
func (r *Repo) WithTx(ctx context.Context, fn func(w storage.RowWriter) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return storage.Unavailable("memory: begin", fmt.Errorf("repository closed"))
	}
	if err := ctx.Err(); err != nil {
		return storage.Unavailable("memory: begin", err)
	}

	w := &txWriter{repo: r}
	if err := fn(w); err != nil {
		for i := len(w.undo) - 1; i >= 0; i-- {
			w.undo[i]()
		}
		return err
	}
	return nil
}

type txWriter struct {
	repo *Repo
	undo []func()
}

func (w *txWriter) WriteRow(ctx context.Context, spec storage.TableSpec, columns []string, values []any) (int64, error) {
	if err := spec.CheckWrite(columns, values); err != nil {
		return 0, err
	}
	t, ok := w.repo.tables[spec.Name]
	if !ok {
		return 0, storage.Unavailable("memory: write "+spec.Name, fmt.Errorf("no such table"))
	}

	row := make(map[string]any, len(columns))
	for i, c := range columns {
		row[c] = values[i]
	}

	keys := t.spec.UniqueKeys()
	composite := make([]string, len(keys))
	for i, cols := range keys {
		composite[i], ok = compositeOf(row, cols)
		if !ok {
			composite[i] = ""
		}
	}

	action := spec.Action()
	if action != storage.ActionReject {
		if id, hit := t.lookup(keys, composite, spec.Load.Conflict.TargetColumns); hit {
			if action == storage.ActionDoNothing {
				return 0, nil
			}
			w.update(t, id, row, spec.Load.Conflict.UpdateColumns)
			return 1, nil
		}
	}

	for i := range keys {
		if composite[i] == "" {
			continue
		}
		if _, dup := t.indexes[i][composite[i]]; dup {
			return 0, storage.Conflict("memory: insert "+spec.Name,
				fmt.Errorf("duplicate key (%s)=(%s)", strings.Join(keys[i], ", "), composite[i]))
		}
	}

	w.insert(t, row, composite)
	return 1, nil
}

func (t *table) lookup(keys [][]string, composite []string, target []string) (int, bool) {
	for i, cols := range keys {
		if !sameColumns(cols, target) || composite[i] == "" {
			continue
		}
		id, ok := t.indexes[i][composite[i]]
		return id, ok
	}
	return 0, false
}

func (w *txWriter) insert(t *table, row map[string]any, composite []string) {
	id := t.nextID
	t.nextID++
	t.rows[id] = row
	for i, k := range composite {
		if k != "" {
			t.indexes[i][k] = id
		}
	}
	w.undo = append(w.undo, func() {
		delete(t.rows, id)
		for i, k := range composite {
			if k != "" {
				delete(t.indexes[i], k)
			}
		}
	})
}

// update overwrites cols on row id. Update columns are never part of a unique
// key in this schema, so indexes stay valid.
func (w *txWriter) update(t *table, id int, incoming map[string]any, cols []string) {
	cur := t.rows[id]
	prev := make(map[string]any, len(cols))
	for _, c := range cols {
		prev[c] = cur[c]
		cur[c] = incoming[c]
	}
	w.undo = append(w.undo, func() {
		for c, v := range prev {
			cur[c] = v
		}
	})
}

// Snapshot returns rows ordered by the first column.
func (r *Repo) Snapshot(ctx context.Context, spec storage.TableSpec, fn func(values []any) error) error {
	r.mu.Lock()
	t, ok := r.tables[spec.Name]
	if !ok {
		r.mu.Unlock()
		return storage.Unavailable("memory: snapshot "+spec.Name, fmt.Errorf("no such table"))
	}
	columns := spec.ColumnNames()
	out := make([][]any, 0, len(t.rows))
	for _, row := range t.rows {
		vals := make([]any, len(columns))
		for i, c := range columns {
			vals[i] = row[c]
		}
		out = append(out, vals)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i][0], out[j][0]) })
	for _, vals := range out {
		if err := fn(vals); err != nil {
			return err
		}
	}
	return nil
}

// MaxKey returns the largest integer value of column, or 0.
func (r *Repo) MaxKey(ctx context.Context, tableName, column string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[tableName]
	if !ok {
		return 0, storage.Unavailable("memory: max key "+tableName, fmt.Errorf("no such table"))
	}
	var max int64
	for _, row := range t.rows {
		if n, ok := asInt64(row[column]); ok && n > max {
			max = n
		}
	}
	return max, nil
}

// Len returns the row count of a table. It is a test helper.
func (r *Repo) Len(tableName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[tableName]; ok {
		return len(t.rows)
	}
	return 0
}

func compositeOf(row map[string]any, cols []string) (string, bool) {
	vals := make([]any, len(cols))
	for i, c := range cols {
		v, ok := row[c]
		if !ok || v == nil {
			return "", false
		}
		vals[i] = v
	}
	return storage.CompositeKey(vals...), true
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

func less(a, b any) bool {
	if x, ok := asInt64(a); ok {
		if y, ok := asInt64(b); ok {
			return x < y
		}
	}
	if x, ok := a.(time.Time); ok {
		if y, ok := b.(time.Time); ok {
			return x.Before(y)
		}
	}
	return storage.NormalizeKey(a) < storage.NormalizeKey(b)
}

var (
	_ storage.Repository  = (*Repo)(nil)
	_ storage.Snapshotter = (*Repo)(nil)
	_ storage.KeyMaxer    = (*Repo)(nil)
)
