package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"sparkify/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native timestamp type. Timestamps are stored as
//     fixed-width UTC strings with nine fractional digits, so lexical order
//     equals chronological order.
//   - The pool is capped at one connection. A single writer avoids
//     SQLITE_BUSY under parallel workers and keeps ":memory:" databases
//     visible to every caller.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens cfg.DSN with the pure-Go sqlite driver on a single connection.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates tables with CREATE TABLE IF NOT EXISTS.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return storage.Unavailable("create table "+t.Name, err)
		}
	}
	return nil
}

// WithTx runs fn in a single transaction.
func (r *Repo) WithTx(ctx context.Context, fn func(w storage.RowWriter) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txWriter{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storage.Classify("commit", err, isConstraintViolation)
	}
	return nil
}

type txWriter struct {
	tx *sql.Tx
}

func (w *txWriter) WriteRow(ctx context.Context, spec storage.TableSpec, columns []string, values []any) (int64, error) {
	if err := spec.CheckWrite(columns, values); err != nil {
		return 0, err
	}
	q, args := buildInsertSQL(spec, columns, values)
	res, err := w.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, storage.Classify("insert "+spec.Name, err, isConstraintViolation)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Snapshot reads spec.Name ordered by its first column. Timestamp columns are
// parsed back from their stored text form.
func (r *Repo) Snapshot(ctx context.Context, spec storage.TableSpec, fn func(values []any) error) error {
	columns := spec.ColumnNames()
	if len(columns) == 0 {
		return fmt.Errorf("sqlite: snapshot %s: no columns", spec.Name)
	}
	isTime := timestampColumns(spec)

	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`, joinIdentList(columns), spec.Name, sqlIdent(columns[0]))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return storage.Unavailable("snapshot "+spec.Name, err)
	}
	defer rows.Close()

	out := make([]any, len(columns))
	scan := make([]any, len(columns))
	for i := range out {
		scan[i] = &out[i]
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return storage.Unavailable("snapshot "+spec.Name, err)
		}
		for i, v := range out {
			if b, ok := v.([]byte); ok {
				v = string(b)
				out[i] = v
			}
			if s, ok := v.(string); ok && isTime[i] {
				ts, err := parseSQLiteTime(s)
				if err != nil {
					return fmt.Errorf("sqlite: %s.%s=%q: %w", spec.Name, columns[i], s, err)
				}
				out[i] = ts
			}
		}
		if err := fn(out); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storage.Unavailable("snapshot "+spec.Name, err)
	}
	return nil
}

// MaxKey returns MAX(column) or 0 for an empty table.
func (r *Repo) MaxKey(ctx context.Context, table, column string) (int64, error) {
	var n int64
	q := fmt.Sprintf(`SELECT COALESCE(MAX(%s), 0) FROM %s`, sqlIdent(column), table)
	if err := r.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, storage.Unavailable("max key "+table, err)
	}
	return n, nil
}

// isConstraintViolation reports UNIQUE and PRIMARY KEY failures.
func isConstraintViolation(err error) bool {
	var se *moderncsqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildInsertSQL renders one row insert with an upsert clause for the table's
// conflict policy (SQLite >= 3.24 upsert syntax). A conflict on a unique key
// other than the target still fails with SQLITE_CONSTRAINT.
func buildInsertSQL(spec storage.TableSpec, columns []string, values []any) (string, []any) {
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(spec.Name)
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")
	b.WriteString(placeholders)

	switch spec.Action() {
	case storage.ActionDoNothing:
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdentList(spec.Load.Conflict.TargetColumns))
		b.WriteString(") DO NOTHING")
	case storage.ActionDoUpdate:
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdentList(spec.Load.Conflict.TargetColumns))
		b.WriteString(") DO UPDATE SET ")
		for i, c := range spec.Load.Conflict.UpdateColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = excluded.%s", sqlIdent(c), sqlIdent(c))
		}
	}

	args := make([]any, len(values))
	for i, v := range values {
		if ts, ok := v.(time.Time); ok {
			args[i] = formatSQLiteTime(ts)
			continue
		}
		args[i] = v
	}
	return b.String(), args
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		parts = append(parts, fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), sqliteType(t.PrimaryKey.Type)))
	}

	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("%s: column name/type must be set", t.Name)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), sqliteType(c.Type))
		if c.Nullable != nil && !*c.Nullable {
			col += " NOT NULL"
		}
		// SQLite supports REFERENCES, but enforcement depends on PRAGMA foreign_keys=ON.
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdentList(con.Columns)))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%s: no columns", t.Name)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", t.Name, strings.Join(parts, ",\n  ")), nil
}

// sqliteType maps logical types onto SQLite type affinities.
func sqliteType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case storage.TypeText, storage.TypeKey, storage.TypeTimestamp:
		return "TEXT"
	case storage.TypeInt, storage.TypeBigInt:
		return "INTEGER"
	case storage.TypeFloat:
		return "REAL"
	default:
		return t
	}
}

func timestampColumns(spec storage.TableSpec) map[int]bool {
	out := map[int]bool{}
	i := 0
	if spec.PrimaryKey != nil {
		if strings.EqualFold(spec.PrimaryKey.Type, storage.TypeTimestamp) {
			out[i] = true
		}
		i++
	}
	for _, c := range spec.Columns {
		if strings.EqualFold(c.Type, storage.TypeTimestamp) {
			out[i] = true
		}
		i++
	}
	return out
}

func joinIdentList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, sqlIdent(c))
	}
	return strings.Join(out, ", ")
}

// sqliteTimeLayout is RFC3339 with a fixed nine-digit fraction.
// time.RFC3339Nano trims trailing zeros and breaks text ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatSQLiteTime formats a time in UTC with sqliteTimeLayout.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - sqliteTimeLayout (what we write) and RFC3339Nano (older rows)
//   - RFC3339
//   - Common "SQLite-like" formats used by other tools/libs:
//     "2006-01-02 15:04:05Z07:00"
//     "2006-01-02 15:04:05.999999999Z07:00"
//     "2006-01-02 15:04:05" (interpreted as UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

var (
	_ storage.Repository  = (*Repo)(nil)
	_ storage.Snapshotter = (*Repo)(nil)
	_ storage.KeyMaxer    = (*Repo)(nil)
)
