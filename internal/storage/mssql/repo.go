package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	gomssql "github.com/microsoft/go-mssqldb"

	"sparkify/internal/storage"
)

// SQL Server error numbers for duplicate keys.
const (
	errDuplicateKeyConstraint = 2627 // PRIMARY KEY / UNIQUE constraint
	errDuplicateKeyIndex      = 2601 // unique index
)

func init() {
	storage.Register("mssql", New)
}

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Conflict policies:
//   - do_nothing / do_update are single-row MERGE statements with HOLDLOCK, so
//     the existence check and the write are atomic under concurrent writers.
//   - reject is a plain INSERT; a duplicate key (2627/2601) surfaces as
//     storage.ErrConflict.
type Repo struct {
	db dbConn
}

// New opens a Repo using database/sql and the "sqlserver" driver registered
// by github.com/microsoft/go-mssqldb. It validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

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

// EnsureTables creates tables guarded by OBJECT_ID, so it is safe to run on
// every invocation.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return storage.Unavailable("mssql: create table "+t.Name, err)
		}
	}
	return nil
}

// WithTx runs fn in a single transaction.
func (r *Repo) WithTx(ctx context.Context, fn func(w storage.RowWriter) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Unavailable("mssql: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txWriter{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storage.Classify("mssql: commit", err, isDuplicateKey)
	}
	return nil
}

type txWriter struct {
	tx txConn
}

func (w *txWriter) WriteRow(ctx context.Context, spec storage.TableSpec, columns []string, values []any) (int64, error) {
	if err := spec.CheckWrite(columns, values); err != nil {
		return 0, err
	}

	var (
		q    string
		args []any
	)
	if spec.Action() == storage.ActionReject {
		q, args = buildInsertSQL(spec.Name, columns, values)
	} else {
		q, args = buildMergeSQL(spec, columns, values)
	}

	res, err := w.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, storage.Classify("mssql: write "+spec.Name, err, isDuplicateKey)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Snapshot reads spec.Name ordered by its first column.
func (r *Repo) Snapshot(ctx context.Context, spec storage.TableSpec, fn func(values []any) error) error {
	columns := spec.ColumnNames()
	if len(columns) == 0 {
		return fmt.Errorf("mssql: snapshot %s: no columns", spec.Name)
	}
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		joinIdents(columns), mssqlTableIdent(spec.Name), mssqlIdent(columns[0]))

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return storage.Unavailable("mssql: snapshot "+spec.Name, err)
	}
	defer rows.Close()

	out := make([]any, len(columns))
	scan := make([]any, len(columns))
	for i := range out {
		scan[i] = &out[i]
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return storage.Unavailable("mssql: snapshot "+spec.Name, err)
		}
		if err := fn(out); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storage.Unavailable("mssql: snapshot "+spec.Name, err)
	}
	return nil
}

// MaxKey returns MAX(column) or 0 for an empty table.
func (r *Repo) MaxKey(ctx context.Context, table, column string) (int64, error) {
	q := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", mssqlIdent(column), mssqlTableIdent(table))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return 0, storage.Unavailable("mssql: max key "+table, err)
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, storage.Unavailable("mssql: max key "+table, err)
		}
	}
	return n, rows.Err()
}

func isDuplicateKey(err error) bool {
	var me gomssql.Error
	if errors.As(err, &me) {
		return me.Number == errDuplicateKeyConstraint || me.Number == errDuplicateKeyIndex
	}
	var mp *gomssql.Error
	if errors.As(err, &mp) && mp != nil {
		return mp.Number == errDuplicateKeyConstraint || mp.Number == errDuplicateKeyIndex
	}
	return false
}

// buildInsertSQL builds a single-row INSERT with @pN placeholders.
func buildInsertSQL(table string, columns []string, values []any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES (")
	b.WriteString(placeholders(len(columns)))
	b.WriteString(");")
	return b.String(), append([]any(nil), values...)
}

// buildMergeSQL builds a single-row MERGE for do_nothing and do_update.
//
//	MERGE INTO [t] WITH (HOLDLOCK) AS tgt
//	USING (VALUES (@p1, ...)) AS src ([c1], ...)
//	ON tgt.[k] = src.[k]
//	WHEN MATCHED THEN UPDATE SET tgt.[u] = src.[u]      -- do_update only
//	WHEN NOT MATCHED THEN INSERT ([c1], ...) VALUES (src.[c1], ...);
func buildMergeSQL(spec storage.TableSpec, columns []string, values []any) (string, []any) {
	c := spec.Load.Conflict

	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(spec.Name))
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES (")
	b.WriteString(placeholders(len(columns)))
	b.WriteString(")) AS src (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") ON ")
	for i, k := range c.TargetColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "tgt.%s = src.%s", mssqlIdent(k), mssqlIdent(k))
	}

	if spec.Action() == storage.ActionDoUpdate {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, u := range c.UpdateColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "tgt.%s = src.%s", mssqlIdent(u), mssqlIdent(u))
		}
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES (")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("src.")
		b.WriteString(mssqlIdent(col))
	}
	b.WriteString(");")

	return b.String(), append([]any(nil), values...)
}

// buildCreateSQL wraps CREATE TABLE in an OBJECT_ID guard.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		if strings.TrimSpace(t.PrimaryKey.Name) == "" {
			return "", fmt.Errorf("mssql: primary key name is empty")
		}
		parts = append(parts, fmt.Sprintf("%s %s NOT NULL PRIMARY KEY", mssqlIdent(t.PrimaryKey.Name), mssqlType(t.PrimaryKey.Type)))
	}
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}
	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdents(con.Columns)))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("mssql: %s has no columns", t.Name)
	}

	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		t.Name, mssqlTableIdent(t.Name), strings.Join(parts, ", "),
	), nil
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
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
	b.WriteString(mssqlType(c.Type))
	if c.Nullable != nil && !*c.Nullable {
		b.WriteString(" NOT NULL")
	} else {
		b.WriteString(" NULL")
	}
	if strings.TrimSpace(c.References) != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
	}
	return b.String(), nil
}

// mssqlType maps logical types onto SQL Server types. Key columns get a
// bounded NVARCHAR so they can back PRIMARY KEY and UNIQUE constraints.
func mssqlType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case storage.TypeText:
		return "NVARCHAR(MAX)"
	case storage.TypeKey:
		return "NVARCHAR(256)"
	case storage.TypeInt:
		return "INT"
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeFloat:
		return "FLOAT"
	case storage.TypeTimestamp:
		return "DATETIME2"
	default:
		return t
	}
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("@p%d", i+1)
	}
	return strings.Join(parts, ", ")
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.songs" -> [dbo].[songs]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
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
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sql.Tx)(nil)

	_ storage.Repository  = (*Repo)(nil)
	_ storage.Snapshotter = (*Repo)(nil)
	_ storage.KeyMaxer    = (*Repo)(nil)
)
