package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sparkify/internal/storage"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func init() {
	storage.Register("postgres", New)
}

/*
Repo implements storage.Repository for Postgres.

It provides:
  - DDL with CREATE TABLE IF NOT EXISTS
  - Per-record transactions (WithTx)
  - Conflict policies via INSERT ... ON CONFLICT
  - Snapshot and MaxKey for export and ID seeding
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Repo and validates connectivity.
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
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates tables when AutoCreateTable is enabled.
//
// This method is idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return storage.Unavailable("create schema for "+t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
			return storage.Unavailable("create table "+t.Name, err)
		}
	}
	return nil
}

// WithTx runs fn in a single transaction.
func (r *Repo) WithTx(ctx context.Context, fn func(w storage.RowWriter) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storage.Unavailable("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txWriter{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.Classify("commit", err, isUniqueViolation)
	}
	return nil
}

type txWriter struct {
	tx pgx.Tx
}

// WriteRow renders spec's conflict policy as an ON CONFLICT clause.
func (w *txWriter) WriteRow(ctx context.Context, spec storage.TableSpec, columns []string, values []any) (int64, error) {
	if err := spec.CheckWrite(columns, values); err != nil {
		return 0, err
	}
	sql, args := buildInsertSQL(spec, columns, values)
	cmd, err := w.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, storage.Classify("insert "+spec.Name, err, isUniqueViolation)
	}
	return cmd.RowsAffected(), nil
}

// Snapshot streams every row of spec.Name ordered by its first column.
func (r *Repo) Snapshot(ctx context.Context, spec storage.TableSpec, fn func(values []any) error) error {
	columns := spec.ColumnNames()
	if len(columns) == 0 {
		return fmt.Errorf("postgres: snapshot %s: no columns", spec.Name)
	}
	rows, err := r.pool.Query(ctx, buildSelectSQL(spec.Name, columns))
	if err != nil {
		return storage.Unavailable("snapshot "+spec.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return storage.Unavailable("snapshot "+spec.Name, err)
		}
		for i, v := range vals {
			if ts, ok := v.(time.Time); ok {
				vals[i] = ts.UTC()
			}
		}
		if err := fn(vals); err != nil {
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
	q := fmt.Sprintf(`SELECT COALESCE(MAX(%s), 0) FROM %s`, pgIdent(column), table)
	if err := r.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, storage.Unavailable("max key "+table, err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var (
	_ storage.Repository  = (*Repo)(nil)
	_ storage.Snapshotter = (*Repo)(nil)
	_ storage.KeyMaxer    = (*Repo)(nil)
)
