package postgres

import (
	"fmt"
	"strings"

	"sparkify/internal/storage"
)

// buildInsertSQL constructs a single-row INSERT and its args.
//
// It is pure and deterministic, so ON CONFLICT rendering and placeholder
// numbering can be tested without a database.
//
//   - do_nothing: ON CONFLICT (<target>) DO NOTHING
//   - do_update:  ON CONFLICT (<target>) DO UPDATE SET c = EXCLUDED.c, ...
//   - reject:     no clause; a violation surfaces as SQLSTATE 23505
func buildInsertSQL(spec storage.TableSpec, columns []string, values []any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(spec.Name)
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(")")

	switch spec.Action() {
	case storage.ActionDoNothing:
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(spec.Load.Conflict.TargetColumns))
		b.WriteString(") DO NOTHING")
	case storage.ActionDoUpdate:
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(spec.Load.Conflict.TargetColumns))
		b.WriteString(") DO UPDATE SET ")
		for i, c := range spec.Load.Conflict.UpdateColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
			b.WriteString(" = EXCLUDED.")
			b.WriteString(pgIdent(c))
		}
	}

	b.WriteString(";")

	args := make([]any, len(values))
	copy(args, values)
	return b.String(), args
}

func buildSelectSQL(table string, columns []string) string {
	return fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`, joinIdents(columns), table, pgIdent(columns[0]))
}

// buildCreateSQL builds DDL for a table and, for schema-qualified names, its schema.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		if pk == "" || strings.TrimSpace(t.PrimaryKey.Type) == "" {
			return "", "", fmt.Errorf("table %s: primary_key.name and primary_key.type are required", t.Name)
		}
		cols = append(cols, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(pk), pgType(t.PrimaryKey.Type)))
	}
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}
	if len(cols) == 0 {
		return "", "", fmt.Errorf("table %s: no columns", t.Name)
	}

	constraints, err := buildConstraints(t)
	if err != nil {
		return "", "", err
	}
	cols = append(cols, constraints...)

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, t.Name, strings.Join(cols, ", "))
	return schemaSQL, baseSQL, nil
}

// buildColumnDef renders a single column definition.
//
// Nullable semantics:
//   - nullable == nil   => NULL
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
	b.WriteString(pgType(typ))

	if c.Nullable != nil && !*c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}
	return b.String(), nil
}

// buildConstraints generates table-level UNIQUE constraints.
func buildConstraints(t storage.TableSpec) ([]string, error) {
	out := make([]string, 0, len(t.Constraints))
	for _, c := range t.Constraints {
		switch strings.ToLower(strings.TrimSpace(c.Kind)) {
		case "unique":
			if len(c.Columns) == 0 {
				return nil, fmt.Errorf("table %s: unique constraint requires columns", t.Name)
			}
			out = append(out, "UNIQUE ("+joinIdents(c.Columns)+")")
		default:
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
	}
	return out, nil
}

// pgType maps logical column types onto Postgres types. Unknown types are
// passed through verbatim so specs can use native types directly.
func pgType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case storage.TypeText:
		return "TEXT"
	case storage.TypeKey:
		return "VARCHAR(256)"
	case storage.TypeInt:
		return "INT"
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeFloat:
		return "DOUBLE PRECISION"
	case storage.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return t
	}
}

// splitQualifiedName splits "public.songs" into ("public", "songs").
// Anything other than exactly one dot is treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(strings.TrimSpace(c))
	}
	return strings.Join(out, ", ")
}
