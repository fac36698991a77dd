// Table specs live here so both the loader and the backend packages can
// import them without circular deps.
package storage

import (
	"fmt"
	"strings"
)

// Conflict actions.
const (
	// ActionDoNothing keeps the existing row (first write wins).
	ActionDoNothing = "do_nothing"
	// ActionDoUpdate overwrites UpdateColumns on the existing row (last write wins).
	ActionDoUpdate = "do_update"
	// ActionReject surfaces the violation as ErrConflict.
	ActionReject = "reject"
)

// Logical column types. Each backend maps them onto a native type.
const (
	TypeText      = "text"
	TypeKey       = "key" // bounded string usable in a primary key or unique constraint
	TypeInt       = "int"
	TypeBigInt    = "bigint"
	TypeFloat     = "float"
	TypeTimestamp = "timestamp"
)

type TableSpec struct {
	Name            string           `json:"name"`
	AutoCreateTable bool             `json:"auto_create_table"`
	PrimaryKey      *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns         []ColumnSpec     `json:"columns"`
	Constraints     []ConstraintSpec `json:"constraints,omitempty"`
	Load            LoadSpec         `json:"load"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	References string `json:"references,omitempty"`
	Nullable   *bool  `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

type LoadSpec struct {
	Kind     string        `json:"kind"` // "dimension" | "fact"
	Conflict *ConflictSpec `json:"conflict,omitempty"`
}

// ConflictSpec is the per-table uniqueness policy.
//
// TargetColumns names the unique key the policy applies to. A violation of
// any other unique key is always reported as ErrConflict.
type ConflictSpec struct {
	TargetColumns []string `json:"target_columns"`
	Action        string   `json:"action"`
	UpdateColumns []string `json:"update_columns,omitempty"`
}

// Action returns the effective conflict action, ActionReject when unset.
func (t TableSpec) Action() string {
	if t.Load.Conflict == nil || t.Load.Conflict.Action == "" {
		return ActionReject
	}
	return t.Load.Conflict.Action
}

// ColumnNames returns the primary key column (if any) followed by Columns.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns)+1)
	if t.PrimaryKey != nil {
		out = append(out, t.PrimaryKey.Name)
	}
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// KeyColumns returns the columns that identify a row: the primary key, or the
// conflict target when there is no primary key.
func (t TableSpec) KeyColumns() []string {
	if t.PrimaryKey != nil {
		return []string{t.PrimaryKey.Name}
	}
	if t.Load.Conflict != nil {
		return t.Load.Conflict.TargetColumns
	}
	return nil
}

// UniqueKeys returns every unique key of the table: the primary key first,
// then each unique constraint in declaration order.
func (t TableSpec) UniqueKeys() [][]string {
	var out [][]string
	if t.PrimaryKey != nil {
		out = append(out, []string{t.PrimaryKey.Name})
	}
	for _, c := range t.Constraints {
		if strings.EqualFold(c.Kind, "unique") {
			out = append(out, c.Columns)
		}
	}
	return out
}

// CheckWrite validates a WriteRow call against the spec. Backends call it
// before building SQL so a misconfigured spec fails the same way everywhere.
func (t TableSpec) CheckWrite(columns []string, values []any) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("storage: table name is empty")
	}
	if len(columns) == 0 {
		return fmt.Errorf("storage: %s: no columns", t.Name)
	}
	if len(columns) != len(values) {
		return fmt.Errorf("storage: %s: %d columns but %d values", t.Name, len(columns), len(values))
	}
	switch t.Action() {
	case ActionReject:
	case ActionDoNothing:
		if len(t.Load.Conflict.TargetColumns) == 0 {
			return fmt.Errorf("storage: %s: do_nothing requires target_columns", t.Name)
		}
	case ActionDoUpdate:
		if len(t.Load.Conflict.TargetColumns) == 0 || len(t.Load.Conflict.UpdateColumns) == 0 {
			return fmt.Errorf("storage: %s: do_update requires target_columns and update_columns", t.Name)
		}
	default:
		return fmt.Errorf("storage: %s: unsupported conflict action %q", t.Name, t.Action())
	}
	return nil
}
