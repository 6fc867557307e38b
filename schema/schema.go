// Package schema provides the table metadata catalog that every request is
// compiled against.
//
// The catalog is read-only once built. It is produced either from a schema
// file (see LoadFile) or by introspecting a live PostgreSQL database (see
// the internal/introspect package), and it is replaced wholesale on reload.
//
// # Key Types
//
// Table describes one relation: its kind, ordered columns and foreign keys.
// Column carries the SQL type, nullability, primary key membership and the
// per-command privileges the connecting role holds on it. JoinConfig lets a
// deployment declare joins that no foreign key expresses.
//
// A minimal schema file looks like:
//
//	tables:
//	  - name: users
//	    columns:
//	      - {name: id, type: integer, primaryKey: true}
//	      - {name: org_id, type: integer}
//	    foreignKeys:
//	      - {columns: [org_id], refTable: orgs, refColumns: [id]}
//	  - name: orgs
//	    columns:
//	      - {name: id, type: integer, primaryKey: true}
package schema

import "slices"

// Kind is the closed set of table kinds. Views cannot be written to.
type Kind string

const (
	BaseTable Kind = "table"
	View      Kind = "view"
	FileTable Kind = "file_table"
)

// Writable reports whether insert, update and delete may target the kind.
func (k Kind) Writable() bool {
	return k != View
}

// Command is a request command. Column privileges and table rules are keyed by it.
type Command string

const (
	Select Command = "select"
	Insert Command = "insert"
	Update Command = "update"
	Delete Command = "delete"
)

// Commands lists every command in canonical order.
var Commands = []Command{Select, Insert, Update, Delete}

// Column describes one table column.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable,omitempty"`
	PrimaryKey bool   `json:"primaryKey,omitempty"`
	HasDefault bool   `json:"hasDefault,omitempty"`

	// Privileges the connecting role holds on the column. Nil means all.
	Privileges []Command `json:"privileges,omitempty"`
}

// HasPrivilege reports whether the column may be used for cmd.
// Filtering and ordering count as select.
func (c Column) HasPrivilege(cmd Command) bool {
	if c.Privileges == nil {
		return true
	}
	return slices.Contains(c.Privileges, cmd)
}

// ForeignKey is a (possibly composite) foreign key constraint.
type ForeignKey struct {
	Name       string   `json:"name,omitempty"`
	Columns    []string `json:"columns"`
	RefTable   string   `json:"refTable"`
	RefColumns []string `json:"refColumns"`
}

// Table is the metadata for one table or view.
type Table struct {
	Name        string       `json:"name"`
	Kind        Kind         `json:"kind,omitempty"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreignKeys,omitempty"`

	// FileIdentityColumns are the columns of a FileTable that identify the
	// stored object. They can be set on insert but never updated.
	FileIdentityColumns []string `json:"fileIdentityColumns,omitempty"`
}

// Column looks up a column by name.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// HasColumn reports whether the table has the named column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKey returns the primary key columns in declaration order.
func (t *Table) PrimaryKey() []string {
	var pk []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// ColumnsWithPrivilege returns the column names usable for cmd, in order.
func (t *Table) ColumnsWithPrivilege(cmd Command) []string {
	var names []string
	for _, c := range t.Columns {
		if c.HasPrivilege(cmd) {
			names = append(names, c.Name)
		}
	}
	return names
}

// Cardinality of a join, read from the first table of the pair to the second.
type Cardinality string

const (
	OneToOne   Cardinality = "one-one"
	OneToMany  Cardinality = "one-many"
	ManyToOne  Cardinality = "many-one"
	ManyToMany Cardinality = "many-many"
)

// Reverse returns the cardinality read in the opposite direction.
func (c Cardinality) Reverse() Cardinality {
	switch c {
	case OneToMany:
		return ManyToOne
	case ManyToOne:
		return OneToMany
	default:
		return c
	}
}

// JoinConfig declares a join between two tables explicitly. When present for
// a pair it replaces whatever the foreign keys would derive for that pair.
//
// On holds one or more condition groups. Each group maps a column of
// Tables[0] to a column of Tables[1]; groups are OR-combined.
type JoinConfig struct {
	Tables []string            `json:"tables"`
	On     []map[string]string `json:"on"`
	Type   Cardinality         `json:"type,omitempty"`
}
