// Package introspect builds a schema catalog by reading a live PostgreSQL
// database.
//
// Tables, views, columns, primary keys, foreign keys and the column
// privileges of the connecting role are read from information_schema and
// pg_catalog. Foreign keys pointing outside the introspected schema are
// dropped, since the catalog cannot resolve them.
package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pthm/tablegate/schema"
)

// Querier is the subset of *sql.DB (or *sql.Conn, *sql.Tx) used here.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Options control what is read.
type Options struct {
	// Schema is the PostgreSQL schema to read. Empty means current_schema().
	Schema string

	// Tables restricts the result to the named tables. Empty means all.
	Tables []string
}

// Load reads the database schema into a catalog.
func Load(ctx context.Context, db Querier, opts Options) (*schema.Catalog, error) {
	in := &introspector{db: db, schema: opts.Schema}

	tables, err := in.relations(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading tables: %w", err)
	}
	if len(opts.Tables) > 0 {
		tables = keep(tables, opts.Tables)
	}
	byName := make(map[string]*schema.Table, len(tables))
	for i := range tables {
		byName[tables[i].Name] = &tables[i]
	}

	if err := in.columns(ctx, byName); err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	if err := in.primaryKeys(ctx, byName); err != nil {
		return nil, fmt.Errorf("reading primary keys: %w", err)
	}
	if err := in.foreignKeys(ctx, byName); err != nil {
		return nil, fmt.Errorf("reading foreign keys: %w", err)
	}

	return schema.NewCatalog(tables, nil)
}

// introspector runs the catalog queries. Every query takes the schema name
// as $1; an empty name falls back to current_schema().
type introspector struct {
	db     Querier
	schema string
}

func (in *introspector) relations(ctx context.Context) ([]schema.Table, error) {
	rows, err := in.db.QueryContext(ctx, `
		SELECT c.relname, c.relkind::text
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = COALESCE(NULLIF($1, ''), current_schema())
		  AND c.relkind IN ('r', 'p', 'v', 'm', 'f')
		  AND NOT c.relispartition
		ORDER BY c.relname
	`, in.schema)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tables []schema.Table
	for rows.Next() {
		var name, relkind string
		if err := rows.Scan(&name, &relkind); err != nil {
			return nil, err
		}
		tables = append(tables, schema.Table{Name: name, Kind: kindOf(relkind)})
	}
	return tables, rows.Err()
}

func (in *introspector) columns(ctx context.Context, byName map[string]*schema.Table) error {
	rows, err := in.db.QueryContext(ctx, `
		SELECT
			c.table_name,
			c.column_name,
			c.data_type,
			c.udt_name,
			c.is_nullable = 'YES',
			c.column_default IS NOT NULL OR c.is_identity = 'YES' OR c.is_generated = 'ALWAYS',
			has_column_privilege(format('%I.%I', c.table_schema, c.table_name), c.column_name, 'SELECT'),
			has_column_privilege(format('%I.%I', c.table_schema, c.table_name), c.column_name, 'INSERT'),
			has_column_privilege(format('%I.%I', c.table_schema, c.table_name), c.column_name, 'UPDATE'),
			has_table_privilege(format('%I.%I', c.table_schema, c.table_name), 'DELETE')
		FROM information_schema.columns c
		WHERE c.table_schema = COALESCE(NULLIF($1, ''), current_schema())
		ORDER BY c.table_name, c.ordinal_position
	`, in.schema)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			table, name, dataType, udt string
			col                        schema.Column
			sel, ins, upd, del         bool
		)
		if err := rows.Scan(&table, &name, &dataType, &udt, &col.Nullable, &col.HasDefault, &sel, &ins, &upd, &del); err != nil {
			return err
		}
		t, ok := byName[table]
		if !ok {
			continue
		}
		col.Name = name
		col.Type = columnType(dataType, udt)
		col.Privileges = privileges(sel, ins, upd, del)
		t.Columns = append(t.Columns, col)
	}
	return rows.Err()
}

func (in *introspector) primaryKeys(ctx context.Context, byName map[string]*schema.Table) error {
	rows, err := in.db.QueryContext(ctx, `
		SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		 AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = COALESCE(NULLIF($1, ''), current_schema())
		ORDER BY tc.table_name, kcu.ordinal_position
	`, in.schema)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return err
		}
		if t, ok := byName[table]; ok {
			if c, ok := t.Column(column); ok {
				c.PrimaryKey = true
			}
		}
	}
	return rows.Err()
}

// foreignKeys reads FK constraints with their column lists paired by
// position, so composite keys keep their order.
func (in *introspector) foreignKeys(ctx context.Context, byName map[string]*schema.Table) error {
	rows, err := in.db.QueryContext(ctx, `
		SELECT
			con.conname,
			cl.relname,
			ref.relname,
			array_to_string(array_agg(a.attname ORDER BY k.n), ','),
			array_to_string(array_agg(ra.attname ORDER BY k.n), ',')
		FROM pg_constraint con
		JOIN pg_class cl ON cl.oid = con.conrelid
		JOIN pg_class ref ON ref.oid = con.confrelid
		JOIN pg_namespace n ON n.oid = cl.relnamespace
		JOIN pg_namespace rn ON rn.oid = ref.relnamespace
		CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, refattnum, n)
		JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
		JOIN pg_attribute ra ON ra.attrelid = con.confrelid AND ra.attnum = k.refattnum
		WHERE con.contype = 'f'
		  AND n.nspname = COALESCE(NULLIF($1, ''), current_schema())
		  AND rn.nspname = n.nspname
		GROUP BY con.conname, cl.relname, ref.relname
		ORDER BY cl.relname, con.conname
	`, in.schema)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name, table, refTable, cols, refCols string
		if err := rows.Scan(&name, &table, &refTable, &cols, &refCols); err != nil {
			return err
		}
		t, ok := byName[table]
		if !ok {
			continue
		}
		if _, ok := byName[refTable]; !ok {
			continue
		}
		t.ForeignKeys = append(t.ForeignKeys, schema.ForeignKey{
			Name:       name,
			Columns:    strings.Split(cols, ","),
			RefTable:   refTable,
			RefColumns: strings.Split(refCols, ","),
		})
	}
	return rows.Err()
}

// kindOf maps pg_class.relkind to a table kind. Views and materialized
// views are read-only.
func kindOf(relkind string) schema.Kind {
	switch relkind {
	case "v", "m":
		return schema.View
	default:
		return schema.BaseTable
	}
}

// columnType renders the SQL type of a column the way it would be written
// in a cast: array types as "<element>[]", user-defined types by name.
func columnType(dataType, udt string) string {
	switch dataType {
	case "ARRAY":
		return strings.TrimPrefix(udt, "_") + "[]"
	case "USER-DEFINED":
		return udt
	default:
		return dataType
	}
}

// privileges returns nil when every command is granted.
func privileges(sel, ins, upd, del bool) []schema.Command {
	if sel && ins && upd && del {
		return nil
	}
	privs := []schema.Command{}
	for _, p := range []struct {
		ok  bool
		cmd schema.Command
	}{{sel, schema.Select}, {ins, schema.Insert}, {upd, schema.Update}, {del, schema.Delete}} {
		if p.ok {
			privs = append(privs, p.cmd)
		}
	}
	return privs
}

func keep(tables []schema.Table, names []string) []schema.Table {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []schema.Table
	for _, t := range tables {
		if want[t.Name] {
			out = append(out, t)
		}
	}
	return out
}
