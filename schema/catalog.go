package schema

import "fmt"

// Catalog indexes the tables of a schema by name. It is immutable once
// NewCatalog returns; callers that need a different schema build a new one.
type Catalog struct {
	tables []*Table
	byName map[string]*Table
	joins  []JoinConfig
}

// NewCatalog validates the tables and explicit joins and builds a catalog.
// Table order is preserved and is the discovery order used by the join graph.
func NewCatalog(tables []Table, joins []JoinConfig) (*Catalog, error) {
	c := &Catalog{
		tables: make([]*Table, 0, len(tables)),
		byName: make(map[string]*Table, len(tables)),
		joins:  joins,
	}

	for i := range tables {
		t := tables[i]
		if t.Name == "" {
			return nil, fmt.Errorf("%w: table at index %d has no name", ErrInvalidSchema, i)
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate table %q", ErrInvalidSchema, t.Name)
		}
		if t.Kind == "" {
			t.Kind = BaseTable
		}
		seen := make(map[string]bool, len(t.Columns))
		for _, col := range t.Columns {
			if seen[col.Name] {
				return nil, fmt.Errorf("%w: duplicate column %q in table %q", ErrInvalidSchema, col.Name, t.Name)
			}
			seen[col.Name] = true
		}
		c.tables = append(c.tables, &t)
		c.byName[t.Name] = &t
	}

	if err := c.validateReferences(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validateReferences() error {
	for _, t := range c.tables {
		for _, fk := range t.ForeignKeys {
			if len(fk.Columns) == 0 || len(fk.Columns) != len(fk.RefColumns) {
				return fmt.Errorf("%w: foreign key %q on %q has mismatched columns", ErrInvalidSchema, fk.Name, t.Name)
			}
			ref, ok := c.byName[fk.RefTable]
			if !ok {
				return fmt.Errorf("%w: %w", ErrInvalidSchema, unknownTable(fk.RefTable, c.TableNames()))
			}
			for i, col := range fk.Columns {
				if !t.HasColumn(col) {
					return fmt.Errorf("%w: %w", ErrInvalidSchema, UnknownColumn(t, col))
				}
				if !ref.HasColumn(fk.RefColumns[i]) {
					return fmt.Errorf("%w: %w", ErrInvalidSchema, UnknownColumn(ref, fk.RefColumns[i]))
				}
			}
		}
	}

	for _, j := range c.joins {
		if len(j.Tables) != 2 {
			return fmt.Errorf("%w: join must name exactly two tables, got %v", ErrInvalidSchema, j.Tables)
		}
		left, err := c.Lookup(j.Tables[0])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSchema, err)
		}
		right, err := c.Lookup(j.Tables[1])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSchema, err)
		}
		if len(j.On) == 0 {
			return fmt.Errorf("%w: join %v has no conditions", ErrInvalidSchema, j.Tables)
		}
		for _, group := range j.On {
			if len(group) == 0 {
				return fmt.Errorf("%w: join %v has an empty condition group", ErrInvalidSchema, j.Tables)
			}
			for lc, rc := range group {
				if !left.HasColumn(lc) {
					return fmt.Errorf("%w: %w", ErrInvalidSchema, UnknownColumn(left, lc))
				}
				if !right.HasColumn(rc) {
					return fmt.Errorf("%w: %w", ErrInvalidSchema, UnknownColumn(right, rc))
				}
			}
		}
	}
	return nil
}

// Table returns the named table.
func (c *Catalog) Table(name string) (*Table, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Lookup returns the named table or a SchemaMetadata rejection naming the
// closest known table.
func (c *Catalog) Lookup(name string) (*Table, error) {
	if t, ok := c.byName[name]; ok {
		return t, nil
	}
	return nil, unknownTable(name, c.TableNames())
}

// Tables returns every table in discovery order.
func (c *Catalog) Tables() []*Table {
	return c.tables
}

// TableNames returns every table name in discovery order.
func (c *Catalog) TableNames() []string {
	names := make([]string, len(c.tables))
	for i, t := range c.tables {
		names[i] = t.Name
	}
	return names
}

// Joins returns the explicitly configured joins.
func (c *Catalog) Joins() []JoinConfig {
	return c.joins
}

// ColumnOf resolves table.column, returning a SchemaMetadata rejection if either is unknown.
func (c *Catalog) ColumnOf(table, column string) (*Column, error) {
	t, err := c.Lookup(table)
	if err != nil {
		return nil, err
	}
	col, ok := t.Column(column)
	if !ok {
		return nil, UnknownColumn(t, column)
	}
	return col, nil
}
