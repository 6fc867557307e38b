package sqldsl

// TableExpr is the interface for table expressions in FROM and JOIN clauses.
type TableExpr interface {
	// TableSQL returns the SQL for use in FROM/JOIN clauses.
	TableSQL() string
	// TableAlias returns the alias if any (empty string if none).
	TableAlias() string
}

// TableRef is a named table with an optional alias.
type TableRef struct {
	Name  string
	Alias string
}

// TableSQL implements TableExpr.
func (t TableRef) TableSQL() string {
	if t.Alias != "" && t.Alias != t.Name {
		return Ident(t.Name) + " AS " + Ident(t.Alias)
	}
	return Ident(t.Name)
}

// TableAlias implements TableExpr. An unaliased table is referenced by its name.
func (t TableRef) TableAlias() string {
	if t.Alias == "" {
		return t.Name
	}
	return t.Alias
}

// TableAs creates a table reference with an alias.
func TableAs(name, alias string) TableRef {
	return TableRef{Name: name, Alias: alias}
}

// Subquery is a derived table: (query) AS "alias".
type Subquery struct {
	Query SQLer
	Alias string
}

// TableSQL implements TableExpr.
func (s Subquery) TableSQL() string {
	return "(" + s.Query.SQL() + ") AS " + Ident(s.Alias)
}

// TableAlias implements TableExpr.
func (s Subquery) TableAlias() string {
	return s.Alias
}

// SQL renders the subquery as a scalar expression.
func (s Subquery) SQL() string {
	return "(" + s.Query.SQL() + ")"
}
