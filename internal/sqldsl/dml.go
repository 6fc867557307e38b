package sqldsl

// InsertStmt represents a multi-row INSERT.
type InsertStmt struct {
	Table     string
	Columns   []string
	Rows      [][]Expr
	Returning []Expr
}

// SQL renders the INSERT statement. A statement with no columns inserts a
// single row of defaults.
func (s InsertStmt) SQL() string {
	if len(s.Columns) == 0 {
		return clauses("INSERT INTO "+Ident(s.Table)+" DEFAULT VALUES", s.returningSQL())
	}
	rows := make([]Expr, len(s.Rows))
	for i, r := range s.Rows {
		rows[i] = Raw("(" + joinSQL(r, ", ") + ")")
	}
	return clauses(
		"INSERT INTO "+Ident(s.Table)+" ("+Idents(s.Columns)+")",
		"VALUES "+joinSQL(rows, ", "),
		s.returningSQL(),
	)
}

func (s InsertStmt) returningSQL() string {
	return Optf(len(s.Returning) > 0, "RETURNING %s", joinSQL(s.Returning, ", "))
}

// Assignment is one SET entry of an UPDATE.
type Assignment struct {
	Column string
	Value  Expr
}

// UpdateStmt represents an UPDATE.
type UpdateStmt struct {
	Table     string
	Set       []Assignment
	Where     Expr
	Returning []Expr
}

// SQL renders the UPDATE statement.
func (s UpdateStmt) SQL() string {
	sets := make([]Expr, len(s.Set))
	for i, a := range s.Set {
		sets[i] = Raw(Ident(a.Column) + " = " + a.Value.SQL())
	}
	return clauses(
		"UPDATE "+Ident(s.Table),
		"SET "+joinSQL(sets, ", "),
		Optf(s.Where != nil, "WHERE %s", sqlOf(s.Where)),
		Optf(len(s.Returning) > 0, "RETURNING %s", joinSQL(s.Returning, ", ")),
	)
}

// DeleteStmt represents a DELETE.
type DeleteStmt struct {
	Table     string
	Where     Expr
	Returning []Expr
}

// SQL renders the DELETE statement.
func (s DeleteStmt) SQL() string {
	return clauses(
		"DELETE FROM "+Ident(s.Table),
		Optf(s.Where != nil, "WHERE %s", sqlOf(s.Where)),
		Optf(len(s.Returning) > 0, "RETURNING %s", joinSQL(s.Returning, ", ")),
	)
}
