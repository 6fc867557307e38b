package sqldsl

import (
	"fmt"
	"strings"
)

// Optf returns formatted string if condition is true, empty string otherwise.
// Useful for optional SQL clauses.
func Optf(cond bool, format string, args ...any) string {
	if !cond {
		return ""
	}
	return fmt.Sprintf(format, args...)
}

// clauses joins the non-empty clauses with a single space.
func clauses(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// JoinClause represents a SQL JOIN clause.
type JoinClause struct {
	Type  string // "INNER", "LEFT", etc.
	Table TableExpr
	On    Expr
}

// SQL renders the JOIN clause.
func (j JoinClause) SQL() string {
	joinKeyword := j.Type + " JOIN"
	if strings.Contains(j.Type, "JOIN") {
		joinKeyword = j.Type
	}
	if strings.HasPrefix(j.Type, "CROSS") || j.On == nil {
		return joinKeyword + " " + j.Table.TableSQL()
	}
	return joinKeyword + " " + j.Table.TableSQL() + " ON " + j.On.SQL()
}

// OrderItem is one ORDER BY entry.
type OrderItem struct {
	Expr  Expr
	Desc  bool
	Nulls string // "", "FIRST" or "LAST"
}

// SQL renders the order item.
func (o OrderItem) SQL() string {
	return clauses(o.Expr.SQL(), Optf(o.Desc, "DESC"), Optf(o.Nulls != "", "NULLS %s", o.Nulls))
}

func orderBySQL(items []OrderItem) string {
	parts := make([]string, len(items))
	for i, o := range items {
		parts[i] = o.SQL()
	}
	return strings.Join(parts, ", ")
}

// SelectStmt represents a SELECT query.
type SelectStmt struct {
	Distinct bool
	Columns  []Expr
	From     TableExpr
	Joins    []JoinClause
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
	Limit    *int
	Offset   int
}

// SQL renders the SELECT statement.
func (s SelectStmt) SQL() string {
	return clauses(
		"SELECT",
		Optf(s.Distinct, "DISTINCT"),
		s.columnsSQL(),
		s.fromSQL(),
		s.joinsSQL(),
		Optf(s.Where != nil, "WHERE %s", sqlOf(s.Where)),
		Optf(len(s.GroupBy) > 0, "GROUP BY %s", joinSQL(s.GroupBy, ", ")),
		Optf(s.Having != nil, "HAVING %s", sqlOf(s.Having)),
		Optf(len(s.OrderBy) > 0, "ORDER BY %s", orderBySQL(s.OrderBy)),
		s.limitSQL(),
		Optf(s.Offset > 0, "OFFSET %d", s.Offset),
	)
}

func (s SelectStmt) columnsSQL() string {
	if len(s.Columns) == 0 {
		return "1"
	}
	return joinSQL(s.Columns, ", ")
}

func (s SelectStmt) fromSQL() string {
	if s.From == nil {
		return ""
	}
	return "FROM " + s.From.TableSQL()
}

func (s SelectStmt) joinsSQL() string {
	parts := make([]string, len(s.Joins))
	for i, j := range s.Joins {
		parts[i] = j.SQL()
	}
	return strings.Join(parts, " ")
}

func (s SelectStmt) limitSQL() string {
	if s.Limit == nil {
		return ""
	}
	return fmt.Sprintf("LIMIT %d", *s.Limit)
}

func sqlOf(e Expr) string {
	if e == nil {
		return ""
	}
	return e.SQL()
}

// Agg is an aggregate call with optional DISTINCT, in-call ORDER BY and FILTER.
//
//	Agg{Name: "json_agg", Args: []Expr{x}, OrderBy: ..., Filter: cond}
//
// Renders: json_agg(x ORDER BY ...) FILTER (WHERE cond)
type Agg struct {
	Name     string
	Args     []Expr
	Distinct bool
	OrderBy  []OrderItem
	Filter   Expr
}

// SQL renders the aggregate.
func (a Agg) SQL() string {
	args := "*"
	if len(a.Args) > 0 {
		args = joinSQL(a.Args, ", ")
	}
	inner := clauses(Optf(a.Distinct, "DISTINCT"), args, Optf(len(a.OrderBy) > 0, "ORDER BY %s", orderBySQL(a.OrderBy)))
	out := a.Name + "(" + inner + ")"
	if a.Filter != nil {
		out += " FILTER (WHERE " + a.Filter.SQL() + ")"
	}
	return out
}

// Window is a window function call: fn() OVER (PARTITION BY ... ORDER BY ...).
type Window struct {
	Func        Func
	PartitionBy []Expr
	OrderBy     []OrderItem
}

// SQL renders the window call.
func (w Window) SQL() string {
	over := clauses(
		Optf(len(w.PartitionBy) > 0, "PARTITION BY %s", joinSQL(w.PartitionBy, ", ")),
		Optf(len(w.OrderBy) > 0, "ORDER BY %s", orderBySQL(w.OrderBy)),
	)
	return w.Func.SQL() + " OVER (" + over + ")"
}

// IntPtr returns a pointer to n, for SelectStmt.Limit.
func IntPtr(n int) *int {
	return &n
}
