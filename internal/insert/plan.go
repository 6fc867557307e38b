// Package insert compiles insert payloads, including nested ones, into an
// ordered plan of INSERT statements.
//
// A payload row may carry related rows alongside its own columns:
//
//	{"name": "a", "owner": {"email": "x"}}         parent through a reference column
//	{"title": "t", "comments": [{"body": "b"}]}    children through a join
//	{"title": "t", "tags": [{"name": "go"}]}       children through a link table
//
// Parents are inserted before the row that references them and children
// after it; link-table rows come last. Values that are only known once an
// earlier statement has run are carried as StepRef arguments and resolved
// by Exec from that statement's RETURNING row.
package insert

import (
	"fmt"
	"slices"

	"github.com/pthm/tablegate/internal/sqldsl"
)

// StepRef is an argument whose value is the Column of the row returned by
// an earlier step.
type StepRef struct {
	Step   int
	Column string
}

func (r StepRef) String() string {
	return fmt.Sprintf("$step%d.%s", r.Step, r.Column)
}

// Step is one INSERT statement of a plan.
type Step struct {
	Table   string
	Columns []string

	// SQL is the statement text with $n parameters.
	SQL string

	// Args are the parameter values, in order. An argument is either a
	// literal value or a StepRef.
	Args []any

	// Returning lists every column the statement returns. Output is the
	// subset the caller asked for; it is only set on root steps.
	Returning []string
	Output    []string
	Root      bool

	rows [][]any
}

// Plan is the ordered list of statements for one insert payload.
type Plan struct {
	Table string
	Steps []Step

	// Nested is set when the plan has more than one step and must run in
	// a transaction.
	Nested bool
}

// Statements returns the SQL of each step, in execution order.
func (p *Plan) Statements() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.SQL
	}
	return out
}

// Roots returns the indexes of the steps that insert caller rows of the
// root table.
func (p *Plan) Roots() []int {
	var out []int
	for i, s := range p.Steps {
		if s.Root {
			out = append(out, i)
		}
	}
	return out
}

// defaultValue marks a column a row leaves to its default.
type defaultValue struct{}

// render fills SQL and Args from the collected rows.
func (s *Step) render() {
	var n int
	s.Args = nil
	rows := make([][]sqldsl.Expr, len(s.rows))
	for i, row := range s.rows {
		rows[i] = make([]sqldsl.Expr, len(row))
		for j, v := range row {
			if _, ok := v.(defaultValue); ok {
				rows[i][j] = sqldsl.Default{}
				continue
			}
			n++
			rows[i][j] = sqldsl.Param(n)
			s.Args = append(s.Args, v)
		}
	}
	ret := make([]sqldsl.Expr, len(s.Returning))
	for i, c := range s.Returning {
		ret[i] = sqldsl.Col{Column: c}
	}
	s.SQL = sqldsl.InsertStmt{
		Table:     s.Table,
		Columns:   s.Columns,
		Rows:      rows,
		Returning: ret,
	}.SQL()
}

// need adds col to the step's RETURNING list.
func (s *Step) need(col string) {
	if !slices.Contains(s.Returning, col) {
		s.Returning = append(s.Returning, col)
	}
}
