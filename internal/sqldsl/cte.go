package sqldsl

import "strings"

// CTEDef is one named query of a WITH clause.
type CTEDef struct {
	Name  string
	Query SQLer
}

// SQL renders "name" AS (query).
func (c CTEDef) SQL() string {
	return Ident(c.Name) + " AS (" + c.Query.SQL() + ")"
}

// WithCTE represents a WITH clause wrapping a final query.
//
//	WithCTE{
//	    CTEs:  []CTEDef{{Name: "q", Query: inner}},
//	    Query: SelectStmt{Columns: []Expr{Raw("COUNT(*)")}, From: TableRef{Name: "q"}},
//	}
//
// Renders: WITH "q" AS (<inner>) SELECT COUNT(*) FROM "q"
type WithCTE struct {
	CTEs  []CTEDef
	Query SQLer
}

// SQL renders the complete WITH clause and final query.
func (w WithCTE) SQL() string {
	if len(w.CTEs) == 0 {
		return w.Query.SQL()
	}
	parts := make([]string, len(w.CTEs))
	for i, cte := range w.CTEs {
		parts[i] = cte.SQL()
	}
	return clauses("WITH", strings.Join(parts, ", "), w.Query.SQL())
}

// SimpleCTE is a convenience constructor for a single CTE.
func SimpleCTE(name string, cteQuery, finalQuery SQLer) WithCTE {
	return WithCTE{
		CTEs:  []CTEDef{{Name: name, Query: cteQuery}},
		Query: finalQuery,
	}
}
