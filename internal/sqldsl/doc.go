// Package sqldsl provides a small typed SQL DSL for rendering PostgreSQL.
//
// Every node implements Expr and renders itself with SQL(). Identifiers are
// always double-quoted and literals always escaped, so request values never
// reach the output unescaped. Statements render on a single line with clauses
// separated by one space, which keeps compiled SQL stable for comparison.
//
// # Building blocks
//
//	Col{Table: "u", Column: "id"}        -> "u"."id"
//	Lit("O'Brien")                       -> 'O''Brien'
//	Value([]any{1, 2})                   -> ARRAY[1, 2]
//	Eq{Left: col, Right: Int(1)}         -> "u"."id" = 1
//	And(a, b, nil)                       -> (a AND b)
//	Agg{Name: "json_agg", Args: ...}     -> json_agg(...) FILTER (WHERE ...)
//
// # Statements
//
// SelectStmt, InsertStmt, UpdateStmt and DeleteStmt cover the four request
// commands. WithCTE wraps a statement in a WITH clause.
package sqldsl
