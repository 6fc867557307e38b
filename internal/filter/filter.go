// Package filter compiles filter objects into SQL boolean expressions.
//
// A filter object is a JSON-shaped map. Each level may hold plain column
// conditions, EXISTS keys, function filters, computed field filters, or a
// single boolean combinator:
//
//	{"name": "x", "age": {"$gt": 18}}
//	{"$or": [{"a": 1}, {"b": {"$in": [1, 2]}}]}
//	{"$existsJoined": {"path": ["orders"], "filter": {"status": "paid"}}}
//	{"$term_highlight": [["title", "body"], "query"]}
//
// Sibling clauses are sorted by their rendered SQL before they are combined,
// so two filters that differ only in key order compile to identical SQL.
package filter

import (
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/internal/sqldsl"
	"github.com/pthm/tablegate/schema"
)

// Selected is a select-list expression that may be filtered by its alias.
type Selected struct {
	Alias     string
	Expr      sqldsl.Expr
	Aggregate bool
}

// Options describes what a filter may reference.
type Options struct {
	// Table is the filtered table; Alias is how SQL refers to it (defaults to Table).
	Table string
	Alias string

	// Fields are the columns the caller may filter on.
	Fields []string

	// RowFields are the columns computed row values such as $rowhash cover.
	// Nil means Fields, or every column when Trusted.
	RowFields []string

	// Selected expressions may be filtered by alias. Aggregates only when IsHaving.
	Selected []Selected
	IsHaving bool

	// Trusted skips the Fields allow-list. Used for forced filters.
	Trusted bool

	// TableFields returns the filterable columns of a table reached through an
	// EXISTS filter, or an error if the table may not be used. Nil allows every
	// column of every table.
	TableFields func(table string) ([]string, error)

	// TableForced returns the forced filter of a table reached through an
	// EXISTS filter. It is compiled as trusted and AND-ed into the subquery.
	TableForced func(table string) (map[string]any, error)
}

// ExistsConfig records one EXISTS filter consumed during compilation.
type ExistsConfig struct {
	Negated bool
	Joined  bool
	Path    *joingraph.Path
	Target  string
	Filter  map[string]any
}

// Result is a compiled filter. Expr is nil for an empty filter.
type Result struct {
	Expr   sqldsl.Expr
	Exists []ExistsConfig
}

// SQL renders the condition, or "" for an empty filter.
func (r *Result) SQL() string {
	if r == nil || r.Expr == nil {
		return ""
	}
	return r.Expr.SQL()
}

// state is threaded through one compilation, EXISTS subfilters included.
type state struct {
	exists []ExistsConfig
}

type compiler struct {
	g        *joingraph.Graph
	opts     Options
	table    *schema.Table
	inExists bool
	st       *state
}

// Compile compiles raw against the options. A nil raw filter compiles to an
// empty Result.
func Compile(g *joingraph.Graph, raw any, opts Options) (*Result, error) {
	if opts.Alias == "" {
		opts.Alias = opts.Table
	}
	t, err := g.Catalog().Lookup(opts.Table)
	if err != nil {
		return nil, err
	}
	c := &compiler{g: g, opts: opts, table: t, st: &state{}}
	expr, err := c.object(raw)
	if err != nil {
		return nil, err
	}
	return &Result{Expr: expr, Exists: c.st.exists}, nil
}

// CompileForced compiles the caller filter and the trusted forced filter and
// AND-combines them. The forced filter cannot be overridden by the caller.
func CompileForced(g *joingraph.Graph, raw, forced map[string]any, opts Options) (*Result, error) {
	res, err := Compile(g, raw, opts)
	if err != nil {
		return nil, err
	}
	if len(forced) == 0 {
		return res, nil
	}
	trusted := opts
	trusted.Trusted = true
	ff, err := Compile(g, forced, trusted)
	if err != nil {
		return nil, err
	}
	if ff.Expr == nil {
		return res, nil
	}
	res.Expr = sqldsl.And(res.Expr, ff.Expr)
	res.Exists = append(res.Exists, ff.Exists...)
	return res, nil
}

var combinators = []string{"$and", "$or", "$not"}

// object compiles one filter object level. The caller's map is never modified;
// keys are consumed from a shallow copy.
func (c *compiler) object(raw any) (sqldsl.Expr, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, gateerr.Malformed("filter must be an object, got %T", raw).WithTable(c.table.Name)
	}
	work := maps.Clone(m)

	var clauses []sqldsl.Expr
	for _, k := range existsKeys {
		v, ok := work[k]
		if !ok {
			continue
		}
		delete(work, k)
		e, err := c.exists(k, v)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, e)
	}

	for _, k := range sortedKeys(work) {
		var (
			e   sqldsl.Expr
			err error
		)
		if fn, ok := functions[k]; ok {
			e, err = fn(c, work[k])
		} else if comp, ok := computed[k]; ok {
			e, err = c.condition(comp.Render(c.opts.Alias, c.rowFields()), nil, work[k])
		} else {
			continue
		}
		if err != nil {
			return nil, err
		}
		delete(work, k)
		clauses = append(clauses, e)
	}

	for _, k := range combinators {
		v, ok := work[k]
		if !ok {
			continue
		}
		if len(work) > 1 {
			return nil, gateerr.Malformed("%s must be the only key at its level", k).WithTable(c.table.Name)
		}
		e, err := c.combinator(k, v)
		if err != nil {
			return nil, err
		}
		if e != nil {
			clauses = append(clauses, e)
		}
		return sortedAnd(clauses), nil
	}

	for _, k := range sortedKeys(work) {
		if strings.HasPrefix(k, "$") {
			return nil, gateerr.Malformed("unknown filter key %q", k).
				WithTable(c.table.Name).
				WithSuggestion(k, specialKeys())
		}
		e, err := c.leaf(k, work[k])
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, e)
	}
	return sortedAnd(clauses), nil
}

func (c *compiler) combinator(key string, v any) (sqldsl.Expr, error) {
	if key == "$not" {
		e, err := c.object(v)
		if err != nil || e == nil {
			return nil, err
		}
		return sqldsl.Not(e), nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, gateerr.Malformed("%s expects a list of filters", key).WithTable(c.table.Name)
	}
	var parts []sqldsl.Expr
	for _, item := range list {
		e, err := c.object(item)
		if err != nil {
			return nil, err
		}
		if e != nil {
			parts = append(parts, e)
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	sortExprs(parts)
	if key == "$or" {
		return sqldsl.Or(parts...), nil
	}
	return sqldsl.And(parts...), nil
}

// leaf compiles {key: value} where key is a column or a selected alias.
func (c *compiler) leaf(key string, v any) (sqldsl.Expr, error) {
	lhs, col, err := c.field(key)
	if err != nil {
		return nil, err
	}
	return c.condition(lhs, col, v)
}

// condition applies a value or operator object to lhs. col is nil when lhs is
// not a plain column.
func (c *compiler) condition(lhs sqldsl.Expr, col *schema.Column, v any) (sqldsl.Expr, error) {
	ops, isOps, err := operatorObject(v)
	if err != nil {
		return nil, err
	}
	if !isOps {
		return c.operator(lhs, col, "$eq", v)
	}
	var parts []sqldsl.Expr
	for _, op := range sortedKeys(ops) {
		e, err := c.operator(lhs, col, op, ops[op])
		if err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}
	return sortedAnd(parts), nil
}

// field resolves a filter key to an expression.
func (c *compiler) field(key string) (sqldsl.Expr, *schema.Column, error) {
	if slices.Contains(c.opts.Fields, key) || (c.opts.Trusted && c.table.HasColumn(key)) {
		col, ok := c.table.Column(key)
		if !ok {
			return nil, nil, schema.UnknownColumn(c.table, key)
		}
		return sqldsl.Col{Table: c.opts.Alias, Column: key}, col, nil
	}
	for _, s := range c.opts.Selected {
		if s.Alias != key {
			continue
		}
		if s.Aggregate && !c.opts.IsHaving {
			return nil, nil, gateerr.RuleViolation("aggregate %q can only be filtered with having", key).
				WithTable(c.table.Name).
				WithField(key)
		}
		return s.Expr, nil, nil
	}
	if c.table.HasColumn(key) {
		return nil, nil, gateerr.RuleViolation("field %q is not allowed in filters", key).
			WithTable(c.table.Name).
			WithField(key).
			WithAllowed(c.opts.Fields)
	}
	return nil, nil, schema.UnknownColumn(c.table, key)
}

// rowFields returns the columns computed row values cover, in table order.
func (c *compiler) rowFields() []string {
	allowed := c.opts.RowFields
	if allowed == nil {
		if c.opts.Trusted {
			return c.table.ColumnNames()
		}
		allowed = c.opts.Fields
	}
	out := []string{}
	for _, col := range c.table.ColumnNames() {
		if slices.Contains(allowed, col) {
			out = append(out, col)
		}
	}
	return out
}

// filterable reports whether a function filter may reference column.
func (c *compiler) filterable(column string) error {
	_, _, err := c.field(column)
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortExprs(exprs []sqldsl.Expr) {
	sort.SliceStable(exprs, func(i, j int) bool {
		return exprs[i].SQL() < exprs[j].SQL()
	})
}

// sortedAnd sorts the clauses lexicographically and AND-combines them.
func sortedAnd(exprs []sqldsl.Expr) sqldsl.Expr {
	if len(exprs) == 0 {
		return nil
	}
	sortExprs(exprs)
	if len(exprs) == 1 {
		return exprs[0]
	}
	return sqldsl.And(exprs...)
}

func specialKeys() []string {
	keys := append([]string{}, combinators...)
	keys = append(keys, existsKeys...)
	keys = append(keys, sortedKeys(functions)...)
	keys = append(keys, sortedKeys(computed)...)
	return keys
}
