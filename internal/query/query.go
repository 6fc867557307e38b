// Package query compiles select, count, update and delete requests into SQL.
//
// A select request is a table, a filter and a parameter object:
//
//	{"select": ..., "orderBy": ..., "limit": 10, "offset": 0, "groupBy": true, "having": {...}}
//
// Joined tables in the select are rendered as LEFT or INNER joined derived
// tables and folded into the parent rows as JSON arrays. Limits and offsets
// apply to the root rows only; joined rows are capped per parent with a row
// number column.
package query

import (
	"encoding/json"
	"slices"

	"github.com/lib/pq"

	"github.com/pthm/tablegate/internal/filter"
	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/internal/rules"
	"github.com/pthm/tablegate/internal/sqldsl"
	"github.com/pthm/tablegate/schema"
)

// DefaultLimit is applied to root rows when neither the request nor the
// rule sets a limit.
const DefaultLimit = 1000

// Params are the select parameters of a request.
type Params struct {
	Select  any
	OrderBy any
	// Limit is nil when absent. NoLimit is set for an explicit null.
	Limit   *int
	NoLimit bool
	Offset  int
	GroupBy bool
	Having  map[string]any
}

var paramKeys = []string{"select", "fields", "orderBy", "limit", "offset", "groupBy", "having"}

// ParseParams reads a parameter object. "fields" is accepted for "select".
func ParseParams(raw map[string]any) (*Params, error) {
	p := &Params{}
	for k, v := range raw {
		switch k {
		case "select", "fields":
			if p.Select != nil {
				return nil, gateerr.Malformed(`"select" and "fields" cannot both be set`)
			}
			p.Select = v
		case "orderBy":
			p.OrderBy = v
		case "limit":
			if v == nil {
				p.NoLimit = true
				continue
			}
			n, ok := asInt(v)
			if !ok || n < 0 {
				return nil, gateerr.Malformed("limit must be a non-negative integer, got %v", v)
			}
			p.Limit = &n
		case "offset":
			if v == nil {
				continue
			}
			n, ok := asInt(v)
			if !ok || n < 0 {
				return nil, gateerr.Malformed("offset must be a non-negative integer, got %v", v)
			}
			p.Offset = n
		case "groupBy":
			b, ok := v.(bool)
			if !ok {
				return nil, gateerr.Malformed("groupBy must be a boolean")
			}
			p.GroupBy = b
		case "having":
			if v == nil {
				continue
			}
			m, ok := v.(map[string]any)
			if !ok {
				return nil, gateerr.Malformed("having must be a filter object")
			}
			p.Having = m
		default:
			return nil, gateerr.Malformed("unknown select parameter %q", k).WithSuggestion(k, paramKeys)
		}
	}
	return p, nil
}

// Query is compiled SQL with its bound arguments.
type Query struct {
	SQL    string
	Args   []any
	Exists []filter.ExistsConfig
}

// Compiler compiles requests against one schema snapshot and one request's
// policies.
type Compiler struct {
	Graph  *joingraph.Graph
	Access *rules.Set

	// DefaultLimit applies when neither the request nor the rule limits the
	// root rows. Zero or less means unlimited.
	DefaultLimit int
}

// Select compiles a select request.
func (c *Compiler) Select(table string, where map[string]any, p *Params) (*Query, error) {
	stmt, r, err := c.selectStmt(table, where, p, true)
	if err != nil {
		return nil, err
	}
	return &Query{SQL: stmt.SQL(), Exists: r.exists}, nil
}

// Count compiles a count of the rows a select request would return, ignoring
// its order, limit and offset.
func (c *Compiler) Count(table string, where map[string]any, p *Params) (*Query, error) {
	if p == nil {
		p = &Params{}
	}
	unordered := *p
	unordered.OrderBy = nil
	stmt, r, err := c.selectStmt(table, where, &unordered, false)
	if err != nil {
		return nil, err
	}
	count := sqldsl.SimpleCTE("__rows", stmt, sqldsl.SelectStmt{
		Columns: []sqldsl.Expr{sqldsl.Agg{Name: "COUNT"}},
		From:    sqldsl.TableRef{Name: "__rows"},
	})
	return &Query{SQL: count.SQL(), Exists: r.exists}, nil
}

func (c *Compiler) selectStmt(table string, where map[string]any, p *Params, paged bool) (sqldsl.SelectStmt, *renderer, error) {
	if p == nil {
		p = &Params{}
	}
	t, err := c.Graph.Catalog().Lookup(table)
	if err != nil {
		return sqldsl.SelectStmt{}, nil, err
	}
	rule, err := c.Access.Rule(table, schema.Select)
	if err != nil {
		return sqldsl.SelectStmt{}, nil, err
	}
	sel, err := (&parser{graph: c.Graph, access: c.Access}).parse(t, table, rule, p.Select)
	if err != nil {
		return sqldsl.SelectStmt{}, nil, err
	}

	r := &renderer{c: c}
	branches, err := r.branches(sel)
	if err != nil {
		return sqldsl.SelectStmt{}, nil, err
	}
	cond, err := r.where(sel, where)
	if err != nil {
		return sqldsl.SelectStmt{}, nil, err
	}

	cols := make([]sqldsl.Expr, 0, len(sel.items)+len(branches.keys))
	for _, it := range sel.items {
		cols = append(cols, it.sql())
	}
	for i, k := range branches.keys {
		cols = append(cols, sqldsl.SelectAs(branches.values[i], k))
	}
	stmt := sqldsl.SelectStmt{
		Columns: cols,
		From:    sqldsl.TableAs(t.Name, sel.alias),
		Joins:   branches.joins,
		Where:   cond,
	}

	order, err := orderItems(sel, p.OrderBy)
	if err != nil {
		return sqldsl.SelectStmt{}, nil, err
	}
	stmt.OrderBy = order
	if sel.hasAggregate() || branches.grouped || p.GroupBy {
		stmt.GroupBy = groupBy(sel, nil, order)
	}
	if p.Having != nil {
		if stmt.Having, err = r.having(sel, p.Having); err != nil {
			return sqldsl.SelectStmt{}, nil, err
		}
	}
	if !paged {
		return stmt, r, nil
	}
	if stmt.Limit, err = c.limit(rule, p); err != nil {
		return sqldsl.SelectStmt{}, nil, err
	}
	stmt.Offset = p.Offset
	return stmt, r, nil
}

// limit resolves the root row limit. A request limit above the rule's
// maxLimit is capped; an explicit null is refused when the rule has a max.
func (c *Compiler) limit(rule *rules.TableRule, p *Params) (*int, error) {
	switch {
	case p.NoLimit:
		if rule.MaxLimit != nil {
			return nil, gateerr.RuleViolation("unlimited select on %q is not allowed, maxLimit is %d", rule.Table, *rule.MaxLimit).
				WithTable(rule.Table).
				WithCommand(string(schema.Select))
		}
		return nil, nil
	case p.Limit != nil:
		n := *p.Limit
		if rule.MaxLimit != nil && n > *rule.MaxLimit {
			n = *rule.MaxLimit
		}
		return &n, nil
	case rule.MaxLimit != nil:
		return rule.MaxLimit, nil
	case c.DefaultLimit > 0:
		return sqldsl.IntPtr(c.DefaultLimit), nil
	}
	return nil, nil
}

// Where compiles the filter of an update or delete request.
func (c *Compiler) Where(table string, cmd schema.Command, where map[string]any) (*filter.Result, error) {
	rule, err := c.Access.Rule(table, cmd)
	if err != nil {
		return nil, err
	}
	opts := filter.Options{Table: table, Fields: rule.FilterFields}
	if sel, err := c.Access.Rule(table, schema.Select); err == nil {
		opts.RowFields = sel.Fields
	}
	if !c.Access.Unrestricted() {
		opts.TableFields = c.Access.FilterFields
		opts.TableForced = c.Access.ForcedFilter
	}
	res, err := filter.CompileForced(c.Graph, where, rule.ForcedFilter, opts)
	if err != nil {
		return nil, err
	}
	if res.Expr == nil && !rule.AllowAll {
		return nil, gateerr.RuleViolation("%s on %q requires a filter", cmd, table).
			WithTable(table).
			WithCommand(string(cmd))
	}
	return res, nil
}

// Delete compiles a delete request.
func (c *Compiler) Delete(table string, where map[string]any, returning any) (*Query, error) {
	rule, err := c.Access.Rule(table, schema.Delete)
	if err != nil {
		return nil, err
	}
	res, err := c.Where(table, schema.Delete, where)
	if err != nil {
		return nil, err
	}
	ret, err := returningColumns(c.Graph.Catalog(), rule, returning)
	if err != nil {
		return nil, err
	}
	stmt := sqldsl.DeleteStmt{Table: table, Where: res.Expr, Returning: ret}
	return &Query{SQL: stmt.SQL(), Exists: res.Exists}, nil
}

// Update compiles an update of the rows matched by target. fields are the
// updatable columns, which a dynamicFields rule may have narrowed or
// widened. Forced data overrides the caller's values. Values are bound as
// parameters.
func (c *Compiler) Update(table string, target *filter.Result, data map[string]any, fields []string, returning any) (*Query, error) {
	t, err := c.Graph.Catalog().Lookup(table)
	if err != nil {
		return nil, err
	}
	rule, err := c.Access.Rule(table, schema.Update)
	if err != nil {
		return nil, err
	}
	for k := range data {
		if _, forced := rule.ForcedData[k]; forced || slices.Contains(fields, k) {
			continue
		}
		if t.HasColumn(k) {
			return nil, gateerr.RuleViolation("field %q is not allowed in update", k).
				WithTable(table).
				WithCommand(string(schema.Update)).
				WithField(k).
				WithAllowed(fields)
		}
		return nil, schema.UnknownColumn(t, k)
	}

	var (
		set  []sqldsl.Assignment
		args []any
	)
	for _, col := range t.ColumnNames() {
		v, ok := rule.ForcedData[col]
		if !ok {
			if v, ok = data[col]; !ok {
				continue
			}
		}
		args = append(args, BindValue(v))
		set = append(set, sqldsl.Assignment{Column: col, Value: sqldsl.Param(len(args))})
	}
	if len(set) == 0 {
		return nil, gateerr.Malformed("update of %q has no data", table).WithTable(table)
	}

	ret, err := returningColumns(c.Graph.Catalog(), rule, returning)
	if err != nil {
		return nil, err
	}
	var where sqldsl.Expr
	var exists []filter.ExistsConfig
	if target != nil {
		where, exists = target.Expr, target.Exists
	}
	if where == nil && !rule.AllowAll {
		return nil, gateerr.RuleViolation("update on %q requires a filter", table).
			WithTable(table).
			WithCommand(string(schema.Update))
	}
	stmt := sqldsl.UpdateStmt{Table: table, Set: set, Where: where, Returning: ret}
	return &Query{SQL: stmt.SQL(), Args: args, Exists: exists}, nil
}

// ReturningFields resolves a returning field filter against the rule's
// returning fields. Nil returns nothing.
func ReturningFields(c *schema.Catalog, rule *rules.TableRule, raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	t, err := c.Lookup(rule.Table)
	if err != nil {
		return nil, err
	}
	f, err := rules.ParseFieldFilter(raw)
	if err != nil {
		return nil, err
	}
	for _, n := range f.Names {
		if t.HasColumn(n) && !slices.Contains(rule.ReturningFields, n) {
			return nil, gateerr.RuleViolation("field %q is not allowed in returning", n).
				WithTable(rule.Table).
				WithCommand(string(rule.Command)).
				WithField(n).
				WithAllowed(rule.ReturningFields)
		}
	}
	names, err := f.Resolve(rule.ReturningFields)
	if err != nil {
		if ge, ok := err.(*gateerr.Error); ok {
			ge.WithTable(rule.Table)
		}
		return nil, err
	}
	return names, nil
}

func returningColumns(c *schema.Catalog, rule *rules.TableRule, raw any) ([]sqldsl.Expr, error) {
	names, err := ReturningFields(c, rule, raw)
	if err != nil {
		return nil, err
	}
	out := make([]sqldsl.Expr, len(names))
	for i, n := range names {
		out[i] = sqldsl.Col{Column: n}
	}
	return out, nil
}

// BindValue converts a decoded JSON value to a driver argument. Arrays bind
// as Postgres arrays and objects as JSON text.
func BindValue(v any) any {
	switch x := v.(type) {
	case []any:
		return pq.Array(x)
	case []string:
		return pq.Array(x)
	case map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		return v
	}
}
