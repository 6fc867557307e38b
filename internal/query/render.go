package query

import (
	"fmt"
	"sort"

	"github.com/pthm/tablegate/internal/filter"
	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/internal/sqldsl"
)

// renderer renders selections and accumulates the EXISTS filters consumed
// along the way.
type renderer struct {
	c      *Compiler
	exists []filter.ExistsConfig
}

func (r *renderer) filterOptions(s *selection) filter.Options {
	opts := filter.Options{
		Table:     s.table.Name,
		Alias:     s.alias,
		Fields:    s.rule.FilterFields,
		RowFields: s.readable(),
		Selected:  s.selected(),
	}
	if !r.c.Access.Unrestricted() {
		opts.TableFields = r.c.Access.FilterFields
		opts.TableForced = r.c.Access.ForcedFilter
	}
	return opts
}

// where compiles the caller filter of s AND its forced filter.
func (r *renderer) where(s *selection, raw map[string]any) (sqldsl.Expr, error) {
	res, err := filter.CompileForced(r.c.Graph, raw, s.rule.ForcedFilter, r.filterOptions(s))
	if err != nil {
		return nil, err
	}
	r.exists = append(r.exists, res.Exists...)
	return res.Expr, nil
}

func (r *renderer) having(s *selection, raw map[string]any) (sqldsl.Expr, error) {
	opts := r.filterOptions(s)
	opts.IsHaving = true
	res, err := filter.Compile(r.c.Graph, raw, opts)
	if err != nil {
		return nil, err
	}
	r.exists = append(r.exists, res.Exists...)
	return res.Expr, nil
}

// joined holds the select columns and joins contributed by the branches of
// one selection.
type joined struct {
	keys    []string
	values  []sqldsl.Expr
	joins   []sqldsl.JoinClause
	grouped bool
}

// branches renders every branch of s as a joined derived table plus its
// aggregate column.
func (r *renderer) branches(s *selection) (*joined, error) {
	out := &joined{}
	rowNumbered := len(s.branches) > 1
	for _, b := range s.branches {
		join, err := r.branch(b, s.alias, rowNumbered)
		if err != nil {
			return nil, err
		}
		out.joins = append(out.joins, join)
	}
	for _, b := range s.branches {
		out.keys = append(out.keys, b.alias)
		out.values = append(out.values, branchAggregate(b, s.branches, rowNumbered))
		out.grouped = true
	}
	return out, nil
}

// joinKeys lists the columns of the first hop that join back to the parent.
func joinKeys(p *joingraph.Path) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, grp := range p.Hops[0].On {
		for _, pair := range grp {
			if !seen[pair.To] {
				seen[pair.To] = true
				cols = append(cols, pair.To)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func jkName(i int) string { return fmt.Sprintf("__jk%d", i) }

func hasRowNumber(b *branch, siblings bool) bool {
	return siblings || b.limit != nil || b.orderBy != nil
}

// branch renders:
//
//	LEFT JOIN (SELECT <first hop keys> AS __jk<i>, json_build_object(...) AS __json
//	           [, row_number() OVER (PARTITION BY <keys> ORDER BY ...) AS __rn]
//	           FROM <hops> WHERE <filter>) AS "<alias>" ON "<alias>"."__jk<i>" = "<parent>"."<col>"
func (r *renderer) branch(b *branch, parentAlias string, siblings bool) (sqldsl.JoinClause, error) {
	first := b.path.Hops[0]
	keyCols := joinKeys(b.path)
	jkIndex := make(map[string]string, len(keyCols))
	var (
		cols      []sqldsl.Expr
		partition []sqldsl.Expr
	)
	for i, col := range keyCols {
		name := jkName(i)
		jkIndex[col] = name
		src := sqldsl.Col{Table: first.Alias, Column: col}
		cols = append(cols, sqldsl.SelectAs(src, name))
		partition = append(partition, src)
	}

	nested, err := r.branches(b.sel)
	if err != nil {
		return sqldsl.JoinClause{}, err
	}
	jsonKeys := make([]string, 0, len(b.sel.items)+len(nested.keys))
	jsonVals := make([]sqldsl.Expr, 0, cap(jsonKeys))
	for _, it := range b.sel.items {
		jsonKeys = append(jsonKeys, it.alias)
		jsonVals = append(jsonVals, it.expr)
	}
	jsonKeys = append(jsonKeys, nested.keys...)
	jsonVals = append(jsonVals, nested.values...)
	cols = append(cols, sqldsl.SelectAs(sqldsl.JSONObject(jsonKeys, jsonVals), "__json"))

	order, err := orderItems(b.sel, b.orderBy)
	if err != nil {
		return sqldsl.JoinClause{}, err
	}
	if hasRowNumber(b, siblings) {
		rn := sqldsl.Window{Func: sqldsl.Func{Name: "row_number"}, PartitionBy: partition, OrderBy: order}
		cols = append(cols, sqldsl.SelectAs(rn, "__rn"))
	}

	where, err := r.where(b.sel, b.filter)
	if err != nil {
		return sqldsl.JoinClause{}, err
	}
	from, joins := b.path.Joins()
	stmt := sqldsl.SelectStmt{
		Columns: cols,
		From:    from,
		Joins:   append(joins, nested.joins...),
		Where:   where,
	}
	if nested.grouped || b.sel.hasAggregate() {
		stmt.GroupBy = groupBy(b.sel, partition, order)
	}

	ors := make([]sqldsl.Expr, 0, len(first.On))
	for _, grp := range first.On {
		ands := make([]sqldsl.Expr, len(grp))
		for i, pair := range grp {
			ands[i] = sqldsl.Eq{
				Left:  sqldsl.Col{Table: b.alias, Column: jkIndex[pair.To]},
				Right: sqldsl.Col{Table: parentAlias, Column: pair.From},
			}
		}
		ors = append(ors, sqldsl.And(ands...))
	}
	return sqldsl.JoinClause{
		Type:  b.joinType,
		Table: sqldsl.Subquery{Query: stmt, Alias: b.alias},
		On:    sqldsl.Or(ors...),
	}, nil
}

// branchAggregate renders
//
//	COALESCE(json_agg("b"."__json" [ORDER BY "b"."__rn"])
//	  FILTER (WHERE "b"."__jk0" IS NOT NULL [AND "b"."__rn" <= limit]), '[]')
//
// With sibling branches every branch is row numbered, and each aggregate
// only reads rows where the siblings sit on their first (or no) row, so the
// cross product of sibling joins does not repeat elements.
func branchAggregate(b *branch, siblings []*branch, rowNumbered bool) sqldsl.Expr {
	rn := sqldsl.Col{Table: b.alias, Column: "__rn"}
	cond := []sqldsl.Expr{sqldsl.IsNotNull{Expr: sqldsl.Col{Table: b.alias, Column: jkName(0)}}}
	if b.limit != nil {
		cond = append(cond, sqldsl.Lte{Left: rn, Right: sqldsl.Int(*b.limit)})
	}
	if rowNumbered {
		for _, o := range siblings {
			if o == b {
				continue
			}
			orn := sqldsl.Col{Table: o.alias, Column: "__rn"}
			cond = append(cond, sqldsl.Or(
				sqldsl.Eq{Left: orn, Right: sqldsl.Int(1)},
				sqldsl.IsNull{Expr: orn},
			))
		}
	}
	a := sqldsl.Agg{
		Name:   "json_agg",
		Args:   []sqldsl.Expr{sqldsl.Col{Table: b.alias, Column: "__json"}},
		Filter: sqldsl.And(cond...),
	}
	if hasRowNumber(b, rowNumbered) {
		a.OrderBy = []sqldsl.OrderItem{{Expr: rn}}
	}
	return sqldsl.Func{Name: "COALESCE", Args: []sqldsl.Expr{a, sqldsl.Lit("[]")}}
}

// groupBy lists the non-aggregate items of s, the extra leading keys, the
// primary key when s has branches, and order expressions not yet present.
func groupBy(s *selection, leading []sqldsl.Expr, order []sqldsl.OrderItem) []sqldsl.Expr {
	var out []sqldsl.Expr
	seen := make(map[string]bool)
	add := func(e sqldsl.Expr) {
		if k := e.SQL(); !seen[k] {
			seen[k] = true
			out = append(out, e)
		}
	}
	for _, e := range leading {
		add(e)
	}
	aggregates := make(map[string]bool)
	for _, it := range s.items {
		if it.aggregate {
			aggregates[it.expr.SQL()] = true
			continue
		}
		add(it.expr)
	}
	if len(s.branches) > 0 {
		for _, pk := range s.table.PrimaryKey() {
			add(sqldsl.Col{Table: s.alias, Column: pk})
		}
	}
	for _, o := range order {
		if !aggregates[o.Expr.SQL()] {
			add(o.Expr)
		}
	}
	return out
}
