package rules

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pthm/tablegate/internal/filter"
	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/internal/sqldsl"
	"github.com/pthm/tablegate/schema"
)

// Prober runs a single-value boolean query against the live database.
type Prober interface {
	Probe(ctx context.Context, query string) (bool, error)
}

// probe is one zero-row query checking that a rule part applies to the
// live table.
type probe struct {
	cmd   schema.Command
	what  string
	query string
}

// ProbeRemote checks the forced filters, forced data and dynamic field
// filters of p against the database with zero-row queries. The probes are
// independent and run concurrently. Any failure is a RuleViolation wrapping
// the database error.
func ProbeRemote(ctx context.Context, g *joingraph.Graph, p *Policy, prober Prober) error {
	probes, err := remoteProbes(g, p)
	if err != nil {
		return err
	}
	if len(probes) == 0 {
		return nil
	}
	if prober == nil {
		return gateerr.RuleViolation("policy for %q needs a database to validate", p.Table).WithTable(p.Table)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, pr := range probes {
		eg.Go(func() error {
			if _, err := prober.Probe(ctx, pr.query); err != nil {
				return gateerr.Wrap(gateerr.KindRuleViolation, err, "%s %s is not applicable to %q", pr.cmd, pr.what, p.Table).
					WithTable(p.Table).
					WithCommand(string(pr.cmd)).
					With("query", pr.query)
			}
			return nil
		})
	}
	return eg.Wait()
}

func remoteProbes(g *joingraph.Graph, p *Policy) ([]probe, error) {
	t, err := g.Catalog().Lookup(p.Table)
	if err != nil {
		return nil, err
	}
	var probes []probe
	for _, cmd := range p.Commands() {
		r := p.rules[cmd]
		if len(r.ForcedFilter) > 0 {
			where, err := trustedFilter(g, t.Name, "forcedFilter", r.ForcedFilter)
			if err != nil {
				return nil, err
			}
			probes = append(probes, probe{cmd: cmd, what: "forcedFilter", query: zeroRows(t.Name, nil, where)})
		}
		if len(r.ForcedData) > 0 {
			cols, err := dataColumns(t, r.ForcedData)
			if err != nil {
				return nil, err
			}
			probes = append(probes, probe{cmd: cmd, what: "forcedData", query: zeroRows(t.Name, cols, nil)})
		}
		for i, d := range r.DynamicFields {
			where, err := trustedFilter(g, t.Name, fmt.Sprintf("dynamicFields[%d].filter", i), d.Filter)
			if err != nil {
				return nil, err
			}
			probes = append(probes, probe{
				cmd:   cmd,
				what:  fmt.Sprintf("dynamicFields[%d].filter", i),
				query: zeroRows(t.Name, nil, where),
			})
		}
	}
	return probes, nil
}

// trustedFilter compiles a filter taken from a policy. A badly shaped one
// is a fault of the policy, not of a request.
func trustedFilter(g *joingraph.Graph, table, key string, raw map[string]any) (sqldsl.Expr, error) {
	res, err := filter.Compile(g, raw, filter.Options{Table: table, Trusted: true})
	if gateerr.IsMalformed(err) {
		return nil, gateerr.RuleViolation("%s: %s", key, message(err)).WithTable(table)
	}
	if err != nil {
		return nil, err
	}
	return res.Expr, nil
}

// dataColumns renders forced data values cast to their column types.
func dataColumns(t *schema.Table, data map[string]any) ([]sqldsl.Expr, error) {
	var cols []sqldsl.Expr
	for _, name := range t.ColumnNames() {
		v, ok := data[name]
		if !ok {
			continue
		}
		e, err := sqldsl.Value(v)
		if err != nil {
			return nil, gateerr.RuleViolation("forcedData.%s: %v", name, err).WithTable(t.Name).WithField(name)
		}
		col, _ := t.Column(name)
		if col.Type != "" {
			e = sqldsl.Cast{Expr: e, Type: col.Type}
		}
		cols = append(cols, sqldsl.SelectAs(e, name))
	}
	return cols, nil
}

// zeroRows renders SELECT EXISTS (SELECT ... FROM t WHERE ... LIMIT 0).
// It always yields false but fails when the inner query does not apply.
func zeroRows(table string, cols []sqldsl.Expr, where sqldsl.Expr) string {
	inner := sqldsl.SelectStmt{
		Columns: cols,
		From:    sqldsl.TableRef{Name: table},
		Where:   where,
		Limit:   sqldsl.IntPtr(0),
	}
	return sqldsl.SelectStmt{Columns: []sqldsl.Expr{sqldsl.Exists{Query: inner}}}.SQL()
}

// ResolveDynamicFields returns the updatable fields for the rows matched by
// target. The first dynamicFields entry whose filter holds for every target
// row (and for at least one) wins; otherwise the rule's base fields apply.
func ResolveDynamicFields(ctx context.Context, g *joingraph.Graph, r *TableRule, target sqldsl.Expr, prober Prober) ([]string, error) {
	if len(r.DynamicFields) == 0 {
		return r.Fields, nil
	}
	if prober == nil {
		return nil, gateerr.RuleViolation("dynamic fields on %q need a database to resolve", r.Table).
			WithTable(r.Table).
			WithCommand(string(r.Command))
	}
	for i, d := range r.DynamicFields {
		where, err := trustedFilter(g, r.Table, fmt.Sprintf("dynamicFields[%d].filter", i), d.Filter)
		if err != nil {
			return nil, err
		}
		ok, err := prober.Probe(ctx, matchesAll(r.Table, target, where))
		if err != nil {
			return nil, gateerr.Wrap(gateerr.KindRuleViolation, err, "dynamicFields[%d] could not be evaluated", i).
				WithTable(r.Table).
				WithCommand(string(r.Command))
		}
		if ok {
			return d.Fields, nil
		}
	}
	return r.Fields, nil
}

// matchesAll renders a query that is true when some row matches target and
// every such row also satisfies cond.
func matchesAll(table string, target, cond sqldsl.Expr) string {
	from := sqldsl.TableRef{Name: table}
	some := sqldsl.SelectStmt{From: from, Where: sqldsl.And(target, cond)}
	violating := sqldsl.SelectStmt{
		From:  from,
		Where: sqldsl.And(target, sqldsl.BinOp{Left: sqldsl.Paren{Expr: orTrue(cond)}, Op: "IS NOT", Right: sqldsl.Bool(true)}),
	}
	return sqldsl.SelectStmt{Columns: []sqldsl.Expr{
		sqldsl.And(sqldsl.Exists{Query: some}, sqldsl.NotExists{Query: violating}),
	}}.SQL()
}

func orTrue(e sqldsl.Expr) sqldsl.Expr {
	if e == nil {
		return sqldsl.Bool(true)
	}
	return e
}
