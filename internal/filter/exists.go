package filter

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/internal/sqldsl"
)

var existsKeys = []string{"$exists", "$notExists", "$existsJoined", "$notExistsJoined"}

// exists compiles one EXISTS key.
//
// Unjoined forms probe a single table: {"$exists": {"orders": {...}}}.
// Joined forms correlate through a join path from the filtered table:
//
//	{"$existsJoined": {"orders": {...}}}
//	{"$existsJoined": {"orders.items": {...}}}
//	{"$existsJoined": {"path": ["**", "orders"], "filter": {...}}}
//
// The subquery alias is derived from the subquery itself, so an EXISTS
// renders the same wherever it sits among its siblings.
func (c *compiler) exists(key string, v any) (sqldsl.Expr, error) {
	if c.inExists && !c.opts.Trusted {
		return nil, gateerr.Malformed("%s cannot be nested inside another exists filter", key).
			WithTable(c.table.Name)
	}
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil, gateerr.Malformed("%s expects an object", key).WithTable(c.table.Name)
	}

	mark := len(c.st.exists)
	draft, _, err := c.existsQuery(key, obj, "__e")
	if err != nil {
		return nil, err
	}
	c.st.exists = c.st.exists[:mark]

	stmt, cfg, err := c.existsQuery(key, obj, existsAlias(key, draft.SQL()))
	if err != nil {
		return nil, err
	}
	c.st.exists = append(c.st.exists, cfg)
	if cfg.Negated {
		return sqldsl.NotExists{Query: stmt}, nil
	}
	return sqldsl.Exists{Query: stmt}, nil
}

// existsAlias names an EXISTS subquery after a hash of its draft rendering.
func existsAlias(key, draft string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte(draft))
	return fmt.Sprintf("__e%08x", h.Sum32())
}

// existsQuery builds the subquery of one EXISTS key with the given alias.
func (c *compiler) existsQuery(key string, obj map[string]any, alias string) (sqldsl.SelectStmt, ExistsConfig, error) {
	cfg := ExistsConfig{
		Negated: strings.HasPrefix(key, "$not"),
		Joined:  strings.HasSuffix(key, "Joined"),
	}
	if cfg.Joined {
		spec, inner, err := joinedSpec(key, obj)
		if err != nil {
			return sqldsl.SelectStmt{}, cfg, err
		}
		path, err := c.g.ParsePath(c.table.Name, spec, joingraph.ParseOptions{
			ImplicitShortestFirstHop: true,
			Alias:                    alias,
			AliasPrefix:              alias + "_p",
		})
		if err != nil {
			return sqldsl.SelectStmt{}, cfg, err
		}
		for _, t := range path.Tables()[:len(path.Hops)-1] {
			if _, err := c.tableFields(t); err != nil {
				return sqldsl.SelectStmt{}, cfg, err
			}
		}
		cfg.Path = path
		cfg.Target = path.Target()
		cfg.Filter = inner

		where, err := c.sub(cfg.Target, alias, inner)
		if err != nil {
			return sqldsl.SelectStmt{}, cfg, err
		}
		from, joins := path.Joins()
		first := path.Hops[0]
		return sqldsl.SelectStmt{
			From:  from,
			Joins: joins,
			Where: sqldsl.And(where, joingraph.Condition(c.opts.Alias, first.Alias, first.On)),
		}, cfg, nil
	}

	if len(obj) != 1 {
		return sqldsl.SelectStmt{}, cfg, gateerr.Malformed("%s expects exactly one table", key).WithTable(c.table.Name)
	}
	for table, raw := range obj {
		inner, err := innerFilter(key, raw)
		if err != nil {
			return sqldsl.SelectStmt{}, cfg, err
		}
		cfg.Target = table
		cfg.Filter = inner
	}
	where, err := c.sub(cfg.Target, alias, cfg.Filter)
	if err != nil {
		return sqldsl.SelectStmt{}, cfg, err
	}
	return sqldsl.SelectStmt{From: sqldsl.TableAs(cfg.Target, alias), Where: where}, cfg, nil
}

func joinedSpec(key string, obj map[string]any) (any, map[string]any, error) {
	if spec, ok := obj["path"]; ok {
		for k := range obj {
			if k != "path" && k != "filter" {
				return nil, nil, gateerr.Malformed("%s: unexpected key %q next to path", key, k)
			}
		}
		inner, err := innerFilter(key, obj["filter"])
		return spec, inner, err
	}
	if len(obj) != 1 {
		return nil, nil, gateerr.Malformed("%s expects exactly one path", key)
	}
	for spec, raw := range obj {
		inner, err := innerFilter(key, raw)
		return spec, inner, err
	}
	return nil, nil, nil
}

func innerFilter(key string, raw any) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, gateerr.Malformed("%s expects a filter object, got %T", key, raw)
	}
	return m, nil
}

// sub compiles the filter of an EXISTS target table, AND-ed with the
// forced filter every read of that table is restricted by.
func (c *compiler) sub(table, alias string, raw map[string]any) (sqldsl.Expr, error) {
	t, err := c.g.Catalog().Lookup(table)
	if err != nil {
		return nil, err
	}
	fields, err := c.tableFields(table)
	if err != nil {
		return nil, err
	}
	child := &compiler{
		g: c.g,
		opts: Options{
			Table:       table,
			Alias:       alias,
			Fields:      fields,
			Trusted:     c.opts.Trusted,
			TableFields: c.opts.TableFields,
			TableForced: c.opts.TableForced,
		},
		table:    t,
		inExists: true,
		st:       c.st,
	}
	where, err := child.object(raw)
	if err != nil {
		return nil, err
	}
	if c.opts.Trusted || c.opts.TableForced == nil {
		return where, nil
	}
	forced, err := c.opts.TableForced(table)
	if err != nil || len(forced) == 0 {
		return where, err
	}
	trusted := &compiler{
		g:        c.g,
		opts:     Options{Table: table, Alias: alias, Trusted: true},
		table:    t,
		inExists: true,
		st:       c.st,
	}
	ff, err := trusted.object(forced)
	if err != nil {
		return nil, err
	}
	if where == nil {
		return ff, nil
	}
	if ff == nil {
		return where, nil
	}
	return sqldsl.And(where, ff), nil
}

// tableFields returns the filterable columns of a table reached by EXISTS.
func (c *compiler) tableFields(table string) ([]string, error) {
	if c.opts.Trusted || c.opts.TableFields == nil {
		t, err := c.g.Catalog().Lookup(table)
		if err != nil {
			return nil, err
		}
		return t.ColumnNames(), nil
	}
	return c.opts.TableFields(table)
}
