package query

import (
	"slices"
	"sort"
	"strings"

	"github.com/pthm/tablegate/internal/filter"
	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/internal/rules"
	"github.com/pthm/tablegate/internal/sqldsl"
	"github.com/pthm/tablegate/schema"
)

// item is one entry of a select list.
type item struct {
	alias     string
	column    string // set for plain column references
	expr      sqldsl.Expr
	aggregate bool
}

// sql renders the item for a select list.
func (it item) sql() sqldsl.Expr {
	if it.column != "" && it.column == it.alias {
		return it.expr
	}
	return sqldsl.SelectAs(it.expr, it.alias)
}

// branch is a joined table nested into the parent rows as a JSON array.
type branch struct {
	alias    string
	joinType string
	path     *joingraph.Path
	sel      *selection
	filter   map[string]any
	limit    *int
	orderBy  any
}

// selection is the parsed select of one table.
type selection struct {
	table    *schema.Table
	alias    string
	rule     *rules.TableRule
	items    []item
	branches []*branch
}

func (s *selection) hasAggregate() bool {
	for _, it := range s.items {
		if it.aggregate {
			return true
		}
	}
	return false
}

// selected exposes the computed items as filterable aliases. Plain columns
// stay subject to the filter field allow-list.
func (s *selection) selected() []filter.Selected {
	var out []filter.Selected
	for _, it := range s.items {
		if it.column == "" {
			out = append(out, filter.Selected{Alias: it.alias, Expr: it.expr, Aggregate: it.aggregate})
		}
	}
	return out
}

// readable lists the selectable columns in table order.
func (s *selection) readable() []string {
	out := []string{}
	for _, col := range s.table.ColumnNames() {
		if slices.Contains(s.rule.Fields, col) {
			out = append(out, col)
		}
	}
	return out
}

func (s *selection) find(alias string) (item, bool) {
	for _, it := range s.items {
		if it.alias == alias {
			return it, true
		}
	}
	return item{}, false
}

func (s *selection) taken(alias string) bool {
	if _, ok := s.find(alias); ok {
		return true
	}
	for _, b := range s.branches {
		if b.alias == alias {
			return true
		}
	}
	return false
}

func (s *selection) add(it item) error {
	if s.taken(it.alias) {
		return gateerr.Malformed("duplicate select alias %q", it.alias).WithTable(s.table.Name)
	}
	s.items = append(s.items, it)
	return nil
}

// column resolves a selectable column of the selection's table.
func (s *selection) column(name string) (sqldsl.Expr, error) {
	if slices.Contains(s.rule.Fields, name) {
		return sqldsl.Col{Table: s.alias, Column: name}, nil
	}
	if s.table.HasColumn(name) {
		return nil, gateerr.RuleViolation("field %q is not allowed in select", name).
			WithTable(s.table.Name).
			WithField(name).
			WithAllowed(s.rule.Fields)
	}
	return nil, schema.UnknownColumn(s.table, name)
}

func (s *selection) addColumn(alias, name string) error {
	e, err := s.column(name)
	if err != nil {
		return err
	}
	return s.add(item{alias: alias, column: name, expr: e})
}

func (s *selection) addColumns(names []string) error {
	for _, n := range names {
		if err := s.addColumn(n, n); err != nil {
			return err
		}
	}
	return nil
}

// parser turns select specs into selections.
type parser struct {
	graph  *joingraph.Graph
	access *rules.Set
}

// parse parses a select spec for table t:
//
//	"*" or nil                 every allowed field
//	""                         nothing
//	"a, b" or ["a", "b"]       listed fields in the given order
//	{"a": 1, "b": true}        listed fields in column order
//	{"secret": 0}              every allowed field except secret
//	{"x": "col"}               col aliased as x
//	{"x": {"$upper": ["col"]}} function or aggregation
//	{"$rowhash": 1}            computed field
//	{"posts": "*"}             join branch selecting every field of posts
//	{"posts": {"id": 1}}       join branch with a nested select
//	{"p": {"$leftJoin": ["posts"], "select": "*", "filter": {...}, "limit": 5}}
func (p *parser) parse(t *schema.Table, alias string, rule *rules.TableRule, raw any) (*selection, error) {
	s := &selection{table: t, alias: alias, rule: rule}
	switch v := raw.(type) {
	case nil:
		return s, s.addColumns(rule.Fields)
	case string:
		v = strings.TrimSpace(v)
		if v == "*" {
			return s, s.addColumns(rule.Fields)
		}
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				if err := s.addColumn(part, part); err != nil {
					return nil, err
				}
			}
		}
		return s, nil
	case []string:
		return s, s.addColumns(v)
	case []any:
		for _, e := range v {
			name, ok := e.(string)
			if !ok {
				return nil, gateerr.Malformed("select list entries must be strings, got %v", e).WithTable(t.Name)
			}
			if err := s.addColumn(name, name); err != nil {
				return nil, err
			}
		}
		return s, nil
	case map[string]any:
		return s, p.parseMap(s, v)
	default:
		return nil, gateerr.Malformed("invalid select %v", raw).WithTable(t.Name)
	}
}

func (p *parser) parseMap(s *selection, m map[string]any) error {
	var (
		include, exclude []string
		all              bool
		deferred         []func() error
	)
	for _, k := range sortStrings(keys(m)) {
		v := m[k]
		flag, isFlag := truthy(v)
		switch {
		case k == "*":
			if !isFlag {
				return gateerr.Malformed(`"*" expects true or 1`).WithTable(s.table.Name)
			}
			all = all || flag
		case s.table.HasColumn(k) && isFlag:
			if flag {
				include = append(include, k)
			} else {
				exclude = append(exclude, k)
			}
		case strings.HasPrefix(k, "$") && isFlag:
			comp, ok := filter.ComputedField(k)
			if !ok {
				return gateerr.Malformed("unknown computed field %q", k).WithTable(s.table.Name)
			}
			if flag {
				deferred = append(deferred, func() error {
					return s.add(item{alias: k, expr: comp.Render(s.alias, s.readable())})
				})
			}
		default:
			deferred = append(deferred, func() error { return p.parseEntry(s, k, v) })
		}
	}
	if len(include) > 0 && len(exclude) > 0 {
		return gateerr.Malformed("select cannot mix included and excluded fields").WithTable(s.table.Name)
	}

	switch {
	case all || len(exclude) > 0:
		for _, f := range s.rule.Fields {
			if slices.Contains(exclude, f) {
				continue
			}
			if err := s.addColumn(f, f); err != nil {
				return err
			}
		}
		for _, f := range exclude {
			if _, err := s.column(f); err != nil {
				return err
			}
		}
	default:
		for _, f := range s.table.ColumnNames() {
			if !slices.Contains(include, f) {
				continue
			}
			if err := s.addColumn(f, f); err != nil {
				return err
			}
		}
	}
	for _, fn := range deferred {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// parseEntry handles a select key that is not a plain column flag.
func (p *parser) parseEntry(s *selection, key string, v any) error {
	_, isTable := p.graph.Catalog().Table(key)
	switch x := v.(type) {
	case string:
		if isTable && x == "*" {
			return p.addBranch(s, key, key, "LEFT", map[string]any{"select": "*"})
		}
		return s.addColumn(key, x)
	case bool, float64, int:
		if flag, _ := truthy(x); flag && isTable {
			return p.addBranch(s, key, key, "LEFT", map[string]any{"select": "*"})
		}
		if !isTable {
			return schema.UnknownColumn(s.table, key)
		}
		return nil
	case map[string]any:
		if spec, ok := x["$leftJoin"]; ok {
			return p.addBranch(s, key, spec, "LEFT", x)
		}
		if spec, ok := x["$innerJoin"]; ok {
			return p.addBranch(s, key, spec, "INNER", x)
		}
		if fn, ok := singleFunction(x); ok {
			e, aggregate, err := callFunction(fn, x[fn], s.column, s.table.HasColumn)
			if err != nil {
				if ge, ok := err.(*gateerr.Error); ok {
					ge.WithTable(s.table.Name)
				}
				return err
			}
			return s.add(item{alias: key, expr: e, aggregate: aggregate})
		}
		if isTable {
			return p.addBranch(s, key, key, "LEFT", map[string]any{"select": x})
		}
		return gateerr.Malformed("invalid select entry %q", key).WithTable(s.table.Name)
	default:
		return gateerr.Malformed("invalid select entry %q", key).WithTable(s.table.Name)
	}
}

func singleFunction(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	for k := range m {
		return k, isFunctionKey(k)
	}
	return "", false
}

var branchKeys = []string{"$leftJoin", "$innerJoin", "select", "filter", "limit", "orderBy"}

func (p *parser) addBranch(s *selection, alias string, spec any, joinType string, opts map[string]any) error {
	for k := range opts {
		if !slices.Contains(branchKeys, k) {
			return gateerr.Malformed("unknown join option %q", k).
				WithTable(s.table.Name).
				WithSuggestion(k, branchKeys)
		}
	}
	if alias == s.alias {
		return gateerr.Malformed("join alias %q collides with its parent", alias).WithTable(s.table.Name)
	}
	if s.taken(alias) {
		return gateerr.Malformed("duplicate select alias %q", alias).WithTable(s.table.Name)
	}
	path, err := p.graph.ParsePath(s.table.Name, spec, joingraph.ParseOptions{Alias: alias})
	if err != nil {
		return err
	}
	for _, t := range path.Tables()[:len(path.Hops)-1] {
		if _, err := p.access.Rule(t, schema.Select); err != nil {
			return err
		}
	}
	target, err := p.graph.Catalog().Lookup(path.Target())
	if err != nil {
		return err
	}
	rule, err := p.access.Rule(target.Name, schema.Select)
	if err != nil {
		return err
	}
	sub, err := p.parse(target, alias, rule, opts["select"])
	if err != nil {
		return err
	}

	b := &branch{alias: alias, joinType: joinType, path: path, sel: sub, orderBy: opts["orderBy"]}
	if raw, ok := opts["filter"]; ok && raw != nil {
		f, ok := raw.(map[string]any)
		if !ok {
			return gateerr.Malformed("join filter for %q must be an object", alias).WithTable(s.table.Name)
		}
		b.filter = f
	}
	if raw, ok := opts["limit"]; ok && raw != nil {
		n, ok := asInt(raw)
		if !ok || n < 0 {
			return gateerr.Malformed("join limit for %q must be a non-negative integer", alias).WithTable(s.table.Name)
		}
		b.limit = &n
	}
	if rule.MaxLimit != nil && (b.limit == nil || *b.limit > *rule.MaxLimit) {
		b.limit = rule.MaxLimit
	}
	s.branches = append(s.branches, b)
	return nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sortStrings(s []string) []string {
	sort.Strings(s)
	return s
}

// truthy reports the flag value of true/false/1/0 and whether v is a flag.
func truthy(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		if x == 0 || x == 1 {
			return x == 1, true
		}
	case int:
		if x == 0 || x == 1 {
			return x == 1, true
		}
	}
	return false, false
}

func asInt(raw any) (int, bool) {
	switch n := raw.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

