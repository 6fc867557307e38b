package joingraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/sqldsl"
	"github.com/pthm/tablegate/schema"
)

// Wildcard, as the first element of a path spec, asks for the shortest known
// path to the next table for that first hop.
const Wildcard = "**"

// Hop is one step of a resolved join path. On is oriented from the previous
// hop (or the root) to this hop and is OR-combined when rendered.
type Hop struct {
	Table       string
	Alias       string
	On          []Group
	Cardinality schema.Cardinality
}

// Path is a resolved join path from a root table.
type Path struct {
	Root string
	Hops []Hop
}

// Target returns the table of the final hop.
func (p *Path) Target() string {
	return p.Hops[len(p.Hops)-1].Table
}

// Tables returns the tables of every hop, root excluded.
func (p *Path) Tables() []string {
	out := make([]string, len(p.Hops))
	for i, h := range p.Hops {
		out[i] = h.Table
	}
	return out
}

// ParseOptions controls path resolution.
type ParseOptions struct {
	// ImplicitShortestFirstHop lets the first named table be reached through
	// the shortest path when it is not directly joined to the root.
	ImplicitShortestFirstHop bool

	// Alias names the final hop. Defaults to the target table name.
	Alias string

	// AliasPrefix prefixes intermediate hop aliases. Defaults to "__p".
	AliasPrefix string
}

// step is one element of a path spec before resolution.
type step struct {
	table string
	on    []map[string]string
}

// ParsePath resolves a path spec relative to root.
//
// Accepted spec shapes:
//
//	"posts"                                  single table
//	"posts.comments"                         dotted chain
//	["posts", "comments"]                    chain
//	["**", "comments"]                       shortest path to the first table
//	[{"table": "posts", "on": [{"id": "author_id"}]}, "comments"]
//
// In an "on" group keys are columns of the previous table and values columns
// of the named one. Each requested group must be contained in a known join
// condition; without "on" every known condition is used.
func (g *Graph) ParsePath(root string, spec any, opts ParseOptions) (*Path, error) {
	if _, err := g.catalog.Lookup(root); err != nil {
		return nil, err
	}
	steps, wildcard, err := parseSteps(spec)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, gateerr.JoinResolution("empty join path from %q", root).WithTable(root)
	}
	if opts.AliasPrefix == "" {
		opts.AliasPrefix = "__p"
	}

	path := &Path{Root: root}
	prev := root
	for i, st := range steps {
		if _, err := g.catalog.Lookup(st.table); err != nil {
			return nil, err
		}

		useShortest := i == 0 && (wildcard || (opts.ImplicitShortestFirstHop && !g.Joinable(prev, st.table)))
		if useShortest {
			tables, ok := g.ShortestPath(prev, st.table)
			if !ok {
				return nil, gateerr.JoinResolution("no join path from %q to %q", prev, st.table).
					WithTable(root)
			}
			for _, mid := range tables[1 : len(tables)-1] {
				e, _ := g.Edge(prev, mid)
				path.Hops = append(path.Hops, Hop{Table: mid, On: e.On, Cardinality: e.Cardinality})
				prev = mid
			}
		}

		e, ok := g.Edge(prev, st.table)
		if !ok {
			return nil, gateerr.JoinResolution("table %q cannot be joined to %q", st.table, prev).
				WithTable(prev).
				WithAllowed(g.Neighbors(prev)).
				WithSuggestion(st.table, g.Neighbors(prev))
		}
		on := e.On
		if len(st.on) > 0 {
			on, err = matchGroups(e, st.on)
			if err != nil {
				return nil, err
			}
		}
		path.Hops = append(path.Hops, Hop{Table: st.table, On: on, Cardinality: e.Cardinality})
		prev = st.table
	}

	for i := range path.Hops {
		if len(path.Hops[i].On) == 0 {
			return nil, gateerr.JoinResolution("join to %q has no conditions", path.Hops[i].Table)
		}
		path.Hops[i].Alias = fmt.Sprintf("%s%d", opts.AliasPrefix, i)
	}
	last := &path.Hops[len(path.Hops)-1]
	last.Alias = opts.Alias
	if last.Alias == "" {
		last.Alias = last.Table
	}
	return path, nil
}

// matchGroups validates the requested condition groups against the edge.
func matchGroups(e *Edge, requested []map[string]string) ([]Group, error) {
	out := make([]Group, 0, len(requested))
	for _, req := range requested {
		grp := groupFromMap(req)
		if len(grp) == 0 {
			return nil, gateerr.Malformed("empty on condition joining %q to %q", e.From, e.To)
		}
		found := false
		for _, known := range e.On {
			if known.contains(grp) {
				found = true
				break
			}
		}
		if !found {
			return nil, gateerr.JoinResolution("on condition {%s} does not match a join between %q and %q", grp, e.From, e.To).
				WithTable(e.From).
				With("valid", describeGroups(e.On))
		}
		out = append(out, grp)
	}
	return out, nil
}

func parseSteps(spec any) ([]step, bool, error) {
	switch v := spec.(type) {
	case string:
		if v == "" {
			return nil, false, nil
		}
		var steps []step
		for _, t := range strings.Split(v, ".") {
			steps = append(steps, step{table: t})
		}
		return steps, false, nil
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return parseSteps(items)
	case map[string]any:
		st, err := parseStepObject(v)
		if err != nil {
			return nil, false, err
		}
		return []step{st}, false, nil
	case []any:
		var (
			steps    []step
			wildcard bool
		)
		for i, item := range v {
			switch it := item.(type) {
			case string:
				if it == Wildcard {
					if i != 0 {
						return nil, false, gateerr.Malformed("%q is only allowed as the first path element", Wildcard)
					}
					wildcard = true
					continue
				}
				steps = append(steps, step{table: it})
			case map[string]any:
				st, err := parseStepObject(it)
				if err != nil {
					return nil, false, err
				}
				steps = append(steps, st)
			default:
				return nil, false, gateerr.Malformed("invalid join path element %v", item)
			}
		}
		return steps, wildcard, nil
	case nil:
		return nil, false, nil
	default:
		return nil, false, gateerr.Malformed("invalid join path %v", spec)
	}
}

func parseStepObject(m map[string]any) (step, error) {
	table, ok := m["table"].(string)
	if !ok || table == "" {
		return step{}, gateerr.Malformed("join path step requires a table name")
	}
	for k := range m {
		if k != "table" && k != "on" {
			return step{}, gateerr.Malformed("unknown join path step key %q", k)
		}
	}
	st := step{table: table}
	raw, ok := m["on"]
	if !ok {
		return st, nil
	}
	list, ok := raw.([]any)
	if !ok {
		// a single condition group may be given without the surrounding list
		list = []any{raw}
	}
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return step{}, gateerr.Malformed("on condition for %q must be an object", table)
		}
		grp := make(map[string]string, len(obj))
		for k, v := range obj {
			col, ok := v.(string)
			if !ok {
				return step{}, gateerr.Malformed("on condition %q for %q must map to a column name", k, table)
			}
			grp[k] = col
		}
		st.on = append(st.on, grp)
	}
	return st, nil
}

// Condition renders the OR of condition groups between two aliases.
func Condition(prevAlias, alias string, on []Group) sqldsl.Expr {
	ors := make([]sqldsl.Expr, 0, len(on))
	for _, grp := range on {
		ands := make([]sqldsl.Expr, len(grp))
		for i, p := range grp {
			ands[i] = sqldsl.Eq{
				Left:  sqldsl.Col{Table: alias, Column: p.To},
				Right: sqldsl.Col{Table: prevAlias, Column: p.From},
			}
		}
		ors = append(ors, sqldsl.And(ands...))
	}
	return sqldsl.Or(ors...)
}

// Joins renders the hops of a path as INNER JOINs starting from the first hop,
// which the caller places in FROM. It returns the FROM table and the joins.
func (p *Path) Joins() (sqldsl.TableRef, []sqldsl.JoinClause) {
	from := sqldsl.TableAs(p.Hops[0].Table, p.Hops[0].Alias)
	var joins []sqldsl.JoinClause
	for i := 1; i < len(p.Hops); i++ {
		h := p.Hops[i]
		joins = append(joins, sqldsl.JoinClause{
			Type:  "INNER",
			Table: sqldsl.TableAs(h.Table, h.Alias),
			On:    Condition(p.Hops[i-1].Alias, h.Alias, h.On),
		})
	}
	return from, joins
}

// FirstColumns returns the root-side columns the first hop joins on, sorted.
func (p *Path) FirstColumns() []string {
	seen := make(map[string]bool)
	var cols []string
	for _, grp := range p.Hops[0].On {
		for _, pair := range grp {
			if !seen[pair.From] {
				seen[pair.From] = true
				cols = append(cols, pair.From)
			}
		}
	}
	sort.Strings(cols)
	return cols
}
