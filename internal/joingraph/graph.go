// Package joingraph derives the join graph of a schema and resolves join paths.
//
// The graph is undirected: every join is stored in both orientations, with
// its condition groups and cardinality read in that orientation. Multiple
// condition groups between the same two tables are OR-combined when rendered.
// Shortest paths between every pair of connected tables are precomputed when
// the graph is built; the graph is immutable afterwards.
package joingraph

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pthm/tablegate/schema"
)

// ColumnPair equates a column of the previous table with a column of the next.
type ColumnPair struct {
	From string
	To   string
}

// Group is a set of column pairs that must all hold (AND-combined).
type Group []ColumnPair

// String renders the group as "a=b AND c=d".
func (g Group) String() string {
	parts := make([]string, len(g))
	for i, p := range g {
		parts[i] = p.From + "=" + p.To
	}
	return strings.Join(parts, " AND ")
}

func (g Group) reversed() Group {
	out := make(Group, len(g))
	for i, p := range g {
		out[i] = ColumnPair{From: p.To, To: p.From}
	}
	return out
}

// contains reports whether every pair of sub is in g.
func (g Group) contains(sub Group) bool {
	for _, p := range sub {
		if !slices.Contains(g, p) {
			return false
		}
	}
	return true
}

// Edge is one orientation of a join.
type Edge struct {
	From        string
	To          string
	On          []Group
	Cardinality schema.Cardinality
}

// Link describes a many-to-many link table.
type Link struct {
	Table string
	Left  string
	Right string
}

type edgeKey struct{ from, to string }

// Graph is the join graph of one catalog.
type Graph struct {
	catalog *schema.Catalog
	tables  []string
	index   map[string]int
	adj     map[string][]string
	edges   map[edgeKey]*Edge
	links   map[string]Link
	paths   map[edgeKey][]string
}

// Build derives the join graph from the catalog's foreign keys and explicit joins.
func Build(c *schema.Catalog) *Graph {
	g := &Graph{
		catalog: c,
		tables:  c.TableNames(),
		index:   make(map[string]int),
		adj:     make(map[string][]string),
		edges:   make(map[edgeKey]*Edge),
		links:   make(map[string]Link),
	}
	for i, name := range g.tables {
		g.index[name] = i
	}

	configured := make(map[edgeKey]bool)
	for _, j := range c.Joins() {
		configured[edgeKey{j.Tables[0], j.Tables[1]}] = true
		configured[edgeKey{j.Tables[1], j.Tables[0]}] = true
	}

	for _, t := range c.Tables() {
		for _, fk := range t.ForeignKeys {
			if configured[edgeKey{t.Name, fk.RefTable}] {
				continue
			}
			group := make(Group, len(fk.Columns))
			for i, col := range fk.Columns {
				group[i] = ColumnPair{From: col, To: fk.RefColumns[i]}
			}
			card := schema.ManyToOne
			if sameSet(fk.Columns, t.PrimaryKey()) {
				card = schema.OneToOne
			}
			g.addJoin(t.Name, fk.RefTable, group, card)
		}
	}

	for _, j := range c.Joins() {
		left, _ := c.Table(j.Tables[0])
		right, _ := c.Table(j.Tables[1])
		for _, on := range j.On {
			group := groupFromMap(on)
			card := j.Type
			if card == "" {
				card = deriveCardinality(left, right, group)
			}
			g.addJoin(left.Name, right.Name, group, card)
		}
	}

	g.detectLinks()
	g.computeShortestPaths()
	return g
}

// addJoin registers group in both orientations. A self join registers the
// forward and reverse mapping on the same edge.
func (g *Graph) addJoin(from, to string, group Group, card schema.Cardinality) {
	g.addEdge(from, to, group, card)
	g.addEdge(to, from, group.reversed(), card.Reverse())
}

func (g *Graph) addEdge(from, to string, group Group, card schema.Cardinality) {
	key := edgeKey{from, to}
	e, ok := g.edges[key]
	if !ok {
		e = &Edge{From: from, To: to, Cardinality: card}
		g.edges[key] = e
		if !slices.Contains(g.adj[from], to) {
			g.adj[from] = append(g.adj[from], to)
		}
	}
	for _, existing := range e.On {
		if slices.Equal(existing, group) {
			return
		}
	}
	e.On = append(e.On, group)
}

// detectLinks marks tables whose columns are all foreign key columns (or
// carry a default) and whose foreign keys reference exactly two other tables.
func (g *Graph) detectLinks() {
	for _, t := range g.catalog.Tables() {
		if len(t.ForeignKeys) < 2 {
			continue
		}
		keyCols := make(map[string]bool)
		var refs []string
		for _, fk := range t.ForeignKeys {
			for _, c := range fk.Columns {
				keyCols[c] = true
			}
			if fk.RefTable != t.Name && !slices.Contains(refs, fk.RefTable) {
				refs = append(refs, fk.RefTable)
			}
		}
		if len(refs) != 2 {
			continue
		}
		allKeys := true
		for _, c := range t.Columns {
			if !keyCols[c.Name] && !c.HasDefault {
				allKeys = false
				break
			}
		}
		if allKeys {
			g.links[t.Name] = Link{Table: t.Name, Left: refs[0], Right: refs[1]}
		}
	}
}

// Catalog returns the catalog the graph was built from.
func (g *Graph) Catalog() *schema.Catalog {
	return g.catalog
}

// Edge returns the join from one table to another, if any.
func (g *Graph) Edge(from, to string) (*Edge, bool) {
	e, ok := g.edges[edgeKey{from, to}]
	return e, ok
}

// Joinable reports whether two tables are directly joined.
func (g *Graph) Joinable(from, to string) bool {
	_, ok := g.edges[edgeKey{from, to}]
	return ok
}

// Neighbors returns the tables directly joined to table, in discovery order.
func (g *Graph) Neighbors(table string) []string {
	return g.adj[table]
}

// Link returns the link-table description of table, if it is one.
func (g *Graph) Link(table string) (Link, bool) {
	l, ok := g.links[table]
	return l, ok
}

// LinksBetween returns the link tables connecting a and b, in discovery order.
func (g *Graph) LinksBetween(a, b string) []Link {
	var out []Link
	for _, name := range g.tables {
		l, ok := g.links[name]
		if !ok {
			continue
		}
		if (l.Left == a && l.Right == b) || (l.Left == b && l.Right == a) {
			out = append(out, l)
		}
	}
	return out
}

// Cardinality returns the cardinality from one table to another, treating
// a pair connected only through a link table as many-many.
func (g *Graph) Cardinality(from, to string) (schema.Cardinality, bool) {
	if e, ok := g.Edge(from, to); ok {
		return e.Cardinality, true
	}
	if len(g.LinksBetween(from, to)) > 0 {
		return schema.ManyToMany, true
	}
	return "", false
}

func groupFromMap(on map[string]string) Group {
	keys := make([]string, 0, len(on))
	for k := range on {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	group := make(Group, len(keys))
	for i, k := range keys {
		group[i] = ColumnPair{From: k, To: on[k]}
	}
	return group
}

func deriveCardinality(left, right *schema.Table, group Group) schema.Cardinality {
	var lc, rc []string
	for _, p := range group {
		lc = append(lc, p.From)
		rc = append(rc, p.To)
	}
	lpk := sameSet(lc, left.PrimaryKey())
	rpk := sameSet(rc, right.PrimaryKey())
	switch {
	case lpk && rpk:
		return schema.OneToOne
	case rpk:
		return schema.ManyToOne
	case lpk:
		return schema.OneToMany
	default:
		return schema.ManyToMany
	}
}

func sameSet(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for _, x := range a {
		if !slices.Contains(b, x) {
			return false
		}
	}
	return true
}

// describeGroups renders condition groups for error messages.
func describeGroups(groups []Group) string {
	parts := make([]string, len(groups))
	for i, grp := range groups {
		parts[i] = fmt.Sprintf("{%s}", grp)
	}
	return strings.Join(parts, " | ")
}
