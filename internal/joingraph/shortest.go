package joingraph

import "slices"

// computeShortestPaths runs a BFS from every table. Neighbors are visited in
// discovery order, so among equally short paths the one through the earliest
// discovered joins wins. Only pairs (i, j) with i < j in table order are
// searched; the reverse direction stores the reversed path, which keeps
// path(b, a) == reverse(path(a, b)) exactly.
func (g *Graph) computeShortestPaths() {
	g.paths = make(map[edgeKey][]string)
	for i, from := range g.tables {
		parent := g.bfs(from)
		for _, to := range g.tables[i+1:] {
			if _, ok := parent[to]; !ok {
				continue
			}
			path := []string{to}
			for cur := to; cur != from; {
				cur = parent[cur]
				path = append(path, cur)
			}
			slices.Reverse(path)
			g.paths[edgeKey{from, to}] = path

			rev := slices.Clone(path)
			slices.Reverse(rev)
			g.paths[edgeKey{to, from}] = rev
		}
	}
}

func (g *Graph) bfs(from string) map[string]string {
	parent := map[string]string{from: from}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.adj[cur] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			queue = append(queue, next)
		}
	}
	return parent
}

// ShortestPath returns the table sequence from one table to another,
// endpoints included. ok is false when the tables are not connected. A table
// is connected to itself only through a self join, giving [t, t].
func (g *Graph) ShortestPath(from, to string) ([]string, bool) {
	if from == to {
		if g.Joinable(from, to) {
			return []string{from, to}, true
		}
		return nil, false
	}
	p, ok := g.paths[edgeKey{from, to}]
	if !ok {
		return nil, false
	}
	return slices.Clone(p), true
}

// Distance returns the number of hops between two tables, or -1 when unconnected.
func (g *Graph) Distance(from, to string) int {
	p, ok := g.ShortestPath(from, to)
	if !ok {
		return -1
	}
	return len(p) - 1
}
