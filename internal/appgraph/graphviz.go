package appgraph

import "github.com/emicklei/dot"

// Graphviz renders the requiredApps edges among names as Graphviz DOT
// source, for `onosd graph` (spec.md §6's CLI surface). Apps
// referenced as a dependency but not themselves in names still get a
// node, so a partial dependency is visible rather than silently dropped.
func Graphviz(r Resolver, names []string) string {
	g := dot.NewGraph(dot.Directed)
	nodes := make(map[string]dot.Node, len(names))

	nodeFor := func(name string) dot.Node {
		if n, ok := nodes[name]; ok {
			return n
		}
		n := g.Node(name)
		n.Label(name)
		nodes[name] = n
		return n
	}

	for _, name := range names {
		from := nodeFor(name)
		reqs, _ := r.RequiredApps(name)
		for _, req := range reqs {
			g.Edge(from, nodeFor(req))
		}
	}
	return g.String()
}
