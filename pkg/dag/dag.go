package dag

import "errors"

var (
	ErrVertexExist        = errors.New("dag: vertex already exist")
	ErrVertexTailNotExist = errors.New("dag: vertex tail not exist")
	ErrVertexHeadNotExist = errors.New("dag: vertex head not exist")
	ErrEdgeExist          = errors.New("dag: edge exist")
	ErrCycleExist         = errors.New("dag: cycle exist")
)

type Dag struct {
	nodes     []string
	index     map[string]bool
	adjacency map[string][]string
}

func NewGraph() *Dag {
	graph := &Dag{
		nodes:     make([]string, 0),
		index:     make(map[string]bool),
		adjacency: make(map[string][]string),
	}
	return graph
}

func (g *Dag) AddVertex(u string) error {
	if g.index[u] {
		return ErrVertexExist
	}
	g.index[u] = true
	g.nodes = append(g.nodes, u)
	return nil
}

func (g *Dag) HasVertex(u string) bool {
	return g.index[u]
}

// AddEdge adds u -> v. Parallel edges are rejected with ErrEdgeExist.
func (g *Dag) AddEdge(u, v string) error {
	if !g.index[u] {
		return ErrVertexTailNotExist
	}
	if !g.index[v] {
		return ErrVertexHeadNotExist
	}

	for _, node := range g.adjacency[u] {
		if node == v {
			return ErrEdgeExist
		}
	}

	g.adjacency[u] = append(g.adjacency[u], v)
	return nil
}

// Successors returns the heads of u's outgoing edges in insertion order.
func (g *Dag) Successors(u string) []string {
	return g.adjacency[u]
}

// Reachable returns every vertex reachable from the given starts, starts
// included, in breadth-first order.
func (g *Dag) Reachable(starts ...string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	queue := make([]string, 0, len(starts))
	for _, s := range starts {
		if g.index[s] && !seen[s] {
			seen[s] = true
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		for _, next := range g.adjacency[n] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return out
}

const (
	white = iota
	grey
	black
)

func (g *Dag) hasCycle(node string, color map[string]int) bool {
	color[node] = grey
	for _, neighbor := range g.adjacency[node] {
		switch color[neighbor] {
		case grey:
			return true
		case white:
			if g.hasCycle(neighbor, color) {
				return true
			}
		}
	}
	color[node] = black
	return false
}

func (g *Dag) Validate() error {
	color := make(map[string]int, len(g.nodes))
	for _, node := range g.nodes {
		if color[node] == white {
			if g.hasCycle(node, color) {
				return ErrCycleExist
			}
		}
	}
	return nil
}
