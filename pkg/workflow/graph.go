package workflow

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/THPTUHA/careflow/pkg/dag"
	"github.com/THPTUHA/careflow/pkg/errs"
)

// Graph is a compiled, indexed view of a Definition.
type Graph struct {
	def      *Definition
	nodes    map[string]*Node
	outgoing map[string][]Edge
	dag      *dag.Dag
}

// Validate checks node payloads, edge endpoints, condition handles and that
// the graph is acyclic. Errors are *errs.ValidationError.
func (d *Definition) Validate() error {
	_, err := d.Compile()
	return err
}

func (d *Definition) Compile() (*Graph, error) {
	if len(d.Nodes) == 0 {
		return nil, errs.NewValidation("nodes", "workflow has no nodes")
	}
	if d.Version != "" {
		if _, err := semver.NewVersion(d.Version); err != nil {
			return nil, errs.NewValidation("version", "%v", err)
		}
	}

	g := &Graph{
		def:      d,
		nodes:    make(map[string]*Node, len(d.Nodes)),
		outgoing: make(map[string][]Edge),
		dag:      dag.NewGraph(),
	}

	triggers := 0
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			return nil, errs.NewValidation("nodes", "node #%d has no id", i)
		}
		if n.Data == nil {
			return nil, errs.NewValidation(n.ID, "node has no data")
		}
		if n.Data.Kind() != n.Kind {
			return nil, errs.NewValidation(n.ID, "kind %q does not match data %q", n.Kind, n.Data.Kind())
		}
		if err := n.Data.Validate(); err != nil {
			return nil, errs.NewValidation(n.ID, "%v", err)
		}
		if err := g.dag.AddVertex(n.ID); err != nil {
			return nil, errs.NewValidation(n.ID, "duplicate node id")
		}
		g.nodes[n.ID] = n
		if n.Kind == KindTrigger {
			triggers++
		}
	}
	if triggers == 0 {
		return nil, errs.NewValidation("nodes", "workflow has no trigger node")
	}

	for i, e := range d.Edges {
		src, ok := g.nodes[e.Source]
		if !ok {
			return nil, errs.NewValidation("edges", "edge #%d: unknown source %q", i, e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, errs.NewValidation("edges", "edge #%d: unknown target %q", i, e.Target)
		}
		if src.Kind == KindCondition && e.SourceHandle != HandleTrue && e.SourceHandle != HandleFalse {
			return nil, errs.NewValidation("edges", "edge #%d: condition %q needs a true or false handle", i, e.Source)
		}
		if err := g.dag.AddEdge(e.Source, e.Target); err != nil && !errors.Is(err, dag.ErrEdgeExist) {
			return nil, errs.NewValidation("edges", "edge #%d: %v", i, err)
		}
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}

	if err := g.dag.Validate(); err != nil {
		return nil, errs.NewValidation("edges", "%v", err)
	}
	return g, nil
}

func (g *Graph) Definition() *Definition { return g.def }

func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Outgoing returns the edges leaving id in definition order.
func (g *Graph) Outgoing(id string) []Edge {
	return g.outgoing[id]
}

// Triggers returns the trigger nodes listening for triggerType.
func (g *Graph) Triggers(triggerType string) []*Node {
	out := make([]*Node, 0)
	for i := range g.def.Nodes {
		n := &g.def.Nodes[i]
		if t, ok := n.Data.(*TriggerNode); ok && t.TriggerType == triggerType {
			out = append(out, n)
		}
	}
	return out
}

// Descendants returns every node reachable from the given ids, the ids
// included.
func (g *Graph) Descendants(ids ...string) []string {
	return g.dag.Reachable(ids...)
}

func (g *Graph) Len() int { return len(g.def.Nodes) }

func (g *Graph) String() string {
	return fmt.Sprintf("workflow %s (%d nodes, %d edges)", g.def.ID, len(g.def.Nodes), len(g.def.Edges))
}
