package engine

import (
	"fmt"
	"sort"

	"github.com/weaveline/weft/pkg/schema"
)

// Plan is the in-memory execution plan derived from a WorkflowGraph: node
// lookup, adjacency by port-addressed edges, and a topological order. Built
// once before any node runs; a structural error here means zero nodes execute.
type Plan struct {
	Nodes    map[string]*schema.Node
	InEdges  map[string][]schema.Edge // target node ID -> inbound edges, graph order
	OutEdges map[string][]schema.Edge // source node ID -> outbound edges, graph order
	Order    []string                 // topological order
	Roots    []string                 // nodes with no inbound edges
	Terminal []string                 // nodes with no outbound edges
}

// BuildPlan validates the graph and computes the execution order using
// Kahn's algorithm. If the sorted set is smaller than the node count the
// graph has a cycle and the plan is rejected.
func BuildPlan(g *schema.WorkflowGraph) (*Plan, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow graph is nil")
	}
	if len(g.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	p := &Plan{
		Nodes:    make(map[string]*schema.Node, len(g.Nodes)),
		InEdges:  make(map[string][]schema.Edge, len(g.Nodes)),
		OutEdges: make(map[string][]schema.Edge, len(g.Nodes)),
	}

	for i := range g.Nodes {
		node := &g.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if node.Type == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has empty type", node.ID)
		}
		if _, exists := p.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		p.Nodes[node.ID] = node
	}

	for i, edge := range g.Edges {
		if _, ok := p.Nodes[edge.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %d references unknown source node: %s", i, edge.Source)
		}
		if _, ok := p.Nodes[edge.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %d references unknown target node: %s", i, edge.Target)
		}
		if edge.Source == edge.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s has an edge to itself", edge.Source)
		}
		if edge.SourceOutput < 0 || edge.TargetInput < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %d has a negative port index", i)
		}
		p.InEdges[edge.Target] = append(p.InEdges[edge.Target], edge)
		p.OutEdges[edge.Source] = append(p.OutEdges[edge.Source], edge)
	}

	// Kahn's algorithm: in-degree map, queue of zero-in-degree nodes.
	inDegree := make(map[string]int, len(p.Nodes))
	for id := range p.Nodes {
		inDegree[id] = len(p.InEdges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort ready nodes for deterministic ordering.
	sort.Strings(queue)
	p.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(p.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		dependents := make([]string, 0, len(p.OutEdges[id]))
		seen := make(map[string]bool, len(p.OutEdges[id]))
		for _, edge := range p.OutEdges[id] {
			if !seen[edge.Target] {
				seen[edge.Target] = true
				dependents = append(dependents, edge.Target)
			}
		}
		sort.Strings(dependents)

		for _, dep := range dependents {
			// A node's in-degree counts inbound edges; multiple edges from the
			// same source each decrement once.
			inDegree[dep] -= countEdges(p.InEdges[dep], id)
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(p.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow graph contains a cycle")
	}
	p.Order = sorted

	for _, id := range sorted {
		if len(p.OutEdges[id]) == 0 {
			p.Terminal = append(p.Terminal, id)
		}
	}

	return p, nil
}

func countEdges(edges []schema.Edge, source string) int {
	n := 0
	for _, e := range edges {
		if e.Source == source {
			n++
		}
	}
	return n
}

// MaxOutputPort returns the highest output port referenced by edges leaving
// the node, so producers can size their lanes.
func (p *Plan) MaxOutputPort(nodeID string) int {
	maxPort := 0
	for _, e := range p.OutEdges[nodeID] {
		if e.SourceOutput > maxPort {
			maxPort = e.SourceOutput
		}
	}
	return maxPort
}

// String renders the plan order for diagnostics.
func (p *Plan) String() string {
	return fmt.Sprintf("plan(%d nodes): %v", len(p.Nodes), p.Order)
}
