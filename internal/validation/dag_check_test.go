package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/weft/pkg/schema"
)

func graphOf(nodes []schema.Node, edges []schema.Edge) *schema.WorkflowGraph {
	return &schema.WorkflowGraph{ID: "wf-test", Nodes: nodes, Edges: edges}
}

func noopNodes(ids ...string) []schema.Node {
	out := make([]schema.Node, len(ids))
	for i, id := range ids {
		out[i] = schema.Node{ID: id, Type: "noop"}
	}
	return out
}

// --- Cycle detection ---

func TestDAG_NoCycle_Linear(t *testing.T) {
	g := graphOf(noopNodes("a", "b", "c"), []schema.Edge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "c"},
	})
	result := validateDAG(g)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_NoCycle_Diamond(t *testing.T) {
	g := graphOf(noopNodes("a", "b", "c", "d"), []schema.Edge{
		{Source: "a", Target: "b"},
		{Source: "a", Target: "c"},
		{Source: "b", Target: "d"},
		{Source: "c", Target: "d"},
	})
	result := validateDAG(g)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_SimpleCycle(t *testing.T) {
	g := graphOf(noopNodes("a", "b", "c"), []schema.Edge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "c"},
		{Source: "c", Target: "a"},
	})
	result := validateDAG(g)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

func TestDAG_ComplexCycle(t *testing.T) {
	g := graphOf(noopNodes("a", "b", "c", "d"), []schema.Edge{
		{Source: "a", Target: "b"},
		{Source: "d", Target: "b"},
		{Source: "b", Target: "c"},
		{Source: "c", Target: "d"},
	})
	result := validateDAG(g)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

// --- Reachability ---

func TestDAG_AllReachable(t *testing.T) {
	g := graphOf(noopNodes("a", "b", "c"), []schema.Edge{
		{Source: "a", Target: "b"},
		{Source: "a", Target: "c"},
	})
	result := validateDAG(g)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_IsolatedNodeIsReachableRoot(t *testing.T) {
	// A node with no edges is its own root, not unreachable.
	g := graphOf(noopNodes("a", "b", "island"), []schema.Edge{
		{Source: "a", Target: "b"},
	})
	result := validateDAG(g)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_ParallelEdgesCountedOnce(t *testing.T) {
	// Two port-distinct edges between the same pair must not double the
	// in-degree into a phantom cycle.
	g := graphOf(noopNodes("split", "join"), []schema.Edge{
		{Source: "split", Target: "join", SourceOutput: 0},
		{Source: "split", Target: "join", SourceOutput: 1, TargetInput: 1},
	})
	result := validateDAG(g)
	assert.True(t, result.Valid())
}

func TestDAG_InvalidEdgeRefsIgnored(t *testing.T) {
	// Edges to unknown nodes are semantic errors; DAG analysis skips them.
	g := graphOf(noopNodes("a"), []schema.Edge{
		{Source: "a", Target: "ghost"},
	})
	result := validateDAG(g)
	assert.True(t, result.Valid())
}
