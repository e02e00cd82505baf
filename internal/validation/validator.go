package validation

import "github.com/weaveline/weft/pkg/schema"

// Validator checks workflow graphs for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateGraph(graph *schema.WorkflowGraph) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// TypeLookup answers whether a node type has a registered handler.
// Satisfied by the handler registry; may be nil to skip type checks.
type TypeLookup interface {
	Has(nodeType string) bool
}
