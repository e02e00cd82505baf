package validation

import "github.com/weaveline/weft/pkg/schema"

// GraphValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (node types, edge refs, per-type config)
// 3. DAG (cycles, reachability)
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	types      TypeLookup
}

// NewGraphValidator creates a GraphValidator.
// lookup may be nil to skip node type existence checks.
func NewGraphValidator(lookup TypeLookup) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{
		jsonSchema: jsv,
		types:      lookup,
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (gv *GraphValidator) Validate(graph *schema.WorkflowGraph) *schema.ValidationResult {
	if graph == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow graph is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(gv.jsonSchema, graph)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(graph, gv.types))

	// Stage 3: DAG (skipped on semantic errors since edge refs may be invalid).
	if result.Valid() {
		result.Merge(validateDAG(graph))
	}

	return result
}

// ValidateGraph satisfies the Validator interface.
func (gv *GraphValidator) ValidateGraph(graph *schema.WorkflowGraph) error {
	return gv.Validate(graph).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (gv *GraphValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return gv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateGraph, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, graph *schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateGraph(graph)
	if err == nil {
		return result
	}

	werr, ok := err.(*schema.WeftError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if werr.Details != nil {
		if violations, ok := werr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, werr.Message)
	return result
}
