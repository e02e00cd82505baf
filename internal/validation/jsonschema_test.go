package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/weft/pkg/schema"
)

func newJSONValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestJSONSchema_ValidGraph(t *testing.T) {
	v := newJSONValidator(t)
	g := graphOf(noopNodes("a", "b"), []schema.Edge{
		{Source: "a", Target: "b"},
	})
	assert.NoError(t, v.ValidateGraph(g))
}

func TestJSONSchema_NilGraph(t *testing.T) {
	v := newJSONValidator(t)
	err := v.ValidateGraph(nil)
	require.Error(t, err)
	werr, ok := err.(*schema.WeftError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

func TestJSONSchema_MissingID(t *testing.T) {
	v := newJSONValidator(t)
	g := &schema.WorkflowGraph{Nodes: noopNodes("a")}
	err := v.ValidateGraph(g)
	require.Error(t, err)
}

func TestJSONSchema_EmptyNodes(t *testing.T) {
	v := newJSONValidator(t)
	g := &schema.WorkflowGraph{ID: "wf-empty"}
	err := v.ValidateGraph(g)
	require.Error(t, err)
}

func TestJSONSchema_BadOnErrorEnum(t *testing.T) {
	v := newJSONValidator(t)
	g := graphOf([]schema.Node{
		{ID: "a", Type: "noop", OnError: "explode"},
	}, nil)
	err := v.ValidateGraph(g)
	require.Error(t, err)
}

func TestJSONSchema_BadRetryStrategy(t *testing.T) {
	v := newJSONValidator(t)
	g := graphOf([]schema.Node{
		{ID: "a", Type: "noop", Retry: &schema.RetryPolicy{
			MaxAttempts: 3,
			Strategy:    "psychic",
		}},
	}, nil)
	err := v.ValidateGraph(g)
	require.Error(t, err)
}

func TestJSONSchema_DuplicateNodeID(t *testing.T) {
	v := newJSONValidator(t)
	g := graphOf(noopNodes("a", "a"), nil)
	err := v.ValidateGraph(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestJSONSchema_ViolationDetails(t *testing.T) {
	v := newJSONValidator(t)
	g := &schema.WorkflowGraph{ID: "", Nodes: noopNodes("a")}
	err := v.ValidateGraph(g)
	require.Error(t, err)

	werr, ok := err.(*schema.WeftError)
	require.True(t, ok)
	violations, ok := werr.Details["violations"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, violations)
}

// --- Input validation ---

const testInputSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "count": { "type": "integer", "minimum": 0 }
  }
}`

func TestValidateInput_Valid(t *testing.T) {
	v := newJSONValidator(t)
	err := v.ValidateInput(map[string]any{"name": "deploy", "count": 3}, []byte(testInputSchema))
	assert.NoError(t, err)
}

func TestValidateInput_MissingRequired(t *testing.T) {
	v := newJSONValidator(t)
	err := v.ValidateInput(map[string]any{"count": 3}, []byte(testInputSchema))
	require.Error(t, err)
}

func TestValidateInput_WrongType(t *testing.T) {
	v := newJSONValidator(t)
	err := v.ValidateInput(map[string]any{"name": "x", "count": "three"}, []byte(testInputSchema))
	require.Error(t, err)
}

func TestValidateInput_NoSchemaSkipsValidation(t *testing.T) {
	v := newJSONValidator(t)
	assert.NoError(t, v.ValidateInput(map[string]any{"anything": true}, nil))
}

func TestValidateInput_NilInput(t *testing.T) {
	v := newJSONValidator(t)
	err := v.ValidateInput(nil, []byte(testInputSchema))
	require.Error(t, err)
}

func TestValidateInput_InvalidSchema(t *testing.T) {
	v := newJSONValidator(t)
	err := v.ValidateInput(map[string]any{"name": "x"}, []byte(`{"type": 42}`))
	require.Error(t, err)
}

func TestValidateInput_SchemaCached(t *testing.T) {
	v := newJSONValidator(t)
	require.NoError(t, v.ValidateInput(map[string]any{"name": "a"}, []byte(testInputSchema)))
	require.NoError(t, v.ValidateInput(map[string]any{"name": "b"}, []byte(testInputSchema)))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
