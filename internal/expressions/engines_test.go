package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- CEL ---

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCELEvaluateBool(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{"item": map[string]any{"amount": 150.0}}

	ok, err := e.EvaluateBool(context.Background(), "item.amount > 100.0", data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), "item.amount > 200.0", data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELNonBoolResult(t *testing.T) {
	e := newCEL(t)
	_, err := e.EvaluateBool(context.Background(), "1 + 1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bool")
}

func TestCELCompileError(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), "item..", nil)
	require.Error(t, err)
}

func TestCELEmptyExpression(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestCELMissingDataDefaults(t *testing.T) {
	// Absent environment keys default to empty values instead of failing.
	e := newCEL(t)
	ok, err := e.EvaluateBool(context.Background(), "size(input) == 0", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCELProgramCached(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), "index + 1", map[string]any{"index": 1})
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), "index + 1", map[string]any{"index": 2})
	require.NoError(t, err)

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

// --- expr ---

func TestExprEvaluate(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "len(items) * 2", map[string]any{
		"items": []any{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 6, out)
}

func TestExprUndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "missing == nil", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprCompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "1 +* 2", nil)
	require.Error(t, err)
}

// --- jq ---

func TestJQSingleOutput(t *testing.T) {
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), ".name", map[string]any{"name": "weft"})
	require.NoError(t, err)
	assert.Equal(t, "weft", out)
}

func TestJQMultipleOutputsCollected(t *testing.T) {
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), ".[]", []any{1.0, 2.0})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)
}

func TestJQReshape(t *testing.T) {
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(),
		"{total: (map(.n) | add)}",
		[]any{
			map[string]any{"n": 1.0},
			map[string]any{"n": 2.0},
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 3.0}, out)
}

func TestJQParseError(t *testing.T) {
	e := NewJQEngine()
	_, err := e.Evaluate(context.Background(), ".[unclosed", nil)
	require.Error(t, err)
}

func TestJQEvalErrorSurfaces(t *testing.T) {
	e := NewJQEngine()
	_, err := e.Evaluate(context.Background(), ".a + 1", map[string]any{"a": "str"})
	require.Error(t, err)
}
