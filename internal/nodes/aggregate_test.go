package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/weft/pkg/schema"
)

func aggNode(cfg map[string]any) *schema.Node {
	return &schema.Node{ID: "rollup", Type: TypeAggregate, Config: cfg}
}

func orderItems() schema.Lanes {
	return schema.SingleLane(
		schema.Item{"amount": float64(10), "region": "eu"},
		schema.Item{"amount": float64(30), "region": "us"},
		schema.Item{"amount": float64(20), "region": "eu"},
	)
}

func TestAggregateSum(t *testing.T) {
	h := &AggregateHandler{}
	out, err := h.Execute(context.Background(), aggNode(map[string]any{
		"function": "sum", "field": "amount",
	}), orderItems(), newEC())
	require.NoError(t, err)
	assert.Equal(t, float64(60), out[0][0]["result"])
}

func TestAggregateAvgMinMax(t *testing.T) {
	h := &AggregateHandler{}

	out, err := h.Execute(context.Background(), aggNode(map[string]any{
		"function": "avg", "field": "amount", "output_key": "mean",
	}), orderItems(), newEC())
	require.NoError(t, err)
	assert.Equal(t, float64(20), out[0][0]["mean"])

	out, err = h.Execute(context.Background(), aggNode(map[string]any{
		"function": "min", "field": "amount",
	}), orderItems(), newEC())
	require.NoError(t, err)
	assert.Equal(t, float64(10), out[0][0]["result"])

	out, err = h.Execute(context.Background(), aggNode(map[string]any{
		"function": "max", "field": "amount",
	}), orderItems(), newEC())
	require.NoError(t, err)
	assert.Equal(t, float64(30), out[0][0]["result"])
}

func TestAggregateNumericRequiresField(t *testing.T) {
	h := &AggregateHandler{}
	_, err := h.Execute(context.Background(), aggNode(map[string]any{"function": "sum"}), orderItems(), newEC())
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

func TestAggregateSkipsNonNumericValues(t *testing.T) {
	h := &AggregateHandler{}
	input := schema.SingleLane(
		schema.Item{"amount": float64(5)},
		schema.Item{"amount": "n/a"},
		schema.Item{},
	)
	out, err := h.Execute(context.Background(), aggNode(map[string]any{
		"function": "sum", "field": "amount",
	}), input, newEC())
	require.NoError(t, err)
	assert.Equal(t, float64(5), out[0][0]["result"])
}

func TestAggregateCount(t *testing.T) {
	h := &AggregateHandler{}
	out, err := h.Execute(context.Background(), aggNode(map[string]any{"function": "count"}), orderItems(), newEC())
	require.NoError(t, err)
	assert.Equal(t, 3, out[0][0]["result"])
}

func TestAggregateFirstLast(t *testing.T) {
	h := &AggregateHandler{}

	out, err := h.Execute(context.Background(), aggNode(map[string]any{
		"function": "first", "field": "region",
	}), orderItems(), newEC())
	require.NoError(t, err)
	assert.Equal(t, "eu", out[0][0]["result"])

	out, err = h.Execute(context.Background(), aggNode(map[string]any{
		"function": "last",
	}), orderItems(), newEC())
	require.NoError(t, err)
	last, ok := out[0][0]["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(20), last["amount"])
}

func TestAggregateConcatAndUnique(t *testing.T) {
	h := &AggregateHandler{}

	out, err := h.Execute(context.Background(), aggNode(map[string]any{
		"function": "concat", "field": "region",
	}), orderItems(), newEC())
	require.NoError(t, err)
	assert.Equal(t, []any{"eu", "us", "eu"}, out[0][0]["result"])

	out, err = h.Execute(context.Background(), aggNode(map[string]any{
		"function": "unique", "field": "region",
	}), orderItems(), newEC())
	require.NoError(t, err)
	assert.Equal(t, []any{"eu", "us"}, out[0][0]["result"])
}

func TestAggregateGroupBy(t *testing.T) {
	h := &AggregateHandler{}
	out, err := h.Execute(context.Background(), aggNode(map[string]any{
		"function": "group_by", "group_by": "region",
	}), orderItems(), newEC())
	require.NoError(t, err)
	require.Len(t, out[0], 2)

	// Groups emit in first-seen order.
	first := out[0][0]
	assert.Equal(t, "eu", first["key"])
	assert.Equal(t, 2, first["count"])
	second := out[0][1]
	assert.Equal(t, "us", second["key"])
	assert.Equal(t, 1, second["count"])
}

func TestAggregateGroupByRequiresKey(t *testing.T) {
	h := &AggregateHandler{}
	_, err := h.Execute(context.Background(), aggNode(map[string]any{"function": "group_by"}), orderItems(), newEC())
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

func TestAggregateUnknownFunction(t *testing.T) {
	h := &AggregateHandler{}
	_, err := h.Execute(context.Background(), aggNode(map[string]any{"function": "median"}), orderItems(), newEC())
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

func TestAggregateEmptyInput(t *testing.T) {
	h := &AggregateHandler{}

	out, err := h.Execute(context.Background(), aggNode(map[string]any{
		"function": "avg", "field": "amount",
	}), schema.SingleLane(), newEC())
	require.NoError(t, err)
	assert.Nil(t, out[0][0]["result"])

	out, err = h.Execute(context.Background(), aggNode(map[string]any{"function": "count"}), schema.SingleLane(), newEC())
	require.NoError(t, err)
	assert.Equal(t, 0, out[0][0]["result"])
}
