package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/weft/pkg/schema"
)

func passthroughHandler(nodeType string) Handler {
	return HandlerFunc{
		NodeType: nodeType,
		Fn: func(_ context.Context, _ *schema.Node, input schema.Lanes, _ *ExecutionContext) (schema.Lanes, error) {
			return input, nil
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(passthroughHandler("custom")))

	h, err := reg.Get("custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", h.Type())
	assert.True(t, reg.Has("custom"))
	assert.False(t, reg.Has("ghost"))
}

func TestRegistryDuplicateIsConflict(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(passthroughHandler("custom")))

	err := reg.Register(passthroughHandler("custom"))
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeConflict, werr.Code)
}

func TestRegistryGetUnknownType(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("ghost")
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeUnknownNodeType, werr.Code)
}

func TestRegistryTypesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(passthroughHandler("zeta"))
	reg.MustRegister(passthroughHandler("alpha"))
	assert.Equal(t, []string{"alpha", "zeta"}, reg.Types())
}

func TestRegisterAllInstallsEveryType(t *testing.T) {
	reg := NewRegistry()
	RegisterAll(reg, testDeps(t), newMemApprovals(), nil, nil)

	expected := []string{
		TypeNoop, TypeSetVariable, TypeAction, TypeCode, TypeHTTPRequest,
		TypeTransform, TypeFunction,
		TypeLoop, TypeIf, TypeSwitch, TypeMerge, TypeFilter, TypeAggregate,
		TypeRetry, TypeCatch, TypeRollback, TypeDeadLetter, TypeAlert,
		TypeApproval,
	}
	for _, typ := range expected {
		assert.True(t, reg.Has(typ), "missing handler for %s", typ)
	}
	assert.Len(t, reg.Types(), len(expected))
}
