package nodes

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/weft/pkg/schema"
)

func rollbackNode(cfg map[string]any) *schema.Node {
	return &schema.Node{ID: "saga", Type: TypeRollback, Config: cfg}
}

// sagaInvoker records actions and fails the ones named in failOn.
type sagaInvoker struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]bool
}

func (s *sagaInvoker) ExecuteAction(_ context.Context, _, actionID string, input schema.Item, _ map[string]string) (schema.Item, error) {
	s.mu.Lock()
	s.calls = append(s.calls, actionID)
	s.mu.Unlock()
	if s.failOn[actionID] {
		return nil, schema.NewError(schema.ErrCodeExecution, actionID+" failed")
	}
	out := schema.Item{"done": actionID}
	for k, v := range input {
		if _, set := out[k]; !set {
			out[k] = v
		}
	}
	return out, nil
}

func actionBody(actionID string) map[string]any {
	return map[string]any{
		"action": map[string]any{"connector_id": "billing", "action_id": actionID},
	}
}

func TestRollbackAllStepsSucceed(t *testing.T) {
	invoker := &sagaInvoker{failOn: map[string]bool{}}
	deps := testDeps(t)
	deps.Invoker = invoker
	h := NewRollbackHandler(deps)

	node := rollbackNode(map[string]any{
		"steps": []any{
			map[string]any{"id": "reserve", "do": actionBody("reserve")},
			map[string]any{"id": "charge", "do": actionBody("charge")},
		},
	})

	out, err := h.Execute(context.Background(), node, schema.SingleLane(schema.Item{"order": "o-1"}), newEC())
	require.NoError(t, err)
	require.Len(t, out[0], 1)

	results := out[0][0]
	reserve, ok := results["reserve"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "reserve", reserve["done"])
	charge, ok := results["charge"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "charge", charge["done"])
	// Step outputs chain forward: charge's input carried reserve's fields.
	assert.Equal(t, "o-1", charge["order"])
	assert.Equal(t, []string{"reserve", "charge"}, invoker.calls)
}

func TestRollbackCompensatesInReverseOrder(t *testing.T) {
	invoker := &sagaInvoker{failOn: map[string]bool{"ship": true}}
	deps := testDeps(t)
	deps.Invoker = invoker
	h := NewRollbackHandler(deps)

	node := rollbackNode(map[string]any{
		"steps": []any{
			map[string]any{"id": "reserve", "do": actionBody("reserve"), "compensation": actionBody("release")},
			map[string]any{"id": "charge", "do": actionBody("charge"), "compensation": actionBody("refund")},
			map[string]any{"id": "ship", "do": actionBody("ship")},
		},
	})

	_, err := h.Execute(context.Background(), node, schema.SingleLane(schema.Item{}), newEC())
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeExecution, werr.Code)
	assert.Equal(t, "ship", werr.Details["failed_step"])
	assert.Equal(t, []string{"refund", "release"}, werr.Details["compensated"])
	assert.Equal(t, []string{"reserve", "charge", "ship", "refund", "release"}, invoker.calls)
}

func TestRollbackCompensationFailure(t *testing.T) {
	invoker := &sagaInvoker{failOn: map[string]bool{"charge": true, "release": true}}
	deps := testDeps(t)
	deps.Invoker = invoker
	h := NewRollbackHandler(deps)

	node := rollbackNode(map[string]any{
		"steps": []any{
			map[string]any{"id": "reserve", "do": actionBody("reserve"), "compensation": actionBody("release")},
			map[string]any{"id": "charge", "do": actionBody("charge")},
		},
	})

	_, err := h.Execute(context.Background(), node, schema.SingleLane(schema.Item{}), newEC())
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeRollbackFailed, werr.Code)

	compErrs, ok := werr.Details["compensation_errors"].([]string)
	require.True(t, ok)
	require.Len(t, compErrs, 1)
	assert.Contains(t, compErrs[0], "release failed")
}

func TestRollbackContinueOnErrorSkipsStep(t *testing.T) {
	invoker := &sagaInvoker{failOn: map[string]bool{"audit": true}}
	deps := testDeps(t)
	deps.Invoker = invoker
	h := NewRollbackHandler(deps)

	node := rollbackNode(map[string]any{
		"steps": []any{
			map[string]any{"id": "reserve", "do": actionBody("reserve")},
			map[string]any{"id": "audit", "do": actionBody("audit"), "continue_on_error": true},
			map[string]any{"id": "charge", "do": actionBody("charge")},
		},
	})

	out, err := h.Execute(context.Background(), node, schema.SingleLane(schema.Item{}), newEC())
	require.NoError(t, err)

	results := out[0][0]
	auditResult, ok := results["audit"].(schema.Item)
	require.True(t, ok)
	assert.Contains(t, auditResult["error"], "audit failed")
	_, charged := results["charge"]
	assert.True(t, charged)
}

func TestRollbackRequiresSteps(t *testing.T) {
	h := NewRollbackHandler(testDeps(t))
	_, err := h.Execute(context.Background(), rollbackNode(map[string]any{}), schema.SingleLane(), newEC())
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

func TestRollbackRequiresStepIDs(t *testing.T) {
	h := NewRollbackHandler(testDeps(t))
	node := rollbackNode(map[string]any{
		"steps": []any{map[string]any{"do": actionBody("reserve")}},
	})
	_, err := h.Execute(context.Background(), node, schema.SingleLane(), newEC())
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeValidation, werr.Code)
}

func TestRollbackParallelCompensation(t *testing.T) {
	invoker := &sagaInvoker{failOn: map[string]bool{"ship": true}}
	deps := testDeps(t)
	deps.Invoker = invoker
	h := NewRollbackHandler(deps)

	node := rollbackNode(map[string]any{
		"compensation_mode": "parallel",
		"steps": []any{
			map[string]any{"id": "reserve", "do": actionBody("reserve"), "compensation": actionBody("release")},
			map[string]any{"id": "charge", "do": actionBody("charge"), "compensation": actionBody("refund")},
			map[string]any{"id": "ship", "do": actionBody("ship")},
		},
	})

	_, err := h.Execute(context.Background(), node, schema.SingleLane(schema.Item{}), newEC())
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)

	compensated, ok := werr.Details["compensated"].([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"release", "refund"}, compensated)
}
