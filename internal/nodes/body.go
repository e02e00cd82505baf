package nodes

import (
	"context"

	"github.com/weaveline/weft/internal/expressions"
	"github.com/weaveline/weft/pkg/schema"
)

// body describes self-contained per-item work shared by the wrapping nodes
// (loop, retry, catch, rollback steps). Exactly one field should be set;
// precedence is action, expression, transform, passthrough.
type body struct {
	Action     *actionConfig `json:"action,omitempty"`
	Expression string        `json:"expression,omitempty"` // expr over {item, index, vars, input, nodes}
	Transform  string        `json:"transform,omitempty"`  // jq over the item
}

// executeBody runs one unit of work against an item.
func executeBody(ctx context.Context, deps *Deps, b *body, item schema.Item, index int, ec *ExecutionContext) (schema.Item, error) {
	switch {
	case b.Action != nil:
		if deps == nil || deps.Invoker == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "no action invoker configured")
		}
		scope := ec.Scope()
		scope.Current = item
		params, err := expressions.ResolveValue(b.Action.Parameters, scope)
		if err != nil {
			return nil, err
		}
		callInput := schema.Item{}
		if m, ok := params.(map[string]any); ok {
			callInput = m
		}
		for k, v := range item {
			if _, set := callInput[k]; !set {
				callInput[k] = v
			}
		}
		return deps.Invoker.ExecuteAction(ctx, b.Action.ConnectorID, b.Action.ActionID, callInput, b.Action.Credentials)

	case b.Expression != "":
		if deps == nil || deps.Expr == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "no expr engine configured")
		}
		scope := ec.Scope()
		scope.Current = item
		data := scope.CELData()
		data["index"] = index
		result, err := deps.Expr.Evaluate(ctx, b.Expression, data)
		if err != nil {
			return nil, err
		}
		if m, ok := result.(map[string]any); ok {
			return m, nil
		}
		return schema.Item{"value": result}, nil

	case b.Transform != "":
		if deps == nil || deps.JQ == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "no jq engine configured")
		}
		result, err := deps.JQ.Evaluate(ctx, b.Transform, map[string]any(item))
		if err != nil {
			return nil, err
		}
		if m, ok := result.(map[string]any); ok {
			return m, nil
		}
		return schema.Item{"value": result}, nil

	default:
		return item, nil
	}
}
