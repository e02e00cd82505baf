package nodes

import (
	"context"

	"github.com/weaveline/weft/pkg/schema"
)

// TypeFilter is the filter node type name.
const TypeFilter = "filter"

// FilterHandler partitions input items by a CEL predicate: kept items go to
// lane 0, discarded items to lane 1. Nothing is lost; discarded items remain
// routable.
type FilterHandler struct {
	deps *Deps
}

// NewFilterHandler creates the filter handler.
func NewFilterHandler(deps *Deps) *FilterHandler {
	return &FilterHandler{deps: deps}
}

type filterConfig struct {
	Condition string `json:"condition"`
}

func (*FilterHandler) Type() string { return TypeFilter }

func (h *FilterHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	if h.deps == nil || h.deps.CEL == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no CEL engine configured").WithNode(node.ID)
	}

	var cfg filterConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "filter node requires condition").WithNode(node.ID)
	}

	out := schema.EmptyLanes(2)
	for i, item := range input.Flatten() {
		scope := ec.Scope()
		scope.Current = item
		data := scope.CELData()
		data["index"] = i

		keep, err := h.deps.CEL.EvaluateBool(ctx, cfg.Condition, data)
		if err != nil {
			return nil, wrapNodeErr(node.ID, err)
		}
		if keep {
			out[0] = append(out[0], item)
		} else {
			out[1] = append(out[1], item)
		}
	}
	return out, nil
}
