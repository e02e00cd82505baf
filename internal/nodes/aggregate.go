package nodes

import (
	"context"
	"fmt"
	"math"

	"github.com/weaveline/weft/internal/expressions"
	"github.com/weaveline/weft/pkg/schema"
)

// TypeAggregate is the aggregate node type name.
const TypeAggregate = "aggregate"

// Aggregation functions.
const (
	AggSum     = "sum"
	AggAvg     = "avg"
	AggMin     = "min"
	AggMax     = "max"
	AggCount   = "count"
	AggFirst   = "first"
	AggLast    = "last"
	AggConcat  = "concat"
	AggUnique  = "unique"
	AggGroupBy = "group_by"
)

// AggregateHandler reduces the input item collection to a single item (or
// one item per group for group_by).
type AggregateHandler struct{}

type aggregateConfig struct {
	Function  string `json:"function"`
	Field     string `json:"field"`    // dotted path the function reads
	GroupBy   string `json:"group_by"` // grouping key path (group_by function)
	OutputKey string `json:"output_key"`
}

func (*AggregateHandler) Type() string { return TypeAggregate }

func (h *AggregateHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	var cfg aggregateConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Function == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "aggregate node requires function").WithNode(node.ID)
	}
	if cfg.OutputKey == "" {
		cfg.OutputKey = "result"
	}

	items := input.Flatten()

	if cfg.Function == AggGroupBy {
		return groupBy(&cfg, items, node.ID)
	}

	value, err := reduce(&cfg, items)
	if err != nil {
		return nil, wrapNodeErr(node.ID, err)
	}
	return schema.SingleLane(schema.Item{cfg.OutputKey: value}), nil
}

func reduce(cfg *aggregateConfig, items schema.Lane) (any, error) {
	switch cfg.Function {
	case AggCount:
		return len(items), nil

	case AggFirst:
		if len(items) == 0 {
			return nil, nil
		}
		return fieldOrItem(items[0], cfg.Field), nil

	case AggLast:
		if len(items) == 0 {
			return nil, nil
		}
		return fieldOrItem(items[len(items)-1], cfg.Field), nil

	case AggConcat:
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, fieldOrItem(item, cfg.Field))
		}
		return out, nil

	case AggUnique:
		seen := make(map[string]bool)
		var out []any
		for _, item := range items {
			v := fieldOrItem(item, cfg.Field)
			key := fmt.Sprintf("%v", v)
			if !seen[key] {
				seen[key] = true
				out = append(out, v)
			}
		}
		return out, nil

	case AggSum, AggAvg, AggMin, AggMax:
		return reduceNumeric(cfg, items)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown aggregate function %q", cfg.Function)
	}
}

func reduceNumeric(cfg *aggregateConfig, items schema.Lane) (any, error) {
	if cfg.Field == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s aggregation requires field", cfg.Function)
	}

	var sum float64
	minV := math.Inf(1)
	maxV := math.Inf(-1)
	count := 0
	for _, item := range items {
		v, ok := toFloat(expressions.Lookup(item, cfg.Field))
		if !ok {
			continue
		}
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		count++
	}

	switch cfg.Function {
	case AggSum:
		return sum, nil
	case AggAvg:
		if count == 0 {
			return nil, nil
		}
		return sum / float64(count), nil
	case AggMin:
		if count == 0 {
			return nil, nil
		}
		return minV, nil
	default:
		if count == 0 {
			return nil, nil
		}
		return maxV, nil
	}
}

// groupBy emits one item per group: {key, items, count}.
func groupBy(cfg *aggregateConfig, items schema.Lane, nodeID string) (schema.Lanes, error) {
	path := cfg.GroupBy
	if path == "" {
		path = cfg.Field
	}
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "group_by aggregation requires group_by key").WithNode(nodeID)
	}

	groups := make(map[string][]any)
	var order []string
	for _, item := range items {
		key := fmt.Sprintf("%v", expressions.Lookup(item, path))
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], map[string]any(item))
	}

	out := make(schema.Lane, 0, len(order))
	for _, key := range order {
		out = append(out, schema.Item{
			"key":   key,
			"items": groups[key],
			"count": len(groups[key]),
		})
	}
	return schema.SingleLane(out...), nil
}

func fieldOrItem(item schema.Item, field string) any {
	if field == "" {
		return map[string]any(item)
	}
	return expressions.Lookup(item, field)
}
