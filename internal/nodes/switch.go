package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/weaveline/weft/internal/expressions"
	"github.com/weaveline/weft/pkg/schema"
)

// Branching node type names.
const (
	TypeIf     = "if"
	TypeSwitch = "switch"
)

// Case operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpContains  = "contains"
	OpPrefix    = "prefix"
	OpSuffix    = "suffix"
	OpRegex     = "regex"
	OpGT        = "gt"
	OpGTE       = "gte"
	OpLT        = "lt"
	OpLTE       = "lte"
	OpCEL       = "cel"
)

// IfHandler routes each input item to lane 0 (true) or lane 1 (false) based
// on a CEL condition evaluated per item.
type IfHandler struct {
	deps *Deps
}

// NewIfHandler creates the if handler.
func NewIfHandler(deps *Deps) *IfHandler {
	return &IfHandler{deps: deps}
}

type ifConfig struct {
	Condition string `json:"condition"`
}

func (*IfHandler) Type() string { return TypeIf }

func (h *IfHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	if h.deps == nil || h.deps.CEL == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no CEL engine configured").WithNode(node.ID)
	}

	var cfg ifConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "if node requires condition").WithNode(node.ID)
	}

	out := schema.EmptyLanes(2)
	for i, item := range input.Flatten() {
		scope := ec.Scope()
		scope.Current = item
		data := scope.CELData()
		data["index"] = i

		match, err := h.deps.CEL.EvaluateBool(ctx, cfg.Condition, data)
		if err != nil {
			return nil, wrapNodeErr(node.ID, err)
		}
		if match {
			out[0] = append(out[0], item)
		} else {
			out[1] = append(out[1], item)
		}
	}
	return out, nil
}

// SwitchHandler routes each input item to the lane of the first matching
// case, or every matching lane when multi-route is on. Items matching no
// case go to the default lane, or are dropped when none is configured.
type SwitchHandler struct {
	deps *Deps

	mu      sync.RWMutex
	regexps map[string]*regexp.Regexp
}

// NewSwitchHandler creates the switch handler.
func NewSwitchHandler(deps *Deps) *SwitchHandler {
	return &SwitchHandler{deps: deps, regexps: make(map[string]*regexp.Regexp)}
}

type switchConfig struct {
	Cases      []switchCase `json:"cases"`
	MultiRoute bool         `json:"multi_route"`
	// DefaultOutput is the lane for unmatched items; nil drops them.
	DefaultOutput *int `json:"default_output"`
}

type switchCase struct {
	Operator  string `json:"operator"`
	Field     string `json:"field"`     // dotted path into the item (non-CEL operators)
	Value     any    `json:"value"`     // comparison operand
	Condition string `json:"condition"` // CEL operator only
	Output    int    `json:"output"`
}

func (*SwitchHandler) Type() string { return TypeSwitch }

func (h *SwitchHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	var cfg switchConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Cases) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "switch node requires at least one case").WithNode(node.ID)
	}

	maxLane := 0
	for _, c := range cfg.Cases {
		if c.Output > maxLane {
			maxLane = c.Output
		}
	}
	if cfg.DefaultOutput != nil && *cfg.DefaultOutput > maxLane {
		maxLane = *cfg.DefaultOutput
	}
	out := schema.EmptyLanes(maxLane + 1)

	for i, item := range input.Flatten() {
		matched := false
		for _, c := range cfg.Cases {
			ok, err := h.matchCase(ctx, &c, item, i, ec)
			if err != nil {
				return nil, wrapNodeErr(node.ID, err)
			}
			if !ok {
				continue
			}
			out[c.Output] = append(out[c.Output], item)
			matched = true
			if !cfg.MultiRoute {
				break
			}
		}
		if !matched && cfg.DefaultOutput != nil {
			out[*cfg.DefaultOutput] = append(out[*cfg.DefaultOutput], item)
		}
	}
	return out, nil
}

func (h *SwitchHandler) matchCase(ctx context.Context, c *switchCase, item schema.Item, index int, ec *ExecutionContext) (bool, error) {
	if c.Operator == OpCEL {
		if h.deps == nil || h.deps.CEL == nil {
			return false, schema.NewError(schema.ErrCodeExecution, "no CEL engine configured")
		}
		scope := ec.Scope()
		scope.Current = item
		data := scope.CELData()
		data["index"] = index
		return h.deps.CEL.EvaluateBool(ctx, c.Condition, data)
	}

	actual := expressions.Lookup(item, c.Field)

	switch c.Operator {
	case OpEquals:
		return looseEqual(actual, c.Value), nil
	case OpNotEquals:
		return !looseEqual(actual, c.Value), nil
	case OpContains:
		return strings.Contains(toString(actual), toString(c.Value)), nil
	case OpPrefix:
		return strings.HasPrefix(toString(actual), toString(c.Value)), nil
	case OpSuffix:
		return strings.HasSuffix(toString(actual), toString(c.Value)), nil
	case OpRegex:
		re, err := h.compiled(toString(c.Value))
		if err != nil {
			return false, err
		}
		return re.MatchString(toString(actual)), nil
	case OpGT, OpGTE, OpLT, OpLTE:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, nil
		}
		switch c.Operator {
		case OpGT:
			return a > b, nil
		case OpGTE:
			return a >= b, nil
		case OpLT:
			return a < b, nil
		default:
			return a <= b, nil
		}
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown switch operator %q", c.Operator)
	}
}

func (h *SwitchHandler) compiled(pattern string) (*regexp.Regexp, error) {
	h.mu.RLock()
	re, ok := h.regexps[pattern]
	h.mu.RUnlock()
	if ok {
		return re, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if re, ok := h.regexps[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid regex %q: %s", pattern, err.Error()).WithCause(err)
	}
	h.regexps[pattern] = re
	return re, nil
}

// looseEqual compares values across JSON's number representations: 1 and
// 1.0 are the same after a round-trip through config.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func wrapNodeErr(nodeID string, err error) error {
	if werr, ok := err.(*schema.WeftError); ok {
		if werr.NodeID == "" {
			werr.NodeID = nodeID
		}
		return werr
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%s", err.Error()).WithNode(nodeID).WithCause(err)
}
