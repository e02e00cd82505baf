package nodes

import (
	"context"
	"errors"
	"strings"

	"github.com/weaveline/weft/pkg/schema"
)

// TypeCatch is the catch node type name.
const TypeCatch = "catch"

// CatchHandler runs a body operation and intercepts matching failures
// instead of propagating them: successful items go to lane 0, caught error
// items to lane 1. Errors matching no pattern still fail the node.
type CatchHandler struct {
	deps *Deps
}

// NewCatchHandler creates the catch handler.
func NewCatchHandler(deps *Deps) *CatchHandler {
	return &CatchHandler{deps: deps}
}

type catchConfig struct {
	Body body `json:"body"`
	// Codes restricts catching to these error codes; empty catches any.
	Codes []string `json:"codes"`
	// Patterns restricts catching to errors containing these substrings.
	Patterns []string `json:"patterns"`
}

func (*CatchHandler) Type() string { return TypeCatch }

func (h *CatchHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	var cfg catchConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	out := schema.EmptyLanes(2)
	for i, item := range input.Flatten() {
		result, err := executeBody(ctx, h.deps, &cfg.Body, item, i, ec)
		if err == nil {
			out[0] = append(out[0], result)
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !matchesCatch(&cfg, err) {
			return nil, wrapNodeErr(node.ID, err)
		}
		out[1] = append(out[1], caughtItem(item, i, err))
	}
	return out, nil
}

func matchesCatch(cfg *catchConfig, err error) bool {
	if len(cfg.Codes) == 0 && len(cfg.Patterns) == 0 {
		return true
	}

	var werr *schema.WeftError
	if errors.As(err, &werr) {
		for _, code := range cfg.Codes {
			if werr.Code == code {
				return true
			}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range cfg.Patterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func caughtItem(item schema.Item, index int, err error) schema.Item {
	out := schema.Item{
		"error": err.Error(),
		"index": index,
		"item":  map[string]any(item),
	}
	var werr *schema.WeftError
	if errors.As(err, &werr) {
		out["code"] = werr.Code
		if werr.NodeID != "" {
			out["node_id"] = werr.NodeID
		}
	}
	return out
}
