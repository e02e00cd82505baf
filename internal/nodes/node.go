package nodes

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/weaveline/weft/pkg/schema"
)

// Handler executes one node type. Handlers receive the assembled input lanes,
// may read and mutate the run's execution context, and return the node's
// output lanes. A handler must not retain the context past the call.
type Handler interface {
	// Type returns the node type string this handler serves.
	Type() string

	// Execute runs the node. Returning ErrAwaitingApproval (wrapped or bare)
	// suspends the run instead of failing it.
	Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error)
}

// ErrAwaitingApproval is the sentinel returned by gate-style handlers when a
// run must suspend and wait for external input. The engine translates it into
// the awaiting_approval run state rather than a failure.
var ErrAwaitingApproval = schema.NewError(schema.ErrCodeExecution, "run suspended awaiting approval")

// IsAwaiting reports whether err signals a suspension rather than a failure.
func IsAwaiting(err error) bool {
	return errors.Is(err, ErrAwaitingApproval)
}

// DecodeConfig maps a node's raw config into a typed struct via a JSON
// round-trip. Unknown keys are ignored; type mismatches surface as
// validation errors.
func DecodeConfig(node *schema.Node, out any) error {
	if node.Config == nil {
		return nil
	}
	raw, err := json.Marshal(node.Config)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node %s: config not serializable: %s", node.ID, err.Error()).
			WithNode(node.ID).WithCause(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node %s: invalid config: %s", node.ID, err.Error()).
			WithNode(node.ID).WithCause(err)
	}
	return nil
}

// HandlerFunc adapts a function to the Handler interface for simple node
// types that need no state.
type HandlerFunc struct {
	NodeType string
	Fn       func(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error)
}

func (h HandlerFunc) Type() string { return h.NodeType }

func (h HandlerFunc) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	return h.Fn(ctx, node, input, ec)
}
