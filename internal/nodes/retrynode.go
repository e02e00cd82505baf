package nodes

import (
	"context"

	"github.com/weaveline/weft/internal/retry"
	"github.com/weaveline/weft/pkg/schema"
)

// TypeRetry is the retry wrapper node type name.
const TypeRetry = "retry"

// RetryHandler wraps a body operation with its own retry policy, independent
// of the engine-level policy on the node. Each input item is attempted
// separately; one item exhausting its attempts fails the node unless
// continue_on_error is set.
type RetryHandler struct {
	deps *Deps
}

// NewRetryHandler creates the retry handler.
func NewRetryHandler(deps *Deps) *RetryHandler {
	return &RetryHandler{deps: deps}
}

type retryConfig struct {
	Policy          *schema.RetryPolicy `json:"policy"`
	Body            body                `json:"body"`
	ContinueOnError bool                `json:"continue_on_error"`
}

func (*RetryHandler) Type() string { return TypeRetry }

func (h *RetryHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	var cfg retryConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Policy == nil || cfg.Policy.MaxAttempts < 1 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"retry node requires policy.max_attempts >= 1").WithNode(node.ID)
	}

	items := input.Flatten()
	out := make(schema.Lane, 0, len(items))
	for i, item := range items {
		result, err := h.attempt(ctx, &cfg, item, i, ec)
		if err != nil {
			if cfg.ContinueOnError {
				out = append(out, errorItem(item, i, err))
				continue
			}
			return nil, err
		}
		out = append(out, result)
	}
	return schema.SingleLane(out...), nil
}

func (h *RetryHandler) attempt(ctx context.Context, cfg *retryConfig, item schema.Item, index int, ec *ExecutionContext) (schema.Item, error) {
	var lastErr error
	for attempt := 0; attempt < cfg.Policy.MaxAttempts; attempt++ {
		result, err := executeBody(ctx, h.deps, &cfg.Body, item, index, ec)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.Policy.MaxAttempts-1 || !retry.IsRetryable(err, cfg.Policy) {
			break
		}
		if waitErr := retry.Wait(ctx, retry.Backoff(cfg.Policy, attempt+1)); waitErr != nil {
			return nil, waitErr
		}
	}

	if !retry.IsRetryable(lastErr, cfg.Policy) {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable,
			"non-retryable failure: %s", lastErr.Error()).WithCause(lastErr)
	}
	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"retries exhausted after %d attempts: %s", cfg.Policy.MaxAttempts, lastErr.Error()).WithCause(lastErr)
}
