package nodes

import (
	"context"
	"sync"

	"github.com/weaveline/weft/internal/worker"
	"github.com/weaveline/weft/pkg/schema"
)

// TypeRollback is the saga node type name.
const TypeRollback = "rollback"

// Compensation modes.
const (
	CompensateSequential = "sequential"
	CompensateParallel   = "parallel"
)

// RollbackHandler executes a sequence of steps as a saga: when a step fails,
// the compensations of every completed step run in reverse order. The node
// then fails with the original error and a record of what was undone.
type RollbackHandler struct {
	deps *Deps
}

// NewRollbackHandler creates the saga handler.
func NewRollbackHandler(deps *Deps) *RollbackHandler {
	return &RollbackHandler{deps: deps}
}

type rollbackConfig struct {
	Steps []sagaStep `json:"steps"`
	// CompensationMode is sequential (reverse order, default) or parallel.
	CompensationMode string `json:"compensation_mode"`
}

type sagaStep struct {
	ID           string `json:"id"`
	Do           body   `json:"do"`
	Compensation *body  `json:"compensation,omitempty"`
	// ContinueOnError skips this step's failure instead of aborting the saga.
	ContinueOnError bool `json:"continue_on_error"`
}

func (*RollbackHandler) Type() string { return TypeRollback }

func (h *RollbackHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	var cfg rollbackConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "rollback node requires steps").WithNode(node.ID)
	}
	for i, step := range cfg.Steps {
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "rollback step %d requires id", i).WithNode(node.ID)
		}
	}

	item := input.First()
	if item == nil {
		item = schema.Item{}
	}

	// completed tracks steps whose compensations must run on abort.
	var completed []sagaStep
	results := schema.Item{}

	for i, step := range cfg.Steps {
		stepOut, err := executeBody(ctx, h.deps, &step.Do, item, i, ec)
		if err != nil {
			if step.ContinueOnError {
				results[step.ID] = schema.Item{"error": err.Error()}
				continue
			}

			compensated, compErrs := h.compensate(ctx, &cfg, completed, item, ec)
			details := map[string]any{
				"failed_step": step.ID,
				"compensated": compensated,
			}
			if len(compErrs) > 0 {
				details["compensation_errors"] = compErrs
				return nil, schema.NewErrorf(schema.ErrCodeRollbackFailed,
					"step %s failed and %d compensations also failed: %s",
					step.ID, len(compErrs), err.Error()).
					WithNode(node.ID).WithCause(err).WithDetails(details)
			}
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"step %s failed, saga rolled back: %s", step.ID, err.Error()).
				WithNode(node.ID).WithCause(err).WithDetails(details)
		}

		results[step.ID] = map[string]any(stepOut)
		if step.Compensation != nil {
			completed = append(completed, step)
		}
		// Step outputs chain forward.
		item = stepOut
	}

	return schema.SingleLane(results), nil
}

// compensate undoes completed steps. Sequential mode runs strictly in
// reverse completion order; parallel mode fans out when compensations are
// independent. Compensation failures are collected, never fatal mid-undo.
func (h *RollbackHandler) compensate(ctx context.Context, cfg *rollbackConfig, completed []sagaStep, item schema.Item, ec *ExecutionContext) (compensated []string, compErrs []string) {
	// Compensations run even when the step failure came from cancellation.
	base := context.WithoutCancel(ctx)

	if cfg.CompensationMode == CompensateParallel {
		pool := worker.NewPool(len(completed))
		defer pool.Shutdown()
		var mu sync.Mutex
		for i := len(completed) - 1; i >= 0; i-- {
			step := completed[i]
			_ = pool.Submit(base, func(ctx context.Context) error {
				_, err := executeBody(ctx, h.deps, step.Compensation, item, 0, ec)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					compErrs = append(compErrs, step.ID+": "+err.Error())
					return err
				}
				compensated = append(compensated, step.ID)
				return nil
			})
		}
		pool.Wait()
		return compensated, compErrs
	}

	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if _, err := executeBody(base, h.deps, step.Compensation, item, 0, ec); err != nil {
			compErrs = append(compErrs, step.ID+": "+err.Error())
			continue
		}
		compensated = append(compensated, step.ID)
	}
	return compensated, compErrs
}
