package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/weaveline/weft/internal/expressions"
	"github.com/weaveline/weft/internal/worker"
	"github.com/weaveline/weft/pkg/schema"
)

// TypeLoop is the loop node type name.
const TypeLoop = "loop"

// Loop exit reasons, recorded in the loop's output summary.
const (
	LoopExitCompleted      = "completed"
	LoopExitConditionFalse = "condition_false"
	LoopExitMaxIterations  = "max_iterations"
	LoopExitBreak          = "break"
)

// Loop modes and execution strategies.
const (
	LoopModeForEach = "for_each"
	LoopModeWhile   = "while"
	LoopModeTimes   = "times"

	LoopExecSequential = "sequential"
	LoopExecParallel   = "parallel"
	LoopExecBatch      = "batch"
)

const (
	defaultLoopConcurrency   = 10
	defaultLoopMaxIterations = 1000
)

// LoopHandler iterates a body over items, a condition, or a count. The body
// is self-contained per-item work (a connector action, an expression, or a
// jq transform); the loop never re-enters the engine.
type LoopHandler struct {
	deps *Deps
}

// NewLoopHandler creates the loop handler.
func NewLoopHandler(deps *Deps) *LoopHandler {
	return &LoopHandler{deps: deps}
}

type loopConfig struct {
	Mode            string `json:"mode"`
	Source          string `json:"source"`    // for_each: expression yielding the items
	Condition       string `json:"condition"` // while: CEL predicate
	Count           int    `json:"count"`     // times: iteration count
	Execution       string `json:"execution"` // sequential | parallel | batch
	Concurrency     int    `json:"concurrency"`
	BatchSize       int    `json:"batch_size"`
	MaxIterations   int    `json:"max_iterations"`
	ContinueOnError bool   `json:"continue_on_error"`
	Body            body   `json:"body"`
}

func (*LoopHandler) Type() string { return TypeLoop }

func (h *LoopHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	var cfg loopConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = LoopModeForEach
	}
	if cfg.Execution == "" {
		cfg.Execution = LoopExecSequential
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultLoopMaxIterations
	}

	switch cfg.Mode {
	case LoopModeForEach:
		items, err := h.sourceItems(ctx, &cfg, input, ec)
		if err != nil {
			return nil, wrapLoopErr(node.ID, err)
		}
		return h.runOverItems(ctx, node, &cfg, items, ec)

	case LoopModeWhile:
		return h.runWhile(ctx, node, &cfg, input, ec)

	case LoopModeTimes:
		if cfg.Count < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"times loop requires a non-negative count, got %d", cfg.Count).WithNode(node.ID)
		}
		items := make(schema.Lane, cfg.Count)
		for i := range items {
			items[i] = schema.Item{"index": i}
		}
		return h.runOverItems(ctx, node, &cfg, items, ec)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown loop mode %q", cfg.Mode).WithNode(node.ID)
	}
}

// sourceItems resolves the iteration source: an explicit expression, or the
// flattened input lanes.
func (h *LoopHandler) sourceItems(ctx context.Context, cfg *loopConfig, input schema.Lanes, ec *ExecutionContext) (schema.Lane, error) {
	if cfg.Source == "" {
		return input.Flatten(), nil
	}
	resolved, err := expressions.Resolve(cfg.Source, ec.Scope())
	if err != nil {
		return nil, err
	}
	return itemsFromValue(resolved), nil
}

func (h *LoopHandler) runOverItems(ctx context.Context, node *schema.Node, cfg *loopConfig, items schema.Lane, ec *ExecutionContext) (schema.Lanes, error) {
	if len(items) > cfg.MaxIterations {
		items = items[:cfg.MaxIterations]
	}

	switch cfg.Execution {
	case LoopExecSequential:
		return h.runSequential(ctx, node, cfg, items, ec)
	case LoopExecParallel:
		return h.runParallel(ctx, node, cfg, items, ec, cfg.Concurrency)
	case LoopExecBatch:
		return h.runBatches(ctx, node, cfg, items, ec)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown loop execution strategy %q", cfg.Execution).WithNode(node.ID)
	}
}

func (h *LoopHandler) runSequential(ctx context.Context, node *schema.Node, cfg *loopConfig, items schema.Lane, ec *ExecutionContext) (schema.Lanes, error) {
	out := make(schema.Lane, 0, len(items))
	exit := LoopExitCompleted
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ec.BreakRequested(node.ID) {
			exit = LoopExitBreak
			break
		}
		result, err := executeBody(ctx, h.deps, &cfg.Body, item, i, ec)
		if err != nil {
			if cfg.ContinueOnError {
				out = append(out, errorItem(item, i, err))
				continue
			}
			return nil, wrapLoopErr(node.ID, err)
		}
		out = append(out, result)
	}
	recordLoopExit(ec, node.ID, exit, len(out))
	return schema.SingleLane(out...), nil
}

// runParallel fans items out through a bounded pool. Output order matches
// input order regardless of completion order.
func (h *LoopHandler) runParallel(ctx context.Context, node *schema.Node, cfg *loopConfig, items schema.Lane, ec *ExecutionContext, concurrency int) (schema.Lanes, error) {
	if concurrency <= 0 {
		concurrency = defaultLoopConcurrency
	}
	pool := worker.NewPool(concurrency)
	defer pool.Shutdown()

	results := make([]schema.Item, len(items))
	errs := make([]error, len(items))
	ran := make([]bool, len(items))
	var mu sync.Mutex

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var submitErr error
	for i, item := range items {
		i, item := i, item
		err := pool.Submit(runCtx, func(ctx context.Context) error {
			result, err := executeBody(ctx, h.deps, &cfg.Body, item, i, ec)
			mu.Lock()
			defer mu.Unlock()
			ran[i] = true
			if err != nil {
				errs[i] = err
				if !cfg.ContinueOnError {
					cancel()
				}
				return err
			}
			results[i] = result
			return nil
		})
		if err != nil {
			submitErr = err
			break
		}
	}
	pool.Wait()

	// Body errors take precedence over the cancellation they triggered.
	if !cfg.ContinueOnError {
		for i := range items {
			if errs[i] != nil {
				return nil, wrapLoopErr(node.ID, errs[i])
			}
		}
	}

	out := make(schema.Lane, 0, len(items))
	for i := range items {
		switch {
		case errs[i] != nil:
			out = append(out, errorItem(items[i], i, errs[i]))
		case !ran[i]:
			// Submission stopped early; a slot that never ran must not be
			// silently dropped from the output.
			if submitErr == nil {
				submitErr = schema.NewErrorf(schema.ErrCodeExecution,
					"loop item %d was never executed", i)
			}
			return nil, wrapLoopErr(node.ID, submitErr)
		default:
			// A body may legitimately produce a nil item; it still occupies
			// its slot so output length matches input length.
			out = append(out, results[i])
		}
	}
	recordLoopExit(ec, node.ID, LoopExitCompleted, len(out))
	return schema.SingleLane(out...), nil
}

// runBatches processes items in fixed-size chunks, each chunk in parallel,
// chunks strictly in order. Break signals take effect between chunks.
func (h *LoopHandler) runBatches(ctx context.Context, node *schema.Node, cfg *loopConfig, items schema.Lane, ec *ExecutionContext) (schema.Lanes, error) {
	size := cfg.BatchSize
	if size <= 0 {
		size = defaultLoopConcurrency
	}

	var out schema.Lane
	exit := LoopExitCompleted
	for start := 0; start < len(items); start += size {
		if ec.BreakRequested(node.ID) {
			exit = LoopExitBreak
			break
		}
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		lanes, err := h.runParallel(ctx, node, cfg, items[start:end], ec, size)
		if err != nil {
			return nil, err
		}
		out = append(out, lanes.Flatten()...)
	}
	recordLoopExit(ec, node.ID, exit, len(out))
	return schema.SingleLane(out...), nil
}

func (h *LoopHandler) runWhile(ctx context.Context, node *schema.Node, cfg *loopConfig, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	if cfg.Condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "while loop requires a condition").WithNode(node.ID)
	}
	if h.deps == nil || h.deps.CEL == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no CEL engine configured").WithNode(node.ID)
	}

	item := input.First()
	if item == nil {
		item = schema.Item{}
	}

	out := schema.Lane{}
	exit := LoopExitMaxIterations
	for i := 0; i < cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ec.BreakRequested(node.ID) {
			exit = LoopExitBreak
			break
		}

		scope := ec.Scope()
		scope.Current = item
		data := scope.CELData()
		data["index"] = i

		proceed, err := h.deps.CEL.EvaluateBool(ctx, cfg.Condition, data)
		if err != nil {
			return nil, wrapLoopErr(node.ID, err)
		}
		if !proceed {
			exit = LoopExitConditionFalse
			break
		}

		result, err := executeBody(ctx, h.deps, &cfg.Body, item, i, ec)
		if err != nil {
			if cfg.ContinueOnError {
				out = append(out, errorItem(item, i, err))
				continue
			}
			return nil, wrapLoopErr(node.ID, err)
		}
		out = append(out, result)
		// The body's output feeds the next condition evaluation.
		item = result
	}
	recordLoopExit(ec, node.ID, exit, len(out))
	return schema.SingleLane(out...), nil
}

func recordLoopExit(ec *ExecutionContext, nodeID, reason string, iterations int) {
	ec.SetVariable(fmt.Sprintf("loop.%s.exit_reason", nodeID), reason)
	ec.SetVariable(fmt.Sprintf("loop.%s.iterations", nodeID), iterations)
}

func errorItem(item schema.Item, index int, err error) schema.Item {
	return schema.Item{
		"error": err.Error(),
		"index": index,
		"item":  map[string]any(item),
	}
}

func wrapLoopErr(nodeID string, err error) error {
	if werr, ok := err.(*schema.WeftError); ok {
		if werr.NodeID == "" {
			werr.NodeID = nodeID
		}
		return werr
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "loop body failed: %s", err.Error()).
		WithNode(nodeID).WithCause(err)
}
