package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weaveline/weft/internal/nodes"
	"github.com/weaveline/weft/internal/retry"
	"github.com/weaveline/weft/internal/store"
	"github.com/weaveline/weft/pkg/schema"
)

// Engine executes workflow graphs. Nodes run one at a time in topological
// order; concurrency lives inside handlers (parallel loop modes), never in
// the scheduling layer, which keeps run history linear and replayable.
type Engine struct {
	store    store.Store
	eventLog *store.EventLog
	registry *nodes.Registry
	logger   *slog.Logger

	runFSM  *RunFSM
	nodeFSM *NodeFSM
}

// NewEngine creates an engine backed by the given store and handler registry.
func NewEngine(st store.Store, registry *nodes.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	el := store.NewEventLog(st)
	return &Engine{
		store:    st,
		eventLog: el,
		registry: registry,
		logger:   logger,
		runFSM:   NewRunFSM(el),
		nodeFSM:  NewNodeFSM(el),
	}
}

// Execute runs a workflow graph from the start. Structural errors (cycles,
// unknown node types, bad edges) surface before any node executes.
func (e *Engine) Execute(ctx context.Context, graph *schema.WorkflowGraph, input schema.Lane, orgID string) (*schema.ExecutionResult, error) {
	ec := nodes.NewExecutionContext(graph.ID, uuid.NewString(), orgID, input)
	return e.ExecuteContext(ctx, graph, ec)
}

// ExecuteContext runs a graph under a caller-owned execution context. The
// caller keeps a handle on the context to deliver break requests while the
// run is in flight.
func (e *Engine) ExecuteContext(ctx context.Context, graph *schema.WorkflowGraph, ec *nodes.ExecutionContext) (*schema.ExecutionResult, error) {
	plan, err := e.prepare(graph)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inputRaw, _ := json.Marshal(ec.Input)
	run := &store.Run{
		ID:         ec.RunID,
		WorkflowID: graph.ID,
		OrgID:      ec.OrgID,
		Status:     schema.RunStatusRunning,
		Input:      inputRaw,
		StartedAt:  now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}
	if err := e.runFSM.Transition(ctx, ec.RunID, "", schema.RunStatusRunning); err != nil {
		return nil, err
	}

	return e.run(ctx, graph, plan, ec, now)
}

// Resume continues a suspended run. Seed carries the node results replayed
// from the event log; nodes with terminal results are not re-executed.
func (e *Engine) Resume(ctx context.Context, graph *schema.WorkflowGraph, runID string, input schema.Lane, orgID string, seed map[string]*schema.NodeExecutionResult, vars map[string]any) (*schema.ExecutionResult, error) {
	ec := nodes.NewExecutionContext(graph.ID, runID, orgID, input)
	for nodeID, result := range seed {
		ec.SetResult(nodeID, result)
	}
	for name, value := range vars {
		ec.SetVariable(name, value)
	}
	return e.ResumeContext(ctx, graph, ec)
}

// ResumeContext continues a suspended run under a caller-owned execution
// context already seeded with replayed node results.
func (e *Engine) ResumeContext(ctx context.Context, graph *schema.WorkflowGraph, ec *nodes.ExecutionContext) (*schema.ExecutionResult, error) {
	plan, err := e.prepare(graph)
	if err != nil {
		return nil, err
	}

	if err := e.runFSM.Transition(ctx, ec.RunID, schema.RunStatusAwaitingApproval, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	running := schema.RunStatusRunning
	if err := e.store.UpdateRun(ctx, ec.RunID, store.RunUpdate{Status: &running}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update run: %s", err.Error()).WithCause(err)
	}

	return e.run(ctx, graph, plan, ec, time.Now().UTC())
}

func (e *Engine) prepare(graph *schema.WorkflowGraph) (*Plan, error) {
	plan, err := BuildPlan(graph)
	if err != nil {
		return nil, err
	}
	for _, node := range plan.Nodes {
		if !e.registry.Has(node.Type) {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType,
				"no handler registered for node type %q", node.Type).WithNode(node.ID)
		}
	}
	return plan, nil
}

// run walks the plan in topological order. It owns all run and node state
// transitions; handlers only see the execution context.
func (e *Engine) run(ctx context.Context, graph *schema.WorkflowGraph, plan *Plan, ec *nodes.ExecutionContext, startedAt time.Time) (*schema.ExecutionResult, error) {
	logger := e.logger.With("workflow_id", graph.ID, "run_id", ec.RunID)

	if graph.Settings.Timeout != "" {
		if d, err := time.ParseDuration(graph.Settings.Timeout); err == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	for _, nodeID := range plan.Order {
		node := plan.Nodes[nodeID]

		// Resume case: nodes with terminal results keep them.
		if prior := ec.Result(nodeID); prior != nil && isTerminalNode(prior.Status) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return e.finishCancelled(ctx, graph, plan, ec, startedAt, err)
		}

		input := e.assembleInput(plan, nodeID, ec)

		if node.Disabled {
			// Disabled nodes pass input through so downstream wiring holds.
			_ = e.nodeFSM.Transition(ctx, ec.RunID, nodeID, schema.NodeStatusPending, schema.NodeStatusSkipped)
			ec.SetResult(nodeID, &schema.NodeExecutionResult{
				NodeID:    nodeID,
				Status:    schema.NodeStatusCompleted,
				StartedAt: time.Now().UTC(),
				Output:    input,
			})
			continue
		}

		ec.SetCurrentNode(nodeID)
		result, err := e.executeNode(ctx, graph, node, input, ec)

		if err != nil && nodes.IsAwaiting(err) {
			ec.SetResult(nodeID, result)
			e.persistNodeState(ctx, ec.RunID, result)
			return e.finishWaiting(ctx, graph, ec, startedAt, nodeID)
		}
		if err != nil {
			if ctx.Err() != nil {
				return e.finishCancelled(ctx, graph, plan, ec, startedAt, ctx.Err())
			}
			if continueOnError(node, graph) {
				logger.Warn("node failed, continuing per error mode",
					"node_id", nodeID, "error", err.Error())
				ec.SetResult(nodeID, result)
				e.persistNodeState(ctx, ec.RunID, result)
				continue
			}
			ec.SetResult(nodeID, result)
			e.persistNodeState(ctx, ec.RunID, result)
			return e.finishFailed(ctx, graph, ec, startedAt, err)
		}

		ec.SetResult(nodeID, result)
		e.persistNodeState(ctx, ec.RunID, result)
	}

	return e.finishSucceeded(ctx, graph, plan, ec, startedAt)
}

// executeNode dispatches one node with retries. The returned result reflects
// the final attempt; on error its status is failed.
func (e *Engine) executeNode(ctx context.Context, graph *schema.WorkflowGraph, node *schema.Node, input schema.Lanes, ec *nodes.ExecutionContext) (*schema.NodeExecutionResult, error) {
	handler, err := e.registry.Get(node.Type)
	if err != nil {
		return failedResult(node.ID, time.Now().UTC(), 0, err), err
	}

	policy := node.Retry
	if policy == nil {
		policy = graph.Settings.Retry
	}
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		maxAttempts = policy.MaxAttempts
	}

	started := time.Now().UTC()
	if err := e.nodeFSM.Transition(ctx, ec.RunID, node.ID, schema.NodeStatusPending, schema.NodeStatusRunning); err != nil {
		return failedResult(node.ID, started, 0, err), err
	}

	var lastErr error
	attempts := 0
	fsmState := schema.NodeStatusRunning
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.nodeFSM.Transition(ctx, ec.RunID, node.ID, schema.NodeStatusRetrying, schema.NodeStatusRunning); err != nil {
				return failedResult(node.ID, started, attempt, err), err
			}
			fsmState = schema.NodeStatusRunning
		}

		output, execErr := handler.Execute(ctx, node, input, ec)
		attempts = attempt + 1
		if execErr == nil {
			completed := time.Now().UTC()
			if err := e.nodeFSM.Transition(ctx, ec.RunID, node.ID, schema.NodeStatusRunning, schema.NodeStatusCompleted); err != nil {
				return failedResult(node.ID, started, attempt+1, err), err
			}
			return &schema.NodeExecutionResult{
				NodeID:     node.ID,
				Status:     schema.NodeStatusCompleted,
				StartedAt:  started,
				DurationMs: completed.Sub(started).Milliseconds(),
				Output:     output,
				Attempts:   attempt + 1,
			}, nil
		}

		if nodes.IsAwaiting(execErr) {
			_ = e.nodeFSM.Transition(ctx, ec.RunID, node.ID, schema.NodeStatusRunning, schema.NodeStatusWaiting)
			return &schema.NodeExecutionResult{
				NodeID:    node.ID,
				Status:    schema.NodeStatusWaiting,
				StartedAt: started,
				Attempts:  attempt + 1,
			}, execErr
		}

		lastErr = execErr
		lastAttempt := attempt == maxAttempts-1
		if lastAttempt || !retry.IsRetryable(execErr, policy) {
			break
		}

		if err := e.nodeFSM.Transition(ctx, ec.RunID, node.ID, schema.NodeStatusRunning, schema.NodeStatusRetrying); err != nil {
			return failedResult(node.ID, started, attempt+1, err), err
		}
		fsmState = schema.NodeStatusRetrying
		e.appendRetryEvent(ctx, ec.RunID, node.ID, attempt+1, execErr)

		// The upcoming attempt's 0-based index sets the backoff exponent:
		// the third attempt waits initialDelay * multiplier^2.
		delay := retry.Backoff(policy, attempt+1)
		if err := retry.Wait(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	_ = e.nodeFSM.Transition(ctx, ec.RunID, node.ID, fsmState, schema.NodeStatusFailed)
	failErr := wrapNodeError(node.ID, lastErr)
	return failedResult(node.ID, started, attempts, failErr), failErr
}

func (e *Engine) appendRetryEvent(ctx context.Context, runID, nodeID string, attempt int, cause error) {
	payload, _ := json.Marshal(map[string]any{"attempt": attempt, "error": cause.Error()})
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		NodeID:  nodeID,
		Type:    schema.EventNodeRetryAttempt,
		Payload: payload,
	})
}

// assembleInput concatenates the source lanes feeding a node. Each inbound
// edge contributes its source's addressed output lane to the target input
// port; multiple edges into the same port concatenate in edge order. Nodes
// with no inbound edges receive the run input on lane 0.
func (e *Engine) assembleInput(plan *Plan, nodeID string, ec *nodes.ExecutionContext) schema.Lanes {
	edges := plan.InEdges[nodeID]
	if len(edges) == 0 {
		return schema.Lanes{ec.Input}
	}

	maxPort := 0
	for _, edge := range edges {
		if edge.TargetInput > maxPort {
			maxPort = edge.TargetInput
		}
	}
	input := schema.EmptyLanes(maxPort + 1)

	for _, edge := range edges {
		result := ec.Result(edge.Source)
		if result == nil || result.Status != schema.NodeStatusCompleted {
			continue
		}
		if edge.SourceOutput >= len(result.Output) {
			continue
		}
		input[edge.TargetInput] = append(input[edge.TargetInput], result.Output[edge.SourceOutput]...)
	}
	return input
}

func (e *Engine) persistNodeState(ctx context.Context, runID string, result *schema.NodeExecutionResult) {
	if result == nil {
		return
	}
	state := &store.NodeState{
		RunID:      runID,
		NodeID:     result.NodeID,
		Status:     result.Status,
		Attempts:   result.Attempts,
		DurationMs: result.DurationMs,
	}
	if !result.StartedAt.IsZero() {
		ts := result.StartedAt
		state.StartedAt = &ts
	}
	if result.Output != nil {
		state.Output, _ = json.Marshal(result.Output)
	}
	if result.Error != nil {
		state.Error, _ = json.Marshal(result.Error)
	}
	if err := e.store.UpsertNodeState(ctx, state); err != nil {
		e.logger.Warn("persist node state failed", "run_id", runID, "node_id", result.NodeID, "error", err.Error())
	}
}

// --- terminal paths ---

func (e *Engine) finishSucceeded(ctx context.Context, graph *schema.WorkflowGraph, plan *Plan, ec *nodes.ExecutionContext, startedAt time.Time) (*schema.ExecutionResult, error) {
	output := e.collectOutput(plan, ec)

	if err := e.runFSM.Transition(ctx, ec.RunID, schema.RunStatusRunning, schema.RunStatusSucceeded); err != nil {
		return nil, err
	}
	ec.SetStatus(schema.RunStatusSucceeded)

	result := e.buildResult(graph, ec, startedAt, schema.RunStatusSucceeded, output, nil)
	e.persistRunTerminal(ctx, ec.RunID, result)
	return result, nil
}

func (e *Engine) finishFailed(ctx context.Context, graph *schema.WorkflowGraph, ec *nodes.ExecutionContext, startedAt time.Time, cause error) (*schema.ExecutionResult, error) {
	if err := e.runFSM.Transition(ctx, ec.RunID, schema.RunStatusRunning, schema.RunStatusFailed); err != nil {
		e.logger.Warn("run failure transition", "run_id", ec.RunID, "error", err.Error())
	}
	ec.SetStatus(schema.RunStatusFailed)

	result := e.buildResult(graph, ec, startedAt, schema.RunStatusFailed, nil, asWeftError(cause))
	e.persistRunTerminal(ctx, ec.RunID, result)
	return result, cause
}

func (e *Engine) finishCancelled(ctx context.Context, graph *schema.WorkflowGraph, plan *Plan, ec *nodes.ExecutionContext, startedAt time.Time, cause error) (*schema.ExecutionResult, error) {
	// Use a fresh context: the run context is already dead.
	base := context.WithoutCancel(ctx)

	nodeStates := make(map[string]schema.NodeStatus, len(plan.Order))
	for _, nodeID := range plan.Order {
		if r := ec.Result(nodeID); r != nil {
			nodeStates[nodeID] = r.Status
		} else {
			nodeStates[nodeID] = schema.NodeStatusPending
		}
	}
	if err := CancelRun(base, e.runFSM, e.nodeFSM, ec.RunID, schema.RunStatusRunning, nodeStates); err != nil {
		e.logger.Warn("cancel transitions", "run_id", ec.RunID, "error", err.Error())
	}
	ec.SetStatus(schema.RunStatusCancelled)

	code := schema.ErrCodeCancelled
	if errors.Is(cause, context.DeadlineExceeded) {
		code = schema.ErrCodeTimeout
		_ = e.eventLog.AppendEvent(base, &store.Event{RunID: ec.RunID, Type: schema.EventRunTimedOut})
	}
	werr := schema.NewErrorf(code, "run %s: %s", ec.RunID, cause.Error()).WithCause(cause)

	result := e.buildResult(graph, ec, startedAt, schema.RunStatusCancelled, nil, werr)
	e.persistRunTerminal(base, ec.RunID, result)
	return result, werr
}

func (e *Engine) finishWaiting(ctx context.Context, graph *schema.WorkflowGraph, ec *nodes.ExecutionContext, startedAt time.Time, nodeID string) (*schema.ExecutionResult, error) {
	if err := e.runFSM.Transition(ctx, ec.RunID, schema.RunStatusRunning, schema.RunStatusAwaitingApproval); err != nil {
		return nil, err
	}
	ec.SetStatus(schema.RunStatusAwaitingApproval)

	waiting := schema.RunStatusAwaitingApproval
	if err := e.store.UpdateRun(ctx, ec.RunID, store.RunUpdate{Status: &waiting}); err != nil {
		e.logger.Warn("persist waiting run", "run_id", ec.RunID, "error", err.Error())
	}

	result := e.buildResult(graph, ec, startedAt, schema.RunStatusAwaitingApproval, nil, nil)
	return result, nil
}

// collectOutput concatenates lane 0 of every terminal node's output.
func (e *Engine) collectOutput(plan *Plan, ec *nodes.ExecutionContext) schema.Lanes {
	var combined schema.Lane
	for _, nodeID := range plan.Terminal {
		result := ec.Result(nodeID)
		if result == nil || result.Status != schema.NodeStatusCompleted {
			continue
		}
		if len(result.Output) > 0 {
			combined = append(combined, result.Output[0]...)
		}
	}
	return schema.Lanes{combined}
}

func (e *Engine) buildResult(graph *schema.WorkflowGraph, ec *nodes.ExecutionContext, startedAt time.Time, status schema.RunStatus, output schema.Lanes, werr *schema.WeftError) *schema.ExecutionResult {
	result := &schema.ExecutionResult{
		RunID:      ec.RunID,
		WorkflowID: graph.ID,
		OrgID:      ec.OrgID,
		Status:     status,
		Output:     output,
		Error:      werr,
		StartedAt:  startedAt,
		Nodes:      ec.Results(),
	}
	if status.Terminal() {
		now := time.Now().UTC()
		result.CompletedAt = &now
	}
	return result
}

func (e *Engine) persistRunTerminal(ctx context.Context, runID string, result *schema.ExecutionResult) {
	update := store.RunUpdate{Status: &result.Status, CompletedAt: result.CompletedAt}
	if result.Output != nil {
		update.Output, _ = json.Marshal(result.Output)
	}
	if result.Error != nil {
		update.Error, _ = json.Marshal(result.Error)
	}
	if err := e.store.UpdateRun(ctx, runID, update); err != nil {
		e.logger.Warn("persist run terminal state", "run_id", runID, "error", err.Error())
	}
}

// --- helpers ---

func continueOnError(node *schema.Node, graph *schema.WorkflowGraph) bool {
	if node.OnError != "" {
		return node.OnError == schema.ErrorModeContinue
	}
	return graph.Settings.ErrorMode == schema.ErrorModeContinue
}

func failedResult(nodeID string, started time.Time, attempts int, err error) *schema.NodeExecutionResult {
	return &schema.NodeExecutionResult{
		NodeID:     nodeID,
		Status:     schema.NodeStatusFailed,
		StartedAt:  started,
		DurationMs: time.Since(started).Milliseconds(),
		Error:      asWeftError(err),
		Attempts:   attempts,
	}
}

func wrapNodeError(nodeID string, err error) error {
	if err == nil {
		return schema.NewError(schema.ErrCodeNodeFailed, "node failed").WithNode(nodeID)
	}
	if werr, ok := err.(*schema.WeftError); ok {
		if werr.NodeID == "" {
			werr.NodeID = nodeID
		}
		return werr
	}
	return schema.NewErrorf(schema.ErrCodeNodeFailed, "%s", err.Error()).WithNode(nodeID).WithCause(err)
}

func asWeftError(err error) *schema.WeftError {
	if err == nil {
		return nil
	}
	if werr, ok := err.(*schema.WeftError); ok {
		return werr
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%s", err.Error()).WithCause(err)
}
