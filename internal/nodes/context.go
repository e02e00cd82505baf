package nodes

import (
	"sync"

	"github.com/weaveline/weft/internal/expressions"
	"github.com/weaveline/weft/pkg/schema"
)

// ExecutionContext is the per-run mutable state. It is created at run start,
// mutated only by the engine and the handler currently executing, and
// discarded (or persisted as durable history) at run completion. No two runs
// share an ExecutionContext. Internal locking exists solely because the loop
// node's parallel mode reads the scope concurrently.
type ExecutionContext struct {
	WorkflowID string
	RunID      string
	OrgID      string
	Input      schema.Lane

	mu            sync.RWMutex
	variables     map[string]any
	results       map[string]*schema.NodeExecutionResult
	status        schema.RunStatus
	currentNodeID string
	lastNodeID    string // most recently completed node, feeds $json
	breaks        map[string]bool
}

// NewExecutionContext creates the context for a fresh run.
func NewExecutionContext(workflowID, runID, orgID string, input schema.Lane) *ExecutionContext {
	return &ExecutionContext{
		WorkflowID: workflowID,
		RunID:      runID,
		OrgID:      orgID,
		Input:      input,
		variables:  make(map[string]any),
		results:    make(map[string]*schema.NodeExecutionResult),
		status:     schema.RunStatusRunning,
		breaks:     make(map[string]bool),
	}
}

// SetVariable stores a named mutable variable. This is the only sanctioned
// way for a handler to mutate the context.
func (ec *ExecutionContext) SetVariable(name string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.variables[name] = value
}

// Variable returns a named variable and whether it exists.
func (ec *ExecutionContext) Variable(name string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.variables[name]
	return v, ok
}

// Variables returns a copy of the variable map.
func (ec *ExecutionContext) Variables() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]any, len(ec.variables))
	for k, v := range ec.variables {
		out[k] = v
	}
	return out
}

// SetResult records a node's execution result. Completed nodes also become
// the $json reference point.
func (ec *ExecutionContext) SetResult(nodeID string, result *schema.NodeExecutionResult) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.results[nodeID] = result
	if result.Status == schema.NodeStatusCompleted {
		ec.lastNodeID = nodeID
	}
}

// Result returns a node's recorded result, or nil.
func (ec *ExecutionContext) Result(nodeID string) *schema.NodeExecutionResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.results[nodeID]
}

// Results returns a shallow copy of the result map.
func (ec *ExecutionContext) Results() map[string]*schema.NodeExecutionResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]*schema.NodeExecutionResult, len(ec.results))
	for k, v := range ec.results {
		out[k] = v
	}
	return out
}

// SetStatus updates the run status.
func (ec *ExecutionContext) SetStatus(s schema.RunStatus) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.status = s
}

// Status returns the run status.
func (ec *ExecutionContext) Status() schema.RunStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.status
}

// SetCurrentNode marks the node the engine is about to dispatch.
func (ec *ExecutionContext) SetCurrentNode(nodeID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.currentNodeID = nodeID
}

// CurrentNode returns the node currently executing.
func (ec *ExecutionContext) CurrentNode() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.currentNodeID
}

// RequestBreak flags a loop node to exit at its next iteration boundary.
// Delivered by the durable adapter's Signal operation.
func (ec *ExecutionContext) RequestBreak(nodeID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.breaks[nodeID] = true
}

// BreakRequested reports and consumes a pending break flag for a loop node.
func (ec *ExecutionContext) BreakRequested(nodeID string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.breaks[nodeID] {
		delete(ec.breaks, nodeID)
		return true
	}
	return false
}

// Scope builds a resolution snapshot from the current state. Only completed
// node outputs are visible to expressions.
func (ec *ExecutionContext) Scope() *expressions.Scope {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	nodeOutputs := make(map[string]schema.Lanes, len(ec.results))
	for id, r := range ec.results {
		if r.Status == schema.NodeStatusCompleted {
			nodeOutputs[id] = r.Output
		}
	}

	vars := make(map[string]any, len(ec.variables))
	for k, v := range ec.variables {
		vars[k] = v
	}

	var current schema.Item
	if last, ok := ec.results[ec.lastNodeID]; ok && last != nil {
		current = last.Output.First()
	}

	return &expressions.Scope{
		Input:   ec.Input,
		Nodes:   nodeOutputs,
		Vars:    vars,
		Current: current,
	}
}
