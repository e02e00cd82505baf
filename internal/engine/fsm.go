package engine

import (
	"context"

	"github.com/weaveline/weft/internal/store"
	"github.com/weaveline/weft/pkg/schema"
)

// EventAppender is satisfied by the store and event log; FSMs emit an event
// for every observable transition.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidRunTransitions defines the allowed state transitions for runs. A new
// run enters "running" from the empty state.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	"":                              {schema.RunStatusRunning},
	schema.RunStatusRunning:         {schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusCancelled, schema.RunStatusAwaitingApproval},
	schema.RunStatusAwaitingApproval: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSucceeded:       {},
	schema.RunStatusFailed:          {},
	schema.RunStatusCancelled:       {},
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending:   {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning:   {schema.NodeStatusCompleted, schema.NodeStatusFailed, schema.NodeStatusWaiting, schema.NodeStatusRetrying},
	schema.NodeStatusRetrying:  {schema.NodeStatusRunning, schema.NodeStatusFailed},
	schema.NodeStatusWaiting:   {schema.NodeStatusRunning, schema.NodeStatusCompleted, schema.NodeStatusFailed, schema.NodeStatusSkipped},
	schema.NodeStatusCompleted: {},
	schema.NodeStatusFailed:    {},
	schema.NodeStatusSkipped:   {},
}

// RunFSM validates run lifecycle transitions and emits the matching events.
type RunFSM struct {
	appender EventAppender
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and records a run state transition.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	if !transitionAllowed(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := runEventType(to)
	if from == schema.RunStatusAwaitingApproval && to == schema.RunStatusRunning {
		eventType = schema.EventRunResumed
	}
	if eventType == "" {
		return nil
	}
	if err := f.appender.AppendEvent(ctx, &store.Event{RunID: runID, Type: eventType}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// NodeFSM validates node lifecycle transitions and emits the matching events.
type NodeFSM struct {
	appender EventAppender
}

// NewNodeFSM creates a NodeFSM that emits events via the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{appender: appender}
}

// Transition validates and records a node state transition.
func (f *NodeFSM) Transition(ctx context.Context, runID, nodeID string, from, to schema.NodeStatus) error {
	if !transitionAllowed(ValidNodeTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := nodeEventType(to)
	if eventType == "" {
		return nil
	}
	event := &store.Event{RunID: runID, NodeID: nodeID, Type: eventType}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
			WithNode(nodeID).WithCause(err)
	}
	return nil
}

// CancelRun transitions a run to cancelled and skips every non-terminal node.
func CancelRun(ctx context.Context, runFSM *RunFSM, nodeFSM *NodeFSM, runID string, current schema.RunStatus, nodeStates map[string]schema.NodeStatus) error {
	if err := runFSM.Transition(ctx, runID, current, schema.RunStatusCancelled); err != nil {
		return err
	}
	for nodeID, status := range nodeStates {
		if isTerminalNode(status) {
			continue
		}
		if transitionAllowed(ValidNodeTransitions[status], schema.NodeStatusSkipped) {
			if err := nodeFSM.Transition(ctx, runID, nodeID, status, schema.NodeStatusSkipped); err != nil {
				return err
			}
		}
	}
	return nil
}

func transitionAllowed[T comparable](allowed []T, to T) bool {
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func isTerminalNode(s schema.NodeStatus) bool {
	return s == schema.NodeStatusCompleted || s == schema.NodeStatusFailed || s == schema.NodeStatusSkipped
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	case schema.RunStatusAwaitingApproval:
		return schema.EventRunWaiting
	default:
		return ""
	}
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusCompleted:
		return schema.EventNodeCompleted
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	case schema.NodeStatusRetrying:
		return schema.EventNodeRetrying
	case schema.NodeStatusWaiting:
		return schema.EventNodeWaiting
	default:
		return ""
	}
}
