package store

import (
	"context"
	"fmt"

	"github.com/weaveline/weft/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a Store: append,
// read-since, and deterministic replay of node states from run history.
type EventLog struct {
	store Store
}

// NewEventLog wraps a store with event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event to the run's log. The store assigns the
// monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by
// sequence ascending.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayResult is the state reconstructed from a run's event history.
type ReplayResult struct {
	RunStatus  schema.RunStatus
	NodeStates map[string]*NodeState
}

// Replay folds a run's full event history into run and node states. Returns
// an error on sequence gaps: a gap means lost history and replay output
// would be wrong.
func (el *EventLog) Replay(ctx context.Context, runID string) (*ReplayResult, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	result := &ReplayResult{
		NodeStates: make(map[string]*NodeState),
	}
	if len(events) == 0 {
		return result, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		switch e.Type {
		case schema.EventRunStarted, schema.EventRunResumed:
			result.RunStatus = schema.RunStatusRunning
		case schema.EventRunSucceeded:
			result.RunStatus = schema.RunStatusSucceeded
		case schema.EventRunFailed, schema.EventRunTimedOut:
			result.RunStatus = schema.RunStatusFailed
		case schema.EventRunCancelled:
			result.RunStatus = schema.RunStatusCancelled
		case schema.EventRunWaiting:
			result.RunStatus = schema.RunStatusAwaitingApproval
		}

		if e.NodeID == "" {
			continue
		}

		ns, ok := result.NodeStates[e.NodeID]
		if !ok {
			ns = &NodeState{
				RunID:  runID,
				NodeID: e.NodeID,
				Status: schema.NodeStatusPending,
			}
			result.NodeStates[e.NodeID] = ns
		}

		switch e.Type {
		case schema.EventNodeStarted:
			ns.Status = schema.NodeStatusRunning
			ts := e.Timestamp
			ns.StartedAt = &ts
			ns.Attempts++

		case schema.EventNodeCompleted:
			ns.Status = schema.NodeStatusCompleted
			ts := e.Timestamp
			ns.CompletedAt = &ts
			ns.Output = e.Payload
			if ns.StartedAt != nil {
				ns.DurationMs = ts.Sub(*ns.StartedAt).Milliseconds()
			}

		case schema.EventNodeFailed:
			ns.Status = schema.NodeStatusFailed
			ts := e.Timestamp
			ns.CompletedAt = &ts
			ns.Error = e.Payload

		case schema.EventNodeSkipped:
			ns.Status = schema.NodeStatusSkipped

		case schema.EventNodeRetrying, schema.EventNodeRetryAttempt:
			ns.Status = schema.NodeStatusRetrying

		case schema.EventNodeWaiting, schema.EventApprovalRequested:
			ns.Status = schema.NodeStatusWaiting

		case schema.EventApprovalResolved:
			// The engine transitions the node when it resumes; resolution
			// alone does not decide completed versus failed.
		}
	}

	return result, nil
}
