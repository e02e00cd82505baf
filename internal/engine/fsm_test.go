package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/weft/internal/store"
	"github.com/weaveline/weft/pkg/schema"
)

// eventRecorder captures FSM event emissions.
type eventRecorder struct {
	events []*store.Event
}

func (r *eventRecorder) AppendEvent(_ context.Context, event *store.Event) error {
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestRunFSMLifecycle(t *testing.T) {
	rec := &eventRecorder{}
	fsm := NewRunFSM(rec)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", "", schema.RunStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusRunning, schema.RunStatusSucceeded))

	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunSucceeded}, rec.types())
}

func TestRunFSMInvalidTransition(t *testing.T) {
	fsm := NewRunFSM(&eventRecorder{})

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusSucceeded, schema.RunStatusRunning)
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, werr.Code)
}

func TestRunFSMResumeEmitsResumedEvent(t *testing.T) {
	rec := &eventRecorder{}
	fsm := NewRunFSM(rec)

	require.NoError(t, fsm.Transition(context.Background(), "run-1",
		schema.RunStatusAwaitingApproval, schema.RunStatusRunning))
	assert.Equal(t, []string{schema.EventRunResumed}, rec.types())
}

func TestNodeFSMLifecycle(t *testing.T) {
	rec := &eventRecorder{}
	fsm := NewNodeFSM(rec)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", "a", schema.NodeStatusPending, schema.NodeStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "run-1", "a", schema.NodeStatusRunning, schema.NodeStatusRetrying))
	require.NoError(t, fsm.Transition(ctx, "run-1", "a", schema.NodeStatusRetrying, schema.NodeStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "run-1", "a", schema.NodeStatusRunning, schema.NodeStatusCompleted))

	assert.Equal(t, []string{
		schema.EventNodeStarted,
		schema.EventNodeRetrying,
		schema.EventNodeStarted,
		schema.EventNodeCompleted,
	}, rec.types())
}

func TestNodeFSMTerminalStatesAreFinal(t *testing.T) {
	fsm := NewNodeFSM(&eventRecorder{})

	err := fsm.Transition(context.Background(), "run-1", "a", schema.NodeStatusCompleted, schema.NodeStatusRunning)
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, werr.Code)
	assert.Equal(t, "a", werr.NodeID)
}

func TestCancelRunSkipsNonTerminalNodes(t *testing.T) {
	rec := &eventRecorder{}
	runFSM := NewRunFSM(rec)
	nodeFSM := NewNodeFSM(rec)

	err := CancelRun(context.Background(), runFSM, nodeFSM, "run-1", schema.RunStatusRunning, map[string]schema.NodeStatus{
		"done":    schema.NodeStatusCompleted,
		"queued":  schema.NodeStatusPending,
		"blocked": schema.NodeStatusWaiting,
	})
	require.NoError(t, err)

	skips := 0
	for _, e := range rec.events {
		if e.Type == schema.EventNodeSkipped {
			skips++
		}
	}
	assert.Equal(t, 2, skips)
	assert.Contains(t, rec.types(), schema.EventRunCancelled)
}
