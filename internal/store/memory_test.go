package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/weft/pkg/schema"
)

func TestMemoryWorkflowCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wf := &Workflow{
		ID:    "wf-1",
		Name:  "invoice sync",
		OrgID: "org-1",
		Graph: schema.WorkflowGraph{ID: "wf-1", Nodes: []schema.Node{{ID: "a", Type: "noop"}}},
	}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	err := s.CreateWorkflow(ctx, wf)
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeConflict, werr.Code)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "invoice sync", got.Name)
	require.Len(t, got.Graph.Nodes, 1)

	listed, err := s.ListWorkflows(ctx, WorkflowFilter{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	listed, err = s.ListWorkflows(ctx, WorkflowFilter{OrgID: "org-other"})
	require.NoError(t, err)
	assert.Empty(t, listed)

	require.NoError(t, s.DeleteWorkflow(ctx, "wf-1"))
	_, err = s.GetWorkflow(ctx, "wf-1")
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeNotFound, werr.Code)
}

func TestMemoryRunLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run := &Run{
		ID:         "run-1",
		WorkflowID: "wf-1",
		OrgID:      "org-1",
		Status:     schema.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(ctx, run))
	assert.Error(t, s.CreateRun(ctx, run))

	succeeded := schema.RunStatusSucceeded
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, "run-1", RunUpdate{
		Status:      &succeeded,
		Output:      []byte(`[{"n":1}]`),
		CompletedAt: &now,
	}))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, got.Status)
	assert.JSONEq(t, `[{"n":1}]`, string(got.Output))
	require.NotNil(t, got.CompletedAt)

	err = s.UpdateRun(ctx, "no-such-run", RunUpdate{})
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeNotFound, werr.Code)
}

func TestMemoryListRunsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	running := schema.RunStatusRunning
	mk := func(id, wfID string, status schema.RunStatus, offset time.Duration) {
		require.NoError(t, s.CreateRun(ctx, &Run{
			ID: id, WorkflowID: wfID, OrgID: "org-1",
			Status: status, StartedAt: base.Add(offset),
		}))
	}
	mk("r1", "wf-a", schema.RunStatusSucceeded, 0)
	mk("r2", "wf-a", schema.RunStatusRunning, time.Second)
	mk("r3", "wf-b", schema.RunStatusRunning, 2*time.Second)

	out, err := s.ListRuns(ctx, RunFilter{WorkflowID: "wf-a"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	// Ordered by start time ascending.
	assert.Equal(t, "r1", out[0].ID)
	assert.Equal(t, "r2", out[1].ID)

	out, err = s.ListRuns(ctx, RunFilter{Status: &running})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	since := base.Add(500 * time.Millisecond)
	out, err = s.ListRuns(ctx, RunFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r2", out[0].ID)

	out, err = s.ListRuns(ctx, RunFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMemoryEventSequencing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-1", Type: schema.EventNodeStarted}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-2", Type: schema.EventRunStarted}))

	events, err := s.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}

	// Sequences are per run, not global.
	events, err = s.GetEvents(ctx, "run-2", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)

	events, err = s.GetEvents(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Sequence)
}

func TestMemoryNodeStates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertNodeState(ctx, &NodeState{
		RunID: "run-1", NodeID: "a", Status: schema.NodeStatusRunning,
	}))
	require.NoError(t, s.UpsertNodeState(ctx, &NodeState{
		RunID: "run-1", NodeID: "a", Status: schema.NodeStatusCompleted, Attempts: 2,
	}))
	require.NoError(t, s.UpsertNodeState(ctx, &NodeState{
		RunID: "run-1", NodeID: "b", Status: schema.NodeStatusPending,
	}))

	state, err := s.GetNodeState(ctx, "run-1", "a")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusCompleted, state.Status)
	assert.Equal(t, 2, state.Attempts)

	states, err := s.ListNodeStates(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, states, 2)

	_, err = s.GetNodeState(ctx, "run-1", "ghost")
	assert.Error(t, err)
}

func TestMemoryApprovals(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := &schema.ApprovalRequest{
		ID:        "ap-1",
		RunID:     "run-1",
		NodeID:    "gate",
		Approvers: []string{"alice", "bob"},
		Status:    schema.ApprovalPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateApproval(ctx, req))
	assert.Error(t, s.CreateApproval(ctx, req))

	// Mutating the stored copy requires UpdateApproval.
	got, err := s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	got.Status = schema.ApprovalApproved
	unchanged, err := s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalPending, unchanged.Status)

	require.NoError(t, s.UpdateApproval(ctx, got))
	updated, err := s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalApproved, updated.Status)

	pending := schema.ApprovalPending
	out, err := s.ListApprovals(ctx, ApprovalFilter{RunID: "run-1", Status: &pending})
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = s.ListApprovals(ctx, ApprovalFilter{Approver: "bob"})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = s.ListApprovals(ctx, ApprovalFilter{Approver: "mallory"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMemoryDeadLetters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendDeadLetter(ctx, "orders", &schema.DeadLetterItem{ID: string(rune('a' + i))}))
	}
	require.NoError(t, s.AppendDeadLetter(ctx, "payments", &schema.DeadLetterItem{ID: "z"}))

	items, err := s.ListDeadLetters(ctx, "orders", 0)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	items, err = s.ListDeadLetters(ctx, "orders", 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	require.NoError(t, s.PurgeDeadLetters(ctx, "orders"))
	items, err = s.ListDeadLetters(ctx, "orders", 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = s.ListDeadLetters(ctx, "payments", 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMemoryScheduledJobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateScheduledJob(ctx, &ScheduledJob{
		ID: "job-1", WorkflowID: "wf-1", CronExpression: "0 * * * *", Enabled: true,
	}))
	require.NoError(t, s.CreateScheduledJob(ctx, &ScheduledJob{
		ID: "job-2", WorkflowID: "wf-2", CronExpression: "@daily", Enabled: false,
	}))
	assert.Error(t, s.CreateScheduledJob(ctx, &ScheduledJob{ID: "job-1"}))

	all, err := s.ListScheduledJobs(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := s.ListScheduledJobs(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "job-1", enabled[0].ID)

	off := false
	now := time.Now().UTC()
	require.NoError(t, s.UpdateScheduledJob(ctx, "job-1", ScheduledJobUpdate{
		Enabled:       &off,
		LastRunAt:     &now,
		LastRunStatus: "succeeded",
	}))
	job, err := s.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, job.Enabled)
	assert.Equal(t, "succeeded", job.LastRunStatus)
	require.NotNil(t, job.LastRunAt)

	require.NoError(t, s.DeleteScheduledJob(ctx, "job-2"))
	_, err = s.GetScheduledJob(ctx, "job-2")
	assert.Error(t, err)
}
