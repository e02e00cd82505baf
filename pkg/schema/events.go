package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the event sourcing log.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunWaiting   = "run_awaiting_approval"
	EventRunResumed   = "run_resumed"
	EventRunTimedOut  = "run_timed_out"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"
	EventNodeWaiting   = "node_waiting"

	EventNodeRetryAttempt = "node_retry_attempt"
	EventNodeErrorCaught  = "node_error_caught"

	EventApprovalRequested = "approval_requested"
	EventApprovalResponse  = "approval_response"
	EventApprovalResolved  = "approval_resolved"

	EventSignalReceived = "signal_received"
	EventVariableSet    = "variable_set"

	EventLoopIteration     = "loop_iteration"
	EventLoopCompleted     = "loop_completed"
	EventMergeBuffered     = "merge_buffered"
	EventRollbackStarted   = "rollback_started"
	EventRollbackCompleted = "rollback_completed"
	EventDeadLettered      = "dead_lettered"
	EventAlertRaised       = "alert_raised"
)

// RunStatus represents the lifecycle state of a workflow run. This is the
// five-state model every durable substrate's native vocabulary is translated
// into.
type RunStatus string

const (
	RunStatusRunning          RunStatus = "running"
	RunStatusSucceeded        RunStatus = "succeeded"
	RunStatusFailed           RunStatus = "failed"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusCancelled        RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// NodeStatus represents the lifecycle state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusWaiting   NodeStatus = "waiting"
	NodeStatusRetrying  NodeStatus = "retrying"
)

// NodeExecutionResult summarizes one node's last execution within a run.
// Output carries one lane per output port; branching nodes route different
// items to different lanes.
type NodeExecutionResult struct {
	NodeID     string     `json:"node_id"`
	Status     NodeStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	DurationMs int64      `json:"duration_ms"`
	Output     Lanes      `json:"output,omitempty"`
	Error      *WeftError `json:"error,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
}

// ExecutionResult is the outcome of a workflow run. It round-trips through
// JSON without loss: re-reading a completed run yields identical terminal
// status and timing fields.
type ExecutionResult struct {
	RunID       string                          `json:"run_id"`
	WorkflowID  string                          `json:"workflow_id"`
	OrgID       string                          `json:"org_id,omitempty"`
	Status      RunStatus                       `json:"status"`
	Output      Lanes                           `json:"output,omitempty"`
	Error       *WeftError                      `json:"error,omitempty"`
	StartedAt   time.Time                       `json:"started_at"`
	CompletedAt *time.Time                      `json:"completed_at,omitempty"`
	Nodes       map[string]*NodeExecutionResult `json:"nodes,omitempty"`
}

// DeadLetterItem is one failed item captured on a named dead-letter queue.
// Queues are append-only and size-bounded with oldest-eviction.
type DeadLetterItem struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	WorkflowID string          `json:"workflow_id"`
	RunID      string          `json:"run_id"`
	NodeID     string          `json:"node_id"`
	Error      string          `json:"error"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	RetryCount int             `json:"retry_count"`
}
