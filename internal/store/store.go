package store

import (
	"context"

	"github.com/weaveline/weft/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Event sourcing (append-only, per-run sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Node state (materialized view)
	UpsertNodeState(ctx context.Context, state *NodeState) error
	GetNodeState(ctx context.Context, runID, nodeID string) (*NodeState, error)
	ListNodeStates(ctx context.Context, runID string) ([]*NodeState, error)

	// Approvals
	CreateApproval(ctx context.Context, req *schema.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*schema.ApprovalRequest, error)
	UpdateApproval(ctx context.Context, req *schema.ApprovalRequest) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error)

	// Dead letters
	AppendDeadLetter(ctx context.Context, queue string, item *schema.DeadLetterItem) error
	ListDeadLetters(ctx context.Context, queue string, limit int) ([]*schema.DeadLetterItem, error)
	PurgeDeadLetters(ctx context.Context, queue string) error

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
