package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weaveline/weft/pkg/schema"
)

// MemoryStore is the in-memory Store used by the embedded runtime and tests.
// Event sequences are per run and gap-free, matching the durable backend.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*Workflow
	runs        map[string]*Run
	events      map[string][]*Event // run ID -> ordered events
	nodeStates  map[string]map[string]*NodeState
	approvals   map[string]*schema.ApprovalRequest
	deadLetters map[string][]*schema.DeadLetterItem
	jobs        map[string]*ScheduledJob
	nextEventID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string]*Workflow),
		runs:        make(map[string]*Run),
		events:      make(map[string][]*Event),
		nodeStates:  make(map[string]map[string]*NodeState),
		approvals:   make(map[string]*schema.ApprovalRequest),
		deadLetters: make(map[string][]*schema.DeadLetterItem),
		jobs:        make(map[string]*ScheduledJob),
	}
}

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id)
}

// --- Workflow definitions ---

func (s *MemoryStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow already exists: %s", wf.ID)
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, notFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Workflow
	for _, wf := range s.workflows {
		if filter.OrgID != "" && wf.OrgID != filter.OrgID {
			continue
		}
		if filter.Name != "" && wf.Name != filter.Name {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return notFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run already exists: %s", run.ID)
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return notFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = update.Output
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.OrgID != "" && run.OrgID != filter.OrgID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && run.StartedAt.Before(*filter.Since) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	event.ID = s.nextEventID
	event.Sequence = int64(len(s.events[event.RunID])) + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Node states ---

func (s *MemoryStore) UpsertNodeState(ctx context.Context, state *NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, ok := s.nodeStates[state.RunID]
	if !ok {
		states = make(map[string]*NodeState)
		s.nodeStates[state.RunID] = states
	}
	cp := *state
	states[state.NodeID] = &cp
	return nil
}

func (s *MemoryStore) GetNodeState(ctx context.Context, runID, nodeID string) (*NodeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.nodeStates[runID][nodeID]
	if !ok {
		return nil, notFound("node state", runID+"/"+nodeID)
	}
	cp := *state
	return &cp, nil
}

func (s *MemoryStore) ListNodeStates(ctx context.Context, runID string) ([]*NodeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*NodeState
	for _, state := range s.nodeStates[runID] {
		cp := *state
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// --- Approvals ---

func (s *MemoryStore) CreateApproval(ctx context.Context, req *schema.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[req.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval already exists: %s", req.ID)
	}
	s.approvals[req.ID] = copyApproval(req)
	return nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.approvals[id]
	if !ok {
		return nil, notFound("approval", id)
	}
	return copyApproval(req), nil
}

func (s *MemoryStore) UpdateApproval(ctx context.Context, req *schema.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[req.ID]; !ok {
		return notFound("approval", req.ID)
	}
	s.approvals[req.ID] = copyApproval(req)
	return nil
}

func (s *MemoryStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.ApprovalRequest
	for _, req := range s.approvals {
		if filter.RunID != "" && req.RunID != filter.RunID {
			continue
		}
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		if filter.Approver != "" && !containsApprover(req.Approvers, filter.Approver) {
			continue
		}
		out = append(out, copyApproval(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func copyApproval(req *schema.ApprovalRequest) *schema.ApprovalRequest {
	cp := *req
	cp.Approvers = append([]string(nil), req.Approvers...)
	cp.Responses = append([]schema.ApprovalResponse(nil), req.Responses...)
	return &cp
}

func containsApprover(approvers []string, id string) bool {
	for _, a := range approvers {
		if a == id {
			return true
		}
	}
	return false
}

// --- Dead letters ---

func (s *MemoryStore) AppendDeadLetter(ctx context.Context, queue string, item *schema.DeadLetterItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.deadLetters[queue] = append(s.deadLetters[queue], &cp)
	return nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, queue string, limit int) ([]*schema.DeadLetterItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.deadLetters[queue]
	out := make([]*schema.DeadLetterItem, 0, len(items))
	for _, item := range items {
		cp := *item
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PurgeDeadLetters(ctx context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadLetters, queue)
	return nil
}

// --- Scheduled jobs ---

func (s *MemoryStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job already exists: %s", job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound("scheduled job", id)
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return notFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (s *MemoryStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ScheduledJob
	for _, job := range s.jobs {
		if enabledOnly && !job.Enabled {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteScheduledJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return notFound("scheduled job", id)
	}
	delete(s.jobs, id)
	return nil
}

// --- Maintenance ---

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
