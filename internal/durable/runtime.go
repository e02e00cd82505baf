package durable

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weaveline/weft/internal/engine"
	"github.com/weaveline/weft/internal/nodes"
	"github.com/weaveline/weft/internal/store"
	"github.com/weaveline/weft/pkg/schema"
)

// Runtime is the in-process durable substrate. Each started run gets its own
// goroutine; suspension and resume go through the event log, so a runtime
// restarted against the same store can pick a suspended run back up from its
// recorded history.
type Runtime struct {
	engine *engine.Engine
	store  store.Store
	events *store.EventLog
	logger *slog.Logger

	mu    sync.Mutex
	runs  map[string]*runEntry
	cache *terminalCache
}

type runEntry struct {
	graph  *schema.WorkflowGraph
	ec     *nodes.ExecutionContext
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	result     *schema.ExecutionResult
	err        error
	terminated bool
}

// NewRuntime creates a runtime driving the given engine and store.
func NewRuntime(eng *engine.Engine, st store.Store, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		engine: eng,
		store:  st,
		events: store.NewEventLog(st),
		logger: logger,
		runs:   make(map[string]*runEntry),
		cache:  newTerminalCache(),
	}
}

var _ Adapter = (*Runtime)(nil)

// Start launches a run. Structural graph errors surface here, before any
// node executes; execution itself is asynchronous.
func (r *Runtime) Start(ctx context.Context, graph *schema.WorkflowGraph, input schema.Lane, orgID string) (*Handle, error) {
	if _, err := engine.BuildPlan(graph); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ec := nodes.NewExecutionContext(graph.ID, runID, orgID, input)

	// The run outlives the Start call: detach from the caller's context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &runEntry{
		graph:  graph,
		ec:     ec,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.runs[runID] = entry
	r.mu.Unlock()

	go r.drive(runCtx, entry, func() (*schema.ExecutionResult, error) {
		return r.engine.ExecuteContext(runCtx, graph, ec)
	})

	return &Handle{ID: runID, RunID: runID}, nil
}

func (r *Runtime) drive(ctx context.Context, entry *runEntry, invoke func() (*schema.ExecutionResult, error)) {
	result, err := invoke()

	entry.mu.Lock()
	if !entry.terminated {
		entry.result = result
		entry.err = err
	}
	entry.mu.Unlock()
	close(entry.done)

	if result != nil {
		r.cache.put(result.RunID, statusFromResult(result))
	}
	if err != nil {
		r.logger.Debug("run finished with error", "error", err.Error())
	}
	entry.cancel()
}

// Status reports the run's five-state status and timing. When the store no
// longer knows the run, the last cached terminal status answers instead.
func (r *Runtime) Status(ctx context.Context, id string) (*StatusInfo, error) {
	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		if info, ok := r.cache.get(id); ok && isNotFound(err) {
			return info, nil
		}
		return nil, err
	}

	info := &StatusInfo{
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if len(run.Error) > 0 {
		var werr schema.WeftError
		if json.Unmarshal(run.Error, &werr) == nil && werr.Code != "" {
			info.Error = &werr
		}
	}
	r.cache.put(id, info)

	if info.Status.Terminal() {
		r.mu.Lock()
		if entry := r.runs[id]; entry != nil {
			select {
			case <-entry.done:
				delete(r.runs, id)
			default:
			}
		}
		r.mu.Unlock()
	}
	return info, nil
}

// Signal delivers an external message to a run. Approval responses are
// recorded against the pending request and, once consensus is terminal, the
// run resumes.
func (r *Runtime) Signal(ctx context.Context, id string, sig *schema.Signal) error {
	if sig == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil signal")
	}

	payload, _ := json.Marshal(sig)
	_ = r.events.AppendEvent(ctx, &store.Event{
		RunID:   id,
		NodeID:  sig.NodeID,
		Type:    schema.EventSignalReceived,
		Payload: payload,
	})

	switch sig.Type {
	case schema.SignalApprovalResponse:
		return r.deliverApproval(ctx, id, sig)
	case schema.SignalResume:
		return r.resume(ctx, id)
	case schema.SignalCancel:
		return r.Cancel(ctx, id)
	case schema.SignalBreak:
		return r.deliverBreak(id, sig.NodeID)
	default:
		return schema.NewErrorf(schema.ErrCodeSignalFailed, "unknown signal type %q", sig.Type)
	}
}

func (r *Runtime) deliverApproval(ctx context.Context, runID string, sig *schema.Signal) error {
	req, err := r.pendingApproval(ctx, runID, sig.NodeID)
	if err != nil {
		return err
	}

	var resp schema.ApprovalResponse
	raw, _ := json.Marshal(sig.Payload)
	if err := json.Unmarshal(raw, &resp); err != nil || resp.ApproverID == "" {
		return schema.NewError(schema.ErrCodeValidation,
			"approval_response signal requires approver_id in payload")
	}

	if err := nodes.RecordResponse(req, resp); err != nil {
		return err
	}
	if err := r.store.UpdateApproval(ctx, req); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update approval: %s", err.Error()).WithCause(err)
	}

	respRaw, _ := json.Marshal(resp)
	_ = r.events.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		NodeID:  req.NodeID,
		Type:    schema.EventApprovalResponse,
		Payload: respRaw,
	})

	if req.Status == schema.ApprovalPending {
		return nil
	}

	resolved, _ := json.Marshal(map[string]any{"status": string(req.Status)})
	_ = r.events.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		NodeID:  req.NodeID,
		Type:    schema.EventApprovalResolved,
		Payload: resolved,
	})
	return r.resume(ctx, runID)
}

func (r *Runtime) pendingApproval(ctx context.Context, runID, nodeID string) (*schema.ApprovalRequest, error) {
	if nodeID != "" {
		return r.store.GetApproval(ctx, nodes.ApprovalRequestID(runID, nodeID))
	}

	pending := schema.ApprovalPending
	reqs, err := r.store.ListApprovals(ctx, store.ApprovalFilter{RunID: runID, Status: &pending})
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no pending approval for run %s", runID)
	}
	return reqs[0], nil
}

func (r *Runtime) deliverBreak(runID, nodeID string) error {
	if nodeID == "" {
		return schema.NewError(schema.ErrCodeValidation, "break signal requires node_id")
	}
	r.mu.Lock()
	entry := r.runs[runID]
	r.mu.Unlock()
	if entry == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not live in this process", runID)
	}
	entry.ec.RequestBreak(nodeID)
	return nil
}

// resume rebuilds the execution context from recorded history and relaunches
// the run. A runtime restarted against the same store resumes runs it never
// started, as long as the workflow definition is persisted.
func (r *Runtime) resume(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != schema.RunStatusAwaitingApproval {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s, not awaiting approval", runID, run.Status)
	}

	graph, err := r.graphFor(ctx, runID, run.WorkflowID)
	if err != nil {
		return err
	}

	seed, err := r.seedFromHistory(ctx, runID)
	if err != nil {
		return err
	}

	var input schema.Lane
	if len(run.Input) > 0 {
		_ = json.Unmarshal(run.Input, &input)
	}

	ec := nodes.NewExecutionContext(graph.ID, runID, run.OrgID, input)
	for nodeID, result := range seed {
		ec.SetResult(nodeID, result)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &runEntry{
		graph:  graph,
		ec:     ec,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.runs[runID] = entry
	r.mu.Unlock()

	go r.drive(runCtx, entry, func() (*schema.ExecutionResult, error) {
		return r.engine.ResumeContext(runCtx, graph, ec)
	})
	return nil
}

func (r *Runtime) graphFor(ctx context.Context, runID, workflowID string) (*schema.WorkflowGraph, error) {
	r.mu.Lock()
	entry := r.runs[runID]
	r.mu.Unlock()
	if entry != nil && entry.graph != nil {
		return entry.graph, nil
	}

	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow %s for run %s: %s", workflowID, runID, err.Error()).WithCause(err)
	}
	return &wf.Graph, nil
}

// seedFromHistory replays the event log into node results. Only nodes with a
// terminal state are seeded; waiting nodes re-execute so the suspended gate
// can route on the recorded resolution.
func (r *Runtime) seedFromHistory(ctx context.Context, runID string) (map[string]*schema.NodeExecutionResult, error) {
	replay, err := r.events.Replay(ctx, runID)
	if err != nil {
		return nil, err
	}

	seed := make(map[string]*schema.NodeExecutionResult, len(replay.NodeStates))
	for nodeID, ns := range replay.NodeStates {
		switch ns.Status {
		case schema.NodeStatusCompleted, schema.NodeStatusFailed, schema.NodeStatusSkipped:
		default:
			continue
		}

		result := &schema.NodeExecutionResult{
			NodeID:     nodeID,
			Status:     ns.Status,
			Attempts:   ns.Attempts,
			DurationMs: ns.DurationMs,
		}
		if ns.StartedAt != nil {
			result.StartedAt = *ns.StartedAt
		}
		if len(ns.Output) > 0 {
			_ = json.Unmarshal(ns.Output, &result.Output)
		}
		if len(ns.Error) > 0 {
			var werr schema.WeftError
			if json.Unmarshal(ns.Error, &werr) == nil && werr.Code != "" {
				result.Error = &werr
			}
		}
		seed[nodeID] = result
	}
	return seed, nil
}

// Query reads current progress without mutating the run.
func (r *Runtime) Query(ctx context.Context, id, name string) (map[string]any, error) {
	replay, err := r.events.Replay(ctx, id)
	if err != nil {
		return nil, err
	}

	var completed []string
	current := ""
	states := make(map[string]any, len(replay.NodeStates))
	for nodeID, ns := range replay.NodeStates {
		states[nodeID] = string(ns.Status)
		switch ns.Status {
		case schema.NodeStatusCompleted:
			completed = append(completed, nodeID)
		case schema.NodeStatusRunning, schema.NodeStatusRetrying, schema.NodeStatusWaiting:
			current = nodeID
		}
	}
	sort.Strings(completed)

	switch name {
	case QueryProgress, "":
		return map[string]any{
			"status":          string(replay.RunStatus),
			"current_node":    current,
			"completed_nodes": completed,
		}, nil
	case QueryCurrentNode:
		return map[string]any{"current_node": current}, nil
	case QueryCompletedNodes:
		return map[string]any{"completed_nodes": completed}, nil
	case QueryNodeStates:
		return map[string]any{"node_states": states}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown query %q", name)
	}
}

// Cancel requests cooperative cancellation: the in-flight node finishes, the
// engine records the cancelled state, cleanup paths run. A suspended run has
// no goroutine listening, so its recorded state is cancelled directly.
func (r *Runtime) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	entry := r.runs[id]
	r.mu.Unlock()

	if entry != nil {
		entry.cancel()
		select {
		case <-entry.done:
			// The goroutine already finished: the run is suspended or
			// terminal and the context cancellation reached nobody.
		default:
			return nil
		}
	}

	if err := r.markCancelled(ctx, id, schema.ErrCodeCancelled, "run cancelled"); err != nil {
		return err
	}
	if entry != nil {
		r.release(id, entry)
	}
	return nil
}

// Terminate stops the run immediately. No cleanup handlers run; the recorded
// state says terminated even if the goroutine is still unwinding.
func (r *Runtime) Terminate(ctx context.Context, id string) error {
	r.mu.Lock()
	entry := r.runs[id]
	r.mu.Unlock()

	if entry != nil {
		entry.mu.Lock()
		entry.terminated = true
		entry.mu.Unlock()
		entry.cancel()
	}
	if err := r.markCancelled(ctx, id, schema.ErrCodeTerminated, "run terminated"); err != nil {
		return err
	}
	if entry != nil {
		r.release(id, entry)
	}
	return nil
}

// release drops the run's entry when it still maps to the given one.
// Suspended runs keep their entry so resume can reuse the in-memory graph;
// everything terminal is released once observed, bounding the run table.
func (r *Runtime) release(id string, entry *runEntry) {
	r.mu.Lock()
	if r.runs[id] == entry {
		delete(r.runs, id)
	}
	r.mu.Unlock()
}

func (r *Runtime) markCancelled(ctx context.Context, id, code, msg string) error {
	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	cancelled := schema.RunStatusCancelled
	errRaw, _ := json.Marshal(schema.NewError(code, msg))
	update := store.RunUpdate{Status: &cancelled, CompletedAt: &now, Error: errRaw}
	if err := r.store.UpdateRun(ctx, id, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run: %s", err.Error()).WithCause(err)
	}
	_ = r.events.AppendEvent(ctx, &store.Event{RunID: id, Type: schema.EventRunCancelled})

	r.cache.put(id, &StatusInfo{
		Status:      cancelled,
		StartedAt:   run.StartedAt,
		CompletedAt: &now,
	})
	return nil
}

// ExpireApprovals resumes runs whose pending approval outlived its deadline
// so the gate can apply the configured timeout action. Returns how many runs
// were woken.
func (r *Runtime) ExpireApprovals(ctx context.Context) (int, error) {
	pending := schema.ApprovalPending
	reqs, err := r.store.ListApprovals(ctx, store.ApprovalFilter{Status: &pending})
	if err != nil {
		return 0, err
	}

	now := time.Now()
	woken := 0
	for _, req := range reqs {
		if req.ExpiresAt == nil || now.Before(*req.ExpiresAt) {
			continue
		}
		if err := r.resume(ctx, req.RunID); err != nil {
			r.logger.Warn("wake expired approval", "run_id", req.RunID, "error", err.Error())
			continue
		}
		woken++
	}
	return woken, nil
}

// WaitDone blocks until a locally started run's goroutine finishes and
// returns its result. Intended for tests and synchronous callers.
func (r *Runtime) WaitDone(ctx context.Context, id string) (*schema.ExecutionResult, error) {
	r.mu.Lock()
	entry := r.runs[id]
	r.mu.Unlock()
	if entry == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not live in this process", id)
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	entry.mu.Lock()
	result, err := entry.result, entry.err
	terminated := entry.terminated
	entry.mu.Unlock()

	if terminated || result == nil || result.Status.Terminal() {
		r.release(id, entry)
	}
	return result, err
}

func statusFromResult(result *schema.ExecutionResult) *StatusInfo {
	return &StatusInfo{
		Status:      result.Status,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		Error:       result.Error,
	}
}

func isNotFound(err error) bool {
	var werr *schema.WeftError
	return errors.As(err, &werr) && werr.Code == schema.ErrCodeNotFound
}
