// Package durable wraps engine invocation behind a start/signal/query
// lifecycle so a long-running or suspended workflow can be driven from
// outside and survives process restarts. The adapter translates whatever
// status vocabulary the underlying substrate speaks into the run's
// five-state model.
package durable

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/weaveline/weft/pkg/schema"
)

// Handle identifies a started workflow execution. ID addresses the durable
// execution; RunID addresses the engine run it drives. For the in-process
// runtime they coincide.
type Handle struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
}

// StatusInfo is the answer to a Status call: the five-state status plus
// timing. Reading the status of a completed run is idempotent.
type StatusInfo struct {
	Status      schema.RunStatus  `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       *schema.WeftError `json:"error,omitempty"`
}

// Query names understood by the in-process runtime. Substrate-backed
// adapters may support more.
const (
	QueryProgress       = "progress"
	QueryCurrentNode    = "current_node"
	QueryCompletedNodes = "completed_nodes"
	QueryNodeStates     = "node_states"
)

// Adapter drives workflow runs from outside the engine. Cancel is
// cooperative and lets in-flight work finish; Terminate is immediate.
type Adapter interface {
	// Start launches a run of the graph and returns its handle. The run
	// proceeds independently of the calling goroutine.
	Start(ctx context.Context, graph *schema.WorkflowGraph, input schema.Lane, orgID string) (*Handle, error)
	// Status reports current status and timing. A purged or unknown id
	// resolves to the last known terminal status when one is cached.
	Status(ctx context.Context, id string) (*StatusInfo, error)
	// Signal delivers an external message: approval responses, resume
	// requests, cooperative cancellation, loop breaks.
	Signal(ctx context.Context, id string, sig *schema.Signal) error
	// Query is a non-mutating read of current progress.
	Query(ctx context.Context, id, name string) (map[string]any, error)
	// Cancel requests cooperative cancellation.
	Cancel(ctx context.Context, id string) error
	// Terminate stops the run immediately with no cleanup.
	Terminate(ctx context.Context, id string) error
}

// TranslateStatus maps a substrate's native status word onto the five-state
// model. Unknown vocabulary maps to running: a substrate reporting an
// in-between state (paused, continued, scheduled) still holds a live run.
func TranslateStatus(native string) schema.RunStatus {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "completed", "succeeded", "success":
		return schema.RunStatusSucceeded
	case "failed", "error", "timed_out", "timedout":
		return schema.RunStatusFailed
	case "canceled", "cancelled", "terminated":
		return schema.RunStatusCancelled
	case "awaiting_approval", "waiting", "suspended", "paused":
		return schema.RunStatusAwaitingApproval
	default:
		return schema.RunStatusRunning
	}
}

// terminalCache remembers the last known terminal status per handle so a
// lookup after history purge degrades to the cached answer instead of an
// error.
type terminalCache struct {
	mu      sync.RWMutex
	entries map[string]*StatusInfo
}

func newTerminalCache() *terminalCache {
	return &terminalCache{entries: make(map[string]*StatusInfo)}
}

func (c *terminalCache) put(id string, info *StatusInfo) {
	if info == nil || !info.Status.Terminal() {
		return
	}
	c.mu.Lock()
	c.entries[id] = info
	c.mu.Unlock()
}

func (c *terminalCache) get(id string) (*StatusInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.entries[id]
	return info, ok
}
