package nodes

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/weaveline/weft/internal/expressions"
	"github.com/weaveline/weft/pkg/schema"
)

// TypeApproval is the human approval gate node type name.
const TypeApproval = "approval"

const defaultApprovalTimeout = 24 * time.Hour

// ApprovalStore is the persistence surface the gate needs. The full store
// satisfies it.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, req *schema.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*schema.ApprovalRequest, error)
	UpdateApproval(ctx context.Context, req *schema.ApprovalRequest) error
}

// ApprovalHandler suspends the run until human consensus resolves. The gate
// never blocks in process: it persists the request, notifies approvers, and
// returns a waiting signal; the durable runtime records responses and
// resumes the run once consensus is terminal. Approved items route to
// lane 0, rejected to lane 1.
type ApprovalHandler struct {
	deps  *Deps
	store ApprovalStore
}

// NewApprovalHandler creates the approval gate handler.
func NewApprovalHandler(deps *Deps, store ApprovalStore) *ApprovalHandler {
	return &ApprovalHandler{deps: deps, store: store}
}

type approvalConfig struct {
	Approvers []string            `json:"approvers"`
	Type      schema.ApprovalType `json:"type"`
	Threshold int                 `json:"threshold"`
	Message   string              `json:"message"` // supports {{ }} interpolation
	Timeout   string              `json:"timeout"` // e.g. "24h"
	// TimeoutAction decides the route when the gate expires unresolved.
	TimeoutAction schema.TimeoutAction `json:"timeout_action"`
	// EscalateTo extends the approver set on escalation.
	EscalateTo []string `json:"escalate_to"`
	Channel    string   `json:"channel"`
}

func (*ApprovalHandler) Type() string { return TypeApproval }

func (h *ApprovalHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	if h.store == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no approval store configured").WithNode(node.ID)
	}

	var cfg approvalConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Approvers) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval node requires approvers").WithNode(node.ID)
	}
	if cfg.Type == "" {
		cfg.Type = schema.ApprovalSingle
	}
	if cfg.Type == schema.ApprovalThreshold && (cfg.Threshold < 1 || cfg.Threshold > len(cfg.Approvers)) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"threshold must be in [1, %d], got %d", len(cfg.Approvers), cfg.Threshold).WithNode(node.ID)
	}

	requestID := ApprovalRequestID(ec.RunID, node.ID)

	req, err := h.store.GetApproval(ctx, requestID)
	if err != nil {
		// First execution: create, notify, suspend.
		return nil, h.open(ctx, node, &cfg, requestID, ec)
	}

	switch req.Status {
	case schema.ApprovalApproved:
		return routeApproval(input, req, true), nil
	case schema.ApprovalRejected:
		return routeApproval(input, req, false), nil
	case schema.ApprovalTimedOut:
		return h.resolveTimeout(ctx, node, &cfg, req, input)
	default:
		if req.ExpiresAt != nil && time.Now().After(*req.ExpiresAt) {
			return h.expire(ctx, node, &cfg, req, input)
		}
		return nil, ErrAwaitingApproval
	}
}

func (h *ApprovalHandler) open(ctx context.Context, node *schema.Node, cfg *approvalConfig, requestID string, ec *ExecutionContext) error {
	message := cfg.Message
	if message != "" {
		if resolved, err := expressions.ResolveString(message, ec.Scope()); err == nil {
			if s, ok := resolved.(string); ok {
				message = s
			}
		}
	}

	timeout := defaultApprovalTimeout
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	expires := time.Now().UTC().Add(timeout)

	req := &schema.ApprovalRequest{
		ID:        requestID,
		RunID:     ec.RunID,
		NodeID:    node.ID,
		Approvers: append([]string(nil), cfg.Approvers...),
		Type:      cfg.Type,
		Threshold: cfg.Threshold,
		Status:    schema.ApprovalPending,
		Message:   message,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: &expires,
	}
	if err := h.store.CreateApproval(ctx, req); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create approval request: %s", err.Error()).
			WithNode(node.ID).WithCause(err)
	}

	h.notify(ctx, cfg.Channel, req.Approvers, "approval requested", schema.Item{
		"approval_id": req.ID,
		"run_id":      req.RunID,
		"message":     req.Message,
		"expires_at":  expires.Format(time.RFC3339),
	})

	return ErrAwaitingApproval
}

// expire applies the timeout action to a pending request that outlived its
// deadline.
func (h *ApprovalHandler) expire(ctx context.Context, node *schema.Node, cfg *approvalConfig, req *schema.ApprovalRequest, input schema.Lanes) (schema.Lanes, error) {
	action := cfg.TimeoutAction
	if action == "" {
		action = schema.TimeoutAutoReject
	}

	switch action {
	case schema.TimeoutAutoApprove:
		req.Status = schema.ApprovalApproved
		if err := h.store.UpdateApproval(ctx, req); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "update approval: %s", err.Error()).WithNode(node.ID).WithCause(err)
		}
		return routeApproval(input, req, true), nil

	case schema.TimeoutEscalate:
		// Extend the deadline, widen the approver set, and keep waiting.
		extended := time.Now().UTC().Add(defaultApprovalTimeout)
		req.ExpiresAt = &extended
		for _, a := range cfg.EscalateTo {
			if !containsString(req.Approvers, a) {
				req.Approvers = append(req.Approvers, a)
			}
		}
		if err := h.store.UpdateApproval(ctx, req); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "update approval: %s", err.Error()).WithNode(node.ID).WithCause(err)
		}
		h.notify(ctx, cfg.Channel, req.Approvers, "approval escalated", schema.Item{
			"approval_id": req.ID,
			"run_id":      req.RunID,
			"message":     req.Message,
		})
		return nil, ErrAwaitingApproval

	case schema.TimeoutNotifyExtend:
		extended := time.Now().UTC().Add(defaultApprovalTimeout)
		req.ExpiresAt = &extended
		if err := h.store.UpdateApproval(ctx, req); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "update approval: %s", err.Error()).WithNode(node.ID).WithCause(err)
		}
		h.notify(ctx, cfg.Channel, req.Approvers, "approval reminder", schema.Item{
			"approval_id": req.ID,
			"run_id":      req.RunID,
			"message":     req.Message,
		})
		return nil, ErrAwaitingApproval

	default: // auto_reject
		req.Status = schema.ApprovalTimedOut
		if err := h.store.UpdateApproval(ctx, req); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "update approval: %s", err.Error()).WithNode(node.ID).WithCause(err)
		}
		return routeApproval(input, req, false), nil
	}
}

// resolveTimeout routes a request already marked timed out.
func (h *ApprovalHandler) resolveTimeout(ctx context.Context, node *schema.Node, cfg *approvalConfig, req *schema.ApprovalRequest, input schema.Lanes) (schema.Lanes, error) {
	if cfg.TimeoutAction == schema.TimeoutAutoApprove {
		return routeApproval(input, req, true), nil
	}
	return routeApproval(input, req, false), nil
}

func (h *ApprovalHandler) notify(ctx context.Context, channel string, recipients []string, subject string, payload schema.Item) {
	if h.deps == nil || h.deps.Notifier == nil {
		return
	}
	if err := h.deps.Notifier.Notify(ctx, channel, recipients, subject, payload); err != nil {
		h.deps.logger().WarnContext(ctx, "approval notification failed", "error", err.Error())
	}
}

// routeApproval passes items to lane 0 (approved) or lane 1 (rejected),
// annotated with the resolution.
func routeApproval(input schema.Lanes, req *schema.ApprovalRequest, approved bool) schema.Lanes {
	approvals, rejections := req.Counts()
	annotation := map[string]any{
		"approval_id": req.ID,
		"status":      string(req.Status),
		"approvals":   approvals,
		"rejections":  rejections,
	}

	items := input.Flatten()
	if len(items) == 0 {
		items = schema.Lane{{}}
	}
	routed := make(schema.Lane, len(items))
	for i, item := range items {
		cp := make(schema.Item, len(item)+1)
		for k, v := range item {
			cp[k] = v
		}
		cp["approval"] = annotation
		routed[i] = cp
	}

	out := schema.EmptyLanes(2)
	if approved {
		out[0] = routed
	} else {
		out[1] = routed
	}
	return out
}

// EvaluateConsensus applies the consensus rule to the recorded responses and
// returns the resulting status. Rejection short-circuits as soon as approval
// can no longer be reached.
func EvaluateConsensus(req *schema.ApprovalRequest) schema.ApprovalStatus {
	approvals, rejections := req.Counts()
	n := len(req.Approvers)

	switch req.Type {
	case schema.ApprovalSingle:
		// First response decides.
		if approvals > 0 {
			return schema.ApprovalApproved
		}
		if rejections > 0 {
			return schema.ApprovalRejected
		}

	case schema.ApprovalAll:
		if rejections > 0 {
			return schema.ApprovalRejected
		}
		if approvals >= n {
			return schema.ApprovalApproved
		}

	case schema.ApprovalMajority:
		needed := (n + 1) / 2 // ceil(n/2)
		if approvals >= needed {
			return schema.ApprovalApproved
		}
		if n-rejections < needed {
			return schema.ApprovalRejected
		}

	case schema.ApprovalThreshold:
		if approvals >= req.Threshold {
			return schema.ApprovalApproved
		}
		if n-rejections < req.Threshold {
			return schema.ApprovalRejected
		}
	}

	return schema.ApprovalPending
}

// RecordResponse appends (or supersedes) an approver's response and
// re-evaluates consensus. Responses from unknown approvers are rejected;
// responses after resolution are a conflict.
func RecordResponse(req *schema.ApprovalRequest, resp schema.ApprovalResponse) error {
	if req.Status != schema.ApprovalPending {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"approval %s already resolved: %s", req.ID, req.Status)
	}
	if !containsString(req.Approvers, resp.ApproverID) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s is not an approver on request %s", resp.ApproverID, req.ID)
	}
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now().UTC()
	}
	req.Responses = append(req.Responses, resp)
	req.Status = EvaluateConsensus(req)
	return nil
}

// ApprovalRequestID derives the deterministic request id for a run and node,
// so re-execution after resume finds the same request.
func ApprovalRequestID(runID, nodeID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID+"/"+nodeID)).String()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
