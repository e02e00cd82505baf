package schema

import "time"

// ApprovalType selects the consensus rule for a human approval gate.
type ApprovalType string

const (
	ApprovalSingle    ApprovalType = "single"    // any one approval decides
	ApprovalAll       ApprovalType = "all"       // every approver must approve
	ApprovalMajority  ApprovalType = "majority"  // approvals >= ceil(n/2)
	ApprovalThreshold ApprovalType = "threshold" // approvals >= configured minimum
)

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timeout"
)

// TimeoutAction determines the routed output when the gate expires without
// terminal consensus.
type TimeoutAction string

const (
	TimeoutAutoReject   TimeoutAction = "auto_reject"
	TimeoutAutoApprove  TimeoutAction = "auto_approve"
	TimeoutEscalate     TimeoutAction = "escalate"
	TimeoutNotifyExtend TimeoutAction = "notify_extend"
)

// ApprovalRequest is created when a human approval node executes. It is
// mutated only by recorded approver responses and becomes terminal once a
// consensus rule is satisfied or it expires.
type ApprovalRequest struct {
	ID        string             `json:"id"`
	RunID     string             `json:"run_id"`
	NodeID    string             `json:"node_id"`
	Approvers []string           `json:"approvers"`
	Type      ApprovalType       `json:"approval_type"`
	Threshold int                `json:"threshold,omitempty"` // for ApprovalThreshold
	Responses []ApprovalResponse `json:"responses,omitempty"`
	Status    ApprovalStatus     `json:"status"`
	Message   string             `json:"message,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
}

// ApprovalResponse is one approver's recorded decision.
type ApprovalResponse struct {
	ApproverID  string         `json:"approver_id"`
	Approved    bool           `json:"approved"`
	Comment     string         `json:"comment,omitempty"`
	FormData    map[string]any `json:"form_data,omitempty"`
	RespondedAt time.Time      `json:"responded_at"`
}

// Counts returns the number of approvals and rejections recorded so far.
// Duplicate responses from the same approver count once, latest wins.
func (r *ApprovalRequest) Counts() (approvals, rejections int) {
	latest := make(map[string]bool, len(r.Responses))
	for _, resp := range r.Responses {
		latest[resp.ApproverID] = resp.Approved
	}
	for _, approved := range latest {
		if approved {
			approvals++
		} else {
			rejections++
		}
	}
	return approvals, rejections
}
