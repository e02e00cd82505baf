package schema

// SignalType enumerates the kinds of external signals a run accepts.
type SignalType string

const (
	// SignalApprovalResponse delivers one approver's decision to a waiting gate.
	SignalApprovalResponse SignalType = "approval_response"
	// SignalResume wakes a run suspended on an external wait.
	SignalResume SignalType = "resume"
	// SignalCancel requests cooperative cancellation.
	SignalCancel SignalType = "cancel"
	// SignalBreak exits the innermost loop on its next iteration boundary.
	SignalBreak SignalType = "break"
)

// Signal is an externally initiated message delivered to a run, usually by
// the durable execution adapter's Signal operation.
type Signal struct {
	Type    SignalType     `json:"type"`
	Name    string         `json:"name,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}
