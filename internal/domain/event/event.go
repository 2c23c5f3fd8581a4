// Package event defines the typed events emitted by the process orchestrator.
package event

import "time"

// Kind identifies the variant of an Event.
type Kind string

const (
	KindSpawned             Kind = "agent:spawned"
	KindExited              Kind = "agent:exited"
	KindMessage             Kind = "message"
	KindIdle                Kind = "idle"
	KindPlanApprovalRequest Kind = "plan:approval_request"
	KindPermissionRequest   Kind = "permission:request"
	KindProtocolError       Kind = "protocol:error"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{
	KindSpawned,
	KindExited,
	KindMessage,
	KindIdle,
	KindPlanApprovalRequest,
	KindPermissionRequest,
	KindProtocolError,
}

// Event is one immutable orchestrator event. Exactly one of the variant
// pointers matching Kind is set; KindIdle carries no payload.
type Event struct {
	Kind      Kind      `json:"kind"`
	Agent     string    `json:"agent"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`

	Spawned       *Spawned             `json:"spawned,omitempty"`
	Exited        *Exited              `json:"exited,omitempty"`
	Message       *Message             `json:"message,omitempty"`
	PlanApproval  *PlanApprovalRequest `json:"plan_approval,omitempty"`
	Permission    *PermissionRequest   `json:"permission,omitempty"`
	ProtocolError *ProtocolError       `json:"protocol_error,omitempty"`
}

// Spawned is emitted once the agent process has started.
type Spawned struct {
	PID int `json:"pid"`
}

// Exited is emitted once per process, whether it was killed or exited on its own.
type Exited struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Message is free-form output produced by an agent.
type Message struct {
	Content string `json:"content"`
	Summary string `json:"summary,omitempty"`
}

// PlanApprovalRequest asks a human to approve the agent's plan.
type PlanApprovalRequest struct {
	RequestID   string `json:"request_id"`
	Timestamp   string `json:"timestamp"`
	PlanContent string `json:"plan_content,omitempty"`
}

// PermissionRequest asks a human to allow a tool invocation.
type PermissionRequest struct {
	RequestID   string `json:"request_id"`
	Timestamp   string `json:"timestamp"`
	ToolName    string `json:"tool_name"`
	Description string `json:"description,omitempty"`
}

// ProtocolError reports an inbound frame that could not be decoded.
type ProtocolError struct {
	Error string `json:"error"`
	Raw   string `json:"raw,omitempty"`
}

// RequestID returns the request id of an approval-type event, or "".
func (e Event) RequestID() string {
	switch {
	case e.PlanApproval != nil:
		return e.PlanApproval.RequestID
	case e.Permission != nil:
		return e.Permission.RequestID
	}
	return ""
}

// SubjectToken renders the kind as a single dot-free token suitable for
// message queue subjects ("agent:spawned" -> "agent_spawned").
func (k Kind) SubjectToken() string {
	b := []byte(k)
	for i, c := range b {
		if c == ':' || c == '.' || c == '*' || c == '>' || c == ' ' {
			b[i] = '_'
		}
	}
	return string(b)
}
