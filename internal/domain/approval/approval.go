// Package approval defines the derived "needs a human" entities.
package approval

import "time"

// Type discriminates the variants of Pending.
type Type string

const (
	TypePlan       Type = "plan"
	TypePermission Type = "permission"
)

// Pending is an outstanding request an agent is blocked on.
// Plan is set when Type is TypePlan, Permission when Type is TypePermission.
type Pending struct {
	Type      Type   `json:"type"`
	Agent     string `json:"agent"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`

	Plan       *PlanDetails       `json:"plan,omitempty"`
	Permission *PermissionDetails `json:"permission,omitempty"`
}

// PlanDetails holds the plan submitted for approval.
type PlanDetails struct {
	Content string `json:"content"`
}

// PermissionDetails describes the tool call awaiting permission.
type PermissionDetails struct {
	ToolName    string `json:"tool_name"`
	Description string `json:"description,omitempty"`
}

// IdleAgent is an agent waiting for its next instruction.
type IdleAgent struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	IdleSince time.Time `json:"idle_since"`
	Action    string    `json:"action"`
}

// PlanAction is the operation that resolves a plan approval for agent.
func PlanAction(agent string) string {
	return "POST /agents/" + agent + "/approve-plan"
}

// PermissionAction is the operation that resolves a permission request for agent.
func PermissionAction(agent string) string {
	return "POST /agents/" + agent + "/approve-permission"
}

// MessageAction is the operation that wakes an idle agent.
func MessageAction(agent string) string {
	return "POST /agents/" + agent + "/messages"
}

// AssignAction is the operation that claims an unassigned task.
func AssignAction(taskID string) string {
	return "POST /tasks/" + taskID + "/assign"
}
