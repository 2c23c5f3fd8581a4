package agentproc

import (
	"errors"

	"github.com/companion-dev/companion/internal/domain/event"
)

// ErrUnknownFrame is returned by Codec.Decode for a well-formed frame whose
// type this orchestrator does not understand. Such frames are skipped.
var ErrUnknownFrame = errors.New("unknown frame type")

// Codec translates between wire frames and orchestrator values.
type Codec interface {
	// Decode parses one inbound line. The returned event has Kind and its
	// payload set; the caller stamps Agent, SessionID and Time.
	Decode(line []byte) (event.Event, error)

	// Encode renders one outbound frame as a single line without the newline.
	Encode(f Outbound) ([]byte, error)
}

// Outbound is a frame sent from the orchestrator to an agent.
type Outbound interface {
	outbound()
}

// Message is free-form text delivered into the agent's conversation.
type Message struct {
	From    string
	Text    string
	Summary string
}

// ShutdownRequest asks the agent to finish and exit on its own.
type ShutdownRequest struct {
	From   string
	Reason string
}

// PlanApprovalResponse resolves a plan approval request.
type PlanApprovalResponse struct {
	RequestID string
	Approved  bool
	Feedback  string
}

// PermissionResponse resolves a tool permission request.
type PermissionResponse struct {
	RequestID string
	Approved  bool
}

// TaskAssignment tells the agent it now owns a task.
type TaskAssignment struct {
	TaskID      string
	Subject     string
	Description string
	AssignedBy  string
}

func (Message) outbound()              {}
func (ShutdownRequest) outbound()      {}
func (PlanApprovalResponse) outbound() {}
func (PermissionResponse) outbound()   {}
func (TaskAssignment) outbound()       {}
