package claude

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/companion-dev/companion/internal/domain/event"
	"github.com/companion-dev/companion/internal/port/agentproc"
)

// Inbound frame types.
const (
	frameMessage        = "message"
	frameIdle           = "idle"
	framePlanApproval   = "plan_approval_request"
	framePermissionReq  = "permission_request"
	frameShutdown       = "shutdown_request"
	framePlanResponse   = "plan_approval_response"
	framePermissionResp = "permission_response"
	frameTaskAssignment = "task_assignment"
)

// Codec implements agentproc.Codec for line-delimited JSON frames.
type Codec struct {
	now func() time.Time
}

// NewCodec creates a Codec that stamps outbound frames with the wall clock.
func NewCodec() *Codec {
	return &Codec{now: time.Now}
}

var _ agentproc.Codec = (*Codec)(nil)

// inboundFrame is the union of all inbound fields. Pointer fields distinguish
// absent from empty.
type inboundFrame struct {
	Type        string          `json:"type"`
	Content     *string         `json:"content"`
	Text        *string         `json:"text"`
	Summary     string          `json:"summary"`
	RequestID   string          `json:"requestId"`
	Timestamp   json.RawMessage `json:"timestamp"`
	PlanContent string          `json:"planContent"`
	ToolName    string          `json:"toolName"`
	Description string          `json:"description"`
}

// Decode parses one inbound line.
func (c *Codec) Decode(line []byte) (event.Event, error) {
	line = bytes.TrimSpace(line)
	var f inboundFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return event.Event{}, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case frameMessage:
		content := f.Content
		if content == nil {
			content = f.Text
		}
		if content == nil {
			return event.Event{}, fmt.Errorf("message frame: missing content")
		}
		return event.Event{
			Kind:    event.KindMessage,
			Message: &event.Message{Content: *content, Summary: f.Summary},
		}, nil

	case frameIdle:
		return event.Event{Kind: event.KindIdle}, nil

	case framePlanApproval:
		ts, err := requestFields(f)
		if err != nil {
			return event.Event{}, fmt.Errorf("%s frame: %w", f.Type, err)
		}
		return event.Event{
			Kind: event.KindPlanApprovalRequest,
			PlanApproval: &event.PlanApprovalRequest{
				RequestID:   f.RequestID,
				Timestamp:   ts,
				PlanContent: f.PlanContent,
			},
		}, nil

	case framePermissionReq:
		ts, err := requestFields(f)
		if err != nil {
			return event.Event{}, fmt.Errorf("%s frame: %w", f.Type, err)
		}
		if f.ToolName == "" {
			return event.Event{}, fmt.Errorf("%s frame: missing toolName", f.Type)
		}
		return event.Event{
			Kind: event.KindPermissionRequest,
			Permission: &event.PermissionRequest{
				RequestID:   f.RequestID,
				Timestamp:   ts,
				ToolName:    f.ToolName,
				Description: f.Description,
			},
		}, nil

	case "":
		return event.Event{}, fmt.Errorf("decode frame: missing type")
	}

	return event.Event{}, fmt.Errorf("%q: %w", f.Type, agentproc.ErrUnknownFrame)
}

// requestFields checks requestId and timestamp and renders the timestamp as
// a string whether it arrived as a JSON string or number.
func requestFields(f inboundFrame) (string, error) {
	if f.RequestID == "" {
		return "", fmt.Errorf("missing requestId")
	}
	raw := bytes.TrimSpace(f.Timestamp)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("missing timestamp")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return "", fmt.Errorf("invalid timestamp %s", raw)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid timestamp %s", raw)
	}
	return n.String(), nil
}

type messageFrame struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Summary   string `json:"summary,omitempty"`
	Timestamp string `json:"timestamp"`
}

type shutdownFrame struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

type planResponseFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Feedback  string `json:"feedback,omitempty"`
}

type permissionResponseFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
}

type taskAssignmentFrame struct {
	Type        string `json:"type"`
	TaskID      string `json:"taskId"`
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
	AssignedBy  string `json:"assignedBy"`
	Timestamp   string `json:"timestamp"`
}

// Encode renders an outbound frame as one JSON line without a trailing newline.
func (c *Codec) Encode(f agentproc.Outbound) ([]byte, error) {
	ts := c.now().UTC().Format(time.RFC3339Nano)

	var v any
	switch f := f.(type) {
	case agentproc.Message:
		v = messageFrame{Type: frameMessage, From: f.From, Text: f.Text, Summary: f.Summary, Timestamp: ts}
	case agentproc.ShutdownRequest:
		v = shutdownFrame{Type: frameShutdown, From: f.From, Reason: f.Reason, Timestamp: ts}
	case agentproc.PlanApprovalResponse:
		v = planResponseFrame{Type: framePlanResponse, RequestID: f.RequestID, Approved: f.Approved, Feedback: f.Feedback}
	case agentproc.PermissionResponse:
		v = permissionResponseFrame{Type: framePermissionResp, RequestID: f.RequestID, Approved: f.Approved}
	case agentproc.TaskAssignment:
		v = taskAssignmentFrame{
			Type:        frameTaskAssignment,
			TaskID:      f.TaskID,
			Subject:     f.Subject,
			Description: f.Description,
			AssignedBy:  f.AssignedBy,
			Timestamp:   ts,
		}
	default:
		return nil, fmt.Errorf("encode frame: unsupported %T", f)
	}

	return json.Marshal(v)
}
