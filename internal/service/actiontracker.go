package service

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/companion-dev/companion/internal/domain/agent"
	"github.com/companion-dev/companion/internal/domain/approval"
	"github.com/companion-dev/companion/internal/domain/event"
)

type trackedApproval struct {
	seq uint64
	val approval.Pending
}

type trackedIdle struct {
	seq uint64
	val approval.IdleAgent
}

// ActionTracker keeps a queryable snapshot of what needs a human: pending
// approvals keyed by request id and idle agents keyed by name. Entries
// keep the position of their first insertion when overwritten.
type ActionTracker struct {
	mu        sync.RWMutex
	approvals map[string]trackedApproval
	idles     map[string]trackedIdle
	types     map[string]string
	seq       uint64
	unsub     func()
	now       func() time.Time
}

// NewActionTracker creates an empty tracker.
func NewActionTracker() *ActionTracker {
	return &ActionTracker{
		approvals: make(map[string]trackedApproval),
		idles:     make(map[string]trackedIdle),
		types:     make(map[string]string),
		now:       time.Now,
	}
}

// trackedKinds are the event kinds the tracker derives state from.
var trackedKinds = []event.Kind{
	event.KindPlanApprovalRequest,
	event.KindPermissionRequest,
	event.KindIdle,
	event.KindMessage,
	event.KindSpawned,
	event.KindExited,
}

// Attach subscribes the tracker to bus, replacing any previous attachment.
// A single subscription keeps an agent's idle and message events in order.
func (t *ActionTracker) Attach(bus *EventBus) {
	t.Detach()
	unsub := bus.OnAny(func(_ context.Context, ev event.Event) error {
		if slices.Contains(trackedKinds, ev.Kind) {
			t.HandleEvent(ev)
		}
		return nil
	})
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()
}

// Detach removes the tracker's subscription.
func (t *ActionTracker) Detach() {
	t.mu.Lock()
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// HandleEvent applies one event to the snapshot.
func (t *ActionTracker) HandleEvent(ev event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case event.KindPlanApprovalRequest:
		if ev.PlanApproval == nil {
			return
		}
		t.putApproval(approval.Pending{
			Type:      approval.TypePlan,
			Agent:     ev.Agent,
			RequestID: ev.PlanApproval.RequestID,
			Timestamp: ev.PlanApproval.Timestamp,
			Action:    approval.PlanAction(ev.Agent),
			Plan:      &approval.PlanDetails{Content: ev.PlanApproval.PlanContent},
		})

	case event.KindPermissionRequest:
		if ev.Permission == nil {
			return
		}
		t.putApproval(approval.Pending{
			Type:      approval.TypePermission,
			Agent:     ev.Agent,
			RequestID: ev.Permission.RequestID,
			Timestamp: ev.Permission.Timestamp,
			Action:    approval.PermissionAction(ev.Agent),
			Permission: &approval.PermissionDetails{
				ToolName:    ev.Permission.ToolName,
				Description: ev.Permission.Description,
			},
		})

	case event.KindIdle:
		typ, ok := t.types[ev.Agent]
		if !ok {
			typ = agent.UnknownType
		}
		since := ev.Time
		if since.IsZero() {
			since = t.now()
		}
		entry := trackedIdle{val: approval.IdleAgent{
			Name:      ev.Agent,
			Type:      typ,
			IdleSince: since,
			Action:    approval.MessageAction(ev.Agent),
		}}
		if prev, ok := t.idles[ev.Agent]; ok {
			entry.seq = prev.seq
		} else {
			t.seq++
			entry.seq = t.seq
		}
		t.idles[ev.Agent] = entry

	case event.KindMessage, event.KindSpawned, event.KindExited:
		delete(t.idles, ev.Agent)
	}
}

// putApproval must be called with t.mu held.
func (t *ActionTracker) putApproval(p approval.Pending) {
	entry := trackedApproval{val: p}
	if prev, ok := t.approvals[p.RequestID]; ok {
		entry.seq = prev.seq
	} else {
		t.seq++
		entry.seq = t.seq
	}
	t.approvals[p.RequestID] = entry
}

// RegisterAgentType records the declared type reported on idle entries.
func (t *ActionTracker) RegisterAgentType(name, agentType string) {
	t.mu.Lock()
	t.types[name] = agentType
	t.mu.Unlock()
}

// ResolveApproval removes a pending approval. Unknown ids are ignored.
// It reports whether an entry was removed.
func (t *ActionTracker) ResolveApproval(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.approvals[requestID]; !ok {
		return false
	}
	delete(t.approvals, requestID)
	return true
}

// PendingApprovals returns outstanding approvals in arrival order.
func (t *ActionTracker) PendingApprovals() []approval.Pending {
	t.mu.RLock()
	entries := make([]trackedApproval, 0, len(t.approvals))
	for _, e := range t.approvals {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]approval.Pending, len(entries))
	for i, e := range entries {
		out[i] = e.val
	}
	return out
}

// IdleAgents returns idle agents in the order they first went idle.
func (t *ActionTracker) IdleAgents() []approval.IdleAgent {
	t.mu.RLock()
	entries := make([]trackedIdle, 0, len(t.idles))
	for _, e := range t.idles {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]approval.IdleAgent, len(entries))
	for i, e := range entries {
		out[i] = e.val
	}
	return out
}

// Clear drops all approvals, idle entries, and registered types.
func (t *ActionTracker) Clear() {
	t.mu.Lock()
	clear(t.approvals)
	clear(t.idles)
	clear(t.types)
	t.mu.Unlock()
}
