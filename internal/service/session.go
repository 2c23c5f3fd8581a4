package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	cfotel "github.com/companion-dev/companion/internal/adapter/otel"
	"github.com/companion-dev/companion/internal/config"
	"github.com/companion-dev/companion/internal/domain"
	"github.com/companion-dev/companion/internal/domain/agent"
	"github.com/companion-dev/companion/internal/domain/approval"
	"github.com/companion-dev/companion/internal/domain/sandbox"
	"github.com/companion-dev/companion/internal/domain/task"
	"github.com/companion-dev/companion/internal/port/agentproc"
)

// InitRequest starts a session. Sandbox is optional; when set the session's
// agents run inside a container bound to Cwd. Env applies to every agent
// and Binary overrides the configured agent CLI for this session.
type InitRequest struct {
	Cwd      string            `json:"cwd"`
	TeamName string            `json:"team_name,omitempty"`
	Binary   string            `json:"binary,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Sandbox  *sandbox.Config   `json:"sandbox,omitempty"`
}

// Session describes the active session.
type Session struct {
	ID        string        `json:"id"`
	TeamName  string        `json:"team_name,omitempty"`
	Title     string        `json:"title,omitempty"`
	Cwd       string        `json:"cwd"`
	StartedAt time.Time     `json:"started_at"`
	Container *sandbox.Info `json:"container,omitempty"`
}

// UnassignedTask is a task waiting for an owner, with the operation that claims it.
type UnassignedTask struct {
	ID          string      `json:"id"`
	Subject     string      `json:"subject"`
	Description string      `json:"description"`
	Status      task.Status `json:"status"`
	Action      string      `json:"action"`
}

// Actions is everything currently waiting on a human.
type Actions struct {
	Pending         int                  `json:"pending"`
	Approvals       []approval.Pending   `json:"approvals"`
	UnassignedTasks []UnassignedTask     `json:"unassigned_tasks"`
	IdleAgents      []approval.IdleAgent `json:"idle_agents"`
}

// Titler produces a short title for a session from its first request.
type Titler interface {
	Title(ctx context.Context, message string) (string, bool)
}

type activeSession struct {
	info  Session
	orch  *Orchestrator
	tasks *TaskStore
}

// SessionService is the facade the boundary layer drives. It owns at most
// one active session with its orchestrator and task queue, and shares one
// action tracker and container manager across sessions.
type SessionService struct {
	launcher   agentproc.Launcher
	codec      agentproc.Codec
	containers *ContainerManager
	tracker    *ActionTracker
	agentCfg   *config.Agent
	relay      *EventRelay
	titler     Titler
	metrics    *cfotel.Metrics

	mu      sync.Mutex
	current *activeSession
}

// NewSessionService creates a SessionService with all dependencies.
func NewSessionService(
	launcher agentproc.Launcher,
	codec agentproc.Codec,
	containers *ContainerManager,
	tracker *ActionTracker,
	agentCfg *config.Agent,
) *SessionService {
	return &SessionService{
		launcher:   launcher,
		codec:      codec,
		containers: containers,
		tracker:    tracker,
		agentCfg:   agentCfg,
	}
}

// SetRelay publishes every session's events through relay.
func (s *SessionService) SetRelay(r *EventRelay) {
	s.relay = r
}

// SetTitler enables NameSession.
func (s *SessionService) SetTitler(t Titler) {
	s.titler = t
}

// SetMetrics enables metric recording on new orchestrators.
func (s *SessionService) SetMetrics(m *cfotel.Metrics) {
	s.metrics = m
}

// Init shuts down any active session, clears derived state, and starts a new session.
func (s *SessionService) Init(ctx context.Context, req InitRequest) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if err := s.shutdownLocked(ctx); err != nil {
			slog.Warn("previous session shutdown incomplete", "error", err)
		}
	}
	s.tracker.Clear()

	id := uuid.NewString()
	orch := NewOrchestrator(id, s.launcher, s.codec, s.agentCfg)
	orch.SetSandboxLocator(s.containers)
	orch.SetBinary(req.Binary)
	orch.SetEnv(req.Env)
	if s.metrics != nil {
		orch.SetMetrics(s.metrics)
	}

	info := Session{ID: id, TeamName: req.TeamName, Cwd: req.Cwd, StartedAt: time.Now()}
	if req.Sandbox != nil {
		c, err := s.containers.CreateContainer(ctx, id, req.Cwd, *req.Sandbox)
		if err != nil {
			_ = orch.Shutdown(ctx)
			return Session{}, fmt.Errorf("init session sandbox: %w", err)
		}
		info.Container = c
	}

	s.tracker.Attach(orch.Events())
	if s.relay != nil {
		s.relay.Attach(orch.Events())
	}

	s.current = &activeSession{info: info, orch: orch, tasks: NewTaskStore()}
	slog.Info("session started", "session_id", id, "team", req.TeamName, "cwd", req.Cwd, "sandbox", info.Container != nil)
	return info, nil
}

// Shutdown ends the active session: kills its agents, removes its
// container, and clears derived state.
func (s *SessionService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.ErrNoSession
	}
	return s.shutdownLocked(ctx)
}

func (s *SessionService) shutdownLocked(ctx context.Context) error {
	cur := s.current
	s.current = nil

	err := cur.orch.Shutdown(ctx)
	s.tracker.Detach()
	if s.relay != nil {
		s.relay.Detach()
	}
	s.tracker.Clear()
	if rmErr := s.containers.RemoveContainer(ctx, cur.info.ID); rmErr != nil {
		err = errors.Join(err, rmErr)
	}
	slog.Info("session ended", "session_id", cur.info.ID)
	return err
}

// Current returns the active session, or ErrNoSession.
func (s *SessionService) Current() (Session, error) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return Session{}, domain.ErrNoSession
	}
	info := s.current.info
	s.mu.Unlock()

	if c, ok := s.containers.GetContainer(info.ID); ok {
		info.Container = c
	}
	return info, nil
}

// NameSession titles the active session from message, typically the first
// request sent to its agents. A session that already has a title keeps it.
// Without a titler, or when no title comes back, the session is unchanged.
func (s *SessionService) NameSession(ctx context.Context, message string) (Session, error) {
	cur, err := s.active()
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	titled := cur.info.Title != ""
	s.mu.Unlock()

	if !titled && s.titler != nil {
		if title, ok := s.titler.Title(ctx, message); ok {
			s.mu.Lock()
			if s.current == cur && cur.info.Title == "" {
				cur.info.Title = title
			}
			s.mu.Unlock()
			slog.Info("session titled", "session_id", cur.info.ID, "title", title)
		}
	}
	return s.Current()
}

func (s *SessionService) active() (*activeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, domain.ErrNoSession
	}
	return s.current, nil
}

// --- Agents ---

// SpawnAgent registers the agent's type with the tracker and spawns it.
func (s *SessionService) SpawnAgent(ctx context.Context, req agent.SpawnRequest) (agent.Handle, error) {
	cur, err := s.active()
	if err != nil {
		return agent.Handle{}, err
	}
	if req.Type == "" {
		req.Type = agent.DefaultType
	}
	s.tracker.RegisterAgentType(req.Name, req.Type)
	return cur.orch.Spawn(ctx, req)
}

// Agents lists the active session's agents.
func (s *SessionService) Agents() ([]agent.Handle, error) {
	cur, err := s.active()
	if err != nil {
		return nil, err
	}
	return cur.orch.Agents(), nil
}

// Agent returns one agent of the active session.
func (s *SessionService) Agent(name string) (agent.Handle, error) {
	cur, err := s.active()
	if err != nil {
		return agent.Handle{}, err
	}
	h, ok := cur.orch.Agent(name)
	if !ok {
		return agent.Handle{}, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, name)
	}
	return h, nil
}

// Send delivers a message to one agent.
func (s *SessionService) Send(name, message, summary string) error {
	cur, err := s.active()
	if err != nil {
		return err
	}
	return cur.orch.Send(name, message, summary)
}

// Broadcast delivers a message to every running agent.
func (s *SessionService) Broadcast(message, summary string) ([]DeliveryFailure, error) {
	cur, err := s.active()
	if err != nil {
		return nil, err
	}
	return cur.orch.Broadcast(message, summary), nil
}

// KillAgent terminates an agent immediately.
func (s *SessionService) KillAgent(name string) error {
	cur, err := s.active()
	if err != nil {
		return err
	}
	return cur.orch.KillAgent(name)
}

// RequestShutdown asks an agent to exit on its own.
func (s *SessionService) RequestShutdown(name, reason string) error {
	cur, err := s.active()
	if err != nil {
		return err
	}
	return cur.orch.RequestShutdown(name, reason)
}

// ApprovePlan answers a plan approval and resolves it in the tracker once delivered.
func (s *SessionService) ApprovePlan(name, requestID string, approve bool, feedback string) error {
	cur, err := s.active()
	if err != nil {
		return err
	}
	if requestID == "" {
		return fmt.Errorf("request id is required: %w", domain.ErrValidation)
	}
	if err := cur.orch.SendPlanApproval(name, requestID, approve, feedback); err != nil {
		return err
	}
	s.tracker.ResolveApproval(requestID)
	return nil
}

// ApprovePermission answers a permission request and resolves it in the tracker once delivered.
func (s *SessionService) ApprovePermission(name, requestID string, approve bool) error {
	cur, err := s.active()
	if err != nil {
		return err
	}
	if requestID == "" {
		return fmt.Errorf("request id is required: %w", domain.ErrValidation)
	}
	if err := cur.orch.SendPermissionResponse(name, requestID, approve); err != nil {
		return err
	}
	s.tracker.ResolveApproval(requestID)
	return nil
}

// --- Tasks ---

// CreateTask adds a task to the active session's queue.
func (s *SessionService) CreateTask(req task.CreateRequest) (task.Task, error) {
	cur, err := s.active()
	if err != nil {
		return task.Task{}, err
	}
	return cur.tasks.Create(req)
}

// GetTask returns one task.
func (s *SessionService) GetTask(id string) (task.Task, error) {
	cur, err := s.active()
	if err != nil {
		return task.Task{}, err
	}
	return cur.tasks.Get(id)
}

// UpdateTask applies a partial update.
func (s *SessionService) UpdateTask(id string, req task.UpdateRequest) (task.Task, error) {
	cur, err := s.active()
	if err != nil {
		return task.Task{}, err
	}
	return cur.tasks.Update(id, req)
}

// DeleteTask removes a task.
func (s *SessionService) DeleteTask(id string) error {
	cur, err := s.active()
	if err != nil {
		return err
	}
	return cur.tasks.Delete(id)
}

// ListTasks returns all tasks in creation order.
func (s *SessionService) ListTasks() ([]task.Task, error) {
	cur, err := s.active()
	if err != nil {
		return nil, err
	}
	return cur.tasks.List(), nil
}

// AssignTask sets the owner and tells the agent. The assignment stands
// even if the notification cannot be delivered.
func (s *SessionService) AssignTask(id, agentName string) (task.Task, error) {
	cur, err := s.active()
	if err != nil {
		return task.Task{}, err
	}
	t, err := cur.tasks.Assign(id, agentName)
	if err != nil {
		return task.Task{}, err
	}
	if err := cur.orch.SendTaskAssignment(agentName, agentproc.TaskAssignment{
		TaskID:      t.ID,
		Subject:     t.Subject,
		Description: t.Description,
	}); err != nil {
		slog.Warn("task assignment notification failed", "session_id", cur.info.ID, "task_id", t.ID, "agent", agentName, "error", err)
	}
	return t, nil
}

// --- Actions ---

// Actions returns pending approvals, unassigned tasks, and idle agents.
func (s *SessionService) Actions() (Actions, error) {
	cur, err := s.active()
	if err != nil {
		return Actions{}, err
	}
	approvals := s.tracker.PendingApprovals()
	idles := s.tracker.IdleAgents()
	unassigned := unassignedTasks(cur.tasks)
	return Actions{
		Pending:         len(approvals) + len(unassigned) + len(idles),
		Approvals:       approvals,
		UnassignedTasks: unassigned,
		IdleAgents:      idles,
	}, nil
}

// PendingApprovals returns outstanding approvals of the active session.
func (s *SessionService) PendingApprovals() ([]approval.Pending, error) {
	if _, err := s.active(); err != nil {
		return nil, err
	}
	return s.tracker.PendingApprovals(), nil
}

// IdleAgents returns idle agents of the active session.
func (s *SessionService) IdleAgents() ([]approval.IdleAgent, error) {
	if _, err := s.active(); err != nil {
		return nil, err
	}
	return s.tracker.IdleAgents(), nil
}

// UnassignedTasks returns tasks nobody owns yet.
func (s *SessionService) UnassignedTasks() ([]UnassignedTask, error) {
	cur, err := s.active()
	if err != nil {
		return nil, err
	}
	return unassignedTasks(cur.tasks), nil
}

func unassignedTasks(store *TaskStore) []UnassignedTask {
	tasks := store.Unassigned()
	out := make([]UnassignedTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, UnassignedTask{
			ID:          t.ID,
			Subject:     t.Subject,
			Description: t.Description,
			Status:      t.Status,
			Action:      approval.AssignAction(t.ID),
		})
	}
	return out
}
