package service

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/companion-dev/companion/internal/domain"
	"github.com/companion-dev/companion/internal/domain/task"
)

// TaskStore is a session's shared work-item queue. Ids are sequential
// decimal strings starting at "1".
type TaskStore struct {
	mu     sync.RWMutex
	tasks  map[string]*task.Task
	order  []string
	nextID int
	now    func() time.Time
}

// NewTaskStore creates an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:  make(map[string]*task.Task),
		nextID: 1,
		now:    time.Now,
	}
}

// Create adds a task with status open.
func (s *TaskStore) Create(req task.CreateRequest) (task.Task, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return task.Task{}, fmt.Errorf("task subject is required: %w", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	t := &task.Task{
		ID:          strconv.Itoa(s.nextID),
		Subject:     req.Subject,
		Description: req.Description,
		ActiveForm:  req.ActiveForm,
		Status:      task.StatusOpen,
		Owner:       req.Owner,
		Metadata:    maps.Clone(req.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.nextID++
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	return snapshot(t), nil
}

// Get returns the task with id.
func (s *TaskStore) Get(id string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return snapshot(t), nil
}

// Update applies the non-nil fields of req. Metadata keys are merged; a
// nil value deletes the key.
func (s *TaskStore) Update(id string, req task.UpdateRequest) (task.Task, error) {
	if req.Subject != nil && strings.TrimSpace(*req.Subject) == "" {
		return task.Task{}, fmt.Errorf("task subject cannot be empty: %w", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}

	if req.Subject != nil {
		t.Subject = *req.Subject
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.ActiveForm != nil {
		t.ActiveForm = *req.ActiveForm
	}
	if req.Status != nil {
		t.Status = *req.Status
	}
	if req.Owner != nil {
		t.Owner = *req.Owner
	}
	for k, v := range req.Metadata {
		if v == nil {
			delete(t.Metadata, k)
			continue
		}
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata[k] = v
	}
	t.UpdatedAt = s.now()
	return snapshot(t), nil
}

// Assign sets the task owner. The agent is not validated here.
func (s *TaskStore) Assign(id, agentName string) (task.Task, error) {
	if strings.TrimSpace(agentName) == "" {
		return task.Task{}, fmt.Errorf("agent name is required: %w", domain.ErrValidation)
	}
	return s.Update(id, task.UpdateRequest{Owner: &agentName})
}

// Delete removes the task with id.
func (s *TaskStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	delete(s.tasks, id)
	for i, tid := range s.order {
		if tid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// List returns all tasks in creation order.
func (s *TaskStore) List() []task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]task.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, snapshot(s.tasks[id]))
	}
	return out
}

// Unassigned returns tasks with no owner that are not completed, in creation order.
func (s *TaskStore) Unassigned() []task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []task.Task
	for _, id := range s.order {
		if t := s.tasks[id]; t.Unassigned() {
			out = append(out, snapshot(t))
		}
	}
	return out
}

func snapshot(t *task.Task) task.Task {
	cp := *t
	cp.Metadata = maps.Clone(t.Metadata)
	return cp
}
