package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/escalator/model"
)

// MemoryTaskStore is an in-memory TaskStore for tests and local runs.
type MemoryTaskStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
}

// NewMemoryTaskStore creates a new in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		instances: make(map[string]model.WorkflowInstance),
	}
}

// Create persists a new workflow instance.
func (s *MemoryTaskStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}
	if inst.StageAssignee == "" {
		inst.StageAssignee = inst.CurrentAssignee
	}

	s.instances[inst.ID] = inst
	return nil
}

// Get retrieves a workflow instance by ID, scoped to tenant.
func (s *MemoryTaskStore) Get(_ context.Context, tenantID, taskID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[taskID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", taskID),
		)
	}
	return inst, nil
}

// FetchOpenTasks returns open instances ordered by stage entry, oldest
// first.
func (s *MemoryTaskStore) FetchOpenTasks(_ context.Context, filter TaskFilter) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if filter.matches(inst) {
			result = append(result, inst)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].StageEnteredAt.Equal(result[j].StageEnteredAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StageEnteredAt.Before(result[j].StageEnteredAt)
	})

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateAssignee applies a conditional reassignment.
func (s *MemoryTaskStore) UpdateAssignee(_ context.Context, u model.AssigneeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[u.TaskID]
	if !exists || inst.TenantID != u.TenantID {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", u.TaskID),
		)
	}

	// Optimistic lock check.
	if inst.Version != u.ExpectedVersion {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", u.TaskID, u.ExpectedVersion, inst.Version),
		)
	}
	if inst.CurrentAssignee != u.ExpectedAssignee {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q assignee changed (expected %q, got %q)", u.TaskID, u.ExpectedAssignee, inst.CurrentAssignee),
		)
	}
	if !model.IsOpenStatus(inst.Status) {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q is %s", u.TaskID, inst.Status),
		)
	}

	escalatedAt := u.EscalatedAt
	inst.CurrentAssignee = u.NewAssignee
	inst.Status = model.WorkflowStatusEscalated
	inst.LastEscalatedAt = &escalatedAt
	inst.EscalationLevel = u.Level
	inst.Version++
	s.instances[inst.ID] = inst
	return nil
}

// MarkReminded records a reminder with an optimistic version check.
func (s *MemoryTaskStore) MarkReminded(_ context.Context, m model.ReminderMark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[m.TaskID]
	if !exists || inst.TenantID != m.TenantID {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", m.TaskID),
		)
	}
	if inst.Version != m.ExpectedVersion {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", m.TaskID, m.ExpectedVersion, inst.Version),
		)
	}

	remindedAt := m.RemindedAt
	inst.LastRemindedAt = &remindedAt
	inst.Version++
	s.instances[inst.ID] = inst
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryTaskStore) HealthCheck(context.Context) error { return nil }

// SetStatus overwrites an instance's status, simulating a decision made by
// the owning workflow module.
func (s *MemoryTaskStore) SetStatus(tenantID, taskID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[taskID]
	if !exists || inst.TenantID != tenantID {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", taskID),
		)
	}
	inst.Status = status
	inst.Version++
	s.instances[taskID] = inst
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryTaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
