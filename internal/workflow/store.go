// Package workflow holds the read-mostly view of approval workflow
// instances that the escalation engine scans and reassigns.
package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/escalator/model"
)

// TaskStore persists workflow instances with their joined stage
// definition. Writes are narrow and conditional so that a stale reader can
// never overwrite a newer assignment.
type TaskStore interface {
	// FetchOpenTasks returns instances whose status is open (pending or
	// escalated), narrowed by filter.
	FetchOpenTasks(ctx context.Context, filter TaskFilter) ([]model.WorkflowInstance, error)

	// Get retrieves an instance by ID, scoped to a tenant. Returns NOT_FOUND
	// if the instance doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, taskID string) (model.WorkflowInstance, error)

	// UpdateAssignee reassigns an open instance, marks it escalated and
	// bumps its version. Returns CONFLICT if the stored version or assignee
	// no longer match the update's expectations, or the instance has closed.
	UpdateAssignee(ctx context.Context, update model.AssigneeUpdate) error

	// MarkReminded records a reminder on the instance. Returns CONFLICT if
	// the stored version has changed.
	MarkReminded(ctx context.Context, mark model.ReminderMark) error

	// Create persists a new instance.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// TaskFilter narrows FetchOpenTasks. Zero values disable each filter.
type TaskFilter struct {
	// TenantIDs restricts the scan to the listed tenants.
	TenantIDs []string
	// StageEnteredBefore skips instances that entered their stage at or
	// after this instant.
	StageEnteredBefore time.Time
	Limit              int
}

func (f TaskFilter) matches(inst model.WorkflowInstance) bool {
	if !model.IsOpenStatus(inst.Status) {
		return false
	}
	if !f.StageEnteredBefore.IsZero() && !inst.StageEnteredAt.Before(f.StageEnteredBefore) {
		return false
	}
	if len(f.TenantIDs) == 0 {
		return true
	}
	for _, id := range f.TenantIDs {
		if id == inst.TenantID {
			return true
		}
	}
	return false
}
