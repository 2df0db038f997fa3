// Package audit appends the immutable trail of escalation decisions.
//
// Nothing in this package updates or deletes a recorded event.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/escalator/model"
)

// Sink stores events. Implementations must be append-only.
type Sink interface {
	Append(ctx context.Context, event model.EscalationEvent) error
}

// Lister reads back events for inspection.
type Lister interface {
	ListByInstance(ctx context.Context, tenantID, instanceID string) ([]model.EscalationEvent, error)
}

// Recorder validates events and hands them to a Sink with a bounded
// timeout.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder creates a recorder writing to sink. A zero timeout leaves the
// caller's deadline in charge.
func NewRecorder(sink Sink, timeout time.Duration) *Recorder {
	return &Recorder{sink: sink, timeout: timeout, now: time.Now}
}

// Record appends one event, filling in the id and timestamp when unset.
func (r *Recorder) Record(ctx context.Context, event model.EscalationEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	if err := validate(event); err != nil {
		return err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if err := r.sink.Append(ctx, event); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("append audit event %s: %w", event.ID, model.NewBackendTimeoutError("audit sink"))
		}
		return fmt.Errorf("append audit event %s: %w", event.ID, err)
	}
	return nil
}

func validate(e model.EscalationEvent) error {
	var missing []string
	if e.WorkflowInstanceID == "" {
		missing = append(missing, "workflow_instance_id")
	}
	if e.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	switch e.Type {
	case model.EventEscalated:
		if e.NewAssignee == "" {
			missing = append(missing, "new_assignee")
		}
	case model.EventReminded, model.EventEscalationFailed:
	case "":
		missing = append(missing, "type")
	default:
		return model.NewBadRequestError(fmt.Sprintf("unknown audit event type %q", e.Type))
	}
	if len(missing) > 0 {
		return model.NewBadRequestError("audit event missing " + strings.Join(missing, ", "))
	}
	return nil
}
