package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/escalator/internal/config"
	"github.com/pitabwire/escalator/internal/notify"
	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/internal/sla"
	"github.com/pitabwire/escalator/model"
)

// Escalator reassigns breached tasks to their escalation target.
type Escalator struct {
	deps Deps
	cfg  Config
}

// NewEscalator creates an Escalator.
func NewEscalator(deps Deps, cfg Config) *Escalator {
	return &Escalator{deps: deps.withDefaults(), cfg: cfg.withDefaults()}
}

// Escalate reassigns task to the target named by its stage. It is a no-op
// when escalation is disabled for the stage or the task was already
// escalated within the cooldown for the current stage entry. A task with no
// eligible target fails with *model.NoEscalationTargetError after an
// escalation_failed event is recorded.
func (e *Escalator) Escalate(ctx context.Context, task model.WorkflowInstance) (Outcome, error) {
	now := e.deps.Clock()
	stage := task.Stage

	if !stage.EscalationEnabled {
		return Outcome{Action: ActionSkipped, Reason: ReasonEscalationDisabled}, nil
	}
	cooldown := cooldownOr(stage.EscalationCooldownHours, e.cfg.EscalationCooldown)
	if withinEpisode(task.LastEscalatedAt, task.StageEnteredAt, now, cooldown) {
		return Outcome{Action: ActionSkipped, Reason: ReasonCooldown}, nil
	}

	status := sla.EvaluateStage(now, task, e.cfg.Defaults)
	from := e.resolveFrom(task)

	ctx, span := observability.StartSpan(ctx, "escalation.escalate",
		observability.AttrTaskID.String(task.ID),
		observability.AttrTargetPolicy.String(stage.EscalationTarget.String()),
	)
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	target, err := e.resolve(ctx, task, from)
	if err != nil {
		spanErr = err
		var nt *model.NoEscalationTargetError
		if errors.As(err, &nt) {
			if nt.TaskID == "" {
				nt.TaskID = task.ID
			}
			out := Outcome{Action: ActionFailed, PreviousAssignee: task.CurrentAssignee}
			out.AuditErr = e.record(ctx, task, model.EscalationEvent{
				Type:      model.EventEscalationFailed,
				SLAStatus: status,
				Reason:    nt.Reason,
			})
			return out, err
		}
		return Outcome{Action: ActionFailed, PreviousAssignee: task.CurrentAssignee}, fmt.Errorf("resolve escalation target: %w", err)
	}

	level := task.EscalationLevel + 1
	wctx, cancel := e.cfg.ioContext(ctx)
	err = e.deps.Store.UpdateAssignee(wctx, model.AssigneeUpdate{
		TaskID:           task.ID,
		TenantID:         task.TenantID,
		NewAssignee:      target,
		ExpectedVersion:  task.Version,
		ExpectedAssignee: task.CurrentAssignee,
		EscalatedAt:      now,
		Level:            level,
	})
	cancel()
	if err != nil {
		if model.IsConflict(err) {
			return Outcome{Action: ActionSkipped, Reason: ReasonStale}, nil
		}
		spanErr = err
		return Outcome{Action: ActionFailed, PreviousAssignee: task.CurrentAssignee}, fmt.Errorf("update assignee: %w", err)
	}

	out := Outcome{
		Action:           ActionEscalated,
		PreviousAssignee: task.CurrentAssignee,
		NewAssignee:      target,
	}
	span.SetAttributes(observability.AttrOutcome.String(string(ActionEscalated)))

	out.NotifyErr = e.notify(ctx, task, target, status, level)
	out.AuditErr = e.record(ctx, task, model.EscalationEvent{
		Type:        model.EventEscalated,
		NewAssignee: target,
		SLAStatus:   status,
		Reason:      fmt.Sprintf("sla breached; escalation level %d", level),
	})

	logger := observability.TaskLogger(e.deps.Logger, task)
	if out.NotifyErr != nil {
		logger.Warn("escalation notification failed", zap.Error(out.NotifyErr))
	}
	if out.AuditErr != nil {
		logger.Error("escalation audit write failed", zap.Error(out.AuditErr))
	}
	return out, nil
}

// resolveFrom picks the assignee the resolver starts from. Under the
// same_target policy every re-escalation resolves from the stage's original
// assignee and lands on the same person. Under walk_hierarchy a
// next_in_hierarchy target climbs from the current assignee, one level per
// cooldown.
func (e *Escalator) resolveFrom(task model.WorkflowInstance) string {
	if e.cfg.Policy == config.PolicyWalkHierarchy &&
		task.Stage.EscalationTarget.Kind == model.TargetNextInHierarchy {
		return task.CurrentAssignee
	}
	if task.StageAssignee != "" {
		return task.StageAssignee
	}
	return task.CurrentAssignee
}

func (e *Escalator) resolve(ctx context.Context, task model.WorkflowInstance, from string) (string, error) {
	ctx, cancel := e.cfg.ioContext(ctx)
	defer cancel()
	return e.deps.Resolver.ResolveEscalationTarget(ctx, task.TenantID, task.Stage.EscalationTarget, from)
}

func (e *Escalator) notify(ctx context.Context, task model.WorkflowInstance, target string, status model.SLAStatus, level int) error {
	recipients := []string{target}
	if task.CurrentAssignee != "" && task.CurrentAssignee != target {
		recipients = append(recipients, task.CurrentAssignee)
	}

	ctx, cancel := e.cfg.ioContext(ctx)
	defer cancel()
	err := e.deps.Dispatcher.Send(ctx, notify.Notification{
		ID:         uuid.New().String(),
		Kind:       notify.KindEscalation,
		TenantID:   task.TenantID,
		Recipients: recipients,
		Context:    notificationContext(task, status, target, level),
	})
	if err != nil {
		return fmt.Errorf("send escalation notice: %w", err)
	}
	return nil
}

func (e *Escalator) record(ctx context.Context, task model.WorkflowInstance, event model.EscalationEvent) error {
	return recordEvent(ctx, e.deps, task, event)
}

func recordEvent(ctx context.Context, deps Deps, task model.WorkflowInstance, event model.EscalationEvent) error {
	if deps.Recorder == nil {
		return nil
	}
	event.WorkflowInstanceID = task.ID
	event.TenantID = task.TenantID
	event.StageID = task.CurrentStage
	event.PreviousAssignee = task.CurrentAssignee
	event.StageEnteredAt = task.StageEnteredAt
	event.Timestamp = deps.Clock()
	return deps.Recorder.Record(ctx, event)
}

func notificationContext(task model.WorkflowInstance, status model.SLAStatus, newAssignee string, level int) map[string]any {
	c := map[string]any{
		"task_id":          task.ID,
		"workflow_id":      task.WorkflowID,
		"stage_id":         task.CurrentStage,
		"sla_status":       string(status),
		"stage_entered_at": task.StageEnteredAt.Format(time.RFC3339),
		"current_assignee": task.CurrentAssignee,
		"escalation_level": level,
	}
	if newAssignee != "" {
		c["new_assignee"] = newAssignee
		c["previous_assignee"] = task.CurrentAssignee
		delete(c, "current_assignee")
	}
	return c
}
