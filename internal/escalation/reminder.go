package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/escalator/internal/notify"
	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/internal/sla"
	"github.com/pitabwire/escalator/model"
)

// Reminder nudges the current assignee of a task nearing its SLA.
type Reminder struct {
	deps Deps
	cfg  Config
}

// NewReminder creates a Reminder.
func NewReminder(deps Deps, cfg Config) *Reminder {
	return &Reminder{deps: deps.withDefaults(), cfg: cfg.withDefaults()}
}

// Remind sends at most one reminder per cooldown window for the current
// stage entry. A failed dispatch leaves the marker unset so the next scan
// tries again.
func (r *Reminder) Remind(ctx context.Context, task model.WorkflowInstance) (Outcome, error) {
	now := r.deps.Clock()

	cooldown := cooldownOr(task.Stage.ReminderCooldownHours, r.cfg.ReminderCooldown)
	if withinEpisode(task.LastRemindedAt, task.StageEnteredAt, now, cooldown) {
		return Outcome{Action: ActionSkipped, Reason: ReasonCooldown}, nil
	}
	status := sla.EvaluateStage(now, task, r.cfg.Defaults)

	sctx, cancel := r.cfg.ioContext(ctx)
	err := r.deps.Dispatcher.Send(sctx, notify.Notification{
		ID:         uuid.New().String(),
		Kind:       notify.KindReminder,
		TenantID:   task.TenantID,
		Recipients: recipientsOf(task.CurrentAssignee),
		Context:    notificationContext(task, status, "", task.EscalationLevel),
	})
	cancel()
	if err != nil {
		return Outcome{Action: ActionFailed}, fmt.Errorf("send reminder: %w", err)
	}

	mctx, cancel := r.cfg.ioContext(ctx)
	err = r.deps.Store.MarkReminded(mctx, model.ReminderMark{
		TaskID:          task.ID,
		TenantID:        task.TenantID,
		ExpectedVersion: task.Version,
		RemindedAt:      now,
	})
	cancel()
	if err != nil {
		if model.IsConflict(err) {
			return Outcome{Action: ActionSkipped, Reason: ReasonStale}, nil
		}
		return Outcome{Action: ActionFailed}, fmt.Errorf("mark reminded: %w", err)
	}

	out := Outcome{Action: ActionReminded, PreviousAssignee: task.CurrentAssignee}
	out.AuditErr = recordEvent(ctx, r.deps, task, model.EscalationEvent{
		Type:      model.EventReminded,
		SLAStatus: status,
		Reason:    fmt.Sprintf("%s left before sla", sla.Remaining(now, task.StageEnteredAt, effectiveSLA(task, r.cfg)).Round(time.Second)),
	})
	if out.AuditErr != nil {
		observability.TaskLogger(r.deps.Logger, task).Error("reminder audit write failed", zap.Error(out.AuditErr))
	}
	return out, nil
}

func recipientsOf(assignee string) []string {
	if assignee == "" {
		return nil
	}
	return []string{assignee}
}

func effectiveSLA(task model.WorkflowInstance, cfg Config) float64 {
	h, _ := sla.Effective(task.Stage, cfg.Defaults)
	return h
}
