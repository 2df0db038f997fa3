package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/escalator/internal/config"
	"github.com/pitabwire/escalator/internal/notify"
	"github.com/pitabwire/escalator/model"
)

func TestEscalate_reassignsToManager(t *testing.T) {
	f := newFixture(t)
	f.seed(task("wf-1", 25*time.Hour))
	e := NewEscalator(f.deps, f.cfg)

	out, err := e.Escalate(context.Background(), f.get("wf-1"))
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if out.Action != ActionEscalated || out.NewAssignee != "bob" || out.PreviousAssignee != "alice" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Degraded() {
		t.Errorf("outcome should not be degraded: %+v", out)
	}

	got := f.get("wf-1")
	if got.CurrentAssignee != "bob" {
		t.Errorf("CurrentAssignee = %q, want bob", got.CurrentAssignee)
	}
	if got.Status != model.WorkflowStatusEscalated {
		t.Errorf("Status = %q, want escalated", got.Status)
	}
	if got.LastEscalatedAt == nil || !got.LastEscalatedAt.Equal(testNow) {
		t.Errorf("LastEscalatedAt = %v, want %v", got.LastEscalatedAt, testNow)
	}
	if got.EscalationLevel != 1 {
		t.Errorf("EscalationLevel = %d, want 1", got.EscalationLevel)
	}

	events := f.events("wf-1", model.EventEscalated)
	if len(events) != 1 {
		t.Fatalf("escalated events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.PreviousAssignee != "alice" || ev.NewAssignee != "bob" {
		t.Errorf("event assignees = %q -> %q", ev.PreviousAssignee, ev.NewAssignee)
	}
	if ev.SLAStatus != model.SLAStatusBreached {
		t.Errorf("event SLAStatus = %q, want BREACHED", ev.SLAStatus)
	}
	if !ev.StageEnteredAt.Equal(testNow.Add(-25 * time.Hour)) {
		t.Errorf("event StageEnteredAt = %v", ev.StageEnteredAt)
	}
	if ev.ID == "" || ev.StageID != "manager_review" {
		t.Errorf("event = %+v", ev)
	}

	sent := f.dispatcher.Sent()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	if sent[0].Kind != notify.KindEscalation {
		t.Errorf("Kind = %q, want escalation", sent[0].Kind)
	}
	if len(sent[0].Recipients) != 2 || sent[0].Recipients[0] != "bob" || sent[0].Recipients[1] != "alice" {
		t.Errorf("Recipients = %v, want [bob alice]", sent[0].Recipients)
	}
	if sent[0].Context["previous_assignee"] != "alice" {
		t.Errorf("Context = %v", sent[0].Context)
	}
}

func TestEscalate_twiceInSuccession_isIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(task("wf-1", 25*time.Hour))
	e := NewEscalator(f.deps, f.cfg)

	if _, err := e.Escalate(context.Background(), f.get("wf-1")); err != nil {
		t.Fatalf("first Escalate() error = %v", err)
	}
	out, err := e.Escalate(context.Background(), f.get("wf-1"))
	if err != nil {
		t.Fatalf("second Escalate() error = %v", err)
	}
	if out.Action != ActionSkipped || out.Reason != ReasonCooldown {
		t.Errorf("second outcome = %+v, want skipped/cooldown", out)
	}
	if n := len(f.events("wf-1", model.EventEscalated)); n != 1 {
		t.Errorf("escalated events = %d, want 1", n)
	}
	if got := f.get("wf-1"); got.CurrentAssignee != "bob" || got.EscalationLevel != 1 {
		t.Errorf("task = %s level %d, want bob level 1", got.CurrentAssignee, got.EscalationLevel)
	}
}

func TestEscalate_afterCooldown_sameTarget(t *testing.T) {
	f := newFixture(t)
	f.seed(task("wf-1", 25*time.Hour))
	e := NewEscalator(f.deps, f.cfg)

	if _, err := e.Escalate(context.Background(), f.get("wf-1")); err != nil {
		t.Fatalf("first Escalate() error = %v", err)
	}

	f.now = testNow.Add(25 * time.Hour)
	out, err := e.Escalate(context.Background(), f.get("wf-1"))
	if err != nil {
		t.Fatalf("second Escalate() error = %v", err)
	}
	if out.Action != ActionEscalated || out.NewAssignee != "bob" {
		t.Errorf("outcome = %+v, want escalated to bob again", out)
	}
	got := f.get("wf-1")
	if got.EscalationLevel != 2 {
		t.Errorf("EscalationLevel = %d, want 2", got.EscalationLevel)
	}
	if n := len(f.events("wf-1", model.EventEscalated)); n != 2 {
		t.Errorf("escalated events = %d, want 2", n)
	}
	// Bob is both the new and the previous assignee: notify once.
	sent := f.dispatcher.Sent()
	if last := sent[len(sent)-1]; len(last.Recipients) != 1 {
		t.Errorf("Recipients = %v, want only bob", last.Recipients)
	}
}

func TestEscalate_afterCooldown_walkHierarchy(t *testing.T) {
	f := newFixture(t)
	f.cfg.Policy = config.PolicyWalkHierarchy
	f.seed(task("wf-1", 25*time.Hour))
	e := NewEscalator(f.deps, f.cfg)

	want := []string{"bob", "carol", "dave"}
	for i, assignee := range want {
		f.now = testNow.Add(time.Duration(i) * 25 * time.Hour)
		out, err := e.Escalate(context.Background(), f.get("wf-1"))
		if err != nil {
			t.Fatalf("Escalate #%d error = %v", i+1, err)
		}
		if out.NewAssignee != assignee {
			t.Errorf("Escalate #%d NewAssignee = %q, want %q", i+1, out.NewAssignee, assignee)
		}
	}

	// Dave has no manager.
	f.now = testNow.Add(75 * time.Hour)
	_, err := e.Escalate(context.Background(), f.get("wf-1"))
	if !model.IsNoEscalationTarget(err) {
		t.Fatalf("Escalate at top of chain error = %v, want NoEscalationTargetError", err)
	}
}

func TestEscalate_disabled(t *testing.T) {
	f := newFixture(t)
	inst := task("wf-1", 25*time.Hour)
	inst.Stage.EscalationEnabled = false
	f.seed(inst)

	out, err := NewEscalator(f.deps, f.cfg).Escalate(context.Background(), f.get("wf-1"))
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if out.Action != ActionSkipped || out.Reason != ReasonEscalationDisabled {
		t.Errorf("outcome = %+v", out)
	}
	if len(f.sink.Events()) != 0 {
		t.Errorf("events = %v, want none", f.sink.Events())
	}
}

func TestEscalate_noEligibleTarget(t *testing.T) {
	f := newFixture(t)
	inst := task("wf-1", 25*time.Hour)
	inst.Stage.EscalationTarget = model.FixedRole("cfo")
	f.seed(inst)

	out, err := NewEscalator(f.deps, f.cfg).Escalate(context.Background(), f.get("wf-1"))
	var nt *model.NoEscalationTargetError
	if !errors.As(err, &nt) {
		t.Fatalf("Escalate() error = %v, want *NoEscalationTargetError", err)
	}
	if nt.TaskID != "wf-1" || nt.TenantID != "acme" {
		t.Errorf("error = %+v", nt)
	}
	if out.Action != ActionFailed {
		t.Errorf("Action = %q, want failed", out.Action)
	}
	if got := f.get("wf-1"); got.CurrentAssignee != "alice" || got.Status != model.WorkflowStatusPending {
		t.Errorf("task changed: %s/%s", got.CurrentAssignee, got.Status)
	}
	failed := f.events("wf-1", model.EventEscalationFailed)
	if len(failed) != 1 || failed[0].Reason == "" {
		t.Errorf("escalation_failed events = %+v", failed)
	}
	if len(f.dispatcher.Sent()) != 0 {
		t.Error("no notification should be sent without a target")
	}
}

func TestEscalate_fixedRole(t *testing.T) {
	f := newFixture(t)
	inst := task("wf-1", 25*time.Hour)
	inst.Stage.EscalationTarget = model.FixedRole("hr_manager")
	f.seed(inst)

	out, err := NewEscalator(f.deps, f.cfg).Escalate(context.Background(), f.get("wf-1"))
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if out.NewAssignee != "grace" {
		t.Errorf("NewAssignee = %q, want grace", out.NewAssignee)
	}
}

func TestEscalate_staleTask(t *testing.T) {
	f := newFixture(t)
	f.seed(task("wf-1", 25*time.Hour))
	stale := f.get("wf-1")
	if err := f.store.SetStatus("acme", "wf-1", model.WorkflowStatusPending); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	out, err := NewEscalator(f.deps, f.cfg).Escalate(context.Background(), stale)
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if out.Action != ActionSkipped || out.Reason != ReasonStale {
		t.Errorf("outcome = %+v, want skipped/%s", out, ReasonStale)
	}
	if len(f.sink.Events()) != 0 {
		t.Error("a stale write must not be audited")
	}
}

func TestEscalate_notificationFailure_isDegradedSuccess(t *testing.T) {
	f := newFixture(t)
	f.seed(task("wf-1", 25*time.Hour))
	f.dispatcher.failWith(errors.New("bus unreachable"))

	out, err := NewEscalator(f.deps, f.cfg).Escalate(context.Background(), f.get("wf-1"))
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if out.Action != ActionEscalated || out.NotifyErr == nil {
		t.Errorf("outcome = %+v, want escalated with NotifyErr", out)
	}
	if got := f.get("wf-1"); got.CurrentAssignee != "bob" {
		t.Errorf("reassignment rolled back: %q", got.CurrentAssignee)
	}
	if n := len(f.events("wf-1", model.EventEscalated)); n != 1 {
		t.Errorf("escalated events = %d, want 1", n)
	}
}

func TestEscalate_auditFailure_isDegradedSuccess(t *testing.T) {
	f := newFixture(t)
	f.seed(task("wf-1", 25*time.Hour))
	f.sink.FailWith(errors.New("disk full"))

	out, err := NewEscalator(f.deps, f.cfg).Escalate(context.Background(), f.get("wf-1"))
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if out.Action != ActionEscalated || out.AuditErr == nil {
		t.Errorf("outcome = %+v, want escalated with AuditErr", out)
	}
	if got := f.get("wf-1"); got.CurrentAssignee != "bob" {
		t.Errorf("reassignment rolled back: %q", got.CurrentAssignee)
	}
}

func TestEscalate_markerFromEarlierStage_doesNotBlock(t *testing.T) {
	f := newFixture(t)
	inst := task("wf-1", 25*time.Hour)
	earlier := inst.StageEnteredAt.Add(-time.Hour)
	inst.LastEscalatedAt = &earlier
	f.seed(inst)

	out, err := NewEscalator(f.deps, f.cfg).Escalate(context.Background(), f.get("wf-1"))
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if out.Action != ActionEscalated {
		t.Errorf("Action = %q, want escalated", out.Action)
	}
}

func TestEscalate_stageCooldownOverride(t *testing.T) {
	f := newFixture(t)
	inst := task("wf-1", 25*time.Hour)
	inst.Stage.EscalationCooldownHours = 1
	f.seed(inst)
	e := NewEscalator(f.deps, f.cfg)

	if _, err := e.Escalate(context.Background(), f.get("wf-1")); err != nil {
		t.Fatalf("first Escalate() error = %v", err)
	}
	f.now = testNow.Add(2 * time.Hour)
	out, err := e.Escalate(context.Background(), f.get("wf-1"))
	if err != nil {
		t.Fatalf("second Escalate() error = %v", err)
	}
	if out.Action != ActionEscalated {
		t.Errorf("Action = %q, want escalated after the 1h stage cooldown", out.Action)
	}
}

func TestEscalate_resolverError_isTransient(t *testing.T) {
	f := newFixture(t)
	f.seed(task("wf-1", 25*time.Hour))
	f.deps.Resolver = resolverFunc(func(context.Context, string, model.EscalationTarget, string) (string, error) {
		return "", model.NewBackendUnavailableError("org-service")
	})

	_, err := NewEscalator(f.deps, f.cfg).Escalate(context.Background(), f.get("wf-1"))
	if err == nil || model.IsNoEscalationTarget(err) {
		t.Fatalf("Escalate() error = %v, want transient error", err)
	}
	if !model.HasCode(err, model.ErrBackendUnavailable) {
		t.Errorf("error = %v, want BACKEND_UNAVAILABLE", err)
	}
	if len(f.sink.Events()) != 0 {
		t.Error("transient failures are not audited")
	}
}
