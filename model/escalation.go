package model

import "time"

// SLAStatus classifies a pending task against its SLA.
type SLAStatus string

// SLA status values.
const (
	SLAStatusOK       SLAStatus = "OK"
	SLAStatusWarning  SLAStatus = "WARNING"
	SLAStatusBreached SLAStatus = "BREACHED"
)

// Escalation event types.
const (
	EventEscalated        = "escalated"
	EventReminded         = "reminded"
	EventEscalationFailed = "escalation_failed"
)

// EscalationEvent is one append-only audit record. StageEnteredAt together
// with WorkflowInstanceID identifies the breach episode.
type EscalationEvent struct {
	ID                 string    `json:"id"`
	WorkflowInstanceID string    `json:"workflow_instance_id"`
	TenantID           string    `json:"tenant_id"`
	StageID            string    `json:"stage_id"`
	Type               string    `json:"type"`
	PreviousAssignee   string    `json:"previous_assignee"`
	NewAssignee        string    `json:"new_assignee,omitempty"`
	SLAStatus          SLAStatus `json:"sla_status"`
	StageEnteredAt     time.Time `json:"stage_entered_at"`
	Timestamp          time.Time `json:"timestamp"`
	Reason             string    `json:"reason,omitempty"`
}

// Scheduler states.
const (
	SchedulerIdle    = "idle"
	SchedulerRunning = "running"
	SchedulerFailed  = "failed"
)

// TaskFailure describes one task that failed during a run.
type TaskFailure struct {
	TaskID   string `json:"task_id"`
	TenantID string `json:"tenant_id"`
	Error    string `json:"error"`
}

// RunSummary is the in-memory tally of one scheduler tick.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	State      string        `json:"state"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
	Checked    int           `json:"checked"`
	Escalated  int           `json:"escalated"`
	Reminded   int           `json:"reminded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	OverSLA    int           `json:"over_sla"`
	NearBreach int           `json:"near_breach"`
	Error      string        `json:"error,omitempty"`
	Failures   []TaskFailure `json:"failures,omitempty"`
}
