package model

import "time"

// Workflow instance status constants. Pending and escalated instances are
// open; the others are terminal and never scanned.
const (
	WorkflowStatusPending   = "pending"
	WorkflowStatusApproved  = "approved"
	WorkflowStatusRejected  = "rejected"
	WorkflowStatusCancelled = "cancelled"
	WorkflowStatusEscalated = "escalated"
)

// OpenStatuses lists the statuses the escalation scan considers.
var OpenStatuses = []string{WorkflowStatusPending, WorkflowStatusEscalated}

// IsOpenStatus reports whether an instance with the given status is still
// awaiting a decision.
func IsOpenStatus(status string) bool {
	return status == WorkflowStatusPending || status == WorkflowStatusEscalated
}

// WorkflowInstance is one in-flight approval process. It is owned by the
// workflow module; the engine writes only the assignee, status, escalation
// and reminder markers.
type WorkflowInstance struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	TenantID        string          `json:"tenant_id"`
	CurrentStage    string          `json:"current_stage"`
	CurrentAssignee string          `json:"current_assignee"`
	StageAssignee   string          `json:"stage_assignee"`
	Status          string          `json:"status"`
	StageEnteredAt  time.Time       `json:"stage_entered_at"`
	LastEscalatedAt *time.Time      `json:"last_escalated_at,omitempty"`
	LastRemindedAt  *time.Time      `json:"last_reminded_at,omitempty"`
	EscalationLevel int             `json:"escalation_level"`
	Version         int             `json:"version"`
	Stage           StageDefinition `json:"stage"`
}

// StageDefinition is the read-only per-stage configuration joined onto an
// instance. Zero hour values fall back to engine defaults; a negative
// SLAHours disables the SLA for the stage.
type StageDefinition struct {
	ID                      string           `json:"id"                        yaml:"id"`
	SLAHours                float64          `json:"sla_hours"                 yaml:"sla_hours"`
	WarningThresholdHours   float64          `json:"warning_threshold_hours"   yaml:"warning_threshold_hours"`
	EscalationEnabled       bool             `json:"escalation_enabled"        yaml:"escalation_enabled"`
	EscalationTarget        EscalationTarget `json:"escalation_target"         yaml:"escalation_target"`
	EscalationCooldownHours float64          `json:"escalation_cooldown_hours" yaml:"escalation_cooldown_hours"`
	ReminderCooldownHours   float64          `json:"reminder_cooldown_hours"   yaml:"reminder_cooldown_hours"`
}

// AssigneeUpdate is a conditional reassignment. The store applies it only
// if the stored version and assignee still match the expectations.
type AssigneeUpdate struct {
	TaskID           string
	TenantID         string
	NewAssignee      string
	ExpectedVersion  int
	ExpectedAssignee string
	EscalatedAt      time.Time
	Level            int
}

// ReminderMark records that a reminder went out. Conditional on version.
type ReminderMark struct {
	TaskID          string
	TenantID        string
	ExpectedVersion int
	RemindedAt      time.Time
}
