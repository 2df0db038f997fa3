package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/escalator/model"
)

// Schema is the PostgreSQL layout PgTaskStore reads. The tables belong to
// the workflow module; EnsureSchema exists for development databases.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_stages (
	workflow_id               TEXT NOT NULL,
	stage_id                  TEXT NOT NULL,
	sla_hours                 DOUBLE PRECISION NOT NULL DEFAULT 0,
	warning_threshold_hours   DOUBLE PRECISION NOT NULL DEFAULT 0,
	escalation_enabled        BOOLEAN NOT NULL DEFAULT FALSE,
	escalation_target         JSONB,
	escalation_cooldown_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
	reminder_cooldown_hours   DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (workflow_id, stage_id)
);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id                TEXT PRIMARY KEY,
	workflow_id       TEXT NOT NULL,
	tenant_id         TEXT NOT NULL,
	current_stage     TEXT NOT NULL,
	current_assignee  TEXT NOT NULL,
	stage_assignee    TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	stage_entered_at  TIMESTAMPTZ NOT NULL,
	last_escalated_at TIMESTAMPTZ,
	last_reminded_at  TIMESTAMPTZ,
	escalation_level  INTEGER NOT NULL DEFAULT 0,
	version           INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_workflow_instances_open
	ON workflow_instances (status, stage_entered_at);
`

const selectInstance = `
	SELECT i.id, i.workflow_id, i.tenant_id, i.current_stage, i.current_assignee,
	       i.stage_assignee, i.status, i.stage_entered_at, i.last_escalated_at,
	       i.last_reminded_at, i.escalation_level, i.version,
	       COALESCE(s.stage_id, i.current_stage),
	       COALESCE(s.sla_hours, 0), COALESCE(s.warning_threshold_hours, 0),
	       COALESCE(s.escalation_enabled, FALSE), s.escalation_target,
	       COALESCE(s.escalation_cooldown_hours, 0), COALESCE(s.reminder_cooldown_hours, 0)
	FROM workflow_instances i
	LEFT JOIN workflow_stages s
	       ON s.workflow_id = i.workflow_id AND s.stage_id = i.current_stage`

// PgTaskStore is a PostgreSQL-backed TaskStore using pgx/v5.
type PgTaskStore struct {
	pool *pgxpool.Pool
}

// NewPgTaskStore creates a new PostgreSQL task store.
func NewPgTaskStore(pool *pgxpool.Pool) *PgTaskStore {
	return &PgTaskStore{pool: pool}
}

// EnsureSchema creates the workflow tables if they are missing.
func (s *PgTaskStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create workflow schema: %w", err)
	}
	return nil
}

// Create inserts a new workflow instance.
func (s *PgTaskStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	stageAssignee := inst.StageAssignee
	if stageAssignee == "" {
		stageAssignee = inst.CurrentAssignee
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, workflow_id, tenant_id, current_stage, current_assignee,
			stage_assignee, status, stage_entered_at, last_escalated_at,
			last_reminded_at, escalation_level, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inst.ID, inst.WorkflowID, inst.TenantID, inst.CurrentStage, inst.CurrentAssignee,
		stageAssignee, inst.Status, inst.StageEnteredAt, inst.LastEscalatedAt,
		inst.LastRemindedAt, inst.EscalationLevel, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// PutStage inserts or replaces a stage definition.
func (s *PgTaskStore) PutStage(ctx context.Context, workflowID string, stage model.StageDefinition) error {
	var target []byte
	if stage.EscalationTarget.Kind != "" {
		var err error
		target, err = json.Marshal(stage.EscalationTarget)
		if err != nil {
			return fmt.Errorf("marshal escalation target: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_stages (
			workflow_id, stage_id, sla_hours, warning_threshold_hours,
			escalation_enabled, escalation_target,
			escalation_cooldown_hours, reminder_cooldown_hours
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workflow_id, stage_id) DO UPDATE SET
			sla_hours = EXCLUDED.sla_hours,
			warning_threshold_hours = EXCLUDED.warning_threshold_hours,
			escalation_enabled = EXCLUDED.escalation_enabled,
			escalation_target = EXCLUDED.escalation_target,
			escalation_cooldown_hours = EXCLUDED.escalation_cooldown_hours,
			reminder_cooldown_hours = EXCLUDED.reminder_cooldown_hours`,
		workflowID, stage.ID, stage.SLAHours, stage.WarningThresholdHours,
		stage.EscalationEnabled, target,
		stage.EscalationCooldownHours, stage.ReminderCooldownHours,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow stage: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID, scoped to tenant.
func (s *PgTaskStore) Get(ctx context.Context, tenantID, taskID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, selectInstance+`
		WHERE i.id = $1 AND i.tenant_id = $2`,
		taskID, tenantID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", taskID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// FetchOpenTasks returns open instances ordered by stage entry, oldest
// first.
func (s *PgTaskStore) FetchOpenTasks(ctx context.Context, filter TaskFilter) ([]model.WorkflowInstance, error) {
	query := selectInstance + `
		WHERE i.status = ANY($1)`
	args := []any{model.OpenStatuses}
	argIdx := 2

	if len(filter.TenantIDs) > 0 {
		query += fmt.Sprintf(" AND i.tenant_id = ANY($%d)", argIdx)
		args = append(args, filter.TenantIDs)
		argIdx++
	}
	if !filter.StageEnteredBefore.IsZero() {
		query += fmt.Sprintf(" AND i.stage_entered_at < $%d", argIdx)
		args = append(args, filter.StageEnteredBefore)
		argIdx++
	}

	query += " ORDER BY i.stage_entered_at ASC, i.id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query open tasks: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// UpdateAssignee applies a conditional reassignment.
func (s *PgTaskStore) UpdateAssignee(ctx context.Context, u model.AssigneeUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			current_assignee = $1,
			status = $2,
			last_escalated_at = $3,
			escalation_level = $4,
			version = version + 1
		WHERE id = $5 AND tenant_id = $6
		  AND version = $7 AND current_assignee = $8
		  AND status = ANY($9)`,
		u.NewAssignee, model.WorkflowStatusEscalated, u.EscalatedAt, u.Level,
		u.TaskID, u.TenantID,
		u.ExpectedVersion, u.ExpectedAssignee,
		model.OpenStatuses,
	)
	if err != nil {
		return fmt.Errorf("update workflow assignee: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q changed since read (expected version %d)", u.TaskID, u.ExpectedVersion),
		)
	}
	return nil
}

// MarkReminded records a reminder with an optimistic version check.
func (s *PgTaskStore) MarkReminded(ctx context.Context, m model.ReminderMark) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			last_reminded_at = $1,
			version = version + 1
		WHERE id = $2 AND tenant_id = $3 AND version = $4`,
		m.RemindedAt, m.TaskID, m.TenantID, m.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("mark workflow reminded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q changed since read (expected version %d)", m.TaskID, m.ExpectedVersion),
		)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgTaskStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanInstance reads one row produced by selectInstance. A stage whose
// stored escalation target no longer decodes is returned with a zero
// target so the task still gets an SLA verdict.
func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var target []byte
	err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.TenantID, &inst.CurrentStage, &inst.CurrentAssignee,
		&inst.StageAssignee, &inst.Status, &inst.StageEnteredAt, &inst.LastEscalatedAt,
		&inst.LastRemindedAt, &inst.EscalationLevel, &inst.Version,
		&inst.Stage.ID,
		&inst.Stage.SLAHours, &inst.Stage.WarningThresholdHours,
		&inst.Stage.EscalationEnabled, &target,
		&inst.Stage.EscalationCooldownHours, &inst.Stage.ReminderCooldownHours,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if len(target) > 0 {
		_ = json.Unmarshal(target, &inst.Stage.EscalationTarget)
	}
	return inst, nil
}
