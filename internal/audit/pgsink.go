package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/escalator/model"
)

// Schema creates the audit table. The table carries no update path; grant
// the service role INSERT and SELECT only.
const Schema = `
CREATE TABLE IF NOT EXISTS escalation_events (
	id                   TEXT PRIMARY KEY,
	workflow_instance_id TEXT NOT NULL,
	tenant_id            TEXT NOT NULL,
	stage_id             TEXT NOT NULL,
	event_type           TEXT NOT NULL,
	previous_assignee    TEXT NOT NULL,
	new_assignee         TEXT,
	sla_status           TEXT NOT NULL,
	stage_entered_at     TIMESTAMPTZ NOT NULL,
	reason               TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_escalation_events_instance
	ON escalation_events (tenant_id, workflow_instance_id, created_at);
`

// PgSink appends events to PostgreSQL using pgx/v5.
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink creates a PostgreSQL audit sink.
func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

// EnsureSchema creates the audit table if it is missing.
func (s *PgSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Append inserts one event.
func (s *PgSink) Append(ctx context.Context, e model.EscalationEvent) error {
	var newAssignee *string
	if e.NewAssignee != "" {
		newAssignee = &e.NewAssignee
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escalation_events (
			id, workflow_instance_id, tenant_id, stage_id, event_type,
			previous_assignee, new_assignee, sla_status, stage_entered_at,
			reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.WorkflowInstanceID, e.TenantID, e.StageID, e.Type,
		e.PreviousAssignee, newAssignee, string(e.SLAStatus), e.StageEnteredAt,
		e.Reason, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert escalation event: %w", err)
	}
	return nil
}

// ListByInstance returns events for one instance, oldest first.
func (s *PgSink) ListByInstance(ctx context.Context, tenantID, instanceID string) ([]model.EscalationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_instance_id, tenant_id, stage_id, event_type,
		       previous_assignee, COALESCE(new_assignee, ''), sla_status,
		       stage_entered_at, reason, created_at
		FROM escalation_events
		WHERE tenant_id = $1 AND workflow_instance_id = $2
		ORDER BY created_at ASC`,
		tenantID, instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query escalation events: %w", err)
	}
	defer rows.Close()

	var events []model.EscalationEvent
	for rows.Next() {
		var e model.EscalationEvent
		var status string
		if err := rows.Scan(
			&e.ID, &e.WorkflowInstanceID, &e.TenantID, &e.StageID, &e.Type,
			&e.PreviousAssignee, &e.NewAssignee, &status,
			&e.StageEnteredAt, &e.Reason, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan escalation event: %w", err)
		}
		e.SLAStatus = model.SLAStatus(status)
		events = append(events, e)
	}
	return events, rows.Err()
}
