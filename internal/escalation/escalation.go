// Package escalation drives the periodic SLA scan: it classifies every open
// approval task, reminds assignees of tasks nearing their deadline and
// reassigns tasks that have breached it.
package escalation

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/escalator/internal/audit"
	"github.com/pitabwire/escalator/internal/config"
	"github.com/pitabwire/escalator/internal/lease"
	"github.com/pitabwire/escalator/internal/notify"
	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/internal/orgchart"
	"github.com/pitabwire/escalator/internal/sla"
	"github.com/pitabwire/escalator/internal/workflow"
)

// Clock returns the current time. The scheduler owns the only Clock; every
// other component receives now from it.
type Clock func() time.Time

// Action is what happened to a task during a scan.
type Action string

// Task actions.
const (
	ActionNone      Action = "none"
	ActionSkipped   Action = "skipped"
	ActionEscalated Action = "escalated"
	ActionReminded  Action = "reminded"
	ActionFailed    Action = "failed"
)

// Skip reasons.
const (
	ReasonEscalationDisabled = "escalation_disabled"
	ReasonCooldown           = "cooldown"
	ReasonLeaseHeld          = "lease_held"
	ReasonClosed             = "closed"
	ReasonGone               = "gone"
	ReasonStale              = "concurrent_update"
)

// Outcome reports the result of one executor call. NotifyErr and AuditErr
// mark a degraded success: the state change stuck but a side effect did
// not.
type Outcome struct {
	Action           Action
	Reason           string
	PreviousAssignee string
	NewAssignee      string
	NotifyErr        error
	AuditErr         error
}

// Degraded reports whether a side effect failed after the action applied.
func (o Outcome) Degraded() bool {
	return o.NotifyErr != nil || o.AuditErr != nil
}

// Config holds the resolved engine settings.
type Config struct {
	Defaults           sla.Defaults
	EscalationCooldown time.Duration
	ReminderCooldown   time.Duration
	Policy             string
	ScanInterval       time.Duration
	WorkerConcurrency  int
	PerTaskTimeout     time.Duration
	IOTimeout          time.Duration
	LeaseTTL           time.Duration
	TenantFilter       []string
	FetchLimit         int
	MinStageAge        time.Duration
	MaxFailureSamples  int
}

// ConfigFrom converts the YAML escalation section.
func ConfigFrom(c config.EscalationConfig) Config {
	return Config{
		Defaults: sla.Defaults{
			SLAHours:              c.DefaultSLAHours,
			WarningThresholdHours: c.DefaultWarningThresholdHours,
		},
		EscalationCooldown: hours(c.EscalationCooldownHours),
		ReminderCooldown:   hours(c.ReminderCooldownHours),
		Policy:             c.ReescalationPolicy,
		ScanInterval:       c.ScanInterval,
		WorkerConcurrency:  c.WorkerConcurrency,
		PerTaskTimeout:     c.PerTaskTimeout,
		IOTimeout:          c.IOTimeout,
		LeaseTTL:           c.LeaseTTL(),
		TenantFilter:       c.TenantFilter,
		FetchLimit:         c.FetchLimit,
		MinStageAge:        c.MinStageAge,
		MaxFailureSamples:  c.MaxFailureSamples,
	}
}

// defaultCooldown spaces repeated actions on one breach episode when no
// positive cooldown is configured.
const defaultCooldown = 24 * time.Hour

func (c Config) withDefaults() Config {
	if c.Policy == "" {
		c.Policy = config.PolicySameTarget
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 15 * time.Minute
	}
	if c.EscalationCooldown <= 0 {
		c.EscalationCooldown = defaultCooldown
	}
	if c.ReminderCooldown <= 0 {
		c.ReminderCooldown = defaultCooldown
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 8
	}
	if c.PerTaskTimeout <= 0 {
		c.PerTaskTimeout = 10 * time.Second
	}
	if c.IOTimeout <= 0 || c.IOTimeout > c.PerTaskTimeout {
		c.IOTimeout = c.PerTaskTimeout
	}
	if c.LeaseTTL < c.PerTaskTimeout {
		c.LeaseTTL = c.PerTaskTimeout + 5*time.Second
	}
	if c.MaxFailureSamples <= 0 {
		c.MaxFailureSamples = 20
	}
	return c
}

// ioContext bounds one external call.
func (c Config) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.IOTimeout)
}

// Deps are the collaborators shared by the executors and the scheduler.
type Deps struct {
	Store      workflow.TaskStore
	Leaser     lease.Leaser
	Resolver   orgchart.Resolver
	Dispatcher notify.Dispatcher
	Recorder   *audit.Recorder
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	Clock      Clock
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	}
	if d.Leaser == nil {
		d.Leaser = lease.NewMemoryLeaser()
	}
	return d
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// cooldownOr returns the stage override when set, else fallback.
func cooldownOr(stageHours float64, fallback time.Duration) time.Duration {
	if stageHours > 0 {
		return hours(stageHours)
	}
	return fallback
}

// withinEpisode reports whether marker was set during the current stage
// entry and less than cooldown before now. Markers from an earlier stage
// entry never suppress an action.
func withinEpisode(marker *time.Time, stageEnteredAt, now time.Time, cooldown time.Duration) bool {
	if marker == nil || marker.Before(stageEnteredAt) {
		return false
	}
	return now.Sub(*marker) < cooldown
}
