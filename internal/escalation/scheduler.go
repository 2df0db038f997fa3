package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/escalator/internal/lease"
	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/internal/sla"
	"github.com/pitabwire/escalator/internal/workflow"
	"github.com/pitabwire/escalator/model"
)

// ErrRunInProgress is returned when a run is requested while another run
// of the same scheduler has not finished.
var ErrRunInProgress = model.NewRunInProgressError()

// Scheduler runs the periodic escalation scan.
//
// Each run fetches the open tasks and processes them on a bounded worker
// pool. A task is only touched while its lease is held and only after it
// has been reloaded, so overlapping runs, in this process or another,
// cannot act on the same breach twice.
type Scheduler struct {
	deps      Deps
	cfg       Config
	escalator *Escalator
	reminder  *Reminder

	running atomic.Bool

	mu    sync.RWMutex
	state string
	last  *model.RunSummary
}

// NewScheduler creates a scheduler together with its executors.
func NewScheduler(deps Deps, cfg Config) *Scheduler {
	deps = deps.withDefaults()
	cfg = cfg.withDefaults()
	s := &Scheduler{
		deps:      deps,
		cfg:       cfg,
		escalator: NewEscalator(deps, cfg),
		reminder:  NewReminder(deps, cfg),
		state:     model.SchedulerIdle,
	}
	deps.Metrics.SetSchedulerState(model.SchedulerIdle)
	return s
}

// State returns idle, running or failed.
func (s *Scheduler) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastSummary returns the summary of the most recent finished run.
func (s *Scheduler) LastSummary() (model.RunSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return model.RunSummary{}, false
	}
	return *s.last, true
}

// Start runs a scan every ScanInterval until ctx is cancelled. A failed run
// is logged and the next tick runs normally.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.deps.Logger.Info("escalation scheduler started",
		zap.Duration("scan_interval", s.cfg.ScanInterval),
		zap.Int("worker_concurrency", s.cfg.WorkerConcurrency),
	)
	for {
		select {
		case <-ctx.Done():
			s.deps.Logger.Info("escalation scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				if errors.Is(err, ErrRunInProgress) {
					s.deps.Logger.Warn("previous escalation run still in progress, tick skipped")
					continue
				}
				if ctx.Err() == nil {
					s.deps.Logger.Error("escalation run failed", zap.Error(err))
				}
			}
		}
	}
}

// RunOnce performs one full scan and returns its summary. It returns
// ErrRunInProgress if this scheduler is already running. A store failure
// while fetching aborts the run; per-task failures never do.
func (s *Scheduler) RunOnce(ctx context.Context) (model.RunSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return model.RunSummary{}, ErrRunInProgress
	}
	defer s.running.Store(false)
	return s.run(ctx, uuid.New().String())
}

// Trigger starts a run in the background and returns its id, or
// ErrRunInProgress.
func (s *Scheduler) Trigger(ctx context.Context) (string, error) {
	if !s.running.CompareAndSwap(false, true) {
		return "", ErrRunInProgress
	}
	runID := uuid.New().String()
	go func() {
		defer s.running.Store(false)
		if _, err := s.run(ctx, runID); err != nil {
			s.deps.Logger.Error("triggered escalation run failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()
	return runID, nil
}

func (s *Scheduler) run(ctx context.Context, runID string) (model.RunSummary, error) {
	start := s.deps.Clock()
	summary := model.RunSummary{
		RunID:     runID,
		State:     model.SchedulerRunning,
		StartedAt: start,
	}
	s.setState(model.SchedulerRunning)

	ctx, span := observability.StartSpan(ctx, "escalation.run", observability.AttrRunID.String(runID))
	logger := observability.TraceLogger(ctx, s.deps.Logger.With(zap.String("run_id", runID)))
	logger.Info("escalation run started")

	if err := ctx.Err(); err != nil {
		summary.Error = "run cancelled before start"
		s.finish(&summary, model.SchedulerIdle, observability.RunResultCancelled, logger)
		observability.EndSpanWithError(span, err)
		return summary, err
	}

	fctx, cancel := s.cfg.ioContext(ctx)
	tasks, err := s.deps.Store.FetchOpenTasks(fctx, s.filter(start))
	cancel()
	if err != nil {
		err = fmt.Errorf("fetch open tasks: %w", err)
		summary.Error = err.Error()
		s.deps.Metrics.RecordFailure(observability.FailureRun)
		s.finish(&summary, model.SchedulerFailed, observability.RunResultFailed, logger)
		observability.EndSpanWithError(span, err)
		return summary, err
	}

	t := &tally{summary: &summary, maxSamples: s.cfg.MaxFailureSamples, metrics: s.deps.Metrics}
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.WorkerConcurrency)
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Tasks queued behind a full pool must not start once the run
			// is cancelled.
			if ctx.Err() != nil {
				return nil
			}
			t.add(task, s.safeProcess(ctx, task, logger))
			return nil
		})
	}
	_ = g.Wait()

	result := observability.RunResultSuccess
	if err := ctx.Err(); err != nil {
		summary.Error = fmt.Sprintf("run cancelled after %d of %d tasks", summary.Checked, len(tasks))
		result = observability.RunResultCancelled
		s.finish(&summary, model.SchedulerIdle, result, logger)
		observability.EndSpanWithError(span, err)
		return summary, err
	}
	s.finish(&summary, model.SchedulerIdle, result, logger)
	observability.EndSpanWithError(span, nil)
	return summary, nil
}

func (s *Scheduler) filter(now time.Time) workflow.TaskFilter {
	f := workflow.TaskFilter{
		TenantIDs: s.cfg.TenantFilter,
		Limit:     s.cfg.FetchLimit,
	}
	if s.cfg.MinStageAge > 0 {
		f.StageEnteredBefore = now.Add(-s.cfg.MinStageAge)
	}
	return f
}

func (s *Scheduler) finish(summary *model.RunSummary, state, result string, logger *zap.Logger) {
	summary.FinishedAt = s.deps.Clock()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	summary.State = state

	s.mu.Lock()
	s.state = state
	last := *summary
	s.last = &last
	s.mu.Unlock()

	s.deps.Metrics.RecordRun(*summary, result)
	s.deps.Metrics.SetSchedulerState(state)

	fields := []zap.Field{
		zap.String("result", result),
		zap.Int("checked", summary.Checked),
		zap.Int("escalated", summary.Escalated),
		zap.Int("reminded", summary.Reminded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("over_sla", summary.OverSLA),
		zap.Int("near_breach", summary.NearBreach),
		zap.Duration("duration", summary.Duration),
	}
	if summary.Error != "" {
		logger.Error("escalation run finished", append(fields, zap.String("error", summary.Error))...)
		return
	}
	logger.Info("escalation run finished", fields...)
}

func (s *Scheduler) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.deps.Metrics.SetSchedulerState(state)
}

// taskResult is what processing one task contributed to the run.
type taskResult struct {
	status  model.SLAStatus
	outcome Outcome
	err     error
}

// safeProcess turns a panic in one task into a failure of that task.
func (s *Scheduler) safeProcess(runCtx context.Context, task model.WorkflowInstance, logger *zap.Logger) (res taskResult) {
	defer func() {
		if r := recover(); r != nil {
			res = taskResult{
				outcome: Outcome{Action: ActionFailed},
				err:     fmt.Errorf("panic while processing task: %v", r),
			}
		}
	}()
	return s.processTask(runCtx, task, logger)
}

// processTask handles one task under its lease. It runs on a context that
// ignores run cancellation so a started reassignment is never cut in half,
// bounded by the per-task timeout.
func (s *Scheduler) processTask(runCtx context.Context, task model.WorkflowInstance, logger *zap.Logger) taskResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), s.cfg.PerTaskTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "escalation.task",
		observability.AttrTaskID.String(task.ID),
		observability.AttrTenantID.String(task.TenantID),
		observability.AttrStageID.String(task.CurrentStage),
	)
	tlog := observability.TaskLogger(logger, task)

	res := s.processLeased(ctx, task, tlog)

	span.SetAttributes(
		observability.AttrSLAStatus.String(string(res.status)),
		observability.AttrOutcome.String(string(res.outcome.Action)),
	)
	observability.EndSpanWithError(span, res.err)

	switch {
	case res.err != nil:
		tlog.Error("task processing failed", zap.String("sla_status", string(res.status)), zap.Error(res.err))
	case res.outcome.Action == ActionSkipped:
		tlog.Debug("task skipped", zap.String("reason", res.outcome.Reason))
	case res.outcome.Action == ActionEscalated:
		tlog.Info("task escalated",
			zap.String("previous_assignee", res.outcome.PreviousAssignee),
			zap.String("new_assignee", res.outcome.NewAssignee),
		)
	case res.outcome.Action == ActionReminded:
		tlog.Info("reminder sent", zap.String("assignee", res.outcome.PreviousAssignee))
	}
	return res
}

func (s *Scheduler) processLeased(ctx context.Context, task model.WorkflowInstance, tlog *zap.Logger) taskResult {
	lctx, cancel := s.cfg.ioContext(ctx)
	l, err := s.deps.Leaser.Acquire(lctx, lease.TaskKey(task.ID), s.cfg.LeaseTTL)
	cancel()
	if err != nil {
		if lease.IsHeld(err) {
			return taskResult{outcome: Outcome{Action: ActionSkipped, Reason: ReasonLeaseHeld}}
		}
		return taskResult{outcome: Outcome{Action: ActionFailed}, err: fmt.Errorf("acquire lease: %w", err)}
	}
	defer func() {
		rctx, cancel := s.cfg.ioContext(context.WithoutCancel(ctx))
		defer cancel()
		if err := s.deps.Leaser.Release(rctx, l); err != nil {
			tlog.Warn("lease release failed", zap.Error(err))
		}
	}()

	gctx, cancel := s.cfg.ioContext(ctx)
	fresh, err := s.deps.Store.Get(gctx, task.TenantID, task.ID)
	cancel()
	if err != nil {
		if model.IsNotFound(err) {
			return taskResult{outcome: Outcome{Action: ActionSkipped, Reason: ReasonGone}}
		}
		return taskResult{outcome: Outcome{Action: ActionFailed}, err: fmt.Errorf("reload task: %w", err)}
	}
	if !model.IsOpenStatus(fresh.Status) {
		return taskResult{outcome: Outcome{Action: ActionSkipped, Reason: ReasonClosed}}
	}

	res := taskResult{status: sla.EvaluateStage(s.deps.Clock(), fresh, s.cfg.Defaults)}
	switch res.status {
	case model.SLAStatusBreached:
		res.outcome, res.err = s.escalator.Escalate(ctx, fresh)
	case model.SLAStatusWarning:
		res.outcome, res.err = s.reminder.Remind(ctx, fresh)
	default:
		res.outcome = Outcome{Action: ActionNone}
	}
	return res
}

// tally folds task results into the run summary and the counters.
type tally struct {
	mu         sync.Mutex
	summary    *model.RunSummary
	maxSamples int
	metrics    *observability.Metrics
}

func (t *tally) add(task model.WorkflowInstance, res taskResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := t.summary
	sum.Checked++
	t.metrics.RecordChecked()

	switch res.status {
	case model.SLAStatusBreached:
		sum.OverSLA++
		t.metrics.RecordOverSLA()
	case model.SLAStatusWarning:
		sum.NearBreach++
	}

	switch res.outcome.Action {
	case ActionEscalated:
		sum.Escalated++
		t.metrics.RecordEscalated()
	case ActionReminded:
		sum.Reminded++
		t.metrics.RecordReminded()
	case ActionSkipped:
		sum.Skipped++
	}

	if res.outcome.NotifyErr != nil {
		t.metrics.RecordFailure(observability.FailureNotify)
	}
	// A missing audit record fails the task in the summary even though the
	// action itself stays applied and counted.
	if res.outcome.AuditErr != nil {
		t.metrics.RecordFailure(observability.FailureAudit)
		sum.Failed++
		t.sample(task, fmt.Errorf("audit write: %w", res.outcome.AuditErr))
	}
	if res.err == nil {
		return
	}
	sum.Failed++
	t.metrics.RecordFailure(observability.FailureTask)
	t.sample(task, res.err)
}

// sample keeps up to maxSamples failures for the summary. Callers hold mu.
func (t *tally) sample(task model.WorkflowInstance, err error) {
	if len(t.summary.Failures) >= t.maxSamples {
		return
	}
	t.summary.Failures = append(t.summary.Failures, model.TaskFailure{
		TaskID:   task.ID,
		TenantID: task.TenantID,
		Error:    err.Error(),
	})
}
