package escalation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/escalator/internal/audit"
	"github.com/pitabwire/escalator/internal/lease"
	"github.com/pitabwire/escalator/internal/notify"
	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/internal/orgchart"
	"github.com/pitabwire/escalator/internal/sla"
	"github.com/pitabwire/escalator/internal/workflow"
	"github.com/pitabwire/escalator/model"
)

var testNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

// recordingDispatcher keeps every notification it accepts.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (d *recordingDispatcher) Send(_ context.Context, n notify.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDispatcher) failWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *recordingDispatcher) Sent() []notify.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]notify.Notification, len(d.sent))
	copy(out, d.sent)
	return out
}

// resolverFunc adapts a function to orgchart.Resolver.
type resolverFunc func(ctx context.Context, tenantID string, target model.EscalationTarget, from string) (string, error)

func (f resolverFunc) ResolveEscalationTarget(ctx context.Context, tenantID string, target model.EscalationTarget, from string) (string, error) {
	return f(ctx, tenantID, target, from)
}

// flakyStore injects failures in front of a real store.
type flakyStore struct {
	workflow.TaskStore

	mu        sync.Mutex
	fetchErr  error
	fetchGate chan struct{}
	getErrs   map[string]error
}

func (s *flakyStore) FetchOpenTasks(ctx context.Context, f workflow.TaskFilter) ([]model.WorkflowInstance, error) {
	s.mu.Lock()
	err, gate := s.fetchErr, s.fetchGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return s.TaskStore.FetchOpenTasks(ctx, f)
}

func (s *flakyStore) Get(ctx context.Context, tenantID, taskID string) (model.WorkflowInstance, error) {
	s.mu.Lock()
	err := s.getErrs[taskID]
	s.mu.Unlock()
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return s.TaskStore.Get(ctx, tenantID, taskID)
}

type fixture struct {
	t          *testing.T
	now        time.Time
	store      *workflow.MemoryTaskStore
	sink       *audit.MemorySink
	dispatcher *recordingDispatcher
	leaser     *lease.MemoryLeaser
	metrics    *observability.Metrics
	deps       Deps
	cfg        Config
}

// acmeDirectory: alice reports to bob, bob to carol, carol to dave. grace
// holds hr_manager.
func acmeDirectory(t *testing.T) *orgchart.DirectoryResolver {
	t.Helper()
	r, err := orgchart.NewDirectoryResolver(orgchart.Directory{Tenants: map[string][]orgchart.Person{
		"acme": {
			{ID: "alice", Manager: "bob"},
			{ID: "bob", Manager: "carol"},
			{ID: "carol", Manager: "dave"},
			{ID: "dave"},
			{ID: "grace", Roles: []string{"hr_manager"}},
		},
	}})
	if err != nil {
		t.Fatalf("NewDirectoryResolver() error = %v", err)
	}
	return r
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:          t,
		now:        testNow,
		store:      workflow.NewMemoryTaskStore(),
		sink:       audit.NewMemorySink(),
		dispatcher: &recordingDispatcher{},
		leaser:     lease.NewMemoryLeaser(),
		metrics:    observability.InitMetrics(prometheus.NewRegistry()),
	}
	f.deps = Deps{
		Store:      f.store,
		Leaser:     f.leaser,
		Resolver:   acmeDirectory(t),
		Dispatcher: f.dispatcher,
		Recorder:   audit.NewRecorder(f.sink, time.Second),
		Metrics:    f.metrics,
		Logger:     zap.NewNop(),
		Clock:      func() time.Time { return f.now },
	}
	f.cfg = Config{
		Defaults:           sla.Defaults{SLAHours: 48, WarningThresholdHours: 4},
		EscalationCooldown: 24 * time.Hour,
		ReminderCooldown:   24 * time.Hour,
		WorkerConcurrency:  8,
		PerTaskTimeout:     2 * time.Second,
		IOTimeout:          time.Second,
		LeaseTTL:           3 * time.Second,
	}
	return f
}

// task builds a pending task assigned to alice that entered its stage age
// ago, with a 24h SLA and a 2h warning threshold.
func task(id string, age time.Duration) model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:              id,
		WorkflowID:      "leave_request",
		TenantID:        "acme",
		CurrentStage:    "manager_review",
		CurrentAssignee: "alice",
		Status:          model.WorkflowStatusPending,
		StageEnteredAt:  testNow.Add(-age),
		Stage: model.StageDefinition{
			ID:                    "manager_review",
			SLAHours:              24,
			WarningThresholdHours: 2,
			EscalationEnabled:     true,
			EscalationTarget:      model.NextInHierarchy(),
		},
	}
}

func (f *fixture) seed(tasks ...model.WorkflowInstance) {
	f.t.Helper()
	for _, inst := range tasks {
		if err := f.store.Create(context.Background(), inst); err != nil {
			f.t.Fatalf("Create(%s) error = %v", inst.ID, err)
		}
	}
}

func (f *fixture) get(id string) model.WorkflowInstance {
	f.t.Helper()
	inst, err := f.store.Get(context.Background(), "acme", id)
	if err != nil {
		f.t.Fatalf("Get(%s) error = %v", id, err)
	}
	return inst
}

func (f *fixture) events(id string, eventType string) []model.EscalationEvent {
	f.t.Helper()
	all, err := f.sink.ListByInstance(context.Background(), "acme", id)
	if err != nil {
		f.t.Fatalf("ListByInstance(%s) error = %v", id, err)
	}
	var out []model.EscalationEvent
	for _, e := range all {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func taskID(i int) string {
	return fmt.Sprintf("wf-%03d", i)
}
