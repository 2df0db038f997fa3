// Package integration provides a reusable test harness for end-to-end
// testing of the escalation engine. It starts the admin HTTP server over a
// fully wired scheduler backed by in-memory task and audit stores, a
// miniredis lease store, a mock org-structure service and a recording NATS
// publisher.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/escalator/internal/audit"
	"github.com/pitabwire/escalator/internal/config"
	"github.com/pitabwire/escalator/internal/escalation"
	"github.com/pitabwire/escalator/internal/lease"
	"github.com/pitabwire/escalator/internal/notify"
	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/internal/orgchart"
	"github.com/pitabwire/escalator/internal/resilience"
	"github.com/pitabwire/escalator/internal/transport"
	"github.com/pitabwire/escalator/internal/workflow"
	"github.com/pitabwire/escalator/model"
)

// TestHarness encapsulates a fully wired engine for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store      *workflow.MemoryTaskStore
	Sink       *audit.MemorySink
	Redis      *miniredis.Miniredis
	OrgService *MockOrgService
	Publisher  *RecordingPublisher
	Scheduler  *escalation.Scheduler
	Registry   *prometheus.Registry

	cfg *config.Config
	now func() time.Time
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policy           string
	failureThreshold int
	handlerTimeout   time.Duration
}

// WithReescalationPolicy sets the re-escalation policy.
func WithReescalationPolicy(policy string) HarnessOption {
	return func(c *harnessConfig) {
		c.policy = policy
	}
}

// WithBreakerThreshold sets the consecutive failures that open the org
// service breaker.
func WithBreakerThreshold(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.failureThreshold = n
	}
}

// NewTestHarness creates and starts a full engine instance. Everything is
// cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		policy:           config.PolicySameTarget,
		failureThreshold: 3,
		handlerTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	cfg := config.Defaults()
	cfg.Escalation.ReescalationPolicy = hc.policy
	cfg.Escalation.WorkerConcurrency = 4
	cfg.Escalation.PerTaskTimeout = 3 * time.Second
	cfg.Escalation.IOTimeout = time.Second
	cfg.OrgChart.CircuitBreaker.FailureThreshold = hc.failureThreshold
	cfg.OrgChart.CircuitBreaker.Timeout = time.Minute

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	leaser := lease.NewRedisLeaser(rdb, cfg.Lease.Prefix)

	org := newMockOrgService(t)
	orgBreaker := resilience.New("org-service", resilience.Settings{
		FailureThreshold: cfg.OrgChart.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.OrgChart.CircuitBreaker.SuccessThreshold,
		OpenTimeout:      cfg.OrgChart.CircuitBreaker.Timeout,
		OnStateChange:    metrics.ObserveBreaker,
	})
	resolver := orgchart.NewHTTPResolver(orgchart.HTTPResolverConfig{
		BaseURL: org.URL(),
		Token:   "org-service-token",
		Timeout: time.Second,
		Breaker: orgBreaker,
	})

	pub := &RecordingPublisher{}
	notifyBreaker := resilience.New("notifier", resilience.Settings{OnStateChange: metrics.ObserveBreaker})
	dispatcher := notify.NewGuardedDispatcher(
		notify.NewNatsDispatcher(pub, cfg.Notify.SubjectPrefix),
		notifyBreaker,
	)

	store := workflow.NewMemoryTaskStore()
	sink := audit.NewMemorySink()

	h := &TestHarness{
		t:          t,
		issuer:     newTokenIssuer(),
		Store:      store,
		Sink:       sink,
		Redis:      mr,
		OrgService: org,
		Publisher:  pub,
		Registry:   reg,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}

	h.Scheduler = escalation.NewScheduler(escalation.Deps{
		Store:      store,
		Leaser:     leaser,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Recorder:   audit.NewRecorder(sink, cfg.Escalation.IOTimeout),
		Metrics:    metrics,
		Logger:     logger,
	}, escalation.ConfigFrom(cfg.Escalation))

	runCtx, cancelRuns := context.WithCancel(context.Background())
	t.Cleanup(cancelRuns)

	router := transport.NewRouter(transport.Dependencies{
		Scheduler: h.Scheduler,
		Readiness: observability.ReadinessChecks{
			TaskStore: store,
			Lease:     leaser,
			OrgChart:  resolver,
			Notifier: observability.HealthCheckFunc(func(context.Context) error {
				if notifyBreaker.State() == resilience.Open {
					return model.NewBackendUnavailableError("notifier")
				}
				return nil
			}),
		},
		Metrics:        metrics,
		Gatherer:       reg,
		Logger:         logger,
		Authenticate:   transport.HMACAuthenticator(h.issuer.secret, h.issuer.issuer),
		RunContext:     runCtx,
		HandlerTimeout: hc.handlerTimeout,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid admin JWT for subject.
func (h *TestHarness) GenerateToken(subject string) string {
	return h.issuer.GenerateToken(subject)
}

// GenerateExpiredToken creates an admin JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(subject string) string {
	return h.issuer.GenerateExpiredToken(subject)
}

// --- Fixtures ---

// SeedTask stores a pending task held by assignee that entered its stage
// age ago under a 24h SLA with a 2h warning threshold.
func (h *TestHarness) SeedTask(id, assignee string, age time.Duration, target model.EscalationTarget) {
	h.t.Helper()
	err := h.Store.Create(context.Background(), model.WorkflowInstance{
		ID:              id,
		WorkflowID:      "purchase_order",
		TenantID:        "acme",
		CurrentStage:    "finance_review",
		CurrentAssignee: assignee,
		Status:          model.WorkflowStatusPending,
		StageEnteredAt:  h.now().Add(-age),
		Stage: model.StageDefinition{
			ID:                    "finance_review",
			SLAHours:              24,
			WarningThresholdHours: 2,
			EscalationEnabled:     true,
			EscalationTarget:      target,
		},
	})
	if err != nil {
		h.t.Fatalf("seed task %s: %v", id, err)
	}
}

// Task returns the stored task.
func (h *TestHarness) Task(id string) model.WorkflowInstance {
	h.t.Helper()
	inst, err := h.Store.Get(context.Background(), "acme", id)
	if err != nil {
		h.t.Fatalf("get task %s: %v", id, err)
	}
	return inst
}

// Events returns the audit events of the given type for a task.
func (h *TestHarness) Events(id, eventType string) []model.EscalationEvent {
	h.t.Helper()
	all, err := h.Sink.ListByInstance(context.Background(), "acme", id)
	if err != nil {
		h.t.Fatalf("list events %s: %v", id, err)
	}
	var out []model.EscalationEvent
	for _, e := range all {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// --- HTTP client helpers ---

// GET performs a GET request, authenticated when token is non-empty.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, token)
}

// POST performs a POST request without a body.
func (h *TestHarness) POST(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, token)
}

func (h *TestHarness) doRequest(method, path, token string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, nil)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		h.t.Fatalf("decode response: %v", err)
	}
}

// ReadBody reads and returns the response body.
func (h *TestHarness) ReadBody(resp *http.Response) string {
	h.t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read body: %v", err)
	}
	return string(b)
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, expected, h.ReadBody(resp))
	}
}

// TriggerAndWait starts a run through the admin API and waits until its
// summary is published.
func (h *TestHarness) TriggerAndWait(t *testing.T) model.RunSummary {
	t.Helper()
	resp := h.POST("/v1/runs", h.GenerateToken("ops-admin"))
	h.AssertStatus(t, resp, http.StatusAccepted)
	var accepted struct {
		RunID string `json:"run_id"`
	}
	h.ParseJSON(resp, &accepted)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var summary struct {
			State   string            `json:"state"`
			LastRun *model.RunSummary `json:"last_run"`
		}
		h.ParseJSON(h.GET("/v1/summary", ""), &summary)
		if summary.LastRun != nil && summary.LastRun.RunID == accepted.RunID {
			return *summary.LastRun
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", accepted.RunID)
	return model.RunSummary{}
}

// MetricValue returns the sample value of the first line in the metrics
// exposition that starts with series.
func (h *TestHarness) MetricValue(t *testing.T, series string) string {
	t.Helper()
	body := h.ReadBody(h.GET("/metrics", ""))
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, series+" ") {
			return strings.TrimPrefix(line, series+" ")
		}
	}
	t.Fatalf("series %s not found in metrics output", series)
	return ""
}

// --- NATS ---

// RecordingPublisher captures published NATS messages.
type RecordingPublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

// PublishMsg records m.
func (p *RecordingPublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

// FlushWithContext succeeds unless a failure was injected.
func (p *RecordingPublisher) FlushWithContext(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// FailWith makes every publish fail with err; nil restores delivery.
func (p *RecordingPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Notifications decodes every message published on subject.
func (p *RecordingPublisher) Notifications(t *testing.T, subject string) []notify.Notification {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Notification
	for _, m := range p.msgs {
		if m.Subject != subject {
			continue
		}
		var n notify.Notification
		if err := json.Unmarshal(m.Data, &n); err != nil {
			t.Fatalf("decode notification on %s: %v", subject, err)
		}
		if m.Header.Get(nats.MsgIdHdr) != n.ID {
			t.Errorf("message id header = %q, want %q", m.Header.Get(nats.MsgIdHdr), n.ID)
		}
		out = append(out, n)
	}
	return out
}

// --- Org service ---

// MockOrgService serves the org-structure REST API from an in-memory
// directory and can be switched into failure mode.
type MockOrgService struct {
	server *httptest.Server

	mu      sync.RWMutex
	people  map[string]orgchart.Person
	failing bool
	calls   int
}

func newMockOrgService(t *testing.T) *MockOrgService {
	t.Helper()
	m := &MockOrgService{people: make(map[string]orgchart.Person)}
	for _, p := range []orgchart.Person{
		{ID: "alice", Manager: "bob"},
		{ID: "bob", Manager: "carol"},
		{ID: "carol", Manager: "dave"},
		{ID: "dave"},
		{ID: "frank", Roles: []string{"finance_director"}},
	} {
		m.people[p.ID] = p
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /tenants/{tenant}/users/{user}", m.handle(func(r *http.Request) (any, bool) {
		p, ok := m.people[r.PathValue("user")]
		return p, ok
	}))
	mux.HandleFunc("GET /tenants/{tenant}/users/{user}/manager", m.handle(func(r *http.Request) (any, bool) {
		p, ok := m.people[r.PathValue("user")]
		if !ok || p.Manager == "" {
			return nil, false
		}
		mgr, ok := m.people[p.Manager]
		return mgr, ok
	}))
	mux.HandleFunc("GET /tenants/{tenant}/roles/{role}/holders", m.handle(func(r *http.Request) (any, bool) {
		holders := []orgchart.Person{}
		for _, id := range []string{"alice", "bob", "carol", "dave", "frank"} {
			for _, role := range m.people[id].Roles {
				if role == r.PathValue("role") {
					holders = append(holders, m.people[id])
				}
			}
		}
		return map[string]any{"holders": holders}, true
	}))

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func (m *MockOrgService) handle(lookup func(*http.Request) (any, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls++
		failing := m.failing
		m.mu.Unlock()

		if r.PathValue("tenant") != "acme" || r.Header.Get("Authorization") != "Bearer org-service-token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		m.mu.RLock()
		body, ok := lookup(r)
		m.mu.RUnlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
}

// URL returns the service base URL.
func (m *MockOrgService) URL() string {
	return m.server.URL
}

// SetFailing switches every endpoint to 503 when failing is true.
func (m *MockOrgService) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

// SetActive marks a person active or inactive.
func (m *MockOrgService) SetActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.people[id]
	p.Active = &active
	m.people[id] = p
}

// Calls returns the number of requests served.
func (m *MockOrgService) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// String describes the directory for test output.
func (m *MockOrgService) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("org service at %s with %d people", m.server.URL, len(m.people))
}
